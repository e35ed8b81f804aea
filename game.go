package intesa

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raskyld/intesa/pkg/wire"
)

// Starter is implemented by local participants that want a hook once the
// game is live. On the authority it runs during Start; on a client it runs
// the moment the partition grant arrives, since nothing can be submitted
// before that.
type Starter interface {
	GameStarted(w World)
}

// Ticker is implemented by local participants and entities that act once per
// game tick. Participants tick with the world locked and react by submitting
// operations. Entities tick inside an unlocked scope, which is meant for
// local presentation state; anything that must converge across participants
// still goes through an operation.
type Ticker interface {
	Tick(w World, dt time.Duration)
}

// Finisher is implemented by local participants that want a hook when the
// game is torn down.
type Finisher interface {
	GameFinished(w World)
}

// Game drives one endpoint of a session. It seats the local participants on
// their partitions, greets or grants over the session channels, and advances
// everything in ticks: incoming frames first, then the send cache, then the
// participants, then the world.
//
// A Game is not safe for concurrent use; Run ticks it from a single
// goroutine.
type Game struct {
	w      World
	dsp    *Dispatcher
	locals []Participant

	remotes []*Remote
	client  *Client
	name    string

	started   bool
	hooksLive bool
	finished  bool

	logger *slog.Logger
}

func newGame(w World, locals []Participant, opts []Option) (*Game, *config, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		return nil, nil, fmt.Errorf("%w: nil world", ErrInvalidCfg)
	}
	if len(locals) == 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoParticipants)
	}
	roles := make(map[Role]bool, len(locals))
	for _, p := range locals {
		if p == nil {
			return nil, nil, fmt.Errorf("%w: nil participant", ErrInvalidCfg)
		}
		if roles[p.Role()] {
			// Extensions are keyed by role, so two local participants
			// sharing one would silently shadow each other.
			return nil, nil, fmt.Errorf("%w: two local participants carry role %q", ErrInvalidCfg, p.Role())
		}
		roles[p.Role()] = true
	}

	wc := w.worldCore()
	wc.bind(w)
	wc.attach(locals)

	logger := slog.New(cfg.logHandler)
	g := &Game{
		w: w,
		dsp: &Dispatcher{
			w:      w,
			locals: locals,
			logger: logger,
			msink:  cfg.metricSink,
			labels: cfg.metricLabels,
		},
		locals: locals,
		logger: logger,
	}
	return g, cfg, nil
}

// NewLocalGame builds a sandbox: every participant lives in this process and
// submissions apply directly, with no arbitration and no wire. The referee
// is seated on the authority partition, the players on the remaining ones.
func NewLocalGame(w World, ref Participant, players []Participant, opts ...Option) (*Game, error) {
	locals := append([]Participant{ref}, players...)
	g, _, err := newGame(w, locals, opts)
	if err != nil {
		return nil, err
	}

	parts, err := PlanPartitions(len(locals), true, w.LastID())
	if err != nil {
		return nil, err
	}
	for i, p := range locals {
		p.participantCore().attach(w, g.dsp, parts[i])
	}
	return g, nil
}

// NewServerGame builds the authority endpoint: the referee and any local
// players submit directly, each connected channel becomes a remote seat
// whose proposals are arbitrated and whose accepted operations fan out to
// everyone else.
func NewServerGame(w World, ref Participant, players []Participant, reg *wire.Registry, conns []Channel, opts ...Option) (*Game, error) {
	locals := append([]Participant{ref}, players...)
	g, cfg, err := newGame(w, locals, opts)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidCfg)
	}

	parts, err := PlanPartitions(len(locals)+len(conns), true, w.LastID())
	if err != nil {
		return nil, err
	}
	for i, p := range locals {
		p.participantCore().attach(w, g.dsp, parts[i])
	}
	for j, ch := range conns {
		if ch == nil {
			return nil, fmt.Errorf("%w: nil channel", ErrInvalidCfg)
		}
		r := newRemote(ch, reg, g.dsp, w, parts[len(locals)+j], cfg)
		g.remotes = append(g.remotes, r)
		g.dsp.relays = append(g.dsp.relays, r)
	}
	return g, nil
}

// NewClientGame builds a remote endpoint: the single local participant
// submits optimistically through the reconciliation client. Its seat is
// unknown until the authority grants it, so the start hook is deferred to
// the grant.
func NewClientGame(w World, player Participant, reg *wire.Registry, conn Channel, opts ...Option) (*Game, error) {
	g, cfg, err := newGame(w, []Participant{player}, opts)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidCfg)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidCfg)
	}
	if player.Role() == RoleReferee {
		return nil, fmt.Errorf("%w: the referee lives on the authority", ErrInvalidCfg)
	}

	cl := newClient(conn, reg, g.dsp, cfg)
	cl.onGrant = func(part *Partition) {
		player.participantCore().attach(w, cl, part)
		g.startHooks()
	}
	g.client = cl
	g.name = cfg.playerName
	return g, nil
}

// World exposes the world this game drives, for inspection between ticks.
func (g *Game) World() World { return g.w }

// Synchronized reports whether the local participants are seated and their
// start hooks ran. Authority endpoints synchronize during Start, clients
// when their grant arrives.
func (g *Game) Synchronized() bool { return g.hooksLive }

// Done reports whether this game has nothing left to do: the world ended or
// Finish already ran.
func (g *Game) Done() bool { return g.finished || g.w.Ended() }

// Start opens the session. The authority grants every remote its seat and
// fires the start hooks; a client sends its greeting and keeps the hooks for
// the grant. Start never blocks on the network.
func (g *Game) Start() error {
	if g.started {
		panic(fmt.Errorf("%w: the game was already started", ErrInvalidCfg))
	}
	g.started = true

	if g.client != nil {
		return g.client.hello(g.name)
	}
	for _, r := range g.remotes {
		if err := r.grant(); err != nil {
			return err
		}
	}
	g.startHooks()
	return nil
}

func (g *Game) startHooks() {
	g.hooksLive = true
	g.logger.Info("game started", slog.Int("entities", g.w.Len()))
	for _, p := range g.locals {
		g.logger.Info("participant seated",
			LabelParticipant.L(uint64(p.participantCore().ID())),
			LabelRole.L(string(p.Role())))
		if s, ok := p.(Starter); ok {
			s.GameStarted(g.w)
		}
	}
}

// Tick advances the endpoint by one step: pump and reconcile the session
// channels, tick the local participants, then tick the world and its
// entities inside one unlocked scope. dt is the time elapsed since the
// previous tick.
func (g *Game) Tick(dt time.Duration) error {
	if !g.started {
		panic(fmt.Errorf("%w: tick before Start", ErrInvalidCfg))
	}
	if g.finished {
		return fmt.Errorf("%w: cannot tick", ErrGameOver)
	}

	if g.client != nil {
		if err := g.client.tick(); err != nil {
			return err
		}
	}
	for _, r := range g.remotes {
		r.pump()
	}

	if !g.hooksLive {
		// Still waiting for the partition grant.
		return nil
	}

	for _, p := range g.locals {
		if t, ok := p.(Ticker); ok {
			t.Tick(g.w, dt)
		}
	}

	g.w.worldCore().unlock(func() {
		for e := range g.w.Each() {
			if t, ok := e.(Ticker); ok {
				t.Tick(g.w, dt)
			}
		}
	})
	return nil
}

// Finish tears the endpoint down: finish hooks for the local participants if
// they ever started, then the session channels are closed. The world stays
// inspectable.
func (g *Game) Finish() error {
	if !g.started {
		panic(fmt.Errorf("%w: finish before Start", ErrInvalidCfg))
	}
	if g.finished {
		return fmt.Errorf("%w: finished twice", ErrGameOver)
	}
	g.finished = true

	if g.hooksLive {
		for _, p := range g.locals {
			if f, ok := p.(Finisher); ok {
				f.GameFinished(g.w)
			}
		}
	}

	if g.client != nil {
		_ = g.client.ch.Close()
	}
	for _, r := range g.remotes {
		_ = r.ch.Close()
	}
	g.logger.Info("game finished", slog.Bool("ended", g.w.Ended()))
	return nil
}

// Run owns the whole lifecycle: Start, a fixed-rate tick loop, Finish. It
// returns when the world ends, when the session breaks, or when ctx is
// canceled; rate defaults to 50ms when not positive.
func (g *Game) Run(ctx context.Context, rate time.Duration) error {
	if rate <= 0 {
		rate = 50 * time.Millisecond
	}
	if err := g.Start(); err != nil {
		return err
	}

	tick := time.NewTicker(rate)
	defer tick.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			_ = g.Finish()
			return ctx.Err()
		case now := <-tick.C:
			err := g.Tick(now.Sub(last))
			last = now
			if err != nil {
				_ = g.Finish()
				return err
			}
			if g.w.Ended() {
				return g.Finish()
			}
		}
	}
}
