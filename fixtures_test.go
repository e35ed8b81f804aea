package intesa

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/intesa/pkg/wire"
)

// The tests replicate a tiny depot of crates: just enough surface to
// exercise spawns, retires, corrections and rollbacks without dragging a
// whole game in.

const (
	crateMaxHP = 10
	depotCap   = 4

	roleViewer Role = "viewer"
	roleRaider Role = "raider"
)

type depot struct {
	WorldCore

	alarms int
}

func (d *depot) ring() {
	d.Guard()
	d.alarms++
}

func depotOf(w World) *depot { return w.(*depot) }

type crate struct {
	EntityCore

	HP int

	joined int
	left   int
}

func (c *crate) take(n int) {
	c.Guard()
	c.HP -= n
}

func (c *crate) set(hp int) {
	c.Guard()
	c.HP = hp
}

func (c *crate) Joined(w World) { c.joined++ }

func (c *crate) Leaving(w World) { c.left++ }

// Report asks the referee to scrap the crate once it is empty.
func (c *crate) Report(r *Reporter) {
	if c.HP <= 0 {
		r.Submit(newScrapCrate(c))
	}
}

// Extensions attaches a hit counter for any local participant seated as a
// viewer.
func (c *crate) Extensions() map[Role]ExtensionFactory {
	return map[Role]ExtensionFactory{
		roleViewer: newCrateView,
	}
}

type crateView struct {
	ExtensionCore

	c    *crate
	hits int
}

func newCrateView(_ Participant, e Entity) Extension {
	v := &crateView{c: e.(*crate)}
	OnExecuted[*raid](v, func(op *raid) {
		if op.Target == v.c.ID() {
			v.hits++
		}
	})
	return v
}

func crateAt(w World, id EntityID) (*crate, bool) {
	e, ok := w.Get(id)
	if !ok {
		return nil, false
	}
	c, ok := e.(*crate)
	return c, ok
}

func countCrates(w World) int {
	n := 0
	for e := range w.Each() {
		if _, ok := e.(*crate); ok {
			n++
		}
	}
	return n
}

// placeCrate introduces one crate. The depot only has room for a few, and
// the sender may not know it is full yet: a placement that finds no room on
// the authority is simply rejected.
type placeCrate struct {
	OperationCore
}

func newPlaceCrate(hp int) (*placeCrate, *crate) {
	c := &crate{HP: hp}
	op := &placeCrate{}
	op.Spawn(c)
	return op, c
}

func (op *placeCrate) Validate(w World, sender ParticipantID) bool {
	if countCrates(w)+len(op.Spawns()) > depotCap {
		return false
	}
	for _, e := range op.Spawns() {
		c, ok := e.(*crate)
		if !ok || c.HP < 1 || c.HP > crateMaxHP {
			return false
		}
	}
	return true
}

func (op *placeCrate) Apply(w World) {}

// Undo has nothing to revert: the framework already removed the spawn.
func (op *placeCrate) Undo(w World) {}

// raid loots a crate. The claim carries the hit points the raider saw when
// it committed, so a merely stale claim is soft-corrected to the
// authority's count; a raid on a crate that is gone never happened.
type raid struct {
	OperationCore

	Target EntityID
	Loot   int
	Expect int
}

// raidReport is the correction payload: the authoritative hit points left
// on the crate once the raid is admitted.
type raidReport struct {
	HP int
}

func newRaid(c *crate, loot int) *raid {
	return &raid{Target: c.ID(), Loot: loot, Expect: c.HP}
}

func (op *raid) Validate(w World, sender ParticipantID) bool {
	c, ok := crateAt(w, op.Target)
	return ok && op.Loot >= 1 && op.Expect == c.HP && op.Loot <= c.HP
}

func (op *raid) Apply(w World) {
	if c, ok := crateAt(w, op.Target); ok {
		c.take(op.Loot)
	}
}

func (op *raid) PrepareCorrection(w World) (any, bool) {
	c, ok := crateAt(w, op.Target)
	if !ok || op.Loot < 1 || c.HP < 1 {
		return nil, false
	}
	return &raidReport{HP: max(c.HP-op.Loot, 0)}, true
}

func (op *raid) ApplyCorrection(w World, payload any) {
	if c, ok := crateAt(w, op.Target); ok {
		c.set(payload.(*raidReport).HP)
	}
}

func (op *raid) Undo(w World) {
	if c, ok := crateAt(w, op.Target); ok {
		c.take(-op.Loot)
	}
}

// scrapCrate retires a crate.
type scrapCrate struct {
	OperationCore

	Target EntityID
}

func newScrapCrate(c *crate) *scrapCrate {
	op := &scrapCrate{Target: c.ID()}
	op.Retire(c.ID())
	return op
}

func (op *scrapCrate) Apply(w World) {}

// Undo has nothing to revert: the framework already revived the crate.
func (op *scrapCrate) Undo(w World) {}

// toggleAlarm mutates the depot itself, no entities involved.
type toggleAlarm struct {
	OperationCore
}

func (op *toggleAlarm) Apply(w World) {
	depotOf(w).ring()
}

// closeDepot ends the session.
type closeDepot struct {
	OperationCore
}

func (op *closeDepot) Apply(w World) {
	w.End()
}

func newTestRegistry() *wire.Registry {
	reg := wire.NewRegistry()
	wire.Register[*crate](reg, "crate")
	wire.Register[*placeCrate](reg, "place-crate")
	wire.Register[*raid](reg, "raid")
	wire.Register[*raidReport](reg, "raid-report")
	wire.Register[*scrapCrate](reg, "scrap-crate")
	wire.Register[*toggleAlarm](reg, "toggle-alarm")
	wire.Register[*closeDepot](reg, "close-depot")
	return reg
}

// puppet is a scriptable participant.
type puppet struct {
	ParticipantCore

	role     Role
	onStart  func(w World)
	onTick   func(w World, dt time.Duration)
	started  int
	ticks    int
	finished int
}

func (p *puppet) Role() Role { return p.role }

func (p *puppet) GameStarted(w World) {
	p.started++
	if p.onStart != nil {
		p.onStart(w)
	}
}

func (p *puppet) Tick(w World, dt time.Duration) {
	p.ticks++
	if p.onTick != nil {
		p.onTick(w, dt)
	}
}

func (p *puppet) GameFinished(w World) { p.finished++ }

// arbiter is a scriptable referee. Its Tick keeps the report loop.
type arbiter struct {
	RefereeCore

	onStart func(w World)
}

func (a *arbiter) GameStarted(w World) {
	if a.onStart != nil {
		a.onStart(w)
	}
}

func testHandler(t *testing.T) slog.Handler {
	t.Helper()
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "test", Value: slog.StringValue(t.Name())},
	})
}

// requirePanicsIs asserts that fn panics with an error matching target.
func requirePanicsIs(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, target)
	}()
	fn()
}

// newTestWorld binds a fresh depot, seats the given locals on consecutive
// partitions (authority first) and returns a dispatcher over them.
func newTestWorld(t *testing.T, locals ...Participant) (*depot, *Dispatcher) {
	t.Helper()
	w := &depot{}
	wc := w.worldCore()
	wc.bind(w)
	wc.attach(locals)

	d := &Dispatcher{
		w:      w,
		locals: locals,
		logger: slog.New(testHandler(t)),
		msink:  &metrics.BlackholeSink{},
	}

	if len(locals) > 0 {
		parts, err := PlanPartitions(len(locals), true, w.LastID())
		if err != nil {
			t.Fatalf("failed to plan partitions: %s", err)
		}
		for i, p := range locals {
			p.participantCore().attach(w, d, parts[i])
		}
	}
	return w, d
}
