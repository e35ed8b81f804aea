// Package lobby discovers game sessions on a local network. Serving hosts
// advertise their session in the gossip metadata of a memberlist cluster;
// joining hosts browse the cluster and pick an advert to dial. The lobby
// carries no game traffic: once a client knows the authority's address it
// talks QUIC to it directly.
package lobby

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/memberlist"
)

var (
	ErrClosed       = errors.New("lobby: closed")
	ErrAdvertTooBig = errors.New("lobby: advert does not fit in gossip metadata")
)

// Advert describes one joinable session: where its authority listens and
// what it is running. The ID distinguishes restarts of the same host.
type Advert struct {
	ID   uuid.UUID `codec:"id"`
	Game string    `codec:"game"`
	Addr string    `codec:"addr"`
	Port int       `codec:"port"`
}

// Target returns the address to dial, as fed to Transport.Dial.
func (a Advert) Target() string {
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

// Config for a lobby endpoint.
type Config struct {
	// NodeName uniquely identifies this process in the lobby. Defaults to
	// a fresh uuid.
	NodeName string

	// BindAddr and BindPort are where the gossip protocol listens. They
	// are distinct from the game transport's port.
	BindAddr string
	BindPort int

	// Advert is what this process offers, nil when it only browses.
	Advert *Advert

	// Neighbours seeds the cluster: addresses of lobbies already running.
	// An empty list starts a cluster of one, which peers can seed off.
	Neighbours []string

	// MetricLabels to add to every metric the gossip layer emits.
	MetricLabels []metrics.Label

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Lobby is one endpoint of the discovery cluster.
type Lobby struct {
	ml     *memberlist.Memberlist
	logger *slog.Logger

	lk     sync.Mutex
	closed bool
}

// Open starts gossiping and, when cfg.Neighbours is set, joins the existing
// cluster.
func Open(cfg Config) (*Lobby, error) {
	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	logger := slog.New(handler)

	var meta []byte
	if cfg.Advert != nil {
		raw, err := encodeAdvert(*cfg.Advert)
		if err != nil {
			return nil, err
		}
		if len(raw) > memberlist.MetaMaxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrAdvertTooBig, len(raw))
		}
		meta = raw
	}

	mcfg := memberlist.DefaultLANConfig()
	mcfg.Name = cfg.NodeName
	if mcfg.Name == "" {
		mcfg.Name = uuid.NewString()
	}
	if cfg.BindAddr != "" {
		mcfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mcfg.BindPort = cfg.BindPort
		mcfg.AdvertisePort = cfg.BindPort
	}
	mcfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	// memberlist still speaks the legacy metrics package, so the labels
	// need translating.
	mcfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mcfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	mcfg.Delegate = &delegate{meta: meta}
	mcfg.Events = &events{logger: logger}

	ml, err := memberlist.Create(mcfg)
	if err != nil {
		return nil, fmt.Errorf("lobby: %w", err)
	}
	lb := &Lobby{ml: ml, logger: logger}

	if len(cfg.Neighbours) > 0 {
		joined, err := ml.Join(cfg.Neighbours)
		if err != nil {
			_ = ml.Shutdown()
			return nil, fmt.Errorf("lobby: joining: %w", err)
		}
		logger.Info("lobby joined")
		if joined != len(cfg.Neighbours) {
			logger.Warn("not all neighbours are reachable",
				slog.Int("joined", joined),
				slog.Int("expected", len(cfg.Neighbours)))
		}
	}
	return lb, nil
}

// Games lists every session currently advertised in the cluster, this
// process's own included.
func (lb *Lobby) Games() []Advert {
	lb.lk.Lock()
	if lb.closed {
		lb.lk.Unlock()
		return nil
	}
	lb.lk.Unlock()

	var out []Advert
	for _, node := range lb.ml.Members() {
		if len(node.Meta) == 0 {
			continue
		}
		ad, err := decodeAdvert(node.Meta)
		if err != nil {
			lb.logger.Warn("ignoring malformed advert",
				slog.String("node", node.Name), slog.String("error", err.Error()))
			continue
		}
		if ad.Addr == "" {
			// Advertisers that don't know their own address mean
			// "reach me where the gossip came from".
			ad.Addr = node.Addr.String()
		}
		out = append(out, ad)
	}
	return out
}

// NumPeers counts the cluster members, browsers included.
func (lb *Lobby) NumPeers() int {
	return lb.ml.NumMembers()
}

// Close leaves the cluster gracefully and releases the gossip resources.
func (lb *Lobby) Close() error {
	lb.lk.Lock()
	if lb.closed {
		lb.lk.Unlock()
		return nil
	}
	lb.closed = true
	lb.lk.Unlock()

	if err := lb.ml.Leave(2 * time.Second); err != nil {
		lb.logger.Warn("lobby leave timed out", slog.String("error", err.Error()))
	}
	return lb.ml.Shutdown()
}

// delegate publishes the advert as this node's gossip metadata.
type delegate struct {
	meta []byte
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

type events struct {
	logger *slog.Logger
}

func (e *events) NotifyJoin(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer joined lobby")
}

func (e *events) NotifyLeave(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer left lobby")
}

func (e *events) NotifyUpdate(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.String("node", node.Name),
		slog.String("addr", node.Address()),
	)
}

func encodeAdvert(ad Advert) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	hd := codec.MsgpackHandle{}
	if err := codec.NewEncoder(buf, &hd).Encode(&ad); err != nil {
		return nil, fmt.Errorf("lobby: encoding advert: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeAdvert(raw []byte) (Advert, error) {
	var ad Advert
	hd := codec.MsgpackHandle{}
	if err := codec.NewDecoderBytes(raw, &hd).Decode(&ad); err != nil {
		return Advert{}, fmt.Errorf("lobby: decoding advert: %w", err)
	}
	return ad, nil
}
