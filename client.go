package intesa

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/intesa/pkg/wire"
)

// ClientState tracks where a client sits in its session lifecycle.
type ClientState uint8

const (
	// StateDisconnected means no usable session: either the client was
	// never started or the channel to the authority broke.
	StateDisconnected ClientState = iota
	// StateAwaitingPartition means the greeting went out and the client
	// is waiting for its identity partition. It cannot submit yet.
	StateAwaitingPartition
	// StateSynchronized means the partition arrived: the client owns a
	// seat and may submit operations.
	StateSynchronized
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingPartition:
		return "awaiting-partition"
	case StateSynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// Client runs the optimistic side of a session: operations submitted by the
// local participant are executed immediately against the local world, kept
// in a send cache keyed by a strictly increasing correlation id, and
// reconciled once the authority's verdict comes back.
//
// The cache drains strictly oldest-first and stops at the first entry whose
// verdict has not arrived, so corrections and rollbacks are always replayed
// in submission order. Submitting into a dead or full session panics with
// a wrapped [ErrDisconnected]: callers should gate submissions on State.
type Client struct {
	ch  Channel
	reg *wire.Registry
	d   *Dispatcher

	state ClientState
	part  *Partition
	corr  uint64
	cache []*cacheEntry

	// onGrant runs once when the partition arrives, before any frame that
	// follows it is handled. The game shell uses it to seat the local
	// participant and fire the start hooks it had to defer.
	onGrant func(*Partition)

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// cacheEntry pairs a sent operation with its reconciliation progress. The
// verdict itself is stored on the operation core so that PrepareCorrection
// payloads and outcomes stay introspectable from user code.
type cacheEntry struct {
	corr     uint64
	op       Operation
	resolved bool
}

func newClient(ch Channel, reg *wire.Registry, d *Dispatcher, cfg *config) *Client {
	return &Client{
		ch:     ch,
		reg:    reg,
		d:      d,
		logger: slog.New(cfg.logHandler),
		msink:  cfg.metricSink,
		labels: cfg.metricLabels,
	}
}

// State reports the session lifecycle stage.
func (cl *Client) State() ClientState {
	return cl.state
}

// Partition returns the identity partition granted by the authority, or nil
// while the client is still waiting for it.
func (cl *Client) Partition() *Partition {
	return cl.part
}

// hello announces the client to the authority and starts waiting for a
// partition grant.
func (cl *Client) hello(name string) error {
	if err := cl.ch.TrySend(&wire.Hello{Name: name}); err != nil {
		cl.state = StateDisconnected
		return fmt.Errorf("%w: greeting the authority: %w", ErrDisconnected, err)
	}
	cl.state = StateAwaitingPartition
	return nil
}

// dispatch implements the dispatcher used by the local participant: the
// operation is serialized before it executes so the authority validates the
// pre-execution image, cached for reconciliation, proposed to the authority,
// and only then applied locally.
func (cl *Client) dispatch(op Operation) {
	cl.corr++
	corr := cl.corr
	op.operationCore().corr = corr

	env := encodeOperation(cl.reg, op)
	cl.cache = append(cl.cache, &cacheEntry{corr: corr, op: op})
	if err := cl.ch.TrySend(&wire.Propose{Corr: corr, Op: env}); err != nil {
		cl.state = StateDisconnected
		panic(fmt.Errorf("%w: proposing operation %d: %w", ErrDisconnected, corr, err))
	}

	cl.msink.IncrCounterWithLabels(MetricIntesaOpSubmittedCount, 1, cl.labels)
	cl.msink.SetGaugeWithLabels(MetricIntesaSendCacheDepth, float32(len(cl.cache)), cl.labels)
	cl.d.apply(op)
}

// tick pumps every frame the channel buffered since the last call and then
// drains whatever prefix of the send cache has been reconciled.
func (cl *Client) tick() error {
	if err := cl.pump(); err != nil {
		return err
	}
	cl.drain()
	return nil
}

func (cl *Client) pump() error {
	frames, err := cl.ch.Receive()
	if err != nil {
		cl.state = StateDisconnected
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	for _, f := range frames {
		switch fr := f.(type) {
		case *wire.Grant:
			if err := cl.grant(fr); err != nil {
				return err
			}
		case *wire.Relay:
			if err := cl.relayed(fr); err != nil {
				return err
			}
		case *wire.Response:
			if err := cl.attach(fr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: authority sent %T", ErrProtocolViolation, f)
		}
	}
	return nil
}

func (cl *Client) grant(fr *wire.Grant) error {
	if cl.part != nil {
		return fmt.Errorf("%w: partition granted twice", ErrProtocolViolation)
	}
	part, err := NewPartition(fr.Offset, fr.Spacing, EntityID(fr.Floor))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	cl.part = part
	cl.state = StateSynchronized
	cl.labels = append(cl.labels,
		LabelParticipant.M(strconv.FormatUint(uint64(part.Offset()), 10)))
	cl.logger.Info("partition granted",
		LabelParticipant.L(strconv.FormatUint(uint64(part.Offset()), 10)),
		slog.Uint64("spacing", part.Spacing()),
		slog.Uint64("floor", uint64(part.Floor())))
	if cl.onGrant != nil {
		cl.onGrant(part)
	}
	return nil
}

// relayed executes an operation another participant got accepted. When the
// authority softened it into a correction, the relayed op carries the
// correction payload and both steps run back to back: execute the original
// intent, then correct it, exactly as the origin will once its own response
// drains.
func (cl *Client) relayed(fr *wire.Relay) error {
	op, err := decodeOperation(cl.reg, fr.Op, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	cl.msink.IncrCounterWithLabels(MetricIntesaOpRelayedCount, 1, cl.labels)
	switch Outcome(fr.Outcome) {
	case OutcomeAccepted:
		op.operationCore().assign(OutcomeAccepted, nil)
		cl.d.apply(op)
	case OutcomeCorrected:
		payload, err := decodePayload(cl.reg, fr.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		op.operationCore().assign(OutcomeCorrected, payload)
		cl.d.apply(op)
		cl.d.correct(op, payload)
	default:
		return fmt.Errorf("%w: relayed operation carries outcome %q",
			ErrProtocolViolation, Outcome(fr.Outcome))
	}
	return nil
}

// attach records the authority's verdict on a cached operation. The verdict
// is not acted upon here: draining happens in submission order only.
func (cl *Client) attach(fr *wire.Response) error {
	for _, entry := range cl.cache {
		if entry.corr != fr.Corr {
			continue
		}
		if entry.resolved {
			return fmt.Errorf("%w: duplicate response for operation %d",
				ErrProtocolViolation, fr.Corr)
		}
		switch Outcome(fr.Outcome) {
		case OutcomeAccepted, OutcomeCorrected, OutcomeRejected:
		default:
			return fmt.Errorf("%w: response for operation %d carries outcome %q",
				ErrProtocolViolation, fr.Corr, Outcome(fr.Outcome))
		}
		payload, err := decodePayload(cl.reg, fr.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		entry.op.operationCore().assign(Outcome(fr.Outcome), payload)
		entry.resolved = true
		cl.msink.IncrCounterWithLabels(MetricIntesaResponseInCount, 1, cl.labels)
		return nil
	}
	return fmt.Errorf("%w: response for unknown operation %d",
		ErrProtocolViolation, fr.Corr)
}

func (cl *Client) drain() {
	for len(cl.cache) > 0 {
		entry := cl.cache[0]
		if !entry.resolved {
			break
		}
		cl.cache = cl.cache[1:]

		op := entry.op
		c := op.operationCore()
		switch c.outcome {
		case OutcomeAccepted:
			// The optimistic execution already matches the authority.
			cl.logger.Debug("operation accepted",
				slog.Uint64("corr", entry.corr),
				LabelOperation.L(fmt.Sprintf("%T", op)))
		case OutcomeCorrected:
			cl.logger.Debug("operation soft-corrected",
				slog.Uint64("corr", entry.corr),
				LabelOperation.L(fmt.Sprintf("%T", op)))
			cl.d.correct(op, c.payload)
		case OutcomeRejected:
			cl.logger.Debug("operation hard-rejected",
				slog.Uint64("corr", entry.corr),
				LabelOperation.L(fmt.Sprintf("%T", op)))
			cl.d.rollback(op)
		}
	}
	cl.msink.SetGaugeWithLabels(MetricIntesaSendCacheDepth, float32(len(cl.cache)), cl.labels)
}
