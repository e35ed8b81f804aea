package intesa

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/intesa/pkg/wire"
)

// Remote is the authority-side proxy of one connected participant. It owns
// the seat granted to that connection, arbitrates every proposal arriving on
// it, and relays the operations everyone else got through.
//
// A proposal whose claimed sender does not match the seat is dropped without
// a response: honest clients cannot produce one, so there is nobody to
// answer. Every other proposal gets exactly one verdict, even when rejected.
type Remote struct {
	ch   Channel
	reg  *wire.Registry
	d    *Dispatcher
	w    World
	part *Partition

	name string
	gone bool

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newRemote(ch Channel, reg *wire.Registry, d *Dispatcher, w World, part *Partition, cfg *config) *Remote {
	seat := strconv.FormatUint(uint64(part.Offset()), 10)
	return &Remote{
		ch:     ch,
		reg:    reg,
		d:      d,
		w:      w,
		part:   part,
		logger: slog.New(cfg.logHandler).With(LabelParticipant.L(seat)),
		msink:  cfg.metricSink,
		labels: append(append([]metrics.Label{}, cfg.metricLabels...), LabelParticipant.M(seat)),
	}
}

// Name returns whatever the participant announced in its greeting. Purely
// informational.
func (r *Remote) Name() string { return r.name }

// Seat returns the participant id this connection was granted.
func (r *Remote) Seat() ParticipantID { return r.part.Offset() }

// Gone reports whether the connection broke. A gone remote stops receiving
// relays; the world keeps running without it.
func (r *Remote) Gone() bool { return r.gone }

// grant hands the seat to the participant. First frame of every session.
func (r *Remote) grant() error {
	g := &wire.Grant{
		Offset:  uint64(r.part.Offset()),
		Spacing: r.part.Spacing(),
		Floor:   uint64(r.part.Floor()),
	}
	if err := r.ch.TrySend(g); err != nil {
		return fmt.Errorf("granting partition: %w", err)
	}
	r.msink.IncrCounterWithLabels(MetricIntesaConnEstCount, 1, r.labels)
	return nil
}

// pump handles every frame the participant sent since the last call.
func (r *Remote) pump() {
	if r.gone {
		return
	}
	frames, err := r.ch.Receive()
	if err != nil {
		r.drop("participant disconnected", err)
		return
	}
	for _, f := range frames {
		switch fr := f.(type) {
		case *wire.Hello:
			r.name = fr.Name
			r.logger.Debug("participant greeted", slog.String("name", fr.Name))
		case *wire.Propose:
			r.propose(fr)
		default:
			// Clients have no business sending authority frames. Cut the
			// connection rather than guessing what they meant.
			r.drop("unexpected frame from participant",
				fmt.Errorf("%w: %T", ErrProtocolViolation, f))
			return
		}
	}
}

// propose arbitrates one proposal: decode, check the claimed seat, validate
// against the authoritative world, respond with the verdict, then execute
// and fan out anything that was not rejected.
func (r *Remote) propose(fr *wire.Propose) {
	op, err := decodeOperation(r.reg, fr.Op, fr.Corr)
	if err != nil {
		r.logger.Warn("dropping undecodable operation",
			slog.Uint64("corr", fr.Corr), LabelError.L(err.Error()))
		r.msink.IncrCounterWithLabels(MetricIntesaOpDroppedCount, 1, r.labels)
		return
	}
	c := op.operationCore()

	if c.sender != r.part.Offset() {
		r.logger.Debug("dropping operation with mismatched sender",
			slog.Uint64("corr", fr.Corr),
			slog.Uint64("claimed", uint64(c.sender)))
		r.msink.IncrCounterWithLabels(MetricIntesaOpDroppedCount, 1, r.labels)
		return
	}

	outcome := OutcomeAccepted
	var payload any
	if !validateOperation(r.w, r.part, op) {
		outcome = OutcomeRejected
		if cor, ok := op.(Corrector); ok {
			if p, admit := cor.PrepareCorrection(r.w); admit {
				outcome = OutcomeCorrected
				payload = p
			}
		}
	}
	c.assign(outcome, payload)

	resp := &wire.Response{
		Corr:    fr.Corr,
		Outcome: uint8(outcome),
		Payload: encodePayload(r.reg, payload),
	}
	if err := r.ch.TrySend(resp); err != nil {
		// A lost verdict stalls the origin's send cache forever, which is
		// worse than losing the participant. Cut the connection.
		r.drop("cannot respond to participant", err)
		return
	}
	r.msink.IncrCounterWithLabels(MetricIntesaResponseOutCount, 1, r.labels)
	r.logger.Debug("operation arbitrated",
		slog.Uint64("corr", fr.Corr),
		LabelOperation.L(fmt.Sprintf("%T", op)),
		LabelOutcome.L(outcome.String()))

	if outcome == OutcomeRejected {
		r.msink.IncrCounterWithLabels(MetricIntesaOpRejectedCount, 1, r.labels)
		return
	}
	r.d.apply(op)
	if outcome == OutcomeCorrected {
		r.d.correct(op, payload)
	}
}

// relay forwards an operation this connection did not originate, annotated
// with the authority's verdict so the receiver can chain the correction
// without waiting for anything else.
func (r *Remote) relay(op Operation) {
	if r.gone {
		return
	}
	c := op.operationCore()
	if c.hasSender && c.sender == r.part.Offset() {
		// Never echo an operation back to its origin: it reconciles
		// through its own response.
		return
	}

	// Operations the authority's own participants submit never go through
	// arbitration, so their verdict is still pending here. On the wire they
	// are accepted by construction.
	outcome := c.outcome
	if outcome == OutcomePending {
		outcome = OutcomeAccepted
	}
	f := &wire.Relay{
		Op:      encodeOperation(r.reg, op),
		Outcome: uint8(outcome),
	}
	if outcome == OutcomeCorrected {
		f.Payload = encodePayload(r.reg, c.payload)
	}

	if err := r.ch.TrySend(f); err != nil {
		if errors.Is(err, ErrChannelClosed) {
			r.drop("participant disconnected", err)
			return
		}
		// Backpressure: the peer is stalling. Dropping a relay only delays
		// its convergence, so prefer that over blocking the whole game.
		r.logger.Warn("dropping relay to stalling participant",
			LabelOperation.L(fmt.Sprintf("%T", op)), LabelError.L(err.Error()))
		r.msink.IncrCounterWithLabels(MetricIntesaOpDroppedCount, 1, r.labels)
		return
	}
	r.msink.IncrCounterWithLabels(MetricIntesaOpRelayedCount, 1, r.labels)
}

func (r *Remote) drop(msg string, err error) {
	r.gone = true
	_ = r.ch.Close()
	r.logger.Info(msg, LabelError.L(err.Error()))
	r.msink.IncrCounterWithLabels(MetricIntesaConnErrorCount, 1, r.labels)
}
