package intesa

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-metrics"
)

// relayer is implemented by the server's per-participant proxies. They see
// every operation before it executes, so what goes on the wire is always
// the pre-execution image with the ids fixed at send time.
type relayer interface {
	relay(op Operation)
}

// Dispatcher applies already-validated operations to the local world and
// fans the resulting events out. It is used identically on the authority
// and, for purely local effects, on every participant. Failures in here
// are invariant violations, not recoverable conditions: validation already
// happened by the time an operation reaches it.
type Dispatcher struct {
	w      World
	locals []Participant
	relays []relayer

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func (d *Dispatcher) dispatch(op Operation) { d.apply(op) }

// apply runs the framework execute step inside one unlocked scope, then
// publishes operation-executed to the world (entities and their extensions
// react first, they may be queried by what comes next) and then to every
// local participant.
func (d *Dispatcher) apply(op Operation) {
	for _, r := range d.relays {
		r.relay(op)
	}

	wc := d.w.worldCore()
	wc.unlock(func() {
		executeOperation(d.w, op)
		d.publishWorld(EventExecuted, op)
	})
	d.publishLocals(EventExecuted, op)

	d.logger.Debug("operation executed",
		LabelOperation.L(fmt.Sprintf("%T", op)),
		LabelParticipant.L(op.operationCore().sender))
	d.msink.IncrCounterWithLabels(MetricIntesaOpExecutedCount, 1, d.opLabels(op))
	d.msink.SetGaugeWithLabels(MetricIntesaWorldEntities, float32(d.w.Len()), d.labels)
}

// correct converges the local world on the authority's detail after an
// optimistic execution turned out inexact.
func (d *Dispatcher) correct(op Operation, payload any) {
	cor, ok := op.(Corrector)
	if !ok {
		panic(fmt.Errorf("%w: %T was soft-corrected but cannot apply one", ErrProtocolViolation, op))
	}

	wc := d.w.worldCore()
	wc.unlock(func() {
		cor.ApplyCorrection(d.w, payload)
		d.publishWorld(EventCorrected, op)
	})
	d.publishLocals(EventCorrected, op)

	d.logger.Debug("operation corrected",
		LabelOperation.L(fmt.Sprintf("%T", op)),
		LabelParticipant.L(op.operationCore().sender))
	d.msink.IncrCounterWithLabels(MetricIntesaOpCorrectedCount, 1, d.opLabels(op))
}

// rollback reverts a hard-rejected operation on its origin.
func (d *Dispatcher) rollback(op Operation) {
	wc := d.w.worldCore()
	wc.unlock(func() {
		rollbackOperation(d.w, op)
		d.publishWorld(EventRejected, op)
	})
	d.publishLocals(EventRejected, op)

	d.logger.Debug("operation rolled back",
		LabelOperation.L(fmt.Sprintf("%T", op)))
	d.msink.IncrCounterWithLabels(MetricIntesaOpRejectedCount, 1, d.opLabels(op))
	d.msink.SetGaugeWithLabels(MetricIntesaWorldEntities, float32(d.w.Len()), d.labels)
}

func (d *Dispatcher) publishWorld(kind EventKind, op Operation) {
	d.w.Observer().emit(kind, op)
	for e := range d.w.Each() {
		if e.ID() == WorldID {
			continue
		}
		e.Observer().emit(kind, op)
		ec := e.entityCore()
		if len(ec.exts) == 0 {
			continue
		}
		roles := make([]Role, 0, len(ec.exts))
		for role := range ec.exts {
			roles = append(roles, role)
		}
		slices.Sort(roles)
		for _, role := range roles {
			ec.exts[role].Observer().emit(kind, op)
		}
	}
}

func (d *Dispatcher) publishLocals(kind EventKind, op Operation) {
	for _, p := range d.locals {
		p.Observer().emit(kind, op)
	}
}

func (d *Dispatcher) opLabels(op Operation) []metrics.Label {
	return append(
		slices.Clone(d.labels),
		LabelOperation.M(fmt.Sprintf("%T", op)),
	)
}
