package intesa

import (
	"fmt"
	"reflect"
	"slices"
)

// EventKind enumerates the reconciliation events the engine fans out.
type EventKind uint8

const (
	// EventExecuted fires after an operation's effect has been applied to
	// the local world.
	EventExecuted EventKind = iota
	// EventCorrected fires after a soft-correction payload has been applied
	// on top of an optimistic execution.
	EventCorrected
	// EventRejected fires on the origin after a hard-rejected operation has
	// been rolled back.
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventExecuted:
		return "executed"
	case EventCorrected:
		return "corrected"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Observing is anything that carries an Observer: entities, the world,
// participants and entity extensions.
type Observing interface {
	Observer() *Observer
}

// Observer is a per-component subscription table for reconciliation events,
// filtered by operation type. Entities only observe while they are active:
// a subscription made before an entity is replicated cannot itself be
// replicated and would desynchronize the fan-out trees of the other
// participants, so subscribing on a disabled Observer panics.
type Observer struct {
	disabled bool
	subs     map[EventKind][]*Subscription
}

// Subscription is a handle on one registered handler.
type Subscription struct {
	owner *Observer
	kind  EventKind
	typ   reflect.Type
	fn    func(Operation)
}

// OnExecuted registers fn for executed operations of concrete type T.
// T may also be an interface type to match categories of operations.
func OnExecuted[T Operation](v Observing, fn func(T)) *Subscription {
	return subscribe(v.Observer(), EventExecuted, fn)
}

// OnCorrected registers fn for soft-corrections applied to operations of
// type T.
func OnCorrected[T Operation](v Observing, fn func(T)) *Subscription {
	return subscribe(v.Observer(), EventCorrected, fn)
}

// OnRejected registers fn for hard-rejections rolled back on operations of
// type T. Only the origin of the operation ever observes these.
func OnRejected[T Operation](v Observing, fn func(T)) *Subscription {
	return subscribe(v.Observer(), EventRejected, fn)
}

func subscribe[T Operation](o *Observer, kind EventKind, fn func(T)) *Subscription {
	typ := reflect.TypeFor[T]()
	if o.disabled {
		panic(fmt.Errorf("%w: subscribing %s for %s", ErrSubscriptionsDisabled, typ, kind))
	}
	sub := &Subscription{
		owner: o,
		kind:  kind,
		typ:   typ,
		fn: func(op Operation) {
			if concrete, ok := op.(T); ok {
				fn(concrete)
			}
		},
	}
	if o.subs == nil {
		o.subs = make(map[EventKind][]*Subscription)
	}
	o.subs[kind] = append(o.subs[kind], sub)
	return sub
}

// Cancel removes the subscription from its Observer. Cancelling after the
// owning entity left the world panics like a late subscribe would: the
// subscription is already gone and the caller's bookkeeping is stale.
func (s *Subscription) Cancel() {
	o := s.owner
	if o.disabled {
		panic(fmt.Errorf("%w: cancelling %s for %s", ErrSubscriptionsDisabled, s.typ, s.kind))
	}
	o.subs[s.kind] = slices.DeleteFunc(o.subs[s.kind], func(other *Subscription) bool {
		return other == s
	})
}

// emit runs every matching handler. Disabled observers stay silent; the
// engine never fans out to them anyway since lookup and iteration only see
// active entities.
func (o *Observer) emit(kind EventKind, op Operation) {
	if o.disabled || o.subs == nil {
		return
	}
	// Handlers may subscribe or cancel while we iterate.
	for _, sub := range slices.Clone(o.subs[kind]) {
		if reflect.TypeOf(op).AssignableTo(sub.typ) {
			sub.fn(op)
		}
	}
}

func (o *Observer) enable() {
	o.disabled = false
}

// disable drops every subscription: if the owner comes back (the rollback
// path re-inserts retired entities) it rebuilds them in its joined hook.
func (o *Observer) disable() {
	o.disabled = true
	o.subs = nil
}
