package intesa

import "fmt"

// Outcome is the authority's verdict on a submitted operation.
type Outcome uint8

const (
	// OutcomePending means no verdict yet: the operation was applied
	// optimistically and sits in the send cache.
	OutcomePending Outcome = iota
	// OutcomeAccepted means the optimistic execution already matches the
	// authoritative one.
	OutcomeAccepted
	// OutcomeCorrected means the effect was admitted but participants must
	// converge on the authority's detail through a correction payload.
	OutcomeCorrected
	// OutcomeRejected means the operation never happened: the origin rolls
	// it back, nobody else ever applies it.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeCorrected:
		return "soft-correct"
	case OutcomeRejected:
		return "hard-reject"
	default:
		return "unknown"
	}
}

// Operation is one replicated state transition. Implementations embed
// OperationCore, stage the entities they introduce or retire before
// submission, and put the rest of their effect in Apply.
//
// Apply runs exactly once per endpoint, inside an unlocked scope, after the
// framework added the introduced entities and before it removes the retired
// ones. The framework handles the entity sets; Apply handles everything
// else.
type Operation interface {
	Apply(w World)

	operationCore() *OperationCore
}

// Validator is the optional pure validation predicate. It runs identically
// on the optimistic and the authoritative side and must not mutate
// anything. Operations without it always validate.
type Validator interface {
	Validate(w World, sender ParticipantID) bool
}

// Corrector makes an operation soft-correctable: when validation fails on
// the authority, PrepareCorrection may admit the effect anyway by building
// the payload every participant then converges on via ApplyCorrection.
// ApplyCorrection must not re-validate; it runs on top of the optimistic
// execution and has to end in the authority's state no matter what the
// local guess was.
type Corrector interface {
	PrepareCorrection(w World) (payload any, ok bool)
	ApplyCorrection(w World, payload any)
}

// Undoer reverts an operation's Apply on the participant that sent it,
// after a hard rejection. The framework re-inserts retired entities with
// their original ids and removes introduced ones before calling Undo; Undo
// reverts the field effects. An operation that can plausibly be rejected
// must implement this — a rejection without it panics ErrUnhandledRollback.
type Undoer interface {
	Undo(w World)
}

// OperationCore is the embeddable base of every Operation.
type OperationCore struct {
	sent      bool
	hasSender bool
	sender    ParticipantID
	corr      uint64

	spawns  []Entity
	retires []EntityID
	// live instances captured when the retires are removed, for rollback
	retired []Entity

	outcome Outcome
	payload any
}

func (c *OperationCore) operationCore() *OperationCore { return c }

// Spawn stages an entity this operation introduces. Its id is minted from
// the sender's partition at submission.
func (c *OperationCore) Spawn(e Entity) {
	if c.sent {
		panic(fmt.Errorf("%w: cannot stage another spawn", ErrOperationSent))
	}
	c.spawns = append(c.spawns, e)
}

// Retire stages the removal of an active entity, by id.
func (c *OperationCore) Retire(id EntityID) {
	if c.sent {
		panic(fmt.Errorf("%w: cannot stage another retire", ErrOperationSent))
	}
	c.retires = append(c.retires, id)
}

// Sender returns the submitting participant, 0 (the authority) included;
// meaningful once the operation was sent.
func (c *OperationCore) Sender() ParticipantID { return c.sender }

// Spawns returns the entities this operation introduces. Callers must not
// mutate the slice.
func (c *OperationCore) Spawns() []Entity { return c.spawns }

// Retires returns the ids of the entities this operation removes.
func (c *OperationCore) Retires() []EntityID { return c.retires }

// Outcome returns the authority's verdict, OutcomePending until the
// response (or annotated relay) arrived.
func (c *OperationCore) Outcome() Outcome { return c.outcome }

// stamp freezes the operation at send time: sender id, then one fresh id
// per staged spawn. Stamping twice is the "submitted twice" misuse.
func (c *OperationCore) stamp(p *Partition) {
	if c.sent {
		panic(fmt.Errorf("%w: operation from participant %d", ErrOperationSent, c.sender))
	}
	c.sender = p.Offset()
	c.hasSender = true
	for _, e := range c.spawns {
		e.entityCore().adopt(p.NextID())
	}
	c.sent = true
}

// restore rebuilds the frozen state on a decoded operation: the wire path's
// counterpart of stamp.
func (c *OperationCore) restore(sender ParticipantID, corr uint64, spawns []Entity, retires []EntityID) {
	c.sender = sender
	c.hasSender = true
	c.corr = corr
	c.spawns = spawns
	c.retires = retires
	c.sent = true
}

// assign sets the authority's verdict, exactly once.
func (c *OperationCore) assign(outcome Outcome, payload any) {
	if c.outcome != OutcomePending {
		panic(fmt.Errorf("%w: already %s", ErrOutcomeAssigned, c.outcome))
	}
	c.outcome = outcome
	c.payload = payload
}

// validateOperation is the framework's validation step: the entity-set
// check first — spawns pending, absent and owned by the sender's partition,
// retires present — then the operation's own predicate. Identical on the
// optimistic and the authoritative side.
func validateOperation(w World, p *Partition, op Operation) bool {
	c := op.operationCore()
	for _, e := range c.spawns {
		ec := e.entityCore()
		if !ec.hasID || ec.stage != StagePending {
			return false
		}
		if !p.Owns(ec.id) {
			return false
		}
		if _, taken := w.Get(ec.id); taken {
			return false
		}
	}
	for _, id := range c.retires {
		if _, ok := w.Get(id); !ok {
			return false
		}
	}
	if v, ok := op.(Validator); ok {
		return v.Validate(w, c.sender)
	}
	return true
}

// executeOperation is the framework's execute step: add the spawns, run
// Apply, remove the retires. The caller holds an unlocked scope. The
// removed instances are captured so a later hard reject can re-insert them
// with their original ids.
func executeOperation(w World, op Operation) {
	c := op.operationCore()
	wc := w.worldCore()
	for _, e := range c.spawns {
		wc.add(e)
	}
	op.Apply(w)
	c.retired = c.retired[:0]
	for _, id := range c.retires {
		e, ok := w.Get(id)
		if !ok {
			panic(fmt.Errorf("%w: retired id %d vanished between validation and execution", ErrNotActive, id))
		}
		c.retired = append(c.retired, e)
		wc.remove(e)
	}
}

// rollbackOperation reverts executeOperation on the origin of a rejected
// operation. The Undoer check happens before any mutation so an unhandled
// rollback leaves the world untouched.
func rollbackOperation(w World, op Operation) {
	u, ok := op.(Undoer)
	if !ok {
		panic(fmt.Errorf("%w: %T", ErrUnhandledRollback, op))
	}
	c := op.operationCore()
	wc := w.worldCore()
	for _, e := range c.spawns {
		// Look the spawn up by id: a later optimistic operation may have
		// already retired it, in which case there is nothing to remove.
		if live, ok := w.Get(e.entityCore().id); ok {
			wc.remove(live)
		}
	}
	for _, e := range c.retired {
		wc.revive(e)
	}
	u.Undo(w)
}
