package intesa

import (
	"fmt"
	"time"
)

// ParticipantID identifies a participant across the whole session: it is
// the offset of the partition it was granted.
type ParticipantID uint64

// AuthorityID is the participant id of the single authority.
const AuthorityID ParticipantID = 0

// Participant is a process-local seat that can submit operations: the
// authority's referee, a player, a bot. Implementations embed
// ParticipantCore and declare their Role.
type Participant interface {
	Observing
	Role() Role

	participantCore() *ParticipantCore
}

// ParticipantCore is the embeddable base of every Participant. The game
// factories attach it to a world, a dispatcher and a partition before any
// hook runs.
type ParticipantCore struct {
	obs  *Observer
	w    World
	d    dispatcher
	part *Partition
}

// dispatcher is the seam between a participant and whatever applies its
// operations: the Dispatcher directly on the authority and in sandbox
// games, the Client on remote participants.
type dispatcher interface {
	dispatch(op Operation)
}

func (c *ParticipantCore) participantCore() *ParticipantCore { return c }

func (c *ParticipantCore) attach(w World, d dispatcher, part *Partition) {
	c.w = w
	c.d = d
	c.part = part
}

// ID returns the participant's session-wide identity: its partition offset.
func (c *ParticipantCore) ID() ParticipantID {
	if c.part == nil {
		panic(fmt.Errorf("%w: no partition yet", ErrNotAttached))
	}
	return c.part.Offset()
}

// Seats returns how many seats the session was partitioned into, the
// authority's included. Identical on every process once granted.
func (c *ParticipantCore) Seats() uint64 {
	if c.part == nil {
		panic(fmt.Errorf("%w: no partition yet", ErrNotAttached))
	}
	return c.part.Spacing()
}

// World returns the world this participant lives in.
func (c *ParticipantCore) World() World {
	if c.w == nil {
		panic(fmt.Errorf("%w: no world yet", ErrNotAttached))
	}
	return c.w
}

// Observer returns the participant's subscription table. Participants are
// not replicated, so it accepts subscriptions at any time.
func (c *ParticipantCore) Observer() *Observer {
	if c.obs == nil {
		c.obs = &Observer{}
	}
	return c.obs
}

// Submit stamps op with this participant's identity, mints ids for its
// spawns, runs the local validation and, if it passes, applies the
// operation optimistically and hands it to the reconciliation machinery.
// It returns false when local validation blocked the dispatch. It never
// blocks on the network.
func (c *ParticipantCore) Submit(op Operation) bool {
	if c.d == nil {
		panic(fmt.Errorf("%w: submit before Start", ErrNotAttached))
	}
	if c.part == nil {
		panic(fmt.Errorf("%w: no partition granted yet", ErrNotSynchronized))
	}
	op.operationCore().stamp(c.part)
	if !validateOperation(c.w, c.part, op) {
		return false
	}
	c.d.dispatch(op)
	return true
}

// RefereeCore is the embeddable base of the authority participant. Its
// Tick offers every active entity a Reporter, the one-tick window through
// which entities ask the referee to submit operations on their behalf.
// Embedders overriding Tick call it explicitly to keep the report loop.
type RefereeCore struct {
	ParticipantCore
}

func (r *RefereeCore) Role() Role { return RoleReferee }

func (r *RefereeCore) Tick(w World, dt time.Duration) {
	rep := &Reporter{w: w, core: &r.ParticipantCore}
	for e := range w.Each() {
		if rpt, ok := e.(Reportable); ok {
			rpt.Report(rep)
		}
	}
	rep.stale = true
}

// Reportable is implemented by entities that want to talk to the referee
// once per tick.
type Reportable interface {
	Report(r *Reporter)
}

// Reporter hands entities a one-tick capability to submit operations as
// the referee. It expires when the tick ends: stashing a reporter and
// using it later panics instead of silently submitting stale state.
type Reporter struct {
	w     World
	core  *ParticipantCore
	stale bool
}

func (r *Reporter) World() World { return r.w }

func (r *Reporter) Submit(op Operation) bool {
	if r.stale {
		panic(fmt.Errorf("%w: keep the reporter inside Report", ErrStaleReporter))
	}
	return r.core.Submit(op)
}
