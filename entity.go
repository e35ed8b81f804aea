package intesa

import (
	"fmt"
)

// EntityID identifies a replicated entity for the lifetime of the world.
// Ids are minted by the sender's Partition at operation send time, so every
// participant applies a given operation with the same ids. 0 is the world.
type EntityID uint64

// WorldID is the reserved identifier of the world itself.
const WorldID EntityID = 0

// Role names the seat a participant occupies. Entity extensions are keyed
// by it, one extension per role per entity.
type Role string

// RoleReferee is the authority's seat.
const RoleReferee Role = "referee"

// Stage is the lifecycle stage of a replicated entity.
type Stage uint8

const (
	// StagePending entities exist on one process only: constructed, not yet
	// introduced by an operation.
	StagePending Stage = iota
	// StageActive entities are replicated: reachable by id, iterated,
	// observing events.
	StageActive
	// StageRemoved entities left the world. Their id is kept so a rollback
	// can re-insert them, and is never reused for anything else.
	StageRemoved
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageActive:
		return "active"
	case StageRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Entity is a replicated object. Implementations embed EntityCore and add
// their domain fields and methods; every mutating method must call Guard
// first, setup-only methods call GuardPending.
type Entity interface {
	Observing
	ID() EntityID
	Stage() Stage

	entityCore() *EntityCore
}

// Joiner is implemented by entities that want a hook when they become
// active. Subscriptions belong here: they are cleared on removal and this
// hook is where they come back if the entity is ever re-inserted.
type Joiner interface {
	Joined(w World)
}

// Leaver is implemented by entities that want a hook right before they
// leave the world, while they are still active.
type Leaver interface {
	Leaving(w World)
}

// Extender declares the per-role extensions to build when the entity
// becomes active. The map is consulted once per local participant; at most
// one extension per role is attached.
type Extender interface {
	Extensions() map[Role]ExtensionFactory
}

// ExtensionFactory builds the local-only view a participant keeps on an
// entity. It runs while the entity activates, so subscribing inside the
// factory is legal.
type ExtensionFactory func(p Participant, e Entity) Extension

// Extension is local-only auxiliary state a participant attaches to an
// active entity. It is never replicated and dies with the entity's active
// stage.
type Extension interface {
	Observing

	extensionCore() *ExtensionCore
}

// ExtensionCore is the embeddable base of every Extension. The zero value
// is ready to use.
type ExtensionCore struct {
	obs *Observer
}

func (c *ExtensionCore) Observer() *Observer {
	if c.obs == nil {
		c.obs = &Observer{}
	}
	return c.obs
}

func (c *ExtensionCore) extensionCore() *ExtensionCore { return c }

// EntityCore is the embeddable base of every Entity. The zero value is a
// pending entity with no identifier.
type EntityCore struct {
	id    EntityID
	hasID bool
	stage Stage
	obs   *Observer
	lock  *lockState
	exts  map[Role]Extension
}

func (c *EntityCore) entityCore() *EntityCore { return c }

// ID returns the entity's identifier, 0 until one has been assigned by an
// operation submission.
func (c *EntityCore) ID() EntityID { return c.id }

func (c *EntityCore) Stage() Stage { return c.stage }

// Observer returns the entity's subscription table. It only accepts
// subscriptions while the entity is active.
func (c *EntityCore) Observer() *Observer {
	if c.obs == nil {
		c.obs = &Observer{disabled: c.stage != StageActive}
	}
	return c.obs
}

// Extension returns the extension a local participant with the given role
// attached to this entity, if any.
func (c *EntityCore) Extension(role Role) (Extension, bool) {
	ext, ok := c.exts[role]
	return ext, ok
}

// Guard panics unless mutating this entity is currently legal: it must be
// active and the world must be unlocked. Every domain mutator calls it
// first, making "who may mutate right now" one auditable check instead of
// scattered bookkeeping.
func (c *EntityCore) Guard() {
	switch c.stage {
	case StagePending:
		panic(fmt.Errorf("%w: entity is still pending, mutate it from the operation that introduces it", ErrNotActive))
	case StageRemoved:
		panic(fmt.Errorf("%w: id %d", ErrEntityRemoved, c.id))
	}
	if c.lock == nil || c.lock.locked {
		panic(fmt.Errorf("%w: entity %d", ErrWorldLocked, c.id))
	}
}

// GuardPending panics unless the entity is still pending. Setup members
// that only make sense before replication call it instead of Guard.
func (c *EntityCore) GuardPending() {
	if c.stage != StagePending {
		panic(fmt.Errorf("%w: entity %d is %s", ErrNotPending, c.id, c.stage))
	}
}

// adopt stamps the identifier minted for this entity at send time.
func (c *EntityCore) adopt(id EntityID) {
	if c.hasID {
		panic(fmt.Errorf("%w: entity %d", ErrIDAssigned, c.id))
	}
	if id == WorldID {
		panic(fmt.Errorf("%w: 0 is reserved for the world", ErrInvalidID))
	}
	c.id = id
	c.hasID = true
}
