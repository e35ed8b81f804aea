package intesa

import (
	"fmt"
	"iter"
	"slices"
)

// World is the distinguished root entity (id 0) owning the id→entity map,
// the participants resident on this process, the ended flag and the lock
// state. Implementations embed WorldCore and add domain fields; the zero
// value of an embedding struct is a ready, locked, empty world.
//
// Every entity reachable through Get is active; Each yields exactly the
// active entities, the world included.
type World interface {
	Entity
	Get(id EntityID) (Entity, bool)
	Each() iter.Seq[Entity]
	Len() int
	LastID() EntityID
	Locked() bool
	Ended() bool
	End()

	worldCore() *WorldCore
}

// lockState is the process-local mutation gate shared by the world and all
// of its entities. It is only ever toggled through WorldCore.unlock.
type lockState struct {
	locked bool
}

type worldState struct {
	self     World
	entities map[EntityID]Entity
	locals   []Participant
	lk       lockState
	last     EntityID
	ended    bool
}

// WorldCore is the embeddable base of every World implementation.
type WorldCore struct {
	EntityCore

	st *worldState
}

func (w *WorldCore) worldCore() *WorldCore { return w }

func (w *WorldCore) state() *worldState {
	if w.st == nil {
		w.st = &worldState{
			entities: make(map[EntityID]Entity),
			lk:       lockState{locked: true},
		}
	}
	return w.st
}

// bind registers the outer World value as entity 0 of its own map and
// activates it. The game factories call it exactly once.
func (w *WorldCore) bind(self World) {
	st := w.state()
	if w.stage == StageActive {
		panic(fmt.Errorf("%w: the world is already bound", ErrEntityActive))
	}
	w.id = WorldID
	w.hasID = true
	w.lock = &st.lk
	w.stage = StageActive
	st.self = self
	st.entities[WorldID] = self
	w.Observer().enable()
}

func (w *WorldCore) attach(locals []Participant) {
	w.state().locals = locals
}

// Get returns the active entity with the given id.
func (w *WorldCore) Get(id EntityID) (Entity, bool) {
	e, ok := w.state().entities[id]
	return e, ok
}

// Each yields the active entities in ascending id order, the world (id 0)
// first. The order is stable so update hooks run reproducibly.
func (w *WorldCore) Each() iter.Seq[Entity] {
	st := w.state()
	return func(yield func(Entity) bool) {
		ids := make([]EntityID, 0, len(st.entities))
		for id := range st.entities {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			if e, ok := st.entities[id]; ok {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// Len counts the active entities, the world included.
func (w *WorldCore) Len() int { return len(w.state().entities) }

// LastID returns the highest id ever activated in this world. New
// partitions are floored on it so pre-seeded worlds never collide.
func (w *WorldCore) LastID() EntityID { return w.state().last }

func (w *WorldCore) Locked() bool { return w.state().lk.locked }

func (w *WorldCore) Ended() bool { return w.state().ended }

// End marks the session over. Like any mutation it requires an unlocked
// world, so it is called from an operation or an update hook.
func (w *WorldCore) End() {
	w.Guard()
	w.state().ended = true
}

// unlock runs fn with the store unlocked and restores the previous lock
// state on every exit path, panics included. Re-entrant calls run fn
// directly so an inner scope never re-locks an outer one prematurely. This
// is the only place the lock flag is written.
func (w *WorldCore) unlock(fn func()) {
	st := w.state()
	if !st.lk.locked {
		fn()
		return
	}
	st.lk.locked = false
	defer func() { st.lk.locked = true }()
	fn()
}

// add activates a pending entity: map insert, shared lock handle,
// observation enabled, per-role extensions built, joined hook. The
// framework calls it inside an unlocked scope, before the introducing
// operation's Apply runs.
func (w *WorldCore) add(e Entity) {
	st := w.state()
	c := e.entityCore()
	if !c.hasID {
		panic(fmt.Errorf("%w: %T has no id, introduce it through an operation", ErrInvalidID, e))
	}
	switch c.stage {
	case StageActive:
		panic(fmt.Errorf("%w: id %d", ErrEntityActive, c.id))
	case StageRemoved:
		panic(fmt.Errorf("%w: id %d, only the rollback path may re-insert", ErrEntityRemoved, c.id))
	}
	if _, taken := st.entities[c.id]; taken {
		panic(fmt.Errorf("%w: id %d is already in use", ErrInvalidID, c.id))
	}

	st.entities[c.id] = e
	if c.id > st.last {
		st.last = c.id
	}
	c.lock = &st.lk
	c.stage = StageActive
	c.Observer().enable()

	if ext, ok := e.(Extender); ok {
		table := ext.Extensions()
		for _, p := range st.locals {
			factory, found := table[p.Role()]
			if !found || factory == nil {
				continue
			}
			if c.exts == nil {
				c.exts = make(map[Role]Extension)
			}
			c.exts[p.Role()] = factory(p, e)
		}
	}

	if j, ok := e.(Joiner); ok {
		j.Joined(st.self)
	}
}

// remove deactivates an active entity: leaving hook while still active,
// observation disabled (subscriptions dropped), extensions discarded, map
// delete. The id is kept on the entity so a rollback can re-insert it; it
// is never handed to a new entity.
func (w *WorldCore) remove(e Entity) {
	st := w.state()
	c := e.entityCore()
	if c.stage != StageActive {
		panic(fmt.Errorf("%w: id %d is %s", ErrNotActive, c.id, c.stage))
	}

	if l, ok := e.(Leaver); ok {
		l.Leaving(st.self)
	}
	c.Observer().disable()
	c.exts = nil
	c.stage = StageRemoved
	delete(st.entities, c.id)
}

// revive puts a removed entity back through add with its original id. Only
// the hard-reject rollback path uses it.
func (w *WorldCore) revive(e Entity) {
	c := e.entityCore()
	if c.stage != StageRemoved {
		panic(fmt.Errorf("%w: rollback expected a removed entity, id %d is %s", ErrNotActive, c.id, c.stage))
	}
	c.stage = StagePending
	w.add(e)
}
