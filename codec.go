package intesa

import (
	"fmt"

	"github.com/raskyld/intesa/pkg/wire"
)

// encodeOperation builds the wire envelope of a frozen operation: its
// registered kind and msgpack body, spawned entities by value with their
// minted ids, retires as bare ids. Unregistered types panic: both ends of
// a session register their kinds at start, so this is a bootstrap bug, not
// a runtime condition.
func encodeOperation(reg *wire.Registry, op Operation) wire.Envelope {
	c := op.operationCore()
	kind, body, err := reg.Marshal(op)
	if err != nil {
		panic(fmt.Errorf("cannot serialize operation: %w", err))
	}
	env := wire.Envelope{
		Kind:   kind,
		Sender: uint64(c.sender),
		Body:   body,
	}
	for _, e := range c.spawns {
		ekind, ebody, err := reg.Marshal(e)
		if err != nil {
			panic(fmt.Errorf("cannot serialize spawned entity: %w", err))
		}
		env.Spawns = append(env.Spawns, wire.Spawn{
			Kind: ekind,
			ID:   uint64(e.entityCore().id),
			Body: ebody,
		})
	}
	for _, id := range c.retires {
		env.Retires = append(env.Retires, uint64(id))
	}
	return env
}

// decodeOperation rebuilds an operation from its envelope: fresh local
// instances carrying the frozen sender and the ids fixed at send time.
func decodeOperation(reg *wire.Registry, env wire.Envelope, corr uint64) (Operation, error) {
	v, err := reg.Unmarshal(env.Kind, env.Body)
	if err != nil {
		return nil, err
	}
	op, ok := v.(Operation)
	if !ok {
		return nil, fmt.Errorf("%w: kind %q is not an operation", ErrProtocolViolation, env.Kind)
	}

	spawns := make([]Entity, 0, len(env.Spawns))
	for _, sp := range env.Spawns {
		ev, err := reg.Unmarshal(sp.Kind, sp.Body)
		if err != nil {
			return nil, err
		}
		e, ok := ev.(Entity)
		if !ok {
			return nil, fmt.Errorf("%w: kind %q is not an entity", ErrProtocolViolation, sp.Kind)
		}
		e.entityCore().adopt(EntityID(sp.ID))
		spawns = append(spawns, e)
	}

	retires := make([]EntityID, 0, len(env.Retires))
	for _, id := range env.Retires {
		retires = append(retires, EntityID(id))
	}

	op.operationCore().restore(ParticipantID(env.Sender), corr, spawns, retires)
	return op, nil
}

func encodePayload(reg *wire.Registry, payload any) wire.Payload {
	if payload == nil {
		return wire.Payload{}
	}
	kind, body, err := reg.Marshal(payload)
	if err != nil {
		panic(fmt.Errorf("cannot serialize correction payload: %w", err))
	}
	return wire.Payload{Kind: kind, Body: body}
}

func decodePayload(reg *wire.Registry, p wire.Payload) (any, error) {
	if p.Kind == "" {
		return nil, nil
	}
	return reg.Unmarshal(p.Kind, p.Body)
}
