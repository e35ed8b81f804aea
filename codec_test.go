package intesa

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/intesa/pkg/wire"
)

func TestOperationsCrossTheWire(t *testing.T) {
	reg := newTestRegistry()
	part, err := NewPartition(1, 2, 0)
	require.NoError(t, err)

	op, c := newPlaceCrate(9)
	op.operationCore().stamp(part)

	env := encodeOperation(reg, op)
	require.Equal(t, "place-crate", env.Kind)
	require.Equal(t, uint64(1), env.Sender)
	require.Empty(t, env.Retires)
	require.Len(t, env.Spawns, 1)
	require.Equal(t, "crate", env.Spawns[0].Kind)
	require.Equal(t, uint64(c.ID()), env.Spawns[0].ID)

	back, err := decodeOperation(reg, env, 7)
	require.NoError(t, err)
	pc, ok := back.(*placeCrate)
	require.True(t, ok)
	require.Equal(t, ParticipantID(1), pc.Sender())
	require.Equal(t, uint64(7), pc.operationCore().corr)

	require.Len(t, pc.Spawns(), 1)
	spawned, ok := pc.Spawns()[0].(*crate)
	require.True(t, ok)
	require.NotSame(t, c, spawned)
	require.Equal(t, c.ID(), spawned.ID())
	require.Equal(t, 9, spawned.HP)
	require.Equal(t, StagePending, spawned.Stage())
}

func TestRetiresCrossAsBareIDs(t *testing.T) {
	reg := newTestRegistry()
	part, err := NewPartition(1, 2, 0)
	require.NoError(t, err)

	c := &crate{HP: 2}
	c.entityCore().adopt(part.NextID())
	op := newScrapCrate(c)
	op.operationCore().stamp(part)

	env := encodeOperation(reg, op)
	require.Equal(t, "scrap-crate", env.Kind)
	require.Empty(t, env.Spawns)
	require.Equal(t, []uint64{uint64(c.ID())}, env.Retires)

	back, err := decodeOperation(reg, env, 1)
	require.NoError(t, err)
	sc, ok := back.(*scrapCrate)
	require.True(t, ok)
	require.Equal(t, c.ID(), sc.Target)
	require.Equal(t, []EntityID{c.ID()}, sc.Retires())
}

func TestDecodeRefusesForeignKinds(t *testing.T) {
	reg := newTestRegistry()

	t.Run("unknown kind", func(t *testing.T) {
		_, err := decodeOperation(reg, wire.Envelope{Kind: "nonsense"}, 1)
		require.ErrorIs(t, err, wire.ErrUnknownKind)
	})

	t.Run("kind that is not an operation", func(t *testing.T) {
		kind, body, err := reg.Marshal(&crate{HP: 3})
		require.NoError(t, err)
		_, err = decodeOperation(reg, wire.Envelope{Kind: kind, Body: body}, 1)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("spawn kind that is not an entity", func(t *testing.T) {
		kind, body, err := reg.Marshal(&toggleAlarm{})
		require.NoError(t, err)
		opKind, opBody, err := reg.Marshal(&placeCrate{})
		require.NoError(t, err)
		_, err = decodeOperation(reg, wire.Envelope{
			Kind: opKind,
			Body: opBody,
			Spawns: []wire.Spawn{
				{Kind: kind, ID: 1, Body: body},
			},
		}, 1)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})
}

func TestCorrectionPayloadsCrossTheWire(t *testing.T) {
	reg := newTestRegistry()

	t.Run("nil payload is the zero value", func(t *testing.T) {
		p := encodePayload(reg, nil)
		require.Zero(t, p)

		back, err := decodePayload(reg, p)
		require.NoError(t, err)
		require.Nil(t, back)
	})

	t.Run("payload round trip", func(t *testing.T) {
		p := encodePayload(reg, &raidReport{HP: 7})
		require.Equal(t, "raid-report", p.Kind)

		back, err := decodePayload(reg, p)
		require.NoError(t, err)
		require.Equal(t, &raidReport{HP: 7}, back)
	})

	t.Run("unknown payload kind", func(t *testing.T) {
		_, err := decodePayload(reg, wire.Payload{Kind: "nonsense"})
		require.ErrorIs(t, err, wire.ErrUnknownKind)
	})
}
