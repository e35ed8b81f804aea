package intesa

import (
	"log/slog"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/raskyld/intesa/pkg/wire"
)

// newTestClient wires a client over an in-memory pipe and returns the
// authority's end of it. The local participant is seated by the grant, the
// way the game shell does it.
func newTestClient(t *testing.T, local *puppet) (*Client, *depot, Channel) {
	t.Helper()
	w := &depot{}
	wc := w.worldCore()
	wc.bind(w)
	locals := []Participant{local}
	wc.attach(locals)

	d := &Dispatcher{
		w:      w,
		locals: locals,
		logger: slog.New(testHandler(t)),
		msink:  &metrics.BlackholeSink{},
	}

	clientEnd, authEnd := NewPipe(64)
	cfg, err := newConfig([]Option{WithLog(testHandler(t)), WithMetricSink(nil)})
	require.NoError(t, err)

	cl := newClient(clientEnd, newTestRegistry(), d, cfg)
	cl.onGrant = func(part *Partition) {
		local.participantCore().attach(w, cl, part)
	}
	return cl, w, authEnd
}

func grantSeat(t *testing.T, cl *Client, authEnd Channel, offset, spacing uint64) {
	t.Helper()
	require.NoError(t, authEnd.TrySend(&wire.Grant{Offset: offset, Spacing: spacing}))
	require.NoError(t, cl.tick())
	require.Equal(t, StateSynchronized, cl.State())
}

func TestClientHandshake(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, _, authEnd := newTestClient(t, local)
	require.Equal(t, StateDisconnected, cl.State())
	require.Nil(t, cl.Partition())

	require.NoError(t, cl.hello("ada"))
	require.Equal(t, StateAwaitingPartition, cl.State())

	frames, err := authEnd.Receive()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "ada", frames[0].(*wire.Hello).Name)

	grantSeat(t, cl, authEnd, 1, 2)
	require.Equal(t, ParticipantID(1), cl.Partition().Offset())
	require.Equal(t, ParticipantID(1), local.ID(), "the grant seats the local participant")
}

func TestClientRejectsASecondGrant(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, _, authEnd := newTestClient(t, local)
	require.NoError(t, cl.hello("ada"))
	grantSeat(t, cl, authEnd, 1, 2)

	require.NoError(t, authEnd.TrySend(&wire.Grant{Offset: 1, Spacing: 2}))
	require.ErrorIs(t, cl.tick(), ErrProtocolViolation)
}

func TestClientProposesThePreExecutionImage(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, w, authEnd := newTestClient(t, local)
	require.NoError(t, cl.hello("ada"))
	grantSeat(t, cl, authEnd, 1, 2)

	greeting, err := authEnd.Receive()
	require.NoError(t, err)
	require.Len(t, greeting, 1, "just the greeting before any submission")
	require.IsType(t, &wire.Hello{}, greeting[0])

	place, c := newPlaceCrate(10)
	require.True(t, local.Submit(place))
	require.Equal(t, EntityID(1), c.ID(), "ids come from the granted partition")
	require.Equal(t, 1, countCrates(w), "the optimistic execution is immediate")

	frames, err := authEnd.Receive()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	prop := frames[0].(*wire.Propose)
	require.Equal(t, uint64(1), prop.Corr)

	decoded, err := decodeOperation(newTestRegistry(), prop.Op, prop.Corr)
	require.NoError(t, err)
	require.Equal(t, ParticipantID(1), decoded.operationCore().Sender())
	require.Len(t, decoded.operationCore().Spawns(), 1)
	sp := decoded.operationCore().Spawns()[0].(*crate)
	require.Equal(t, EntityID(1), sp.ID())
	require.Equal(t, 10, sp.HP)
}

func TestClientDrainsInSubmissionOrder(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, _, authEnd := newTestClient(t, local)
	require.NoError(t, cl.hello("ada"))
	grantSeat(t, cl, authEnd, 1, 2)
	reg := newTestRegistry()

	place, c := newPlaceCrate(10)
	require.True(t, local.Submit(place))
	require.True(t, local.Submit(newRaid(c, 3)))
	require.Equal(t, 7, c.HP)

	// The raid's verdict lands first; it must wait for the placement's.
	require.NoError(t, authEnd.TrySend(&wire.Response{
		Corr:    2,
		Outcome: uint8(OutcomeCorrected),
		Payload: encodePayload(reg, &raidReport{HP: 5}),
	}))
	require.NoError(t, cl.tick())
	require.Equal(t, 7, c.HP, "reconciliation replays in submission order, never verdict order")
	require.Len(t, cl.cache, 2)

	require.NoError(t, authEnd.TrySend(&wire.Response{Corr: 1, Outcome: uint8(OutcomeAccepted)}))
	require.NoError(t, cl.tick())
	require.Equal(t, 5, c.HP, "both verdicts drained once the head resolved")
	require.Empty(t, cl.cache)
}

func TestClientRollsBackARejection(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, w, authEnd := newTestClient(t, local)
	require.NoError(t, cl.hello("ada"))
	grantSeat(t, cl, authEnd, 1, 2)

	var rejected int
	OnRejected[*placeCrate](local, func(*placeCrate) { rejected++ })

	place, c := newPlaceCrate(10)
	require.True(t, local.Submit(place))
	require.Equal(t, 1, countCrates(w))

	require.NoError(t, authEnd.TrySend(&wire.Response{Corr: 1, Outcome: uint8(OutcomeRejected)}))
	require.NoError(t, cl.tick())
	require.Equal(t, 0, countCrates(w), "the placement never happened")
	require.Equal(t, StageRemoved, c.Stage())
	require.Equal(t, 1, rejected)
}

func TestClientAppliesRelayedOperations(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, w, authEnd := newTestClient(t, local)
	require.NoError(t, cl.hello("ada"))
	grantSeat(t, cl, authEnd, 1, 2)
	reg := newTestRegistry()

	authorityPart, err := NewPartition(0, 2, 0)
	require.NoError(t, err)
	place, _ := newPlaceCrate(9)
	place.operationCore().stamp(authorityPart)
	require.NoError(t, authEnd.TrySend(&wire.Relay{
		Op:      encodeOperation(reg, place),
		Outcome: uint8(OutcomeAccepted),
	}))

	require.NoError(t, cl.tick())
	c, ok := crateAt(w, 2)
	require.True(t, ok, "the foreign crate materialized with the id its owner minted")
	require.Equal(t, 9, c.HP)
}

func TestClientRelayedCorrectionRunsBothSteps(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, w, authEnd := newTestClient(t, local)
	require.NoError(t, cl.hello("ada"))
	grantSeat(t, cl, authEnd, 1, 2)
	reg := newTestRegistry()

	authorityPart, err := NewPartition(0, 2, 0)
	require.NoError(t, err)
	place, _ := newPlaceCrate(9)
	place.operationCore().stamp(authorityPart)
	require.NoError(t, authEnd.TrySend(&wire.Relay{
		Op:      encodeOperation(reg, place),
		Outcome: uint8(OutcomeAccepted),
	}))

	loot := &raid{Target: 2, Loot: 2, Expect: 9}
	loot.operationCore().stamp(authorityPart)
	require.NoError(t, authEnd.TrySend(&wire.Relay{
		Op:      encodeOperation(reg, loot),
		Outcome: uint8(OutcomeCorrected),
		Payload: encodePayload(reg, &raidReport{HP: 4}),
	}))

	require.NoError(t, cl.tick())
	c, ok := crateAt(w, 2)
	require.True(t, ok)
	require.Equal(t, 4, c.HP, "execute the intent, then converge on the authority's detail")
}

func TestClientTreatsBrokenFramesAsViolations(t *testing.T) {
	t.Run("relayed rejection", func(t *testing.T) {
		local := &puppet{role: roleRaider}
		cl, _, authEnd := newTestClient(t, local)
		require.NoError(t, cl.hello("ada"))
		grantSeat(t, cl, authEnd, 1, 2)

		place, _ := newPlaceCrate(9)
		part, err := NewPartition(0, 2, 0)
		require.NoError(t, err)
		place.operationCore().stamp(part)
		require.NoError(t, authEnd.TrySend(&wire.Relay{
			Op:      encodeOperation(newTestRegistry(), place),
			Outcome: uint8(OutcomeRejected),
		}))
		require.ErrorIs(t, cl.tick(), ErrProtocolViolation)
	})

	t.Run("frame a client never receives", func(t *testing.T) {
		local := &puppet{role: roleRaider}
		cl, _, authEnd := newTestClient(t, local)
		require.NoError(t, cl.hello("ada"))
		grantSeat(t, cl, authEnd, 1, 2)

		require.NoError(t, authEnd.TrySend(&wire.Hello{Name: "??"}))
		require.ErrorIs(t, cl.tick(), ErrProtocolViolation)
	})

	t.Run("verdict for an unknown operation", func(t *testing.T) {
		local := &puppet{role: roleRaider}
		cl, _, authEnd := newTestClient(t, local)
		require.NoError(t, cl.hello("ada"))
		grantSeat(t, cl, authEnd, 1, 2)

		require.NoError(t, authEnd.TrySend(&wire.Response{Corr: 99}))
		require.ErrorIs(t, cl.tick(), ErrProtocolViolation)
	})

	t.Run("verdict with a meaningless outcome", func(t *testing.T) {
		local := &puppet{role: roleRaider}
		cl, w, authEnd := newTestClient(t, local)
		require.NoError(t, cl.hello("ada"))
		grantSeat(t, cl, authEnd, 1, 2)

		place, _ := newPlaceCrate(10)
		require.True(t, local.Submit(place))

		require.NoError(t, authEnd.TrySend(&wire.Response{Corr: 1, Outcome: 99}))
		require.ErrorIs(t, cl.tick(), ErrProtocolViolation)
		require.Equal(t, 1, countCrates(w), "the cached operation is neither drained nor rolled back")
	})

	t.Run("verdict still pending", func(t *testing.T) {
		local := &puppet{role: roleRaider}
		cl, _, authEnd := newTestClient(t, local)
		require.NoError(t, cl.hello("ada"))
		grantSeat(t, cl, authEnd, 1, 2)

		place, _ := newPlaceCrate(10)
		require.True(t, local.Submit(place))

		require.NoError(t, authEnd.TrySend(&wire.Response{Corr: 1, Outcome: uint8(OutcomePending)}))
		require.ErrorIs(t, cl.tick(), ErrProtocolViolation)
	})

	t.Run("duplicate verdict", func(t *testing.T) {
		local := &puppet{role: roleRaider}
		cl, _, authEnd := newTestClient(t, local)
		require.NoError(t, cl.hello("ada"))
		grantSeat(t, cl, authEnd, 1, 2)

		place, c := newPlaceCrate(10)
		require.True(t, local.Submit(place))
		require.True(t, local.Submit(newRaid(c, 1)))

		// The raid resolves but stays cached behind the pending placement,
		// so a second verdict for it is recognizably a duplicate.
		require.NoError(t, authEnd.TrySend(&wire.Response{Corr: 2, Outcome: uint8(OutcomeAccepted)}))
		require.NoError(t, cl.tick())
		require.NoError(t, authEnd.TrySend(&wire.Response{Corr: 2, Outcome: uint8(OutcomeAccepted)}))
		require.ErrorIs(t, cl.tick(), ErrProtocolViolation)
	})
}

func TestClientNoticesTheChannelDying(t *testing.T) {
	local := &puppet{role: roleRaider}
	cl, _, authEnd := newTestClient(t, local)
	require.NoError(t, cl.hello("ada"))
	grantSeat(t, cl, authEnd, 1, 2)

	require.NoError(t, authEnd.Close())
	err := cl.tick()
	require.ErrorIs(t, err, ErrDisconnected)
	require.ErrorIs(t, err, ErrChannelClosed)
	require.Equal(t, StateDisconnected, cl.State())

	requirePanicsIs(t, ErrDisconnected, func() {
		local.Submit(&toggleAlarm{})
	})
}
