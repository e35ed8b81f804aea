package intesa

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/intesa/pkg/wire"
)

func TestPipeCarriesFramesBothWays(t *testing.T) {
	a, b := NewPipe(4)

	require.NoError(t, a.TrySend(&wire.Hello{Name: "ada"}))
	require.NoError(t, a.TrySend(&wire.Grant{Offset: 1, Spacing: 2}))

	frames, err := b.Receive()
	require.NoError(t, err)
	require.Len(t, frames, 2, "one Receive drains everything pending")
	require.Equal(t, "ada", frames[0].(*wire.Hello).Name)
	require.Equal(t, uint64(1), frames[1].(*wire.Grant).Offset)

	require.NoError(t, b.TrySend(&wire.Response{Corr: 7}))
	frames, err = a.Receive()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, uint64(7), frames[0].(*wire.Response).Corr)
}

func TestPipeReceiveIsNonBlocking(t *testing.T) {
	a, _ := NewPipe(4)
	frames, err := a.Receive()
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestPipeReportsBackpressure(t *testing.T) {
	a, _ := NewPipe(2)
	require.NoError(t, a.TrySend(&wire.Hello{}))
	require.NoError(t, a.TrySend(&wire.Hello{}))
	require.ErrorIs(t, a.TrySend(&wire.Hello{}), ErrChannelFull)
}

func TestPipeCloseKillsBothEnds(t *testing.T) {
	a, b := NewPipe(4)
	require.NoError(t, a.TrySend(&wire.Hello{Name: "last words"}))
	require.NoError(t, a.Close())

	require.ErrorIs(t, a.TrySend(&wire.Hello{}), ErrChannelClosed)
	require.ErrorIs(t, b.TrySend(&wire.Hello{}), ErrChannelClosed)

	frames, err := b.Receive()
	require.NoError(t, err, "frames queued before the closure still drain")
	require.Len(t, frames, 1)

	_, err = b.Receive()
	require.ErrorIs(t, err, ErrChannelClosed)

	var closed *ClosedError
	require.ErrorAs(t, err, &closed)
	require.Equal(t, ClosedByRemote, closed.cause, "the closure came from the other end")

	_, err = a.Receive()
	var own *ClosedError
	require.ErrorAs(t, err, &own)
	require.Equal(t, ClosedByUser, own.cause)
}
