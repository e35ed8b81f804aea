package intesa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParticipantGuardsBeforeAttachment(t *testing.T) {
	p := &puppet{role: roleRaider}
	requirePanicsIs(t, ErrNotAttached, func() { p.Submit(&toggleAlarm{}) })
	requirePanicsIs(t, ErrNotAttached, func() { p.ID() })
	requirePanicsIs(t, ErrNotAttached, func() { p.World() })
}

func TestParticipantSubmitWaitsForItsPartition(t *testing.T) {
	w := &depot{}
	w.worldCore().bind(w)

	// A client attaches its dispatcher at connect time but only receives a
	// partition with the grant; submitting in between is a misuse.
	p := &puppet{role: roleRaider}
	p.participantCore().attach(w, &Dispatcher{w: w}, nil)
	requirePanicsIs(t, ErrNotSynchronized, func() { p.Submit(&toggleAlarm{}) })
}

func TestParticipantSubmitRefusesLocally(t *testing.T) {
	local := &puppet{role: roleRaider}
	w, _ := newTestWorld(t, local)

	op, _ := newPlaceCrate(crateMaxHP + 1)
	require.False(t, local.Submit(op), "an overfull crate never leaves this process")
	require.Equal(t, 0, countCrates(w))
}

func TestRefereeDrivesTheReportLoop(t *testing.T) {
	ref := &arbiter{}
	w, _ := newTestWorld(t, ref)

	place, c := newPlaceCrate(2)
	require.True(t, ref.Submit(place))
	require.True(t, ref.Submit(newRaid(c, 2)))
	require.Equal(t, 0, c.HP)

	ref.Tick(w, 16*time.Millisecond)
	_, ok := w.Get(c.ID())
	require.False(t, ok, "the crate reported empty and the referee scrapped it")
}

// hoarder stashes its reporter to use it after the tick, which the engine
// must refuse.
type hoarder struct {
	EntityCore

	got *Reporter
}

func (h *hoarder) Report(r *Reporter) { h.got = r }

func TestReporterExpiresWithTheTick(t *testing.T) {
	ref := &arbiter{}
	w, _ := newTestWorld(t, ref)

	h := &hoarder{}
	h.entityCore().adopt(1)
	w.worldCore().add(h)

	ref.Tick(w, 16*time.Millisecond)
	require.NotNil(t, h.got)
	require.Same(t, w, h.got.World())

	requirePanicsIs(t, ErrStaleReporter, func() { h.got.Submit(&toggleAlarm{}) })
}

func TestRefereeRole(t *testing.T) {
	require.Equal(t, RoleReferee, (&arbiter{}).Role())
}
