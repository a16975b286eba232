package lifecycle

import (
	"testing"
	"time"

	"github.com/agentctl/controlplane/pkg/cperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_LegalTransitionSequence(t *testing.T) {
	var events []TransitionEvent
	m := NewMachine("agent-1", func(e TransitionEvent) { events = append(events, e) }, func() time.Time { return time.Unix(0, 0) })

	require.Equal(t, Booting, m.State())
	require.NoError(t, m.Transition(Hydrating, "boot"))
	require.NoError(t, m.Transition(Ready, "hydrated"))
	require.NoError(t, m.Transition(Executing, "run"))
	require.NoError(t, m.Transition(Draining, "drain"))
	require.NoError(t, m.Transition(Terminated, "drain"))

	require.True(t, m.IsTerminal())
	require.Len(t, events, 5)
	assert.Equal(t, Booting, events[0].From)
	assert.Equal(t, Hydrating, events[0].To)
	assert.Equal(t, Terminated, events[4].To)
}

func TestMachine_IllegalTransitionFails(t *testing.T) {
	m := NewMachine("agent-1", nil, nil)
	err := m.Transition(Executing, "skip ahead")
	require.ErrorIs(t, err, cperrors.ErrInvalidTransition)
	require.Equal(t, Booting, m.State())
}

func TestMachine_ExecutingCanTerminateDirectly(t *testing.T) {
	m := NewMachine("agent-1", nil, nil)
	require.NoError(t, m.Transition(Hydrating, ""))
	require.NoError(t, m.Transition(Ready, ""))
	require.NoError(t, m.Transition(Executing, ""))
	require.NoError(t, m.Transition(Terminated, "crash"))
	require.True(t, m.IsTerminal())
}

func TestMachine_TerminatedHasNoOutboundTransitions(t *testing.T) {
	m := NewMachine("agent-1", nil, nil)
	require.NoError(t, m.Transition(Hydrating, ""))
	require.NoError(t, m.Transition(Terminated, ""))

	for _, to := range []State{Booting, Hydrating, Ready, Executing, Draining, Terminated} {
		err := m.Transition(to, "")
		require.ErrorIs(t, err, cperrors.ErrInvalidTransition)
	}
}
