package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		input   Input
		want    State
		changed bool
	}{
		{"bridge ready starts listening", StateConnecting, InputBridgeReady, StateListening, true},
		{"response starts speaking", StateListening, InputResponseStarted, StateSpeaking, true},
		{"response done resumes listening", StateSpeaking, InputResponseDone, StateListening, true},
		{"teardown from connecting", StateConnecting, InputTeardown, StateClosed, true},
		{"teardown from listening", StateListening, InputTeardown, StateClosed, true},
		{"teardown from speaking", StateSpeaking, InputTeardown, StateClosed, true},

		{"response done while listening is ignored", StateListening, InputResponseDone, StateListening, false},
		{"response start while speaking is ignored", StateSpeaking, InputResponseStarted, StateSpeaking, false},
		{"bridge ready while listening is ignored", StateListening, InputBridgeReady, StateListening, false},
		{"closed is terminal", StateClosed, InputBridgeReady, StateClosed, false},
		{"closed ignores teardown", StateClosed, InputTeardown, StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Transition(tt.from, tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestStateMachine_FullLifecycle(t *testing.T) {
	m := NewStateMachine()
	assert.Equal(t, StateConnecting, m.Current())

	next, changed := m.Apply(InputBridgeReady)
	assert.True(t, changed)
	assert.Equal(t, StateListening, next)

	m.Apply(InputResponseStarted)
	assert.True(t, m.Is(StateSpeaking))

	m.Apply(InputResponseDone)
	assert.True(t, m.Is(StateListening))

	m.Apply(InputTeardown)
	assert.True(t, m.Is(StateClosed))

	// Nothing moves a closed machine.
	_, changed = m.Apply(InputBridgeReady)
	assert.False(t, changed)
	assert.True(t, m.Is(StateClosed))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "speaking", StateSpeaking.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "teardown", InputTeardown.String())
}
