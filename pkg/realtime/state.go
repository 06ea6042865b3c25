package realtime

import "sync"

// State is the lifecycle state of a voice session.
type State int

const (
	// StateConnecting covers the window between accepting the telephony
	// stream and the speech bridge acknowledging its configuration.
	StateConnecting State = iota

	// StateListening means caller audio is being relayed to the bridge.
	StateListening

	// StateSpeaking means the assistant is producing audio; caller audio
	// is suppressed until the response finishes.
	StateSpeaking

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Input is a stimulus applied to the session state machine.
type Input int

const (
	// InputBridgeReady fires when the speech bridge accepts the session
	// configuration.
	InputBridgeReady Input = iota

	// InputResponseStarted fires when the bridge begins a response.
	InputResponseStarted

	// InputResponseDone fires when the bridge finishes a response.
	InputResponseDone

	// InputTeardown fires on stop frames, bridge errors and disconnects.
	InputTeardown
)

func (i Input) String() string {
	switch i {
	case InputBridgeReady:
		return "bridge_ready"
	case InputResponseStarted:
		return "response_started"
	case InputResponseDone:
		return "response_done"
	case InputTeardown:
		return "teardown"
	}
	return "unknown"
}

// transitions is the complete transition table. Any pair absent from the
// table leaves the state unchanged.
var transitions = map[State]map[Input]State{
	StateConnecting: {
		InputBridgeReady: StateListening,
		InputTeardown:    StateClosed,
	},
	StateListening: {
		InputResponseStarted: StateSpeaking,
		InputTeardown:        StateClosed,
	},
	StateSpeaking: {
		InputResponseDone: StateListening,
		InputTeardown:     StateClosed,
	},
}

// Transition returns the state after applying input, and whether the
// input caused a change.
func Transition(current State, input Input) (State, bool) {
	if next, ok := transitions[current][input]; ok {
		return next, true
	}
	return current, false
}

// StateMachine guards the session state for concurrent readers: the
// telephony read loop checks it on every media frame while the bridge
// read loop drives transitions.
type StateMachine struct {
	mutex   sync.RWMutex
	current State
}

// NewStateMachine starts in StateConnecting.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateConnecting}
}

// Apply advances the machine, returning the resulting state and whether
// the input changed it.
func (m *StateMachine) Apply(input Input) (State, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	next, changed := Transition(m.current, input)
	m.current = next
	return next, changed
}

// Current returns the present state.
func (m *StateMachine) Current() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// Is reports whether the machine is in the given state.
func (m *StateMachine) Is(s State) bool {
	return m.Current() == s
}
