package backup

import "sync"

// State is where the backup engine currently stands. Transitions follow
// the homeserver's answers: an unknown state resolves by checking the
// server, a usable trusted version leads to ReadyToBackUp, and uploads
// cycle through WillBackUp and BackingUp.
type State int

const (
	// StateUnknown is the initial state; nothing has been checked yet.
	StateUnknown State = iota
	// StateCheckingBackUpOnHomeserver means the server is being asked
	// for its current version.
	StateCheckingBackUpOnHomeserver
	// StateWrongBackUpVersion means the server's current version is not
	// the one this device uploads to.
	StateWrongBackUpVersion
	// StateDisabled means no backup exists or backing up is turned off.
	StateDisabled
	// StateNotTrusted means a backup exists but we cannot verify it was
	// created by a device we trust.
	StateNotTrusted
	// StateEnabling means a trusted version is being activated.
	StateEnabling
	// StateReadyToBackUp means keys are uploaded as they appear.
	StateReadyToBackUp
	// StateWillBackUp means an upload is scheduled.
	StateWillBackUp
	// StateBackingUp means an upload is in flight.
	StateBackingUp
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateCheckingBackUpOnHomeserver:
		return "CheckingBackUpOnHomeserver"
	case StateWrongBackUpVersion:
		return "WrongBackUpVersion"
	case StateDisabled:
		return "Disabled"
	case StateNotTrusted:
		return "NotTrusted"
	case StateEnabling:
		return "Enabling"
	case StateReadyToBackUp:
		return "ReadyToBackUp"
	case StateWillBackUp:
		return "WillBackUp"
	case StateBackingUp:
		return "BackingUp"
	default:
		return "Invalid"
	}
}

// StateListener observes backup state transitions.
type StateListener func(old, new State)

// stateMachine serializes state reads, writes, and listener dispatch.
type stateMachine struct {
	mu        sync.Mutex
	state     State
	listeners []StateListener
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) set(s State) {
	m.mu.Lock()
	old := m.state
	m.state = s
	listeners := append([]StateListener{}, m.listeners...)
	m.mu.Unlock()
	if old == s {
		return
	}
	for _, l := range listeners {
		l(old, s)
	}
}

// compareAndSet transitions to next only if the current state is expect.
func (m *stateMachine) compareAndSet(expect, next State) bool {
	m.mu.Lock()
	if m.state != expect {
		m.mu.Unlock()
		return false
	}
	old := m.state
	m.state = next
	listeners := append([]StateListener{}, m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(old, next)
	}
	return true
}

func (m *stateMachine) addListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}
