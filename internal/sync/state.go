package sync

// State is the phase of the sync engine.
type State int

const (
	StateIdle State = iota
	StateCalc
	StateLogin
	StateSync
	StateRestore
	StateAuthFailed
	StateGeneralError
	StateCanceled
)

var stateNames = [...]string{
	StateIdle:         "IDLE",
	StateCalc:         "CALC",
	StateLogin:        "LOGIN",
	StateSync:         "SYNC",
	StateRestore:      "RESTORE",
	StateAuthFailed:   "AUTH_FAILED",
	StateGeneralError: "GENERAL_ERROR",
	StateCanceled:     "CANCELED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether s ends a run with an error or cancellation.
// The engine leaves a terminal state on the next Begin call.
func (s State) Terminal() bool {
	return s == StateAuthFailed || s == StateGeneralError || s == StateCanceled
}

// Observer is told about every state change, in order, on the engine's
// worker goroutine. err is set only when entering a terminal state.
// Implementations must return quickly.
type Observer interface {
	StateChanged(from, to State, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(from, to State, err error)

func (f ObserverFunc) StateChanged(from, to State, err error) { f(from, to, err) }

// ProgressObserver is optionally implemented by observers that want
// per-batch progress. done counts records appended (backup) or inserted
// (restore) so far; total is the expected count, or 0 if unknown.
type ProgressObserver interface {
	Progress(done, total int)
}
