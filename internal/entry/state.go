package entry

// State is the lifecycle state of a config entry.
//
// Allowed transitions:
//
//	not_loaded        -> setup_in_progress
//	setup_in_progress -> loaded | setup_error | setup_retry | migration_error
//	setup_retry       -> setup_in_progress (scheduled) | not_loaded (cancel)
//	setup_error       -> setup_in_progress | not_loaded
//	loaded            -> unload_in_progress | setup_error (auth failure)
//	unload_in_progress-> not_loaded | failed_unload
//	migration_error   -> (terminal until version/data fixed)
//	failed_unload     -> (terminal, operator intervention)
type State string

// Lifecycle states. Values are persisted; do not rename.
const (
	StateNotLoaded        State = "not_loaded"
	StateSetupInProgress  State = "setup_in_progress"
	StateLoaded           State = "loaded"
	StateSetupError       State = "setup_error"
	StateSetupRetry       State = "setup_retry"
	StateMigrationError   State = "migration_error"
	StateUnloadInProgress State = "unload_in_progress"
	StateFailedUnload     State = "failed_unload"
)

// Recoverable reports whether the entry can be driven out of this state
// by a normal unload or reload. Migration failures, failed unloads, and
// in-flight transitions need operator action or completion first.
func (s State) Recoverable() bool {
	switch s {
	case StateMigrationError, StateFailedUnload, StateSetupInProgress, StateUnloadInProgress:
		return false
	default:
		return true
	}
}

// InProgress reports whether the state is a transition that must always
// exit via a timeout-bounded completion.
func (s State) InProgress() bool {
	return s == StateSetupInProgress || s == StateUnloadInProgress
}

// Valid reports whether s is a recognised lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateNotLoaded, StateSetupInProgress, StateLoaded, StateSetupError,
		StateSetupRetry, StateMigrationError, StateUnloadInProgress, StateFailedUnload:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }

// restState maps in-progress states to the state persisted to disk, so a
// crash mid-transition never resurrects as an in-progress entry.
func restState(s State) State {
	if s.InProgress() {
		return StateNotLoaded
	}
	return s
}
