package installer

// State is a phase of an install run.
type State string

const (
	StateVerifying       State = "verifying"
	StateStoppingProcess State = "stopping_process"
	StateBackingUp       State = "backing_up"
	StateReplacing       State = "replacing"
	StateSucceeded       State = "succeeded"
	StateRolledBack      State = "rolled_back"
	StateResuming        State = "resuming"
	StateDone            State = "done"
)

// Path is the route an install run took through the destructive phase.
type Path int

const (
	// PathNone means the run ended before the installation was touched.
	PathNone Path = iota
	PathSucceeded
	PathRolledBack
	PathRestoreFailed
)

func (p Path) String() string {
	switch p {
	case PathSucceeded:
		return "succeeded"
	case PathRolledBack:
		return "rolled_back"
	case PathRestoreFailed:
		return "restore_failed"
	default:
		return "none"
	}
}
