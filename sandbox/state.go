package sandbox

// State is the lifecycle state of a sandbox.
//
//	Uninitialized -> Loading -> Ready -> (Active <-> Idle)* -> Retired
type State int32

const (
	Uninitialized State = iota
	Loading
	Ready
	Active
	Idle
	Retired
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Loading:       "loading",
	Ready:         "ready",
	Active:        "active",
	Idle:          "idle",
	Retired:       "retired",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Enterable reports whether a test may start in this state.
func (s State) Enterable() bool { return s == Ready || s == Idle }

// RetireReason says why a sandbox was retired.
type RetireReason string

const (
	ReasonEvicted     RetireReason = "evicted"
	ReasonResetFailed RetireReason = "reset_failed"
	ReasonAborted     RetireReason = "aborted"
	ReasonShutdown    RetireReason = "shutdown"
)
