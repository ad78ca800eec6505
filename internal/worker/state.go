package worker

// State is a step of the per-job pipeline
type State int

const (
	StateIdle State = iota
	StateReceived
	StateScenarioCreating
	StateCurvesFetching
	StateArchiving
	StateStatePersisting
	StateForwarding

	// terminal states
	StateForwarded
	StateDropped
	StateRequeued
	StateStopped
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateReceived:         "received",
	StateScenarioCreating: "scenario_creating",
	StateCurvesFetching:   "curves_fetching",
	StateArchiving:        "archiving",
	StateStatePersisting:  "state_persisting",
	StateForwarding:       "forwarding",
	StateForwarded:        "forwarded",
	StateDropped:          "dropped",
	StateRequeued:         "requeued",
	StateStopped:          "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether an iteration ends in s
func (s State) Terminal() bool {
	switch s {
	case StateForwarded, StateDropped, StateRequeued, StateStopped:
		return true
	}
	return false
}
