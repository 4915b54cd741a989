package engine

import "encoding/json"

// State is the engine lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Configured
	Running
	Stopping
	Stopped
	Failed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Configured:    "configured",
	Running:       "running",
	Stopping:      "stopping",
	Stopped:       "stopped",
	Failed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
