package pipeline

// State is the per-resource position in the cycle.
type State int

const (
	StateIdle State = iota
	StateComputing
	StateApplying
	StateErred
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputing:
		return "computing"
	case StateApplying:
		return "applying"
	case StateErred:
		return "erred"
	default:
		return "unknown"
	}
}

// Busy reports whether a cycle is in flight. A busy resource coalesces new triggers.
func (s State) Busy() bool { return s == StateComputing || s == StateApplying }

// Status is a snapshot of one resource's pipeline state.
type Status struct {
	State     State  `json:"-"`
	StateName string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

type entry struct {
	state   State
	lastErr string
}
