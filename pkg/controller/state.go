package controller

// State is the controller's lifecycle state
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateGenerating
	StateInterrupting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateGenerating:
		return "generating"
	case StateInterrupting:
		return "interrupting"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the controller
type Status struct {
	State           State
	Configured      bool
	SourceDirectory string
	BinaryDirectory string
	Generator       string
}

// Busy reports whether an operation is in flight
func (s Status) Busy() bool {
	return s.State != StateIdle
}

// Label returns the UI-facing label. Idle splits into ReadyConfigure and
// ReadyGenerate depending on whether the last configure succeeded.
func (s Status) Label() string {
	switch s.State {
	case StateIdle:
		if s.Configured {
			return "ReadyGenerate"
		}
		return "ReadyConfigure"
	case StateConfiguring:
		return "Configuring"
	case StateGenerating:
		return "Generating"
	case StateInterrupting:
		return "Interrupting"
	default:
		return "Unknown"
	}
}
