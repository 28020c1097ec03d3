package presence

// State is the debounced presence of the subject
type State int

const (
	Absent State = iota
	Present
)

func (s State) String() string {
	switch s {
	case Present:
		return "present"
	default:
		return "absent"
	}
}

// Event is a presence transition reported by the tracker
type Event int

const (
	EventNone Event = iota
	EventArrive
	EventDepart
)

func (e Event) String() string {
	switch e {
	case EventArrive:
		return "arrive"
	case EventDepart:
		return "depart"
	default:
		return "none"
	}
}

// Playback is the effect the tracker drives. Implementations must be safe to
// call from the frame loop without blocking it.
type Playback interface {
	Start()
	Stop()
	IsRunning() bool
}
