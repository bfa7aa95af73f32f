package l5recon

// State is the position of a Reconstructor in its lifecycle.
type State int

const (
	// StateIdle means no blips are live; the next frame is used for seeding.
	StateIdle State = iota
	// StateSeeded means blips were detected on the last frame and no pair
	// has been tracked yet.
	StateSeeded
	// StateTracking means at least one frame pair has been processed.
	StateTracking
	// StateExhausted means the frame source ended. No further steps run.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSeeded:
		return "seeded"
	case StateTracking:
		return "tracking"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name so JSON step summaries stay readable.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
