package mutex

// State is one of the four mutually exclusive states a Mutex instance can
// be in (spec.md §3).
type State int

const (
	// Available means nobody is known to hold the lock, locally or
	// remotely.
	Available State = iota
	// Requesting means a request was sent and responses from all peers
	// are outstanding.
	Requesting
	// Ours means this instance holds the lock.
	Ours
	// HeldRemotely means this instance granted the lock to a specific
	// peer and is awaiting its release.
	HeldRemotely
)

func (s State) String() string {
	switch s {
	case Available:
		return "Available"
	case Requesting:
		return "Requesting"
	case Ours:
		return "Ours"
	case HeldRemotely:
		return "HeldRemotely"
	default:
		return "Unknown"
	}
}
