package capture

// State is the lifecycle state of a Controller.
type State int32

const (
	// Idle means no device is held. Start is only honored in this state.
	Idle State = iota
	// Starting means a device is being opened or its first session configured.
	Starting
	// Active means frames are streaming.
	Active
	// Restarting means the session is being rebuilt against a new target.
	Restarting
	// Releasing means a release is tearing resources down.
	Releasing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Restarting:
		return "restarting"
	case Releasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// running reports whether s holds, or is acquiring, a device.
func (s State) running() bool {
	return s == Starting || s == Active || s == Restarting
}
