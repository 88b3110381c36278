package driver

import "fmt"

// State represents the provider side lifecycle of a device or a session.
type State string

const (
	// StateClosed means the device or session has been closed. Nothing can
	// leave this state.
	StateClosed State = "closed"
	// StateOpened means the device is open, or the session is configured but
	// not streaming yet.
	StateOpened State = "opened"
	// StateStreaming means a repeating request is running and frames are
	// being delivered.
	StateStreaming State = "streaming"
)

var transitions = map[State][]State{
	StateOpened:    {StateStreaming, StateClosed},
	StateStreaming: {StateStreaming, StateClosed},
	StateClosed:    {},
}

// Update updates current state, s, to next. If the transition isn't allowed
// or f fails to execute, s will stay unchanged. Otherwise, s will be updated
// to next.
func (s *State) Update(next State, f func() error) error {
	if !s.can(next) {
		return fmt.Errorf("invalid state: can't go from %s to %s", *s, next)
	}

	if err := f(); err != nil {
		return err
	}
	*s = next
	return nil
}

func (s *State) can(next State) bool {
	for _, allowed := range transitions[*s] {
		if allowed == next {
			return true
		}
	}
	return false
}
