package netstatus

import "sync"

// Static is a manually controlled Source, used in tests and in deployments
// where host status comes from an external supervisor.
type Static struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

// NewStatic creates a static source with an initial status.
func NewStatic(online bool) *Static {
	return &Static{
		online:  online,
		changes: make(chan bool, 8),
	}
}

// Online reports the current status.
func (s *Static) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Changes returns the status change channel.
func (s *Static) Changes() <-chan bool {
	return s.changes
}

// Set updates the status and notifies on change.
func (s *Static) Set(online bool) {
	s.mu.Lock()
	changed := online != s.online
	s.online = online
	s.mu.Unlock()

	if changed {
		select {
		case s.changes <- online:
		default:
		}
	}
}
