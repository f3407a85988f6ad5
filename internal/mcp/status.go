package mcp

import "fmt"

// Status is the lifecycle state of a [Server].
type Status int

// Server lifecycle states.
const (
	StatusStarting Status = iota
	StatusInitializing
	StatusReady
	StatusDegraded
	StatusShuttingDown
	StatusStopped
)

var statusNames = [...]string{
	StatusStarting:     "STARTING",
	StatusInitializing: "INITIALIZING",
	StatusReady:        "READY",
	StatusDegraded:     "DEGRADED",
	StatusShuttingDown: "SHUTTING_DOWN",
	StatusStopped:      "STOPPED",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name produced by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown server status %q", text)
}

// statusTransitions lists the legal moves out of each state. Degraded
// may return to Starting when the server is restarted.
var statusTransitions = map[Status][]Status{
	StatusStarting:     {StatusInitializing, StatusDegraded, StatusShuttingDown},
	StatusInitializing: {StatusReady, StatusDegraded, StatusShuttingDown},
	StatusReady:        {StatusDegraded, StatusShuttingDown},
	StatusDegraded:     {StatusStarting, StatusShuttingDown},
	StatusShuttingDown: {StatusStopped},
	StatusStopped:      nil,
}

// canTransition reports whether from → to is a legal move.
func canTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HostState is the lifecycle state of a [Host].
type HostState int

// Host lifecycle states.
const (
	HostUninitialized HostState = iota
	HostStarting
	HostReady
	HostShuttingDown
	HostStopped
)

func (s HostState) String() string {
	switch s {
	case HostUninitialized:
		return "UNINITIALIZED"
	case HostStarting:
		return "STARTING"
	case HostReady:
		return "READY"
	case HostShuttingDown:
		return "SHUTTING_DOWN"
	case HostStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
