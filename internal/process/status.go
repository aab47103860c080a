package process

import "time"

// Status is a read-only snapshot of one spawn of the service.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"` // nil while running; -1 when killed by a signal
	ExitErr   string    `json:"exit_error,omitempty"`
	Restarts  int       `json:"restarts"`
}

// Uptime returns how long the current spawn has been running, or zero.
func (s Status) Uptime() time.Duration {
	if !s.Running || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt).Truncate(time.Second)
}
