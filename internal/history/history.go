// Package history exports patch and restart events to analytics stores.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of exported event.
type EventType string

const (
	EventPatch   EventType = "patch"
	EventRestart EventType = "restart"
)

// Event is one row of exported history. For patch events Status is the
// record status; for restart events it is the restart reason.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	File       string    `json:"file,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Patch      string    `json:"patch,omitempty"`
	Restarts   int       `json:"restarts"`
}

// NewRestartEvent builds a restart event with a fresh id.
func NewRestartEvent(reason string, restarts int) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventRestart,
		OccurredAt: time.Now().UTC(),
		Status:     reason,
		Restarts:   restarts,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Exporter fans events out to sinks in the background. A failing sink is
// logged and does not affect the others or the caller.
type Exporter struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewExporter(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Exporter{sinks: sinks, timeout: timeout, log: log}
}

// Export sends e to every sink. It never blocks on the sinks.
func (x *Exporter) Export(e Event) {
	if x == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range x.sinks {
		x.wg.Add(1)
		go func(s Sink) {
			defer x.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				x.log.Warn("history export failed", "type", string(e.Type), "id", e.ID, "error", err)
			}
		}(s)
	}
}

// Close waits for in-flight exports and closes sinks that hold connections.
func (x *Exporter) Close() error {
	if x == nil {
		return nil
	}
	x.wg.Wait()
	var errs []error
	for _, s := range x.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
