// Package events publishes job lifecycle notifications for external
// observability consumers. It is purely observational:
// nothing in this repository reads these events to drive behavior, and a
// disabled or unreachable bus never affects job correctness.
package events

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/pkg/natsutil"
)

// StatusEvent is the payload published on a status/step change.
type StatusEvent struct {
	JobID  string       `json:"jobId"`
	Status domain.Status `json:"status"`
	Step   domain.Step   `json:"step,omitempty"`
}

// Publisher announces job lifecycle transitions.
type Publisher interface {
	Publish(ctx context.Context, e StatusEvent)
}

// Noop never publishes; it is the default when NATS_URL is unconfigured.
type Noop struct{}

func (Noop) Publish(context.Context, StatusEvent) {}

// subjectPrefix is the NATS subject namespace for job lifecycle events.
const subjectPrefix = "slidejobs.events."

// NATSPublisher publishes StatusEvent as JSON to "slidejobs.events.<jobId>".
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher wraps an existing NATS connection.
func NewNATSPublisher(conn *nats.Conn, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

// Publish best-effort publishes e; failures are logged, never returned —
// the event bus must never be able to fail a job.
func (p *NATSPublisher) Publish(ctx context.Context, e StatusEvent) {
	subject := subjectPrefix + e.JobID
	if err := natsutil.Publish(ctx, p.conn, subject, e); err != nil {
		p.logger.Warn("events: publish failed", "job_id", e.JobID, "err", err)
	}
}
