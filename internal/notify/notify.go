// Package notify publishes job-progress events to subscribed clients.
// Delivery is fire-and-forget: a failed publish is logged, never fatal.
package notify

import (
	"context"

	"formvault/pkg/api"
)

// Notifier is the outbound contract of the notification channel.
// Implementations must never block job processing or return errors to it.
type Notifier interface {
	// ProgressSnapshot tells subscribers to re-read the job's persisted
	// state. Emitted on every status transition boundary.
	ProgressSnapshot(ctx context.Context, jobID string)

	// ProgressLive pushes a denser stream of progress ticks while units
	// are actively being processed.
	ProgressLive(ctx context.Context, ev api.ProgressEvent)
}

// Noop discards all events. Used when no channel is configured.
type Noop struct{}

func (Noop) ProgressSnapshot(ctx context.Context, jobID string)     {}
func (Noop) ProgressLive(ctx context.Context, ev api.ProgressEvent) {}
