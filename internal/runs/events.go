package runs

import (
	"context"
	"time"

	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/repo-snapshot/library/log"
)

// Event is one run state transition. Delivery is best effort; the Run row
// is the source of truth.
type Event struct {
	RunID      string    `json:"runId"`
	SnapshotID string    `json:"snapshotId"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Kind is the event name published for the transition.
func (e Event) Kind() string {
	return "run." + e.Status
}

// EventSink receives run events. Emit must not block the state machine for long
// and never reports failure to it.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger logSDK.Logger
}

// NewLogSink returns a sink logging through logger, or the package logger when nil.
func NewLogSink(logger logSDK.Logger) *LogSink {
	if logger == nil {
		logger = log.Logger.Named("run_events")
	}
	return &LogSink{logger: logger}
}

// Emit logs the event.
func (s *LogSink) Emit(ctx context.Context, evt Event) {
	log.FromContext(ctx, s.logger).Info("run event",
		zap.String("kind", evt.Kind()),
		zap.String("run_id", evt.RunID),
		zap.String("snapshot_id", evt.SnapshotID),
		zap.String("type", evt.Type),
		zap.String("error", evt.Error),
	)
}

// EventQueue publishes a payload onto a named queue.
type EventQueue interface {
	PushEvent(ctx context.Context, queue, kind string, payload any) (string, error)
}

// QueueSink pushes events onto a durable queue such as a redis list.
type QueueSink struct {
	queue  EventQueue
	name   string
	logger logSDK.Logger
}

// NewQueueSink returns a sink publishing to the named queue.
func NewQueueSink(queue EventQueue, name string, logger logSDK.Logger) *QueueSink {
	if logger == nil {
		logger = log.Logger.Named("run_events")
	}
	return &QueueSink{queue: queue, name: name, logger: logger}
}

// Emit pushes the event, logging and dropping it on failure.
func (s *QueueSink) Emit(ctx context.Context, evt Event) {
	if s.queue == nil {
		return
	}
	if _, err := s.queue.PushEvent(ctx, s.name, evt.Kind(), evt); err != nil {
		log.FromContext(ctx, s.logger).Warn("publish run event",
			zap.String("run_id", evt.RunID),
			zap.String("kind", evt.Kind()),
			zap.Error(err),
		)
	}
}

// MultiSink fans an event out to every sink.
type MultiSink []EventSink

// Emit forwards the event to each non-nil sink in order.
func (m MultiSink) Emit(ctx context.Context, evt Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, evt)
		}
	}
}
