package identity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ActivityEventType names a lifecycle action
type ActivityEventType string

const (
	ActivityEventAccountCreated       ActivityEventType = "account.created"
	ActivityEventAccountStatusChanged ActivityEventType = "account.status.changed"
	ActivityEventPasswordChanged      ActivityEventType = "account.password.changed"
	ActivityEventPasswordResetSuccess ActivityEventType = "account.password.reset"
	ActivityEventLoginSuccess         ActivityEventType = "session.login.success"
	ActivityEventLoginFailure         ActivityEventType = "session.login.failure"
	ActivityEventSessionRefreshed     ActivityEventType = "session.refreshed"
)

// ActivityEvent describes a lifecycle action. It is a hook for telemetry,
// not a persisted audit trail.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	AccountID  string
	FromStatus AccountStatus
	ToStatus   AccountStatus
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to ActivitySink
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// ActivitySinks fans an event out to every sink and joins their errors
type ActivitySinks []ActivitySink

func (s ActivitySinks) Record(ctx context.Context, event ActivityEvent) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLoggingActivitySink writes every event to logger at info level
func NewLoggingActivitySink(logger Logger) ActivitySink {
	logger = normalizeLogger(logger)
	return ActivitySinkFunc(func(_ context.Context, event ActivityEvent) error {
		args := []any{
			"event", event.EventType,
			"account_id", event.AccountID,
			"actor_type", event.Actor.Type,
			"actor_id", event.Actor.ID,
		}
		if event.FromStatus != "" || event.ToStatus != "" {
			args = append(args, "from", event.FromStatus, "to", event.ToStatus)
		}
		if reason, ok := event.Metadata["reason"]; ok {
			args = append(args, "reason", reason)
		}
		logger.Info("account activity", args...)
		return nil
	})
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error { return nil }

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// recordActivity never fails the caller. Sink errors are logged.
func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorRef{Type: ActorTypeSystem}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		normalizeLogger(logger).Warn("activity sink error", "event", event.EventType, "error", err)
	}
}

// PendingActivity buffers events produced inside a transaction. Call Flush
// once the transaction commits. Events of a rolled back transaction are
// dropped with Discard or by never flushing.
type PendingActivity struct {
	mu     sync.Mutex
	events []pendingEvent
}

type pendingEvent struct {
	sink   ActivitySink
	logger Logger
	event  ActivityEvent
}

func (p *PendingActivity) add(sink ActivitySink, logger Logger, event ActivityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pendingEvent{sink: sink, logger: logger, event: event})
}

// Len reports how many events wait for Flush
func (p *PendingActivity) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Flush records the buffered events in order and empties the buffer
func (p *PendingActivity) Flush(ctx context.Context) {
	p.mu.Lock()
	events := p.events
	p.events = nil
	p.mu.Unlock()

	for _, pe := range events {
		recordActivity(ctx, pe.sink, pe.logger, pe.event)
	}
}

// Discard drops the buffered events
func (p *PendingActivity) Discard() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}
