// Package wakeup implements the Wakeup/Await Service (C8): durable timers
// keyed by workflow id and optionally execution id, backed by unprocessed
// WorkflowEvent rows (core specification §4.8). A timer is "durable"
// because its deadline lives in the event row, not just in an in-memory
// timer -- a process restart re-derives the in-memory timer (or fires it
// immediately, if already overdue) from what is unprocessed in the store.
package wakeup

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/workflow/model"
	"github.com/sudocode-ai/execweave/internal/workflow/store"
)

// Fired is delivered to OnFire when a timer's deadline elapses, whether
// because it was already overdue at recovery or a live in-memory timer
// expired.
type Fired struct {
	Event     *model.Event
	TimedOut  bool // true: deadline elapsed; false: Match resolved it before the deadline
	MatchedOn model.EventType
}

// OnFire is invoked from the service's own goroutine; it must not block.
type OnFire func(Fired)

type deadlinePayload struct {
	TimeoutAt time.Time `json:"TimeoutAt"`
}

// Service owns every pending durable timer for a project.
type Service struct {
	store store.Store
	log   *logger.Logger
	fire  OnFire

	mu     sync.Mutex
	timers map[string]*time.Timer // event id -> armed timer
	closed bool
}

func NewService(st store.Store, log *logger.Logger, fire OnFire) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{store: st, log: log.WithFields(zap.String("component", "wakeup")), fire: fire, timers: make(map[string]*time.Timer)}
}

// Schedule persists a new timer event and arms it in memory. eventType is
// typically EventOrchestratorWakeup (await-condition) or
// EventExecutionTimeout; payload must carry a TimeoutAt field (AwaitPayload
// or TimeoutPayload both qualify).
func (s *Service) Schedule(ctx context.Context, workflowID, executionID, stepID string, eventType model.EventType, payload any, timeoutAt time.Time) (*model.Event, error) {
	ev := &model.Event{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Type:        eventType,
		ExecutionID: executionID,
		StepID:      stepID,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.arm(ev, timeoutAt)
	return ev, nil
}

func (s *Service) arm(ev *model.Event, timeoutAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	d := time.Until(timeoutAt)
	if d < 0 {
		d = 0
	}
	s.timers[ev.ID] = time.AfterFunc(d, func() { s.onTimeout(ev) })
}

func (s *Service) onTimeout(ev *model.Event) {
	s.mu.Lock()
	delete(s.timers, ev.ID)
	s.mu.Unlock()

	if err := s.store.MarkEventProcessed(context.Background(), ev.ID); err != nil {
		// Already processed (e.g. Match beat the deadline by a hair); not an error.
		return
	}
	if s.fire != nil {
		s.fire(Fired{Event: ev, TimedOut: true})
	}
}

// Match resolves a pending timer early because a matching condition was
// observed (e.g. an await_event's eventTypes were satisfied by a step
// completion). It is a no-op, returning false, if eventID is unknown or
// already processed -- invariant 6 forbids double-processing.
func (s *Service) Match(ctx context.Context, eventID string, matchedOn model.EventType) (bool, error) {
	s.mu.Lock()
	t, ok := s.timers[eventID]
	if ok {
		t.Stop()
		delete(s.timers, eventID)
	}
	s.mu.Unlock()

	if err := s.store.MarkEventProcessed(ctx, eventID); err != nil {
		return false, nil
	}
	if s.fire != nil {
		ev := &model.Event{ID: eventID}
		s.fire(Fired{Event: ev, TimedOut: false, MatchedOn: matchedOn})
	}
	return true, nil
}

// Recover reloads every unprocessed event on process start: overdue
// deadlines fire immediately, the rest are re-armed in memory for their
// remaining duration (core §4.8 recovery).
func (s *Service) Recover(ctx context.Context) error {
	events, err := s.store.UnprocessedEvents(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, ev := range events {
		deadline, ok := extractDeadline(ev.Payload)
		if !ok {
			s.log.Warn("wakeup event missing a TimeoutAt deadline, skipping", zap.String("event_id", ev.ID))
			continue
		}
		if !deadline.After(now) {
			s.onTimeout(ev)
			continue
		}
		s.arm(ev, deadline)
	}
	return nil
}

// Close stops every armed in-memory timer without marking events
// processed, so a later Recover can re-arm them.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// extractDeadline re-marshals payload (which may be a typed struct at
// Schedule time or a generic map[string]any once round-tripped through
// the store) to recover its TimeoutAt field regardless of concrete type.
func extractDeadline(payload any) (time.Time, bool) {
	b, err := json.Marshal(payload)
	if err != nil {
		return time.Time{}, false
	}
	var dp deadlinePayload
	if err := json.Unmarshal(b, &dp); err != nil {
		return time.Time{}, false
	}
	if dp.TimeoutAt.IsZero() {
		return time.Time{}, false
	}
	return dp.TimeoutAt, true
}
