package wakeup

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sudocode-ai/execweave/internal/workflow/model"
	"github.com/sudocode-ai/execweave/internal/workflow/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func TestScheduleFiresOnTimeout(t *testing.T) {
	st := newTestStore(t)
	fired := make(chan Fired, 1)
	svc := NewService(st, nil, func(f Fired) { fired <- f })
	defer svc.Close()

	_, err := svc.Schedule(context.Background(), "wf1", "", "", model.EventExecutionTimeout,
		model.TimeoutPayload{TimeoutAt: time.Now().Add(20 * time.Millisecond), Reason: "idle"},
		time.Now().Add(20*time.Millisecond))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case f := <-fired:
		if !f.TimedOut {
			t.Fatalf("expected a timeout firing")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestMatchPreemptsTimeoutAndFiresOnce(t *testing.T) {
	st := newTestStore(t)
	var fireCount int
	done := make(chan struct{}, 2)
	svc := NewService(st, nil, func(f Fired) { fireCount++; done <- struct{}{} })
	defer svc.Close()

	ev, err := svc.Schedule(context.Background(), "wf1", "", "", model.EventOrchestratorWakeup,
		model.AwaitPayload{EventTypes: []string{"step_completed"}, TimeoutAt: time.Now().Add(5 * time.Second)},
		time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	matched, err := svc.Match(context.Background(), ev.ID, model.EventStepCompleted)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !matched {
		t.Fatalf("expected match to succeed")
	}

	<-done
	matchedAgain, err := svc.Match(context.Background(), ev.ID, model.EventStepCompleted)
	if err != nil {
		t.Fatalf("second match: %v", err)
	}
	if matchedAgain {
		t.Fatalf("expected second match on an already-processed event to return false")
	}
	if fireCount != 1 {
		t.Fatalf("expected exactly one firing, got %d", fireCount)
	}
}

func TestRecoverFiresOverdueEventsImmediately(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ev := &model.Event{
		ID:         "ev-overdue",
		WorkflowID: "wf1",
		Type:       model.EventExecutionTimeout,
		Payload:    model.TimeoutPayload{TimeoutAt: time.Now().Add(-time.Minute), Reason: "idle"},
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	if err := st.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("seed overdue event: %v", err)
	}

	fired := make(chan Fired, 1)
	svc := NewService(st, nil, func(f Fired) { fired <- f })
	defer svc.Close()

	if err := svc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	select {
	case f := <-fired:
		if !f.TimedOut {
			t.Fatalf("expected overdue event to fire as a timeout")
		}
	case <-time.After(time.Second):
		t.Fatalf("recover did not fire the overdue event")
	}
}
