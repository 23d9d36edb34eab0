package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sudocode-ai/execweave/internal/obs/logger"
	"github.com/sudocode-ai/execweave/internal/wakeup"
	"github.com/sudocode-ai/execweave/internal/workflow/model"
	"github.com/sudocode-ai/execweave/internal/workflow/store"
)

// awaiter adapts wakeup.Service -- whose OnFire callback is fixed once at
// construction for the whole Service -- to Host.awaitOne's need for one
// completion channel per concurrently blocked call. It owns a single
// Service per project and routes each Fired by the Event.ID Schedule
// handed back, so N simultaneous escalate_to_user/await_event calls
// across however many workflows this project runs don't cross-deliver.
type waiter struct {
	ch         chan wakeup.Fired
	eventTypes []string
}

type awaiter struct {
	svc *wakeup.Service

	mu      sync.Mutex
	waiters map[string]waiter
}

func newAwaiter(st store.Store, log *logger.Logger) *awaiter {
	aw := &awaiter{waiters: make(map[string]waiter)}
	aw.svc = wakeup.NewService(st, log, aw.dispatch)
	return aw
}

func (aw *awaiter) dispatch(f Fired) {
	id := ""
	if f.Event != nil {
		id = f.Event.ID
	}
	aw.mu.Lock()
	w, ok := aw.waiters[id]
	aw.mu.Unlock()
	if !ok {
		// No synchronous waiter for this event id -- e.g. an
		// EventExecutionTimeout timer scheduled outside awaitOne. Nothing to
		// deliver to.
		return
	}
	select {
	case w.ch <- f:
	default:
	}
}

func (aw *awaiter) register(id string, eventTypes []string) chan wakeup.Fired {
	ch := make(chan wakeup.Fired, 1)
	aw.mu.Lock()
	aw.waiters[id] = waiter{ch: ch, eventTypes: eventTypes}
	aw.mu.Unlock()
	return ch
}

// matchType resolves every currently-registered waiter whose eventTypes
// include eventType, e.g. called when a workflow step completes so any
// await_event(["step_completed"]) call in flight wakes immediately instead
// of idling out its full timeout.
func (aw *awaiter) matchType(ctx context.Context, eventType model.EventType) {
	aw.mu.Lock()
	var ids []string
	for id, w := range aw.waiters {
		for _, et := range w.eventTypes {
			if et == string(eventType) {
				ids = append(ids, id)
				break
			}
		}
	}
	aw.mu.Unlock()

	for _, id := range ids {
		_, _ = aw.svc.Match(ctx, id, eventType)
	}
}

func (aw *awaiter) unregister(id string) {
	aw.mu.Lock()
	delete(aw.waiters, id)
	aw.mu.Unlock()
}

// await schedules a durable timer for eventTypes and blocks until either
// the timer fires (timeout) or something calls Match on its event id
// (resolved early by a matching condition observed elsewhere, e.g. the
// workflow driver on a step completion).
func (aw *awaiter) await(ctx context.Context, workflowID string, eventTypes []string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	ev, err := aw.svc.Schedule(ctx, workflowID, "", "", model.EventOrchestratorWakeup,
		model.AwaitPayload{EventTypes: eventTypes, TimeoutAt: deadline}, deadline)
	if err != nil {
		return "", err
	}

	ch := aw.register(ev.ID, eventTypes)
	defer aw.unregister(ev.ID)

	select {
	case f := <-ch:
		if f.TimedOut {
			return "timeout", nil
		}
		return string(f.MatchedOn), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Fired re-exports wakeup.Fired so callers in this package don't need to
// import wakeup directly for type signatures that are purely internal
// plumbing.
type Fired = wakeup.Fired
