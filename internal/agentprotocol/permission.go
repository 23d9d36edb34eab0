package agentprotocol

import (
	"sync"

	"github.com/sudocode-ai/execweave/internal/errs"
)

// permissionBroker tracks permission requests emitted on a session's
// trajectory stream until RespondToPermission answers them. Grounded on
// the teacher's PendingPermission/waitForPermissionResponse pairing, but
// expressed as a map keyed by requestID rather than a single in-flight
// slot, since a session may have multiple tool calls awaiting permission
// concurrently under a parallel workflow step.
type permissionBroker struct {
	mu      sync.Mutex
	pending map[string]chan string // requestID -> optionID
}

func newPermissionBroker() *permissionBroker {
	return &permissionBroker{pending: make(map[string]chan string)}
}

// open registers requestID as awaiting a decision and returns the channel
// that will receive the chosen optionID.
func (b *permissionBroker) open(requestID string) <-chan string {
	ch := make(chan string, 1)
	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()
	return ch
}

// resolve delivers optionID to the waiter for requestID. Returns NotFound
// if requestID was never opened, already resolved, or timed out -- answering
// a permission request exactly once is the caller's responsibility.
func (b *permissionBroker) resolve(requestID, optionID string) error {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return errs.New(errs.KindNotFound, "permission request "+requestID+" is not pending")
	}
	ch <- optionID
	close(ch)
	return nil
}

// cancel discards a pending wait without delivering a decision, used when
// the owning session tears down with permissions still outstanding.
func (b *permissionBroker) cancel(requestID string) {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (b *permissionBroker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.pending {
		delete(b.pending, id)
		close(ch)
	}
}
