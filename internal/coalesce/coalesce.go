// Package coalesce merges adjacent fine-grained trajectory updates
// targeting the same logical object (core specification §4.4) before they
// reach the logs store or the fan-out bus.
package coalesce

import "github.com/sudocode-ai/execweave/internal/execution/model"

// Coalescer is a single-producer, stateful merge step. It is not safe for
// concurrent use -- the execution engine owns exactly one per execution,
// matching the single-writer discipline the engine already enforces on
// the rest of the trajectory pipeline.
type Coalescer struct {
	pending *model.LogEntry
}

// New returns a fresh Coalescer with no buffered entry.
func New() *Coalescer { return &Coalescer{} }

// Push feeds one raw entry and returns zero or more entries ready for
// persistence/broadcast. Coalescible entries are buffered until a
// non-matching entry arrives or Flush is called; all other kinds pass
// through immediately. The function is deterministic: replaying an
// identical input sequence always yields an identical output sequence.
func (c *Coalescer) Push(entry model.LogEntry) []model.LogEntry {
	if merged, ok := c.tryMerge(entry); ok {
		c.pending = &merged
		return nil
	}

	var out []model.LogEntry
	if c.pending != nil {
		out = append(out, *c.pending)
		c.pending = nil
	}

	if c.coalescible(entry) {
		cp := entry
		c.pending = &cp
		return out
	}

	return append(out, entry)
}

// Flush emits any buffered entry, if present. Call once at stream end.
func (c *Coalescer) Flush() []model.LogEntry {
	if c.pending == nil {
		return nil
	}
	last := *c.pending
	c.pending = nil
	return []model.LogEntry{last}
}

func (c *Coalescer) coalescible(e model.LogEntry) bool {
	switch e.Kind {
	case model.EntryAssistantMessage, model.EntryToolUse:
		return true
	default:
		return false
	}
}

// tryMerge attempts to fold entry into the currently buffered one. It
// returns the merged entry and true on success; the caller replaces its
// buffer with the result. A false return means entry did not match the
// buffered object (different kind, different message/tool-call id, or
// nothing buffered) and must be handled by the caller as a boundary.
func (c *Coalescer) tryMerge(e model.LogEntry) (model.LogEntry, bool) {
	if c.pending == nil {
		return model.LogEntry{}, false
	}
	switch e.Kind {
	case model.EntryAssistantMessage:
		if c.pending.Kind != model.EntryAssistantMessage {
			return model.LogEntry{}, false
		}
		cur, ok1 := c.pending.Payload.(model.AssistantMessagePayload)
		next, ok2 := e.Payload.(model.AssistantMessagePayload)
		if !ok1 || !ok2 || cur.MessageID != next.MessageID {
			return model.LogEntry{}, false
		}
		merged := *c.pending
		merged.Timestamp = e.Timestamp
		merged.Payload = model.AssistantMessagePayload{MessageID: cur.MessageID, Text: cur.Text + next.Text}
		return merged, true

	case model.EntryToolUse:
		if c.pending.Kind != model.EntryToolUse {
			return model.LogEntry{}, false
		}
		cur, ok1 := c.pending.Payload.(model.ToolUsePayload)
		next, ok2 := e.Payload.(model.ToolUsePayload)
		if !ok1 || !ok2 || cur.ToolCallID != next.ToolCallID {
			return model.LogEntry{}, false
		}
		merged := *c.pending
		merged.Timestamp = e.Timestamp
		out := cur
		out.Status = next.Status
		if next.Input != nil {
			out.Input = next.Input
		}
		if next.Result != nil {
			out.Result = next.Result
		}
		merged.Payload = out
		return merged, true

	default:
		return model.LogEntry{}, false
	}
}
