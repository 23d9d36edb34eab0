package coalesce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/execweave/internal/execution/model"
)

func TestAssistantMessageCoalescesBySameID(t *testing.T) {
	c := New()
	out1 := c.Push(model.LogEntry{Kind: model.EntryAssistantMessage, Payload: model.AssistantMessagePayload{MessageID: "m1", Text: "Hel"}})
	assert.Empty(t, out1)

	out2 := c.Push(model.LogEntry{Kind: model.EntryAssistantMessage, Payload: model.AssistantMessagePayload{MessageID: "m1", Text: "lo"}})
	assert.Empty(t, out2)

	flushed := c.Flush()
	require.Len(t, flushed, 1)
	p := flushed[0].Payload.(model.AssistantMessagePayload)
	assert.Equal(t, "Hello", p.Text)
}

func TestAssistantMessageDifferentIDsDoNotMerge(t *testing.T) {
	c := New()
	out1 := c.Push(model.LogEntry{Kind: model.EntryAssistantMessage, Payload: model.AssistantMessagePayload{MessageID: "m1", Text: "a"}})
	assert.Empty(t, out1)

	out2 := c.Push(model.LogEntry{Kind: model.EntryAssistantMessage, Payload: model.AssistantMessagePayload{MessageID: "m2", Text: "b"}})
	require.Len(t, out2, 1) // m1 flushed as boundary

	flushed := c.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, "b", flushed[0].Payload.(model.AssistantMessagePayload).Text)
}

func TestToolUseCollapsesToLatestStatusAndNonNilFields(t *testing.T) {
	c := New()
	c.Push(model.LogEntry{Kind: model.EntryToolUse, Payload: model.ToolUsePayload{ToolCallID: "t1", Status: model.ToolUsePending, Input: "args"}})
	out := c.Push(model.LogEntry{Kind: model.EntryToolUse, Payload: model.ToolUsePayload{ToolCallID: "t1", Status: model.ToolUseSuccess, Result: "ok"}})
	assert.Empty(t, out)

	flushed := c.Flush()
	require.Len(t, flushed, 1)
	p := flushed[0].Payload.(model.ToolUsePayload)
	assert.Equal(t, model.ToolUseSuccess, p.Status)
	assert.Equal(t, "args", p.Input)
	assert.Equal(t, "ok", p.Result)
}

func TestOtherKindsPassThroughImmediately(t *testing.T) {
	c := New()
	out := c.Push(model.LogEntry{Kind: model.EntryThinking, Payload: model.ThinkingPayload{Text: "hm"}})
	require.Len(t, out, 1)
	assert.Nil(t, c.Flush())
}

func TestCoalescingIsDeterministic(t *testing.T) {
	entries := []model.LogEntry{
		{Kind: model.EntryAssistantMessage, Payload: model.AssistantMessagePayload{MessageID: "m1", Text: "a"}},
		{Kind: model.EntryAssistantMessage, Payload: model.AssistantMessagePayload{MessageID: "m1", Text: "b"}},
		{Kind: model.EntryToolUse, Payload: model.ToolUsePayload{ToolCallID: "t1", Status: model.ToolUsePending}},
		{Kind: model.EntryToolUse, Payload: model.ToolUsePayload{ToolCallID: "t1", Status: model.ToolUseSuccess}},
		{Kind: model.EntryThinking, Payload: model.ThinkingPayload{Text: "x"}},
	}

	run := func() []model.LogEntry {
		c := New()
		var got []model.LogEntry
		for _, e := range entries {
			got = append(got, c.Push(e)...)
		}
		got = append(got, c.Flush()...)
		return got
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Kind, second[i].Kind)
		assert.Equal(t, first[i].Payload, second[i].Payload)
	}
}
