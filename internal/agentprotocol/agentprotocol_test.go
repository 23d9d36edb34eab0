package agentprotocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/execweave/internal/errs"
	"github.com/sudocode-ai/execweave/internal/execution/model"
)

func TestNewUnknownAgentType(t *testing.T) {
	_, ok, err := New(SessionConfig{AgentType: "does-not-exist"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStubSessionRunEmitsTrajectory(t *testing.T) {
	sess, ok, err := New(SessionConfig{AgentType: "stub-agent"})
	require.NoError(t, err)
	require.True(t, ok)
	defer sess.Close()

	ch, err := sess.Run(context.Background(), "do the thing")
	require.NoError(t, err)

	var kinds []model.EntryKind
	for _, entry := range drain(t, ch) {
		kinds = append(kinds, entry.Kind)
	}
	assert.Equal(t, []model.EntryKind{model.EntrySystemMessage, model.EntryUserMessage, model.EntryAssistantMessage}, kinds)
}

func TestStubSessionSetModeUnsupported(t *testing.T) {
	sess, _, err := New(SessionConfig{AgentType: "stub-agent"})
	require.NoError(t, err)
	defer sess.Close()

	err = sess.SetMode(context.Background(), "plan")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAgentProtocolFailure))
}

func TestPermissionBrokerResolveUnknownIsNotFound(t *testing.T) {
	b := newPermissionBroker()
	err := b.resolve("missing", "opt-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestPermissionBrokerResolveExactlyOnce(t *testing.T) {
	b := newPermissionBroker()
	wait := b.open("req-1")
	require.NoError(t, b.resolve("req-1", "opt-allow"))
	assert.Equal(t, "opt-allow", <-wait)

	// second resolve for the same requestID must fail: already answered
	err := b.resolve("req-1", "opt-allow")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func drain(t *testing.T, ch <-chan model.LogEntry) []model.LogEntry {
	t.Helper()
	var out []model.LogEntry
	timeout := time.After(time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("timed out draining trajectory stream")
		}
	}
}
