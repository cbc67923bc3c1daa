package db_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"sentinel-agent/agent/internal/db"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := db.Open("postgres", "whatever")
	require.ErrorContains(t, err, "unsupported db driver")
}

func TestSavePolicyCommandIsInsertIfAbsent(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()
	now := time.Now()

	created, err := store.SavePolicyCommand(ctx, "exec-1", "pol-1", `{"v":1}`, now)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.SavePolicyCommand(ctx, "exec-1", "pol-1", `{"v":2}`, now)
	require.NoError(t, err)
	require.False(t, created)

	row, err := store.PolicyExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, row.Command)
	require.Equal(t, db.StateReceived, row.State)
}

func TestPolicyLifecycle(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()
	now := time.Now()

	_, err := store.SavePolicyCommand(ctx, "exec-1", "pol-1", "{}", now)
	require.NoError(t, err)

	claimed, err := store.ClaimPolicyExecution(ctx, "exec-1", `{"progress":0}`, now)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = store.ClaimPolicyExecution(ctx, "exec-1", `{"progress":0}`, now)
	require.NoError(t, err)
	require.False(t, claimed)

	require.NoError(t, store.SavePolicyProgress(ctx, "exec-1", `{"progress":50}`))
	running, err := store.PolicyExecutionsByState(ctx, db.StateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, `{"progress":50}`, running[0].Result)

	done, err := store.CompletePolicyExecution(ctx, "exec-1", `{"progress":100}`, "success", now)
	require.NoError(t, err)
	require.True(t, done)
	done, err = store.CompletePolicyExecution(ctx, "exec-1", `{"progress":0}`, "failed", now)
	require.NoError(t, err)
	require.False(t, done)

	row, err := store.PolicyExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, db.StateCompleted, row.State)
	require.Equal(t, "success", row.FinalStatus)
	require.Equal(t, `{"progress":100}`, row.Result)
}

func TestPolicyOutboxOnlyReturnsCompleted(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()
	now := time.Now()

	for _, id := range []string{"exec-a", "exec-b"} {
		_, err := store.SavePolicyCommand(ctx, id, "pol-"+id, "{}", now)
		require.NoError(t, err)
	}
	_, err := store.CompletePolicyExecution(ctx, "exec-b", `{"executionId":"exec-b"}`, "failed", now)
	require.NoError(t, err)

	outbox := store.PolicyResults()
	pending, err := outbox.Unreported(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "exec-b", pending[0].ItemKey)
	require.Equal(t, `{"executionId":"exec-b"}`, pending[0].ItemBody)

	require.NoError(t, outbox.MarkReported(ctx, "exec-b", now))
	pending, err = outbox.Unreported(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOutboxFailureBookkeeping(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()
	now := time.Now()
	outbox := store.CommandResults()

	require.NoError(t, store.SaveCommandResult(ctx, "cmd-1", `{"status":"ok"}`))
	require.NoError(t, store.SaveCommandResult(ctx, "cmd-2", `{"status":"error"}`))

	later := now.Add(time.Hour)
	require.NoError(t, outbox.MarkFailed(ctx, "cmd-1", db.ReportFailure{Attempts: 1, Err: "boom", NextAt: &later}))
	require.NoError(t, outbox.MarkFailed(ctx, "cmd-2", db.ReportFailure{Attempts: 3, Err: "boom", GiveUp: true}))

	pending, err := outbox.Unreported(ctx, now, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	pending, err = outbox.Unreported(ctx, later, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "cmd-1", pending[0].ItemKey)
	require.Equal(t, 1, pending[0].ReportAttempts)

	n, err := outbox.CountUnreported(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Saving again re-queues with a clean slate.
	require.NoError(t, store.SaveCommandResult(ctx, "cmd-2", `{"status":"ok"}`))
	pending, err = outbox.Unreported(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "cmd-2", pending[0].ItemKey)
	require.Equal(t, 0, pending[0].ReportAttempts)
}

func TestDiscoveryPartsUpsert(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()
	now := time.Now()

	require.NoError(t, store.SaveDiscoveryPart(ctx, db.DiscoveryPart{SessionID: "s1", Category: "hardware", Payload: "{}", Failed: true, CollectedAt: now}))
	require.NoError(t, store.SaveDiscoveryPart(ctx, db.DiscoveryPart{SessionID: "s1", Category: "hardware", Payload: `{"cpu":1}`, CollectedAt: now}))
	require.NoError(t, store.SaveDiscoveryPart(ctx, db.DiscoveryPart{SessionID: "s1", Category: "security", Payload: "{}", CollectedAt: now}))

	parts, err := store.DiscoveryParts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "hardware", parts[0].Category)
	require.Equal(t, `{"cpu":1}`, parts[0].Payload)
	require.False(t, parts[0].Failed)

	require.NoError(t, store.SaveDiscoverySession(ctx, "s1", `{"sessionId":"s1"}`))
	require.NoError(t, store.RecordSessionFailure(ctx, "s1", "connection refused"))
	sess, err := store.DiscoverySession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, sess.Transmitted)
	require.Equal(t, "connection refused", sess.LastError)

	require.NoError(t, store.MarkSessionTransmitted(ctx, "s1", now))
	sess, err = store.DiscoverySession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, sess.Transmitted)
	require.Empty(t, sess.LastError)
}

func TestTokensAndAudit(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	_, err := store.LatestToken(ctx)
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, store.SaveToken(ctx, "agent-1", "old"))
	require.NoError(t, store.SaveToken(ctx, "agent-1", "new"))
	tok, err := store.LatestToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", tok.Value)

	require.NoError(t, store.ClearTokens(ctx))
	_, err = store.LatestToken(ctx)
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, store.Audit(ctx, "discovery.collector_failed", "s1", "security: boom"))
	require.NoError(t, store.Audit(ctx, "report.gave_up", "cmd-1", "503"))
	events, err := store.AuditEvents(ctx, "report.gave_up")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "cmd-1", events[0].Ref)
}

func TestPruneRemovesDeliveredRecords(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	results := store.CommandResults()

	for _, id := range []string{"cmd-1", "cmd-2", "cmd-3", "cmd-4"} {
		require.NoError(t, store.SaveCommandResult(ctx, id, "{}"))
	}
	require.NoError(t, results.MarkReported(ctx, "cmd-1", old))
	require.NoError(t, results.MarkReported(ctx, "cmd-2", old))
	require.NoError(t, results.MarkFailed(ctx, "cmd-3", db.ReportFailure{Attempts: 3, Err: "503", GiveUp: true}))

	for _, id := range []string{"s-old", "s-new"} {
		require.NoError(t, store.SaveDiscoveryPart(ctx, db.DiscoveryPart{SessionID: id, Category: "hardware", Payload: "{}", CollectedAt: now}))
		require.NoError(t, store.SaveDiscoverySession(ctx, id, "{}"))
	}
	require.NoError(t, store.MarkSessionTransmitted(ctx, "s-old", old))
	require.NoError(t, store.MarkSessionTransmitted(ctx, "s-new", now))
	require.NoError(t, store.SaveDiscoveryPart(ctx, db.DiscoveryPart{SessionID: "s-orphan", Category: "software", Payload: "{}", CollectedAt: old}))
	require.NoError(t, store.Audit(ctx, "report.gave_up", "cmd-3", "503"))

	_, err := store.SavePolicyCommand(ctx, "exec-1", "pol-1", "{}", old)
	require.NoError(t, err)
	_, err = store.CompletePolicyExecution(ctx, "exec-1", "{}", "success", old)
	require.NoError(t, err)
	require.NoError(t, store.PolicyResults().MarkReported(ctx, "exec-1", old))

	st, err := store.Prune(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, db.PruneStats{CommandResults: 2, DiscoverySessions: 1, DiscoveryParts: 2}, st)

	_, err = store.DiscoverySession(ctx, "s-old")
	require.ErrorIs(t, err, db.ErrNotFound)
	parts, err := store.DiscoveryParts(ctx, "s-old")
	require.NoError(t, err)
	require.Empty(t, parts)
	parts, err = store.DiscoveryParts(ctx, "s-new")
	require.NoError(t, err)
	require.Len(t, parts, 1)

	// The unreported result survives any cutoff; the abandoned one ages out.
	st, err = store.Prune(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, st.CommandResults)
	require.EqualValues(t, 1, st.AuditEvents)
	n, err := results.CountUnreported(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	pending, err := results.Unreported(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "cmd-4", pending[0].ItemKey)

	// Policy rows back insert-if-absent and are never pruned.
	created, err := store.SavePolicyCommand(ctx, "exec-1", "pol-1", "{}", now)
	require.NoError(t, err)
	require.False(t, created)

	st, err = store.Prune(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, st.Total())
}

func TestErrorsAreCutOnRuneBoundary(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	long := strings.Repeat("a", 1023) + strings.Repeat("é", 10)
	require.NoError(t, store.SaveDiscoverySession(ctx, "s1", "{}"))
	require.NoError(t, store.RecordSessionFailure(ctx, "s1", long))

	sess, err := store.DiscoverySession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, utf8.ValidString(sess.LastError))
	require.Equal(t, strings.Repeat("a", 1023), sess.LastError)
}
