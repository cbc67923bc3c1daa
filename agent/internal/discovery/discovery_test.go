package discovery_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sentinel-agent/agent/internal/db"
	"sentinel-agent/agent/internal/discovery"
	"sentinel-agent/agent/internal/identity"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubCollector struct {
	category string
	data     any
	err      error
	panics   bool
	wait     <-chan struct{}
}

func (s stubCollector) Category() string { return s.category }

func (s stubCollector) Collect(ctx context.Context) (any, error) {
	if s.wait != nil {
		select {
		case <-s.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.panics {
		panic("collector exploded")
	}
	return s.data, s.err
}

type recordingAPI struct {
	mu      sync.Mutex
	path    string
	header  http.Header
	body    []byte
	calls   int
	failErr error
}

func (r *recordingAPI) Do(_ context.Context, method, path string, body, _ any, header http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if method != http.MethodPost {
		return errors.New("unexpected method " + method)
	}
	r.path = path
	r.header = header
	r.body, _ = body.(json.RawMessage)
	return r.failErr
}

type staticIDs struct{}

func (staticIDs) Current(context.Context) (identity.Identity, error) {
	return identity.Identity{AgentID: "agent-9", Token: "t"}, nil
}

func (staticIDs) Invalidate() {}

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var (
	hardware = map[string]any{
		"collectedAt":       "2026-01-01T00:00:00Z",
		"cpuCores":          8,
		"memoryTotalBytes":  16 << 30,
		"disks":             []any{map[string]any{"device": "/dev/sda"}, map[string]any{"device": "/dev/sdb"}},
		"networkInterfaces": []any{map[string]any{"name": "eth0"}},
	}
	software = map[string]any{"collectedAt": "2026-01-01T00:00:00Z", "os": "linux", "processCount": 120}
)

func TestSecurityFailureIsIsolated(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	api := &recordingAPI{}
	o := discovery.New([]discovery.Collector{
		stubCollector{category: discovery.CategoryHardware, data: hardware},
		stubCollector{category: discovery.CategorySoftware, data: software},
		stubCollector{category: discovery.CategorySecurity, err: errors.New("access denied")},
	}, store, api, staticIDs{}, "1.2.3", zerolog.Nop())

	sessionID, err := o.RunOnce(t.Context(), "test")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	require.Equal(t, "/api/agent/agent-9/discovery", api.path)
	require.Equal(t, sessionID, api.header.Get("X-Discovery-Session-Id"))
	require.Equal(t, "1.2.3", api.header.Get("X-Agent-Version"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(api.body, &sent))
	require.Equal(t, sessionID, sent["sessionId"])
	require.Equal(t, "agent-9", sent["agentId"])
	require.Equal(t, "linux", sent["software"].(map[string]any)["os"])

	security := sent["security"].(map[string]any)
	require.Len(t, security, 1)
	require.Contains(t, security, "collectedAt")

	metrics := sent["metrics"].(map[string]any)
	require.EqualValues(t, 8, metrics["cpuCores"])
	require.EqualValues(t, 2, metrics["diskCount"])
	require.EqualValues(t, 1, metrics["networkInterfaces"])
	require.EqualValues(t, 120, metrics["processCount"])
	require.EqualValues(t, 0, metrics["listeningPorts"])
	require.Equal(t, false, metrics["elevated"])
	require.EqualValues(t, 2, metrics["collectorsSucceeded"])
	require.Equal(t, []any{"security"}, metrics["failedCollectors"])

	parts, err := store.DiscoveryParts(t.Context(), sessionID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for _, p := range parts {
		require.Equal(t, p.Category == discovery.CategorySecurity, p.Failed, p.Category)
	}

	events, err := store.AuditEvents(t.Context(), discovery.AuditCollectorFailed)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Contains(t, events[0].Detail, "access denied")

	sess, err := store.DiscoverySession(t.Context(), sessionID)
	require.NoError(t, err)
	require.True(t, sess.Transmitted)
}

func TestCollectorPanicIsIsolated(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	api := &recordingAPI{}
	o := discovery.New([]discovery.Collector{
		stubCollector{category: discovery.CategoryHardware, panics: true},
		stubCollector{category: discovery.CategorySoftware, data: software},
		stubCollector{category: discovery.CategorySecurity, data: nil},
	}, store, api, staticIDs{}, "1.2.3", zerolog.Nop())

	_, err := o.RunOnce(t.Context(), "test")
	require.NoError(t, err)

	var sent discovery.Session
	require.NoError(t, json.Unmarshal(api.body, &sent))
	require.ElementsMatch(t, []string{"hardware", "security"}, sent.Metrics.FailedCollectors)
	require.Equal(t, 1, sent.Metrics.CollectorsSucceeded)
	require.Zero(t, sent.Metrics.CPUCores)
}

// watchedStore reports every part as it is saved.
type watchedStore struct {
	*db.Store
	saved chan db.DiscoveryPart
}

func (w watchedStore) SaveDiscoveryPart(ctx context.Context, part db.DiscoveryPart) error {
	if err := w.Store.SaveDiscoveryPart(ctx, part); err != nil {
		return err
	}
	w.saved <- part
	return nil
}

func TestPartsPersistBeforeBarrier(t *testing.T) {
	t.Parallel()
	store := watchedStore{Store: openStore(t), saved: make(chan db.DiscoveryPart, 2)}
	release := make(chan struct{})
	o := discovery.New([]discovery.Collector{
		stubCollector{category: discovery.CategoryHardware, data: hardware},
		stubCollector{category: discovery.CategorySecurity, data: map[string]any{"elevated": true}, wait: release},
	}, store, &recordingAPI{}, staticIDs{}, "1.2.3", zerolog.Nop())

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := o.RunOnce(t.Context(), "test")
		done <- outcome{id, err}
	}()

	// The hardware row lands while security is still collecting.
	var first db.DiscoveryPart
	select {
	case first = <-store.saved:
	case <-time.After(5 * time.Second):
		t.Fatal("hardware part was not persisted")
	}
	require.Equal(t, discovery.CategoryHardware, first.Category)
	parts, err := store.DiscoveryParts(t.Context(), first.SessionID)
	require.NoError(t, err)
	require.Len(t, parts, 1)

	_, err = o.RunOnce(t.Context(), "command")
	require.ErrorIs(t, err, discovery.ErrAlreadyRunning)

	close(release)
	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, first.SessionID, out.id)

	parts, err = store.DiscoveryParts(t.Context(), out.id)
	require.NoError(t, err)
	require.Len(t, parts, 2)
}

func TestTransmitFailureIsRecorded(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	api := &recordingAPI{failErr: errors.New("503 service unavailable")}
	o := discovery.New([]discovery.Collector{
		stubCollector{category: discovery.CategoryHardware, data: hardware},
	}, store, api, staticIDs{}, "1.2.3", zerolog.Nop())

	sessionID, err := o.RunOnce(t.Context(), "test")
	require.ErrorContains(t, err, "503")
	require.Equal(t, 1, api.calls)

	sess, err := store.DiscoverySession(t.Context(), sessionID)
	require.NoError(t, err)
	require.False(t, sess.Transmitted)
	require.Contains(t, sess.LastError, "503")

	events, err := store.AuditEvents(t.Context(), discovery.AuditTransmitFailed)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

type unregistered struct{}

func (unregistered) Current(context.Context) (identity.Identity, error) {
	return identity.Identity{}, identity.ErrNotRegistered
}

func (unregistered) Invalidate() {}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	o := discovery.New(nil, openStore(t), &recordingAPI{}, unregistered{}, "1.2.3", zerolog.Nop())
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, time.Hour) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDefaultCollectorCategories(t *testing.T) {
	t.Parallel()
	var got []string
	for _, c := range discovery.DefaultCollectors() {
		got = append(got, c.Category())
	}
	require.Equal(t, []string{"hardware", "software", "security"}, got)
}
