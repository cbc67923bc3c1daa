package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sentinel-agent/agent/internal/command"
	"sentinel-agent/agent/internal/db"
	"sentinel-agent/agent/internal/identity"
	"sentinel-agent/agent/internal/process"
	"sentinel-agent/agent/internal/queue"
	"sentinel-agent/agent/internal/script"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeScripts struct {
	mu   sync.Mutex
	reqs []script.Request
	res  script.Result
}

func (f *fakeScripts) Execute(_ context.Context, req script.Request) script.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res
}

func (f *fakeScripts) requests() []script.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]script.Request(nil), f.reqs...)
}

type fakeDiscovery struct {
	calls int
	err   error
}

func (f *fakeDiscovery) RunOnce(context.Context, string) (string, error) {
	f.calls++
	return "session-1", f.err
}

type fakePoller struct{ polls int }

func (f *fakePoller) PollNow() { f.polls++ }

type memResults struct {
	mu      sync.Mutex
	results map[string]command.Result
}

func (m *memResults) SaveCommandResult(_ context.Context, id, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r command.Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return err
	}
	m.results[id] = r
	return nil
}

func (m *memResults) get(id string) (command.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	return r, ok
}

type fixture struct {
	scripts   *fakeScripts
	discovery *fakeDiscovery
	poller    *fakePoller
	results   *memResults
	notified  int
	d         *command.Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		scripts:   &fakeScripts{res: script.Result{Success: true, Output: "done", Status: process.StatusSuccess}},
		discovery: &fakeDiscovery{},
		poller:    &fakePoller{},
		results:   &memResults{results: map[string]command.Result{}},
	}
	reg := command.NewRegistry()
	command.RegisterDefaults(reg, f.scripts, f.discovery, f.poller)
	f.d = command.NewDispatcher(reg, f.results, zerolog.Nop(), func() { f.notified++ })
	return f
}

func TestDecodeWireForms(t *testing.T) {
	t.Parallel()
	cmd, err := command.Decode([]byte(`{"id":"c1","type":"execute_script","payloadJson":"{\"scriptType\":\"bash\",\"scriptContent\":\"ls\"}","ttl":30}`))
	require.NoError(t, err)
	require.Equal(t, "c1", cmd.ID)
	require.Equal(t, 30, cmd.TTL)
	require.JSONEq(t, `{"scriptType":"bash","scriptContent":"ls"}`, string(cmd.Payload))

	cmd, err = command.Decode([]byte(`{"id":"c2","type":"shell","payload":{"command":"uptime"}}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"uptime"}`, string(cmd.Payload))

	cmd, err = command.Decode([]byte(`{"id":"c3","type":"shell","payloadJson":"uptime"}`))
	require.NoError(t, err)
	require.Equal(t, `"uptime"`, string(cmd.Payload))

	_, err = command.Decode([]byte(`{"type":"shell"}`))
	require.Error(t, err)
	_, err = command.Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cmd := command.Command{TTL: 10, ReceivedAt: now.Add(-time.Minute)}
	require.True(t, cmd.Expired(now))
	cmd.TTL = 0
	require.False(t, cmd.Expired(now))
}

func TestDispatchExecuteScript(t *testing.T) {
	t.Parallel()
	f := newFixture()
	res := f.d.Dispatch(t.Context(), command.Command{
		ID:      "c1",
		Type:    command.TypeExecuteScript,
		Payload: json.RawMessage(`{"scriptType":"bash","scriptContent":"echo hi","timeoutSeconds":5}`),
	})
	require.Equal(t, command.StatusOK, res.Status)
	require.Equal(t, "done", res.Output)

	reqs := f.scripts.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "bash", reqs[0].ScriptType)
	require.Equal(t, 5, reqs[0].TimeoutSeconds)

	stored, ok := f.results.get("c1")
	require.True(t, ok)
	require.Equal(t, res, stored)
	require.Equal(t, 1, f.notified)
}

func TestDispatchShellFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.scripts.res = script.Result{ExitCode: 2, Output: "partial", Error: "boom", Status: process.StatusFailed}

	res := f.d.Dispatch(t.Context(), command.Command{ID: "c2", Type: "SHELL", Payload: json.RawMessage(`"false"`)})
	require.Equal(t, command.StatusError, res.Status)
	require.Equal(t, "partial\nboom", res.Output)
	require.Equal(t, script.TypeShell, f.scripts.requests()[0].ScriptType)
}

func TestDispatchErrors(t *testing.T) {
	t.Parallel()
	f := newFixture()

	res := f.d.Dispatch(t.Context(), command.Command{ID: "u", Type: "reboot"})
	require.Equal(t, command.StatusError, res.Status)
	require.Contains(t, res.Output, "unknown command type")

	res = f.d.Dispatch(t.Context(), command.Command{ID: "bad", Type: command.TypeExecuteScript, Payload: json.RawMessage(`{}`)})
	require.Equal(t, command.StatusError, res.Status)
	require.Contains(t, res.Output, "scriptType is required")

	res = f.d.Dispatch(t.Context(), command.Command{
		ID:         "old",
		Type:       command.TypeShell,
		Payload:    json.RawMessage(`"ls"`),
		TTL:        1,
		ReceivedAt: time.Now().Add(-time.Hour),
	})
	require.Equal(t, command.StatusError, res.Status)
	require.Equal(t, "command expired", res.Output)
	require.Empty(t, f.scripts.requests(), "nothing may run for rejected commands")
}

func TestRunDiscoveryIsReserved(t *testing.T) {
	t.Parallel()
	f := newFixture()
	res := f.d.Dispatch(t.Context(), command.Command{ID: "d1", Type: command.TypeRunDiscovery})
	require.Equal(t, command.StatusOK, res.Status)
	require.Equal(t, 1, f.discovery.calls)
	require.Empty(t, f.scripts.requests())

	f.discovery.err = errors.New("already running")
	res = f.d.Dispatch(t.Context(), command.Command{ID: "d2", Type: command.TypeRunDiscovery})
	require.Equal(t, command.StatusError, res.Status)
	require.Equal(t, "already running", res.Output)
}

func TestPollPolicies(t *testing.T) {
	t.Parallel()
	f := newFixture()
	res := f.d.Dispatch(t.Context(), command.Command{ID: "p1", Type: command.TypePollPolicies})
	require.Equal(t, command.StatusOK, res.Status)
	require.Equal(t, 1, f.poller.polls)
}

// blockingScripts holds the first command until released so the test can
// prove the second one is not stuck behind it.
type blockingScripts struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []string
}

func (b *blockingScripts) Execute(ctx context.Context, req script.Request) script.Result {
	b.mu.Lock()
	b.seen = append(b.seen, req.ScriptContent)
	b.mu.Unlock()
	if req.ScriptContent == "slow" {
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}
	return script.Result{Success: true, Status: process.StatusSuccess}
}

func TestRunDoesNotBlockOnSlowCommand(t *testing.T) {
	t.Parallel()
	store, err := db.Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	scripts := &blockingScripts{release: make(chan struct{})}
	reg := command.NewRegistry()
	command.RegisterDefaults(reg, scripts, nil, &fakePoller{})
	d := command.NewDispatcher(reg, store, zerolog.Nop(), nil)

	q := queue.New[command.Command]()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, q) }()

	require.NoError(t, q.Push(command.Command{ID: "slow", Type: command.TypeShell, Payload: json.RawMessage(`"slow"`)}))
	require.NoError(t, q.Push(command.Command{ID: "fast", Type: command.TypeShell, Payload: json.RawMessage(`"fast"`)}))

	require.Eventually(t, func() bool {
		pending, err := store.CommandResults().Unreported(context.Background(), time.Now(), 10)
		return err == nil && len(pending) == 1 && pending[0].ItemKey == "fast"
	}, 5*time.Second, 20*time.Millisecond)

	close(scripts.release)
	require.Eventually(t, func() bool {
		n, err := store.CommandResults().CountUnreported(context.Background())
		return err == nil && n == 2
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

type recordingAPI struct {
	mu    sync.Mutex
	paths []string
	body  []any
}

func (r *recordingAPI) Post(_ context.Context, path string, body, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	r.body = append(r.body, body)
	return nil
}

type staticIdentity struct{}

func (staticIdentity) Current(context.Context) (identity.Identity, error) {
	return identity.Identity{AgentID: "agent-7", Token: "t"}, nil
}

func (staticIdentity) Invalidate() {}

func TestLegacyPostsInline(t *testing.T) {
	t.Parallel()
	scripts := &fakeScripts{res: script.Result{Output: "out\n", Error: "warn", Status: process.StatusFailed}}
	api := &recordingAPI{}
	legacy := command.NewLegacy(scripts, api, staticIdentity{}, zerolog.Nop())

	require.NoError(t, legacy.Handle(t.Context(), command.Command{ID: "l1", Type: "shell", Payload: json.RawMessage(`{"command":"whoami"}`)}))
	require.Equal(t, []string{"/api/agent/commands/legacy-result"}, api.paths)
	raw, err := json.Marshal(api.body[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"commandId":"l1","agentId":"agent-7","output":"out\nwarn"}`, string(raw))
	require.Equal(t, "whoami", scripts.requests()[0].ScriptContent)
}

func TestReportChannelPath(t *testing.T) {
	t.Parallel()
	api := &recordingAPI{}
	ch := command.ReportChannel(api, nil)
	require.NoError(t, ch.Send(t.Context(), "cmd 1", []byte(`{}`)))
	require.Equal(t, []string{"/api/agent/commands/cmd%201/result"}, api.paths)
}
