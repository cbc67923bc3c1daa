package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"sentinel-agent/agent/internal/db"
	"sentinel-agent/agent/internal/identity"
	"sentinel-agent/agent/internal/queue"
	"sentinel-agent/agent/internal/report"

	"github.com/rs/zerolog"
)

// API is the subset of the control-plane client the orchestrator needs.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
}

// Orchestrator polls for policy executions, persists them, and runs each one
// in its own goroutine. At most one execution per policy runs at a time.
type Orchestrator struct {
	store  Store
	runner *Runner
	api    API
	ids    identity.Provider
	log    zerolog.Logger
	queue  *queue.Queue[string]
	wake   chan struct{}
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	busy     map[string]bool
	held     map[string][]string
	wg       sync.WaitGroup
}

func NewOrchestrator(store Store, runner *Runner, api API, ids identity.Provider, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		runner:   runner,
		api:      api,
		ids:      ids,
		log:      log,
		queue:    queue.New[string](),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		inflight: make(map[string]bool),
		busy:     make(map[string]bool),
		held:     make(map[string][]string),
	}
}

// PollNow requests an immediate poll from RunPoller.
func (o *Orchestrator) PollNow() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Active is the number of executions currently running.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func (o *Orchestrator) RunPoller(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.Poll(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, identity.ErrNotRegistered) {
				o.log.Warn().Err(err).Msg("skipping policy poll")
			} else {
				o.log.Error().Err(err).Msg("policy poll failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// Poll fetches pending executions once. It returns how many were new.
func (o *Orchestrator) Poll(ctx context.Context) (int, error) {
	id, err := o.ids.Current(ctx)
	if err != nil {
		return 0, err
	}
	base := "/api/agent/" + url.PathEscape(id.AgentID) + "/policies"

	var pending []ExecutionCommand
	if err := o.api.Get(ctx, base+"/pending", &pending); err != nil {
		return 0, fmt.Errorf("fetch pending policies: %w", err)
	}

	created := 0
	for _, cmd := range pending {
		if cmd.ExecutionID == "" {
			o.log.Warn().Str("policy_id", cmd.PolicyID).Msg("ignoring policy command without executionId")
			continue
		}
		raw, err := json.Marshal(cmd)
		if err != nil {
			return created, err
		}
		isNew, err := o.store.SavePolicyCommand(ctx, cmd.ExecutionID, cmd.PolicyID, string(raw), o.now().UTC())
		if err != nil {
			return created, fmt.Errorf("store policy command %s: %w", cmd.ExecutionID, err)
		}
		if isNew {
			created++
			o.log.Info().Str("execution_id", cmd.ExecutionID).Str("policy_id", cmd.PolicyID).Msg("policy execution received")
			_ = o.queue.Push(cmd.ExecutionID)
		}
		if err := o.api.Post(ctx, base+"/"+url.PathEscape(cmd.ExecutionID)+"/ack", nil, nil); err != nil {
			o.log.Warn().Err(err).Str("execution_id", cmd.ExecutionID).Msg("ack failed, will retry on next poll")
		}
	}
	return created, nil
}

// Recover re-queues executions that were received but never started and
// closes out executions a previous process left running. Those are never
// re-run.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.store.PolicyExecutionsByState(ctx, db.StateRunning)
	if err != nil {
		return fmt.Errorf("load running executions: %w", err)
	}
	for _, row := range running {
		var res ExecutionResult
		if err := json.Unmarshal([]byte(row.Result), &res); err != nil || res.ExecutionID == "" {
			res = ExecutionResult{ExecutionID: row.ExecutionID, PolicyID: row.PolicyID}
		}
		if _, err := o.runner.finalizeInterrupted(ctx, res); err != nil {
			o.log.Error().Err(err).Str("execution_id", row.ExecutionID).Msg("finalize interrupted execution")
		}
	}

	received, err := o.store.PolicyExecutionsByState(ctx, db.StateReceived)
	if err != nil {
		return fmt.Errorf("load received executions: %w", err)
	}
	for _, row := range received {
		_ = o.queue.Push(row.ExecutionID)
	}
	if len(running)+len(received) > 0 {
		o.log.Info().Int("interrupted", len(running)).Int("requeued", len(received)).Msg("policy state recovered")
	}
	return nil
}

// RunWorkers dispatches queued executions until ctx is done, then waits for
// the running ones to return.
func (o *Orchestrator) RunWorkers(ctx context.Context) error {
	defer o.wg.Wait()
	for {
		execID, err := o.queue.Pop(ctx)
		if err != nil {
			return err
		}
		o.dispatch(ctx, execID)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, execID string) {
	log := o.log.With().Str("execution_id", execID).Logger()
	row, err := o.store.PolicyExecution(ctx, execID)
	if err != nil {
		log.Error().Err(err).Msg("load policy execution")
		return
	}
	if row.State != db.StateReceived {
		log.Debug().Str("state", row.State).Msg("execution not pending, skipping")
		return
	}

	var cmd ExecutionCommand
	if err := json.Unmarshal([]byte(row.Command), &cmd); err != nil {
		cmd = ExecutionCommand{ExecutionID: execID, PolicyID: row.PolicyID}
		if _, ferr := o.runner.Fail(ctx, cmd, "invalid policy command: "+err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("finalize invalid execution")
		}
		return
	}
	if !o.acquire(execID, row.PolicyID) {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(execID, row.PolicyID)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("policy execution panicked")
			}
		}()
		if _, err := o.runner.Execute(ctx, cmd); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("policy execution failed")
		}
	}()
}

func (o *Orchestrator) acquire(execID, policyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[execID] {
		return false
	}
	if policyID != "" && o.busy[policyID] {
		o.held[policyID] = append(o.held[policyID], execID)
		o.log.Info().Str("execution_id", execID).Str("policy_id", policyID).Msg("policy already running, execution deferred")
		return false
	}
	o.inflight[execID] = true
	if policyID != "" {
		o.busy[policyID] = true
	}
	return true
}

func (o *Orchestrator) release(execID, policyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, execID)
	if policyID == "" {
		return
	}
	delete(o.busy, policyID)
	if waiting := o.held[policyID]; len(waiting) > 0 {
		_ = o.queue.Push(waiting[0])
		if len(waiting) == 1 {
			delete(o.held, policyID)
		} else {
			o.held[policyID] = waiting[1:]
		}
	}
}

// ReportChannel delivers finalized results from outbox to the control plane.
func (o *Orchestrator) ReportChannel(outbox report.Outbox) report.Channel {
	return report.Channel{
		Name:   "policy",
		Outbox: outbox,
		Send: func(ctx context.Context, _ string, body []byte) error {
			id, err := o.ids.Current(ctx)
			if err != nil {
				return err
			}
			return o.api.Post(ctx, "/api/agent/"+url.PathEscape(id.AgentID)+"/policies/results", json.RawMessage(body), nil)
		},
	}
}
