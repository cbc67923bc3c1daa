package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sentinel-agent/agent/internal/db"
	"sentinel-agent/agent/internal/process"
	"sentinel-agent/agent/internal/script"

	"github.com/rs/zerolog"
)

var ErrAlreadyClaimed = errors.New("execution already claimed")

const (
	errInterrupted = "interrupted by agent restart"
	errExpired     = "expired"
	errSkipped     = "run condition not met"
)

type ScriptExecutor interface {
	Execute(ctx context.Context, req script.Request) script.Result
}

type Store interface {
	SavePolicyCommand(ctx context.Context, executionID, policyID, command string, receivedAt time.Time) (bool, error)
	PolicyExecution(ctx context.Context, executionID string) (db.PolicyExecution, error)
	PolicyExecutionsByState(ctx context.Context, state string) ([]db.PolicyExecution, error)
	ClaimPolicyExecution(ctx context.Context, executionID, result string, at time.Time) (bool, error)
	SavePolicyProgress(ctx context.Context, executionID, result string) error
	CompletePolicyExecution(ctx context.Context, executionID, result, finalStatus string, at time.Time) (bool, error)
}

type RunnerOptions struct {
	// Sleep waits between retries; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	// OnFinalized is called after the terminal result is stored.
	OnFinalized func(ExecutionResult)
}

// Runner executes the steps of one ExecutionCommand and keeps its result
// record current in the store.
type Runner struct {
	scripts     ScriptExecutor
	store       Store
	log         zerolog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	onFinalized func(ExecutionResult)
}

func NewRunner(scripts ScriptExecutor, store Store, log zerolog.Logger, opts RunnerOptions) *Runner {
	r := &Runner{
		scripts:     scripts,
		store:       store,
		log:         log,
		sleep:       opts.Sleep,
		now:         opts.Now,
		onFinalized: opts.OnFinalized,
	}
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Execute runs cmd to completion. It returns ctx.Err() without finalizing
// when the agent is shutting down; the record stays running and is
// finalized by Recover on the next start.
func (r *Runner) Execute(ctx context.Context, cmd ExecutionCommand) (ExecutionResult, error) {
	log := r.log.With().Str("execution_id", cmd.ExecutionID).Str("policy_id", cmd.PolicyID).Logger()
	now := r.now().UTC()
	res := ExecutionResult{
		ExecutionID: cmd.ExecutionID,
		PolicyID:    cmd.PolicyID,
		AgentID:     cmd.AgentID,
		Status:      StatusRunning,
		TotalSteps:  len(cmd.Steps),
		StepResults: []StepResult{},
		StartedAt:   now,
	}

	if cmd.ExpiresAt != nil && now.After(*cmd.ExpiresAt) {
		log.Warn().Time("expires_at", *cmd.ExpiresAt).Msg("policy execution expired before it started")
		res.Error = errExpired
		return r.finalize(ctx, res, FinalFailed, StatusFailed, log)
	}

	claimed, err := r.store.ClaimPolicyExecution(ctx, cmd.ExecutionID, encode(res), now)
	if err != nil {
		return res, fmt.Errorf("claim execution %s: %w", cmd.ExecutionID, err)
	}
	if !claimed {
		return res, ErrAlreadyClaimed
	}
	log.Info().Str("policy_name", cmd.PolicyName).Int("steps", res.TotalSteps).Msg("policy execution started")

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
		defer cancel()
	}

	overall := true
	skipped := 0
	var prev *bool
steps:
	for _, step := range sortedSteps(cmd.Steps) {
		if runCtx.Err() != nil {
			break
		}
		res.CurrentStep = step.StepNumber
		stepLog := log.With().Int("step", step.StepNumber).Str("script_id", step.ScriptID).Logger()

		if !conditionMet(step.RunCondition, prev) {
			skipped++
			res.StepResults = append(res.StepResults, StepResult{
				StepNumber: step.StepNumber,
				ScriptID:   step.ScriptID,
				Status:     StepCancelled,
				ExitCode:   -1,
				Error:      errSkipped,
				StartedAt:  r.now().UTC(),
			})
			stepLog.Info().Str("run_condition", step.RunCondition).Msg("step skipped")
			res.Progress = progressOf(res.CompletedSteps, res.TotalSteps-skipped)
			r.persist(ctx, res, stepLog)
			continue
		}

		sr := r.runStep(runCtx, step, stepLog)
		res.StepResults = append(res.StepResults, sr)
		ok := sr.Status == StepSuccess
		prev = &ok
		if ok {
			res.CompletedSteps++
		} else {
			overall = false
		}
		res.Progress = progressOf(res.CompletedSteps, res.TotalSteps-skipped)
		r.persist(ctx, res, stepLog)

		switch {
		case ok && step.OnSuccess == OnSuccessStop:
			stepLog.Info().Msg("step succeeded with onSuccess=stop, halting")
			break steps
		case !ok && step.OnFailure == OnFailureStop:
			stepLog.Info().Msg("step failed with onFailure=stop, halting")
			break steps
		case !ok && step.OnFailure != OnFailureContinue && step.OnFailure != OnFailureRetry:
			stepLog.Debug().Str("on_failure", step.OnFailure).Msg("no explicit failure routing, continuing")
		}
	}

	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("policy execution interrupted")
		return res, err
	}
	if runCtx.Err() != nil {
		res.Error = fmt.Sprintf("policy timeout of %ds exceeded", cmd.Timeout)
	}
	final := finalStatusOf(res.CompletedSteps, res.TotalSteps-skipped, overall)
	status := StatusCompleted
	if final == FinalFailed {
		status = StatusFailed
	}
	return r.finalize(ctx, res, final, status, log)
}

// Fail finalizes an execution that could not be started at all.
func (r *Runner) Fail(ctx context.Context, cmd ExecutionCommand, cause string) (ExecutionResult, error) {
	res := ExecutionResult{
		ExecutionID: cmd.ExecutionID,
		PolicyID:    cmd.PolicyID,
		AgentID:     cmd.AgentID,
		TotalSteps:  len(cmd.Steps),
		StepResults: []StepResult{},
		StartedAt:   r.now().UTC(),
		Error:       cause,
	}
	log := r.log.With().Str("execution_id", cmd.ExecutionID).Logger()
	return r.finalize(ctx, res, FinalFailed, StatusFailed, log)
}

// finalizeInterrupted closes out a record left running by a previous
// process. Step results already persisted are kept.
func (r *Runner) finalizeInterrupted(ctx context.Context, res ExecutionResult) (ExecutionResult, error) {
	res.Error = errInterrupted
	if res.StepResults == nil {
		res.StepResults = []StepResult{}
	}
	log := r.log.With().Str("execution_id", res.ExecutionID).Logger()
	return r.finalize(ctx, res, FinalFailed, StatusFailed, log)
}

func (r *Runner) runStep(ctx context.Context, step Step, log zerolog.Logger) StepResult {
	started := r.now().UTC()
	req := script.Request{
		ScriptType:     step.ScriptType,
		ScriptContent:  step.ScriptContent,
		TimeoutSeconds: step.Timeout,
		Parameters:     step.Parameters,
	}

	var out script.Result
	attempts := 0
	for {
		attempts++
		out = r.scripts.Execute(ctx, req)
		if out.Success || step.OnFailure != OnFailureRetry || attempts > step.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := retryDelay(attempts)
		log.Warn().
			Int("attempt", attempts).
			Int("max_retries", step.MaxRetries).
			Dur("backoff", delay).
			Str("error", out.Error).
			Msg("step failed, retrying")
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
	}

	status := StepFailed
	switch {
	case out.Success:
		status = StepSuccess
	case out.Status == process.StatusCancelled:
		status = StepCancelled
	}
	log.Info().Str("status", status).Int("exit_code", out.ExitCode).Int("attempts", attempts).Msg("step finished")
	return StepResult{
		StepNumber: step.StepNumber,
		ScriptID:   step.ScriptID,
		Status:     status,
		ExitCode:   out.ExitCode,
		Output:     out.Output,
		Error:      out.Error,
		DurationMs: r.now().Sub(started).Milliseconds(),
		Attempts:   attempts,
		StartedAt:  started,
	}
}

func (r *Runner) persist(ctx context.Context, res ExecutionResult, log zerolog.Logger) {
	if err := r.store.SavePolicyProgress(context.WithoutCancel(ctx), res.ExecutionID, encode(res)); err != nil {
		log.Error().Err(err).Msg("persist policy progress")
	}
}

func (r *Runner) finalize(ctx context.Context, res ExecutionResult, final, status string, log zerolog.Logger) (ExecutionResult, error) {
	done := r.now().UTC()
	res.CompletedAt = &done
	res.FinalStatus = final
	res.Status = status

	stored, err := r.store.CompletePolicyExecution(context.WithoutCancel(ctx), res.ExecutionID, encode(res), final, done)
	if err != nil {
		return res, fmt.Errorf("finalize execution %s: %w", res.ExecutionID, err)
	}
	if !stored {
		log.Warn().Msg("execution already finalized, keeping the stored result")
		return res, nil
	}
	log.Info().
		Str("final_status", final).
		Int("completed_steps", res.CompletedSteps).
		Int("total_steps", res.TotalSteps).
		Str("error", res.Error).
		Msg("policy execution finished")
	if r.onFinalized != nil {
		r.onFinalized(res)
	}
	return res, nil
}

func encode(res ExecutionResult) string {
	b, _ := json.Marshal(res)
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
