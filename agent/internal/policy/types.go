package policy

import (
	"sort"
	"strings"
	"time"
)

// Result status of a whole execution.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Step status.
const (
	StepSuccess   = "success"
	StepFailed    = "failed"
	StepCancelled = "cancelled"
)

const (
	FinalSuccess        = "success"
	FinalPartialSuccess = "partial_success"
	FinalFailed         = "failed"
)

const (
	OnSuccessContinue = "continue"
	OnSuccessStop     = "stop"

	OnFailureContinue = "continue"
	OnFailureStop     = "stop"
	OnFailureRetry    = "retry"
)

type Trigger struct {
	Type        string `json:"type,omitempty"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type Step struct {
	StepNumber    int               `json:"stepNumber"`
	ScriptID      string            `json:"scriptId"`
	ScriptType    string            `json:"scriptType"`
	ScriptContent string            `json:"scriptContent"`
	RunCondition  string            `json:"runCondition,omitempty"`
	OnSuccess     string            `json:"onSuccess,omitempty"`
	OnFailure     string            `json:"onFailure,omitempty"`
	MaxRetries    int               `json:"maxRetries,omitempty"`
	Timeout       int               `json:"timeout,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

// ExecutionCommand is immutable once stored.
type ExecutionCommand struct {
	ExecutionID string     `json:"executionId"`
	AgentID     string     `json:"agentId"`
	PolicyID    string     `json:"policyId"`
	PolicyName  string     `json:"policyName,omitempty"`
	Steps       []Step     `json:"steps"`
	Timeout     int        `json:"timeout,omitempty"`
	Trigger     Trigger    `json:"trigger"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type StepResult struct {
	StepNumber int       `json:"stepNumber"`
	ScriptID   string    `json:"scriptId"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exitCode"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"startedAt"`
}

type ExecutionResult struct {
	ExecutionID    string       `json:"executionId"`
	PolicyID       string       `json:"policyId"`
	AgentID        string       `json:"agentId"`
	Status         string       `json:"status"`
	TotalSteps     int          `json:"totalSteps"`
	CompletedSteps int          `json:"completedSteps"`
	CurrentStep    int          `json:"currentStep"`
	Progress       int          `json:"progress"`
	StepResults    []StepResult `json:"stepResults"`
	FinalStatus    string       `json:"finalStatus,omitempty"`
	StartedAt      time.Time    `json:"startedAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	Error          string       `json:"error,omitempty"`
}

func sortedSteps(steps []Step) []Step {
	out := append([]Step(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// conditionMet evaluates a step's runCondition against the outcome of the
// previous executed step. prev is nil before the first executed step.
func conditionMet(cond string, prev *bool) bool {
	switch strings.ToLower(strings.TrimSpace(cond)) {
	case "", "always":
		return true
	case "on_success", "previous_success":
		return prev == nil || *prev
	case "on_failure", "previous_failure":
		return prev != nil && !*prev
	default:
		return true
	}
}

// finalStatusOf applies the finalization rule. eligible excludes steps that
// were skipped by their run condition.
func finalStatusOf(completed, eligible int, overall bool) string {
	switch {
	case completed == 0:
		return FinalFailed
	case overall && completed >= eligible:
		return FinalSuccess
	default:
		return FinalPartialSuccess
	}
}

// progressOf is the completed share of the steps that were eligible to run.
// Skipped steps leave the denominator, so it never decreases.
func progressOf(completed, eligible int) int {
	if eligible <= 0 {
		return 0
	}
	return completed * 100 / eligible
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
