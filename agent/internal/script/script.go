// Package script maps a script type to a local interpreter and runs the
// script through the process executor.
package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"sentinel-agent/agent/internal/config"
	"sentinel-agent/agent/internal/process"

	"github.com/rs/zerolog"
)

var ErrUnsupportedScriptType = errors.New("unsupported script type")

type Request struct {
	ScriptType     string            `json:"scriptType"`
	ScriptContent  string            `json:"scriptContent"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

type Result struct {
	Success   bool           `json:"success"`
	ExitCode  int            `json:"exitCode"`
	Output    string         `json:"output"`
	Error     string         `json:"error,omitempty"`
	ElapsedMs int64          `json:"elapsedMs"`
	Status    process.Status `json:"status"`
}

type Service struct {
	runner         process.Runner
	platform       Platform
	log            zerolog.Logger
	defaultTimeout time.Duration
	maxOutputBytes int
}

func NewService(runner process.Runner, platform Platform, log zerolog.Logger, cfg config.Script) *Service {
	return &Service{
		runner:         runner,
		platform:       platform,
		log:            log,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Execute resolves the interpreter and runs the script. Resolution failures
// are returned as failed results without spawning anything.
func (s *Service) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	inv, err := s.resolve(ctx, req.ScriptType, req.ScriptContent)
	if err != nil {
		s.log.Warn().Err(err).Str("script_type", req.ScriptType).Msg("script not runnable")
		msg := err.Error()
		if errors.Is(err, ErrUnsupportedScriptType) {
			msg = "Unsupported script type: " + req.ScriptType
		}
		return Result{
			ExitCode:  -1,
			Error:     msg,
			ElapsedMs: time.Since(start).Milliseconds(),
			Status:    process.StatusFailed,
		}
	}
	if inv.cleanup != nil {
		defer inv.cleanup()
	}

	timeout := s.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	res := s.runner.Run(ctx, process.Request{
		Path:           inv.path,
		Args:           inv.args,
		Stdin:          inv.stdin,
		Env:            Environment(req.Parameters),
		Timeout:        timeout,
		MaxOutputBytes: s.maxOutputBytes,
	})

	out := Result{
		Success:   res.Status == process.StatusSuccess,
		ExitCode:  res.ExitCode,
		Output:    res.Stdout,
		Error:     joinErrors(res.Stderr, res.Error),
		ElapsedMs: time.Since(start).Milliseconds(),
		Status:    res.Status,
	}
	s.log.Debug().
		Str("script_type", req.ScriptType).
		Str("interpreter", inv.path).
		Str("status", string(out.Status)).
		Int("exit_code", out.ExitCode).
		Int64("elapsed_ms", out.ElapsedMs).
		Msg("script finished")
	return out
}

// Environment turns parameters into NAME=value pairs. Names are upper-cased
// and anything outside [A-Z0-9_] becomes an underscore.
func Environment(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	env := make([]string, 0, len(params))
	for name, value := range params {
		env = append(env, envName(name)+"="+value)
	}
	sort.Strings(env)
	return env
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

func joinErrors(stderr, execErr string) string {
	stderr = strings.TrimRight(stderr, "\r\n")
	switch {
	case stderr == "":
		return execErr
	case execErr == "":
		return stderr
	default:
		return fmt.Sprintf("%s\n%s", stderr, execErr)
	}
}
