// Package process runs a single child process with a deadline, captures its
// output, and kills the whole process tree when the run is abandoned.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

const truncatedMarker = "\n[output truncated]"

// Request describes one invocation. Stdin, when set, is written to the child
// and the input stream is closed afterwards.
type Request struct {
	Path           string
	Args           []string
	Stdin          string
	Env            []string
	Dir            string
	Timeout        time.Duration
	MaxOutputBytes int
	// OnOutput receives complete lines as they are produced. It may be
	// called concurrently for stdout and stderr.
	OnOutput func(stream Stream, line string)
}

type Result struct {
	Status   Status    `json:"status"`
	ExitCode int       `json:"exitCode"`
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr,omitempty"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"startedAt"`
	Stopped  time.Time `json:"stoppedAt"`
}

func (r Result) Duration() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// Runner is implemented by Executor; callers depend on it so tests can
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, req Request) Result
}

type Executor struct {
	log       zerolog.Logger
	waitDelay time.Duration
}

func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{log: log, waitDelay: 2 * time.Second}
}

// Run never returns an error: every failure, including a failed spawn, is
// folded into the Result.
func (e *Executor) Run(ctx context.Context, req Request) Result {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	stdout := newCapture(Stdout, req.MaxOutputBytes, req.OnOutput)
	stderr := newCapture(Stderr, req.MaxOutputBytes, req.OnOutput)

	cmd := exec.CommandContext(runCtx, req.Path, req.Args...)
	cmd.Dir = req.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.waitDelay
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	configureTree(cmd)

	res := Result{Started: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Status = StatusFailed
		res.ExitCode = -1
		res.Error = fmt.Sprintf("failed to start %s: %v", req.Path, err)
		e.log.Warn().Err(err).Str("path", req.Path).Msg("process spawn failed")
		return res
	}
	e.log.Debug().Str("path", req.Path).Int("pid", cmd.Process.Pid).Msg("process started")

	waitErr := cmd.Wait()
	res.Stopped = time.Now().UTC()
	stdout.flush()
	stderr.flush()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	ctxErr := runCtx.Err()
	if waitErr == nil {
		ctxErr = nil
	}
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timed out after %s", res.Duration().Round(time.Millisecond))
	case ctxErr != nil:
		res.Status = StatusCancelled
		res.ExitCode = -1
		res.Error = "cancelled"
	default:
		res.ExitCode, res.Error = exitStatus(cmd, waitErr)
		if res.ExitCode == 0 && res.Error == "" {
			res.Status = StatusSuccess
		} else {
			res.Status = StatusFailed
		}
	}
	e.log.Debug().
		Str("path", req.Path).
		Str("status", string(res.Status)).
		Int("exit_code", res.ExitCode).
		Dur("elapsed", res.Duration()).
		Msg("process finished")
	return res
}

func exitStatus(cmd *exec.Cmd, err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), exitErr.Error()
	}
	// The process exited but a descendant kept the output pipes open.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), ""
	}
	return -1, err.Error()
}

// capture keeps up to limit bytes of a stream and splits it into lines for
// the optional callback.
type capture struct {
	mu        sync.Mutex
	stream    Stream
	limit     int
	buf       bytes.Buffer
	truncated bool
	partial   []byte
	onLine    func(Stream, string)
}

func newCapture(stream Stream, limit int, onLine func(Stream, string)) *capture {
	return &capture{stream: stream, limit: limit, onLine: onLine}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch room := c.limit - c.buf.Len(); {
	case c.limit <= 0 || len(p) <= room:
		c.buf.Write(p)
	case room > 0:
		c.buf.Write(p[:room])
		c.truncated = true
	default:
		c.truncated = true
	}

	if c.onLine != nil {
		c.partial = append(c.partial, p...)
		for {
			i := bytes.IndexByte(c.partial, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(c.partial[:i]), "\r")
			c.partial = c.partial[i+1:]
			c.onLine(c.stream, line)
		}
	}
	return len(p), nil
}

func (c *capture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onLine != nil && len(c.partial) > 0 {
		c.onLine(c.stream, strings.TrimRight(string(c.partial), "\r"))
		c.partial = nil
	}
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + truncatedMarker
	}
	return c.buf.String()
}
