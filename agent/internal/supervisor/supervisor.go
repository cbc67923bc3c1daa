// Package supervisor keeps the agent's long-running loops alive. A loop that
// returns or panics while the context is live is restarted after a delay;
// only cancellation ends it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Loop is one named long-running task.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

type Supervisor struct {
	delay time.Duration
	log   zerolog.Logger
}

func New(restartDelay time.Duration, log zerolog.Logger) *Supervisor {
	if restartDelay <= 0 {
		restartDelay = time.Second
	}
	return &Supervisor{delay: restartDelay, log: log}
}

// Run starts every loop and blocks until ctx is done and all of them have
// returned.
func (s *Supervisor) Run(ctx context.Context, loops ...Loop) error {
	var g errgroup.Group
	for _, l := range loops {
		g.Go(func() error {
			s.Keep(ctx, l)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Keep runs l until ctx is done.
func (s *Supervisor) Keep(ctx context.Context, l Loop) {
	log := s.log.With().Str("loop", l.Name).Logger()
	for restarts := 0; ; restarts++ {
		err := safeRun(ctx, l.Run)
		if ctx.Err() != nil {
			log.Debug().Msg("loop stopped")
			return
		}
		log.Error().Err(err).Int("restarts", restarts).Dur("restart_in", s.delay).Msg("loop exited, restarting")

		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := fn(ctx); err != nil {
		return err
	}
	return errors.New("returned without error")
}
