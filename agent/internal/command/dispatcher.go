package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentinel-agent/agent/internal/queue"

	"github.com/rs/zerolog"
)

type ResultStore interface {
	SaveCommandResult(ctx context.Context, commandID, payload string) error
}

// Dispatcher consumes the command queue and runs every command in its own
// goroutine.
type Dispatcher struct {
	registry *Registry
	store    ResultStore
	log      zerolog.Logger
	notify   func()
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher wires the registry to the result store. notify, if set, is
// called after each result is stored.
func NewDispatcher(registry *Registry, store ResultStore, log zerolog.Logger, notify func()) *Dispatcher {
	return &Dispatcher{registry: registry, store: store, log: log, notify: notify, now: time.Now}
}

// Run pops commands until ctx is done, then waits for in-flight ones.
func (d *Dispatcher) Run(ctx context.Context, q *queue.Queue[Command]) error {
	defer d.wg.Wait()
	for {
		cmd, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Dispatch(ctx, cmd)
		}()
	}
}

// Dispatch runs cmd synchronously and stores its result for reporting.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Result {
	log := d.log.With().Str("command_id", cmd.ID).Str("type", cmd.Type).Logger()
	start := d.now()
	out, err := d.run(ctx, cmd, log)

	res := Result{CommandID: cmd.ID, Status: StatusOK, Output: out, DurationMs: d.now().Sub(start).Milliseconds()}
	if err != nil {
		res.Status = StatusError
		if out == "" {
			res.Output = err.Error()
		} else {
			res.Output = out + "\n" + err.Error()
		}
		log.Warn().Err(err).Int64("duration_ms", res.DurationMs).Msg("command failed")
	} else {
		log.Info().Int64("duration_ms", res.DurationMs).Msg("command completed")
	}

	payload, _ := json.Marshal(res)
	if serr := d.store.SaveCommandResult(context.WithoutCancel(ctx), cmd.ID, string(payload)); serr != nil {
		log.Error().Err(serr).Msg("store command result")
		return res
	}
	if d.notify != nil {
		d.notify()
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, cmd Command, log zerolog.Logger) (out string, err error) {
	if cmd.Expired(d.now()) {
		return "", errors.New("command expired")
	}
	h, ok := d.registry.Get(cmd.Type)
	if !ok {
		return "", fmt.Errorf("unknown command type: %s", cmd.Type)
	}
	arg, err := h.DecodeArg(cmd.Payload)
	if err != nil {
		return "", fmt.Errorf("decode %s payload: %w", cmd.Type, err)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("command handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	log.Info().Msg("received command")
	return h.Handle(ctx, arg)
}
