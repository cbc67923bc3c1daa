// Package report delivers locally persisted results to the control plane.
// An item is marked reported only after a 2xx; anything else leaves it for
// the next pass.
package report

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"sentinel-agent/agent/internal/db"
	"sentinel-agent/agent/internal/identity"

	"github.com/rs/zerolog"
)

const AuditGaveUp = "report.gave_up"

type Outbox interface {
	Unreported(ctx context.Context, now time.Time, limit int) ([]db.Pending, error)
	MarkReported(ctx context.Context, key string, at time.Time) error
	MarkFailed(ctx context.Context, key string, f db.ReportFailure) error
}

type Auditor interface {
	Audit(ctx context.Context, kind, ref, detail string) error
}

// SendFunc posts one item. A nil error means the control plane answered 2xx.
type SendFunc func(ctx context.Context, key string, body []byte) error

type Channel struct {
	Name   string
	Outbox Outbox
	Send   SendFunc
}

// RetryPolicy bounds delivery attempts. The zero value retries on every pass
// forever.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Next returns when the item may be tried again after attempts failures, or
// giveUp once the attempt budget is spent.
func (p RetryPolicy) Next(attempts int, now time.Time) (next *time.Time, giveUp bool) {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return nil, true
	}
	if p.BaseDelay <= 0 {
		return nil, false
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempts-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	at := now.Add(time.Duration(delay))
	return &at, false
}

type Stats struct {
	Reported int
	Failed   int
	GaveUp   int
}

type Reporter struct {
	log      zerolog.Logger
	policy   RetryPolicy
	audit    Auditor
	batch    int
	now      func() time.Time
	wake     chan struct{}
	// pass is a one-slot token serializing passes; it is acquired with ctx so
	// a waiting caller can give up.
	pass     chan struct{}
	mu       sync.Mutex
	channels []Channel
}

func New(policy RetryPolicy, audit Auditor, batch int, log zerolog.Logger) *Reporter {
	return &Reporter{
		log:    log,
		policy: policy,
		audit:  audit,
		batch:  batch,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		pass:   make(chan struct{}, 1),
	}
}

func (r *Reporter) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// Notify asks Run for an early pass.
func (r *Reporter) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes immediately, then on every tick or Notify until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("report pass aborted")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Flush performs one pass over every channel. Passes never overlap.
func (r *Reporter) Flush(ctx context.Context) (Stats, error) {
	select {
	case r.pass <- struct{}{}:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	defer func() { <-r.pass }()

	var total Stats
	var errs []error
	for _, ch := range r.registered() {
		st, err := r.flushChannel(ctx, ch)
		total.Reported += st.Reported
		total.Failed += st.Failed
		total.GaveUp += st.GaveUp
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if total.Reported+total.Failed > 0 {
		r.log.Info().
			Int("reported", total.Reported).
			Int("failed", total.Failed).
			Int("gave_up", total.GaveUp).
			Msg("report pass finished")
	}
	return total, errors.Join(errs...)
}

func (r *Reporter) registered() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Channel(nil), r.channels...)
}

func (r *Reporter) flushChannel(ctx context.Context, ch Channel) (Stats, error) {
	var st Stats
	log := r.log.With().Str("channel", ch.Name).Logger()

	pending, err := ch.Outbox.Unreported(ctx, r.now(), r.batch)
	if err != nil {
		return st, err
	}
	for _, item := range pending {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		sendErr := ch.Send(ctx, item.ItemKey, []byte(item.ItemBody))
		if sendErr == nil {
			if err := ch.Outbox.MarkReported(ctx, item.ItemKey, r.now()); err != nil {
				return st, err
			}
			st.Reported++
			log.Debug().Str("key", item.ItemKey).Msg("reported")
			continue
		}
		if errors.Is(sendErr, identity.ErrNotRegistered) {
			log.Warn().Err(sendErr).Msg("no identity, deferring reports")
			return st, nil
		}
		if ctx.Err() != nil {
			return st, ctx.Err()
		}

		attempts := item.ReportAttempts + 1
		next, giveUp := r.policy.Next(attempts, r.now())
		if err := ch.Outbox.MarkFailed(ctx, item.ItemKey, db.ReportFailure{
			Attempts: attempts,
			Err:      sendErr.Error(),
			NextAt:   next,
			GiveUp:   giveUp,
		}); err != nil {
			return st, err
		}
		st.Failed++
		if giveUp {
			st.GaveUp++
			log.Error().Err(sendErr).Str("key", item.ItemKey).Int("attempts", attempts).Msg("giving up on report")
			if r.audit != nil {
				_ = r.audit.Audit(ctx, AuditGaveUp, item.ItemKey, ch.Name+": "+sendErr.Error())
			}
			continue
		}
		log.Warn().Err(sendErr).Str("key", item.ItemKey).Int("attempts", attempts).Msg("report failed, will retry")
	}
	return st, nil
}

type Pruner interface {
	Prune(ctx context.Context, before time.Time) (db.PruneStats, error)
}

// RunRetention deletes delivered records older than retention right away and
// then on every interval until ctx is done.
func (r *Reporter) RunRetention(ctx context.Context, p Pruner, retention, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := p.Prune(ctx, r.now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Warn().Err(err).Msg("prune local store")
		case st.Total() > 0:
			r.log.Info().
				Int64("command_results", st.CommandResults).
				Int64("discovery_sessions", st.DiscoverySessions).
				Int64("discovery_parts", st.DiscoveryParts).
				Int64("audit_events", st.AuditEvents).
				Msg("pruned local store")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
