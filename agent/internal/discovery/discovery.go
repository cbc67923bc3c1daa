// Package discovery runs the hardware, software and security collectors,
// persists each result as it lands, and transmits one aggregate per session.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"sentinel-agent/agent/internal/db"
	"sentinel-agent/agent/internal/identity"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	AuditCollectorFailed = "discovery.collector_failed"
	AuditTransmitFailed  = "discovery.transmit_failed"
)

var ErrAlreadyRunning = errors.New("already running")

// Collector produces one category of discovery data.
type Collector interface {
	Category() string
	Collect(ctx context.Context) (any, error)
}

type Store interface {
	SaveDiscoveryPart(ctx context.Context, part db.DiscoveryPart) error
	SaveDiscoverySession(ctx context.Context, sessionID, payload string) error
	MarkSessionTransmitted(ctx context.Context, sessionID string, at time.Time) error
	RecordSessionFailure(ctx context.Context, sessionID, cause string) error
	Audit(ctx context.Context, kind, ref, detail string) error
}

type API interface {
	Do(ctx context.Context, method, path string, body, out any, header http.Header) error
}

type Orchestrator struct {
	collectors []Collector
	store      Store
	api        API
	ids        identity.Provider
	version    string
	log        zerolog.Logger
	now        func() time.Time

	running sync.Mutex
}

func New(collectors []Collector, store Store, api API, ids identity.Provider, version string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		collectors: collectors,
		store:      store,
		api:        api,
		ids:        ids,
		version:    version,
		log:        log,
		now:        time.Now,
	}
}

// Run performs a session at startup and then every interval. A zero interval
// means startup only.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	o.runLogged(ctx, "startup")
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.runLogged(ctx, "interval")
		}
	}
}

func (o *Orchestrator) runLogged(ctx context.Context, reason string) {
	if _, err := o.RunOnce(ctx, reason); err != nil && ctx.Err() == nil {
		switch {
		case errors.Is(err, identity.ErrNotRegistered), errors.Is(err, ErrAlreadyRunning):
			o.log.Warn().Err(err).Str("reason", reason).Msg("discovery skipped")
		default:
			o.log.Error().Err(err).Str("reason", reason).Msg("discovery failed")
		}
	}
}

// RunOnce collects and transmits one session. Concurrent calls do not queue;
// the loser gets ErrAlreadyRunning.
func (o *Orchestrator) RunOnce(ctx context.Context, reason string) (string, error) {
	if !o.running.TryLock() {
		return "", ErrAlreadyRunning
	}
	defer o.running.Unlock()

	id, err := o.ids.Current(ctx)
	if err != nil {
		return "", err
	}

	sess := Session{
		SessionID:    uuid.NewString(),
		AgentID:      id.AgentID,
		AgentVersion: o.version,
		Reason:       reason,
		StartedAt:    o.now().UTC(),
	}
	log := o.log.With().Str("session_id", sess.SessionID).Logger()
	log.Info().Str("reason", reason).Msg("discovery started")

	parts := o.collect(ctx, sess.SessionID, log)

	for _, p := range parts {
		switch p.category {
		case CategoryHardware:
			sess.Hardware = p.payload
		case CategorySoftware:
			sess.Software = p.payload
		case CategorySecurity:
			sess.Security = p.payload
		}
		if p.failed {
			sess.Metrics.FailedCollectors = append(sess.Metrics.FailedCollectors, p.category)
		}
	}
	sess.CompletedAt = o.now().UTC()
	failed := sess.Metrics.FailedCollectors
	sess.Metrics = computeMetrics(sess.Hardware, sess.Software, sess.Security)
	sess.Metrics.FailedCollectors = failed
	sess.Metrics.CollectorsSucceeded = len(parts) - len(failed)
	sess.Metrics.DurationMs = sess.CompletedAt.Sub(sess.StartedAt).Milliseconds()

	payload, err := json.Marshal(sess)
	if err != nil {
		return sess.SessionID, fmt.Errorf("encode session: %w", err)
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.SaveDiscoverySession(persistCtx, sess.SessionID, string(payload)); err != nil {
		log.Error().Err(err).Msg("store discovery session")
	}

	if err := o.transmit(ctx, id.AgentID, sess.SessionID, payload); err != nil {
		_ = o.store.RecordSessionFailure(persistCtx, sess.SessionID, err.Error())
		_ = o.store.Audit(persistCtx, AuditTransmitFailed, sess.SessionID, err.Error())
		return sess.SessionID, fmt.Errorf("transmit discovery: %w", err)
	}
	if err := o.store.MarkSessionTransmitted(persistCtx, sess.SessionID, o.now().UTC()); err != nil {
		log.Error().Err(err).Msg("mark session transmitted")
	}
	log.Info().
		Int("succeeded", sess.Metrics.CollectorsSucceeded).
		Strs("failed", failed).
		Int64("duration_ms", sess.Metrics.DurationMs).
		Msg("discovery transmitted")
	return sess.SessionID, nil
}

// collect fans out to every collector and waits for all of them. Collector
// errors never fail the group.
func (o *Orchestrator) collect(ctx context.Context, sessionID string, log zerolog.Logger) []part {
	parts := make([]part, len(o.collectors))
	var g errgroup.Group
	for i, c := range o.collectors {
		g.Go(func() error {
			parts[i] = o.collectOne(ctx, sessionID, c, log)
			return nil
		})
	}
	_ = g.Wait()
	return parts
}

func (o *Orchestrator) collectOne(ctx context.Context, sessionID string, c Collector, log zerolog.Logger) part {
	category := c.Category()
	log = log.With().Str("collector", category).Logger()
	p := part{category: category}

	data, err := safeCollect(ctx, c)
	if err == nil {
		p.payload, err = json.Marshal(data)
		if err == nil && string(p.payload) == "null" {
			err = errors.New("collector returned no data")
		}
	}
	at := o.now().UTC()
	if err != nil {
		p.failed = true
		p.payload = placeholder(at)
		log.Warn().Err(err).Msg("collector failed")
		_ = o.store.Audit(context.WithoutCancel(ctx), AuditCollectorFailed, sessionID, category+": "+err.Error())
	}

	if serr := o.store.SaveDiscoveryPart(context.WithoutCancel(ctx), db.DiscoveryPart{
		SessionID:   sessionID,
		Category:    category,
		Payload:     string(p.payload),
		Failed:      p.failed,
		CollectedAt: at,
	}); serr != nil {
		log.Error().Err(serr).Msg("store discovery part")
	}
	return p
}

func safeCollect(ctx context.Context, c Collector) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panic: %v", r)
		}
	}()
	return c.Collect(ctx)
}

func (o *Orchestrator) transmit(ctx context.Context, agentID, sessionID string, payload []byte) error {
	header := http.Header{}
	header.Set("X-Discovery-Session-Id", sessionID)
	header.Set("X-Agent-Version", o.version)
	path := "/api/agent/" + url.PathEscape(agentID) + "/discovery"
	return o.api.Do(ctx, http.MethodPost, path, json.RawMessage(payload), nil, header)
}
