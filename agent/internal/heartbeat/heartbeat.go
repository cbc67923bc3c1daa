// Package heartbeat tells the control plane the agent is alive. The response
// may carry queued commands, which are handed to the same intake as pushed
// ones.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"sentinel-agent/agent/internal/command"
	"sentinel-agent/agent/internal/identity"

	"github.com/rs/zerolog"
)

const StatusOnline = "online"

type API interface {
	Post(ctx context.Context, path string, body, out any) error
}

type Payload struct {
	AgentID          string    `json:"agentId"`
	AgentVersion     string    `json:"agentVersion"`
	Hostname         string    `json:"hostname"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	ActiveExecutions int       `json:"activeExecutions"`
	ChannelConnected bool      `json:"channelConnected"`
}

type Response struct {
	Commands []json.RawMessage `json:"commands,omitempty"`
}

type Options struct {
	Version  string
	Hostname string
	// Active counts running policy executions.
	Active func() int
	// Connected reports the push channel state.
	Connected func() bool
	// Deliver receives commands piggybacked on the response. Nil drops them.
	Deliver func(ctx context.Context, cmd command.Command)
}

type Sender struct {
	api  API
	ids  identity.Provider
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

func New(api API, ids identity.Provider, opts Options, log zerolog.Logger) *Sender {
	return &Sender{api: api, ids: ids, opts: opts, log: log, now: time.Now}
}

func (s *Sender) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Beat(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, identity.ErrNotRegistered) {
				s.log.Warn().Err(err).Msg("skipping heartbeat")
			} else {
				s.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Beat sends one heartbeat and delivers any commands in the reply.
func (s *Sender) Beat(ctx context.Context) error {
	id, err := s.ids.Current(ctx)
	if err != nil {
		return err
	}
	p := Payload{
		AgentID:      id.AgentID,
		AgentVersion: s.opts.Version,
		Hostname:     s.opts.Hostname,
		Status:       StatusOnline,
		Timestamp:    s.now().UTC(),
	}
	if s.opts.Active != nil {
		p.ActiveExecutions = s.opts.Active()
	}
	if s.opts.Connected != nil {
		p.ChannelConnected = s.opts.Connected()
	}

	var resp Response
	if err := s.api.Post(ctx, "/api/agent/"+url.PathEscape(id.AgentID)+"/heartbeat", p, &resp); err != nil {
		return fmt.Errorf("post heartbeat: %w", err)
	}
	s.log.Debug().Int("active", p.ActiveExecutions).Int("commands", len(resp.Commands)).Msg("heartbeat sent")

	if s.opts.Deliver == nil {
		return nil
	}
	for _, raw := range resp.Commands {
		cmd, err := command.Decode(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed heartbeat command")
			continue
		}
		cmd.ReceivedAt = s.now()
		s.opts.Deliver(ctx, cmd)
	}
	return nil
}
