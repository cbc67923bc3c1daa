// Package connection keeps the agent's push channel to the control plane
// open. Commands read from the socket are decoded, de-duplicated and handed
// to a sink; the manager never executes anything itself.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"sentinel-agent/agent/internal/apiclient"
	"sentinel-agent/agent/internal/command"
	"sentinel-agent/agent/internal/dedupe"
	"sentinel-agent/agent/internal/identity"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// Sink receives each command exactly once per dedupe window. It must not
// block for long; the read loop waits on it.
type Sink func(ctx context.Context, cmd command.Command)

type Options struct {
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Dialer         *websocket.Dialer
}

// Manager manages a single persistent websocket to the control plane.
type Manager struct {
	url    string
	ids    identity.Provider
	seen   dedupe.Set
	sink   Sink
	log    zerolog.Logger
	dialer *websocket.Dialer

	reconnectDelay time.Duration
	pingInterval   time.Duration
	now            func() time.Time

	mu        sync.Mutex
	connected bool
}

func New(wsURL string, ids identity.Provider, seen dedupe.Set, sink Sink, log zerolog.Logger, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if seen == nil {
		seen = dedupe.NewMemory()
	}
	return &Manager{
		url:            wsURL,
		ids:            ids,
		seen:           seen,
		sink:           sink,
		log:            log,
		dialer:         opts.Dialer,
		reconnectDelay: opts.ReconnectDelay,
		pingInterval:   opts.PingInterval,
		now:            time.Now,
	}
}

// Run connects and reconnects until ctx is done. It always returns ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", m.reconnectDelay).Msg("command channel disconnected")

		t := time.NewTimer(m.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// IsConnected returns whether the manager has an active connection
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Manager) endpoint(agentID string) (string, error) {
	u, err := url.Parse(m.url)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("agentId", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) session(ctx context.Context) error {
	id, err := m.ids.Current(ctx)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	target, err := m.endpoint(id.AgentID)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)
	conn, resp, err := m.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.ids.Invalidate()
			return fmt.Errorf("dial: %w", apiclient.ErrUnauthorized)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	m.setConnected(true)
	defer m.setConnected(false)
	m.log.Info().Str("agent_id", id.AgentID).Msg("command channel connected")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepAlive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	return m.readLoop(ctx, conn)
}

// keepAlive pings on an interval and closes the socket when ctx ends so the
// blocked read returns.
func (m *Manager) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	var tick <-chan time.Time
	if m.pingInterval > 0 {
		t := time.NewTicker(m.pingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.log.Debug().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	extend := func() {}
	if m.pingInterval > 0 {
		wait := 2 * m.pingInterval
		extend = func() { _ = conn.SetReadDeadline(time.Now().Add(wait)) }
		conn.SetPongHandler(func(string) error {
			extend()
			return nil
		})
	}
	extend()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("closed by server")
			}
			return fmt.Errorf("read: %w", err)
		}
		extend()
		m.handle(ctx, data)
	}
}

func (m *Manager) handle(ctx context.Context, data []byte) {
	cmd, err := command.Decode(data)
	if err != nil {
		m.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed command")
		return
	}
	cmd.ReceivedAt = m.now()
	m.Deliver(ctx, cmd)
}

// Deliver de-duplicates cmd by id and hands it to the sink. Other intake
// sources use it so a command seen on any of them runs once.
func (m *Manager) Deliver(ctx context.Context, cmd command.Command) {
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = m.now()
	}
	ttl := max(cmd.TTLDuration(), dedupe.DefaultTTL)
	first, err := m.seen.FirstSeen(ctx, cmd.ID, ttl)
	if err != nil {
		m.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("dedupe lookup failed, accepting command")
		first = true
	}
	if !first {
		m.log.Debug().Str("command_id", cmd.ID).Msg("ignoring redelivered command")
		return
	}
	m.sink(ctx, cmd)
}
