// Package identity obtains and caches the agent id and bearer token issued by
// the control plane.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"sentinel-agent/agent/internal/apiclient"
	"sentinel-agent/agent/internal/db"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"
	"golang.org/x/sync/singleflight"
)

// ErrNotRegistered means no usable identity could be obtained. Callers skip
// the current pass and try again later.
var ErrNotRegistered = errors.New("agent is not registered")

const (
	expiryLeeway = 30 * time.Second
	clearTimeout = 5 * time.Second
)

type Identity struct {
	AgentID string
	Token   string
}

type Provider interface {
	Current(ctx context.Context) (Identity, error)
	Invalidate()
}

type TokenStore interface {
	LatestToken(ctx context.Context) (db.Token, error)
	SaveToken(ctx context.Context, agentID, value string) error
	ClearTokens(ctx context.Context) error
}

// HostInfo is what the agent tells the control plane about itself when it
// registers.
type HostInfo struct {
	Fingerprint  string `json:"fingerprint"`
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	AgentVersion string `json:"agentVersion"`
}

type registerResponse struct {
	AgentID string `json:"agentId"`
	Token   string `json:"token"`
}

// Registrar implements Provider on top of the local token cache and the
// register endpoint. mu guards the cached identity only; lookups and
// registration run outside it, one at a time through flight.
type Registrar struct {
	store  TokenStore
	client *apiclient.Client
	info   HostInfo
	log    zerolog.Logger
	now    func() time.Time
	flight singleflight.Group

	mu     sync.Mutex
	cached *Identity
	stale  bool
}

func NewRegistrar(store TokenStore, client *apiclient.Client, info HostInfo, log zerolog.Logger) *Registrar {
	return &Registrar{store: store, client: client, info: info, log: log, now: time.Now}
}

func (r *Registrar) Current(ctx context.Context) (Identity, error) {
	if id, ok := r.fromCache(); ok {
		return id, nil
	}
	ch := r.flight.DoChan("identity", func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Identity{}, res.Err
		}
		return res.Val.(Identity), nil
	}
}

func (r *Registrar) fromCache() (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && !r.expired(r.cached.Token) {
		return *r.cached, true
	}
	r.cached = nil
	return Identity{}, false
}

// resolve loads the stored token or registers. The caller's cancellation is
// detached so one abandoned caller does not fail the others sharing the
// flight; the HTTP client timeout bounds it.
func (r *Registrar) resolve(ctx context.Context) (Identity, error) {
	if id, ok := r.fromCache(); ok {
		return id, nil
	}
	r.mu.Lock()
	stale := r.stale
	r.mu.Unlock()

	if !stale {
		tok, err := r.store.LatestToken(ctx)
		switch {
		case err == nil && tok.AgentID != "" && !r.expired(tok.Value):
			return r.remember(Identity{AgentID: tok.AgentID, Token: tok.Value}), nil
		case err != nil && !errors.Is(err, db.ErrNotFound):
			r.log.Warn().Err(err).Msg("read cached token")
		}
	}

	var resp registerResponse
	if err := r.client.Post(ctx, "/api/agent/register", r.info, &resp); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}
	if resp.AgentID == "" || resp.Token == "" {
		return Identity{}, fmt.Errorf("%w: register response missing agentId or token", ErrNotRegistered)
	}
	if err := r.store.SaveToken(ctx, resp.AgentID, resp.Token); err != nil {
		r.log.Warn().Err(err).Msg("persist token")
	}
	r.log.Info().Str("agent_id", resp.AgentID).Msg("agent registered")
	return r.remember(Identity{AgentID: resp.AgentID, Token: resp.Token}), nil
}

func (r *Registrar) remember(id Identity) Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = false
	r.cached = &id
	return id
}

// Token satisfies apiclient.Authenticator.
func (r *Registrar) Token(ctx context.Context) (string, error) {
	id, err := r.Current(ctx)
	return id.Token, err
}

// Invalidate drops the cached and stored identity; the next Current
// registers again, also after a restart.
func (r *Registrar) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.stale = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	if err := r.store.ClearTokens(ctx); err != nil {
		r.log.Warn().Err(err).Msg("clear rejected token")
	}
}

// expired inspects the exp claim without verifying the signature. Opaque
// (non-JWT) tokens never expire locally.
func (r *Registrar) expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !r.now().Add(expiryLeeway).Before(exp.Time)
}

// Fingerprint is stable for a host: a name-based UUID over the machine id
// and hostname.
func Fingerprint(hostID, hostname string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(hostID+"|"+hostname)).String()
}

// DescribeHost gathers HostInfo for registration.
func DescribeHost(ctx context.Context, version string) HostInfo {
	info := HostInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, AgentVersion: version}
	hostID := ""
	if hi, err := host.InfoWithContext(ctx); err == nil {
		hostID = hi.HostID
		info.Hostname = hi.Hostname
		if hi.Platform != "" {
			info.OS = hi.Platform
		}
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	info.Fingerprint = Fingerprint(hostID, info.Hostname)
	return info
}
