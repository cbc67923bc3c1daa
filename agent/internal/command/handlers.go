package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"sentinel-agent/agent/internal/identity"
	"sentinel-agent/agent/internal/report"
	"sentinel-agent/agent/internal/script"

	"github.com/rs/zerolog"
)

type ScriptExecutor interface {
	Execute(ctx context.Context, req script.Request) script.Result
}

// DiscoveryRunner starts a discovery session and returns its id.
type DiscoveryRunner interface {
	RunOnce(ctx context.Context, reason string) (string, error)
}

type PolicyPoller interface {
	PollNow()
}

type API interface {
	Post(ctx context.Context, path string, body, out any) error
}

// RegisterDefaults installs the built-in command types.
func RegisterDefaults(r *Registry, scripts ScriptExecutor, discovery DiscoveryRunner, poller PolicyPoller) {
	r.Register(TypeExecuteScript, executeScriptHandler{scripts: scripts})
	r.Register(TypeShell, shellHandler{scripts: scripts})
	r.Register(TypeRunDiscovery, discoveryHandler{discovery: discovery})
	r.Register(TypePollPolicies, pollHandler{poller: poller})
}

type executeScriptHandler struct {
	scripts ScriptExecutor
}

func (h executeScriptHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var req script.Request
	if len(raw) == 0 {
		return nil, errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ScriptType) == "" {
		return nil, errors.New("scriptType is required")
	}
	return req, nil
}

func (h executeScriptHandler) Handle(ctx context.Context, arg any) (string, error) {
	req, ok := arg.(script.Request)
	if !ok {
		return "", fmt.Errorf("invalid argument type %T", arg)
	}
	return scriptOutcome(h.scripts.Execute(ctx, req))
}

type shellArg struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// decodeShell accepts either a JSON string or {"command": ...}.
func decodeShell(raw json.RawMessage) (shellArg, error) {
	var a shellArg
	if len(raw) == 0 {
		return a, errors.New("missing command")
	}
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &a.Command); err != nil {
			return a, err
		}
	} else if err := json.Unmarshal(raw, &a); err != nil {
		return a, err
	}
	if strings.TrimSpace(a.Command) == "" {
		return a, errors.New("missing command")
	}
	return a, nil
}

type shellHandler struct {
	scripts ScriptExecutor
}

func (h shellHandler) DecodeArg(raw json.RawMessage) (any, error) { return decodeShell(raw) }

func (h shellHandler) Handle(ctx context.Context, arg any) (string, error) {
	a, ok := arg.(shellArg)
	if !ok {
		return "", fmt.Errorf("invalid argument type %T", arg)
	}
	return scriptOutcome(h.scripts.Execute(ctx, script.Request{
		ScriptType:     script.TypeShell,
		ScriptContent:  a.Command,
		TimeoutSeconds: a.TimeoutSeconds,
	}))
}

func scriptOutcome(res script.Result) (string, error) {
	if res.Success {
		return res.Output, nil
	}
	msg := res.Error
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return res.Output, errors.New(msg)
}

type discoveryHandler struct {
	discovery DiscoveryRunner
}

func (h discoveryHandler) DecodeArg(json.RawMessage) (any, error) { return nil, nil }

func (h discoveryHandler) Handle(ctx context.Context, _ any) (string, error) {
	if h.discovery == nil {
		return "", errors.New("discovery is disabled")
	}
	sessionID, err := h.discovery.RunOnce(ctx, "command")
	if err != nil {
		return "", err
	}
	return "discovery session " + sessionID + " completed", nil
}

type pollHandler struct {
	poller PolicyPoller
}

func (h pollHandler) DecodeArg(json.RawMessage) (any, error) { return nil, nil }

func (h pollHandler) Handle(context.Context, any) (string, error) {
	h.poller.PollNow()
	return "policy poll requested", nil
}

// ReportChannel delivers stored command results.
func ReportChannel(api API, outbox report.Outbox) report.Channel {
	return report.Channel{
		Name:   "command",
		Outbox: outbox,
		Send: func(ctx context.Context, key string, body []byte) error {
			return api.Post(ctx, "/api/agent/commands/"+url.PathEscape(key)+"/result", json.RawMessage(body), nil)
		},
	}
}

// Legacy runs a pushed command inline as a shell batch and posts its output
// straight back, bypassing the queue and the result store.
type Legacy struct {
	scripts ScriptExecutor
	api     API
	ids     identity.Provider
	log     zerolog.Logger
}

func NewLegacy(scripts ScriptExecutor, api API, ids identity.Provider, log zerolog.Logger) *Legacy {
	return &Legacy{scripts: scripts, api: api, ids: ids, log: log}
}

type legacyResult struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Output    string `json:"output"`
}

func (l *Legacy) Handle(ctx context.Context, cmd Command) error {
	log := l.log.With().Str("command_id", cmd.ID).Logger()
	a, err := decodeShell(cmd.Payload)
	if err != nil {
		return fmt.Errorf("legacy command %s: %w", cmd.ID, err)
	}
	res := l.scripts.Execute(ctx, script.Request{ScriptType: script.TypeShell, ScriptContent: a.Command, TimeoutSeconds: a.TimeoutSeconds})
	output := strings.TrimRight(res.Output, "\n")
	if res.Error != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Error
	}

	id, err := l.ids.Current(ctx)
	if err != nil {
		return err
	}
	body := legacyResult{CommandID: cmd.ID, AgentID: id.AgentID, Output: output}
	if err := l.api.Post(ctx, "/api/agent/commands/legacy-result", body, nil); err != nil {
		return fmt.Errorf("post legacy result: %w", err)
	}
	log.Info().Bool("success", res.Success).Msg("legacy command completed")
	return nil
}
