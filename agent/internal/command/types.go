package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Command types understood by the agent. run_discovery is reserved and never
// reaches the generic script handlers.
const (
	TypeRunDiscovery  = "run_discovery"
	TypeExecuteScript = "execute_script"
	TypeShell         = "shell"
	TypePollPolicies  = "poll_policies"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command is one pushed instruction. ReceivedAt is stamped locally.
type Command struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TTL        int             `json:"ttl,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

type wireCommand struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	PayloadJSON string          `json:"payloadJson"`
	Payload     json.RawMessage `json:"payload"`
	TTL         int             `json:"ttl"`
}

// Decode parses the channel wire form. payloadJson is a JSON document
// encoded as a string; a raw payload object is accepted as well.
func Decode(raw []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(raw, &w); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	w.ID = strings.TrimSpace(w.ID)
	w.Type = strings.TrimSpace(w.Type)
	if w.ID == "" || w.Type == "" {
		return Command{}, errors.New("decode command: id and type are required")
	}
	cmd := Command{ID: w.ID, Type: w.Type, TTL: w.TTL, Payload: w.Payload}
	if w.PayloadJSON != "" {
		cmd.Payload = json.RawMessage(w.PayloadJSON)
		if !json.Valid(cmd.Payload) {
			// A bare string such as a shell line.
			quoted, _ := json.Marshal(w.PayloadJSON)
			cmd.Payload = quoted
		}
	}
	return cmd, nil
}

func (c Command) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

func (c Command) Expired(now time.Time) bool {
	return c.TTL > 0 && !c.ReceivedAt.IsZero() && now.After(c.ReceivedAt.Add(c.TTLDuration()))
}

// Result is posted to the control plane once per command.
type Result struct {
	CommandID  string `json:"commandId"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
}

// Handler runs one command type. DecodeArg lets each type own its payload
// shape.
type Handler interface {
	DecodeArg(raw json.RawMessage) (any, error)
	Handle(ctx context.Context, arg any) (string, error)
}

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) { r.handlers[strings.ToLower(name)] = h }

func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[strings.ToLower(name)]
	return h, ok
}
