package discovery

import (
	"encoding/json"
	"time"
)

const (
	CategoryHardware = "hardware"
	CategorySoftware = "software"
	CategorySecurity = "security"
)

// Session is the aggregate transmitted once per discovery pass.
type Session struct {
	SessionID    string          `json:"sessionId"`
	AgentID      string          `json:"agentId"`
	AgentVersion string          `json:"agentVersion,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  time.Time       `json:"completedAt"`
	Hardware     json.RawMessage `json:"hardware,omitempty"`
	Software     json.RawMessage `json:"software,omitempty"`
	Security     json.RawMessage `json:"security,omitempty"`
	Metrics      Metrics         `json:"metrics"`
}

type Metrics struct {
	CollectorsSucceeded int      `json:"collectorsSucceeded"`
	FailedCollectors    []string `json:"failedCollectors,omitempty"`
	DurationMs          int64    `json:"durationMs"`

	CPUCores          int   `json:"cpuCores"`
	MemoryTotalBytes  int64 `json:"memoryTotalBytes"`
	DiskCount         int   `json:"diskCount"`
	NetworkInterfaces int   `json:"networkInterfaces"`

	ProcessCount int `json:"processCount"`

	ListeningPorts int  `json:"listeningPorts"`
	LoggedInUsers  int  `json:"loggedInUsers"`
	Elevated       bool `json:"elevated"`
}

// part is one collector's outcome before aggregation.
type part struct {
	category string
	payload  json.RawMessage
	failed   bool
}

// placeholder is what a failed collector contributes.
func placeholder(at time.Time) json.RawMessage {
	b, _ := json.Marshal(struct {
		CollectedAt time.Time `json:"collectedAt"`
	}{at})
	return b
}

// computeMetrics counts what is present. Collectors are opaque, so every
// lookup tolerates missing keys and unexpected types.
func computeMetrics(hw, sw, sec json.RawMessage) Metrics {
	h, s, x := asObject(hw), asObject(sw), asObject(sec)
	return Metrics{
		CPUCores:          int(number(h, "cpuCores")),
		MemoryTotalBytes:  int64(number(h, "memoryTotalBytes")),
		DiskCount:         count(h, "disks"),
		NetworkInterfaces: count(h, "networkInterfaces"),
		ProcessCount:      int(number(s, "processCount")),
		ListeningPorts:    count(x, "listeningPorts"),
		LoggedInUsers:     count(x, "users"),
		Elevated:          boolean(x, "elevated"),
	}
}

func asObject(raw json.RawMessage) map[string]any {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

func count(m map[string]any, key string) int {
	if list, ok := m[key].([]any); ok {
		return len(list)
	}
	return 0
}

func number(m map[string]any, key string) float64 {
	if n, ok := m[key].(float64); ok {
		return n
	}
	return 0
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
