package db

import "time"

// Token caches the identity issued by the control plane.
type Token struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"size:191;index"`
	Value     string `gorm:"size:8192"`
	CreatedAt time.Time
}

// Policy execution lifecycle states.
const (
	StateReceived  = "received"
	StateRunning   = "running"
	StateCompleted = "completed"
)

// PolicyExecution holds one PolicyExecutionCommand and, once it has run, its
// latest result. Command is immutable after insert.
type PolicyExecution struct {
	ID          uint   `gorm:"primaryKey"`
	ExecutionID string `gorm:"size:191;uniqueIndex"`
	PolicyID    string `gorm:"size:191;index"`
	Command     string `gorm:"type:text"`
	State       string `gorm:"size:32;index"`
	Result      string `gorm:"type:text"`
	FinalStatus string `gorm:"size:32"`
	ReceivedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Outbox
}

// CommandResult is the generic result of a pushed command, kept until the
// control plane has accepted it.
type CommandResult struct {
	ID        uint   `gorm:"primaryKey"`
	CommandID string `gorm:"size:191;uniqueIndex"`
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time
	Outbox
}

// Outbox is the reporting state shared by every reportable row.
type Outbox struct {
	Reported        bool `gorm:"index"`
	GaveUp          bool `gorm:"index"`
	ReportAttempts  int
	LastReportError string `gorm:"size:1024"`
	NextReportAt    *time.Time
	ReportedAt      *time.Time
}

// DiscoveryPart is one collector's output, written as soon as that collector
// finishes.
type DiscoveryPart struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"size:64;uniqueIndex:idx_session_category"`
	Category    string `gorm:"size:32;uniqueIndex:idx_session_category"`
	Payload     string `gorm:"type:text"`
	Failed      bool
	CollectedAt time.Time
}

// DiscoverySession is the aggregated payload of one discovery pass.
type DiscoverySession struct {
	ID            uint   `gorm:"primaryKey"`
	SessionID     string `gorm:"size:64;uniqueIndex"`
	Payload       string `gorm:"type:text"`
	Transmitted   bool   `gorm:"index"`
	LastError     string `gorm:"size:1024"`
	CreatedAt     time.Time
	TransmittedAt *time.Time
}

// AuditEvent is an append-only local record of notable failures.
type AuditEvent struct {
	ID        uint   `gorm:"primaryKey"`
	Kind      string `gorm:"size:64;index"`
	Ref       string `gorm:"size:191;index"`
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}

func allModels() []any {
	return []any{
		&Token{},
		&PolicyExecution{},
		&CommandResult{},
		&DiscoveryPart{},
		&DiscoverySession{},
		&AuditEvent{},
	}
}
