package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

const maxErrorLen = 1024

// Store is the agent's durable local store. Every record is keyed by its
// execution, command or session id; nothing else about the schema is assumed
// by callers.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver != "mysql" {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := gdb.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: gdb}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- identity ----

func (s *Store) LatestToken(ctx context.Context) (Token, error) {
	var tok Token
	err := s.db.WithContext(ctx).Order("id DESC").First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Token{}, ErrNotFound
	}
	return tok, err
}

func (s *Store) SaveToken(ctx context.Context, agentID, value string) error {
	return s.db.WithContext(ctx).Create(&Token{AgentID: agentID, Value: value}).Error
}

func (s *Store) ClearTokens(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&Token{}).Error
}

// ---- policy executions ----

// SavePolicyCommand inserts the command if its execution id is new. It
// reports whether a row was created; an existing row is never modified.
func (s *Store) SavePolicyCommand(ctx context.Context, executionID, policyID, command string, receivedAt time.Time) (bool, error) {
	row := PolicyExecution{
		ExecutionID: executionID,
		PolicyID:    policyID,
		Command:     command,
		State:       StateReceived,
		ReceivedAt:  receivedAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "execution_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) PolicyExecution(ctx context.Context, executionID string) (PolicyExecution, error) {
	var row PolicyExecution
	err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PolicyExecution{}, ErrNotFound
	}
	return row, err
}

func (s *Store) PolicyExecutionsByState(ctx context.Context, state string) ([]PolicyExecution, error) {
	var rows []PolicyExecution
	err := s.db.WithContext(ctx).Where("state = ?", state).Order("received_at ASC, id ASC").Find(&rows).Error
	return rows, err
}

// ClaimPolicyExecution moves a received execution to running. It returns
// false when another run already claimed it.
func (s *Store) ClaimPolicyExecution(ctx context.Context, executionID, result string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&PolicyExecution{}).
		Where("execution_id = ? AND state = ?", executionID, StateReceived).
		Updates(map[string]any{
			"state":      StateRunning,
			"result":     result,
			"started_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) SavePolicyProgress(ctx context.Context, executionID, result string) error {
	return s.db.WithContext(ctx).Model(&PolicyExecution{}).
		Where("execution_id = ? AND state = ?", executionID, StateRunning).
		Update("result", result).Error
}

// CompletePolicyExecution writes the terminal result. It is a no-op returning
// false if the execution was already completed.
func (s *Store) CompletePolicyExecution(ctx context.Context, executionID, result, finalStatus string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&PolicyExecution{}).
		Where("execution_id = ? AND state <> ?", executionID, StateCompleted).
		Updates(map[string]any{
			"state":        StateCompleted,
			"result":       result,
			"final_status": finalStatus,
			"completed_at": at,
			"reported":     false,
		})
	return res.RowsAffected == 1, res.Error
}

// ---- command results ----

// SaveCommandResult stores (or overwrites) the result for a command id and
// queues it for reporting.
func (s *Store) SaveCommandResult(ctx context.Context, commandID, payload string) error {
	row := CommandResult{CommandID: commandID, Payload: payload}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "command_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"payload":           payload,
				"reported":          false,
				"gave_up":           false,
				"report_attempts":   0,
				"last_report_error": "",
				"next_report_at":    nil,
			}),
		}).
		Create(&row).Error
}

// ---- outboxes ----

// Pending is an unreported row projected to the fields the reporter needs.
type Pending struct {
	ItemKey        string
	ItemBody       string
	ReportAttempts int
}

type ReportFailure struct {
	Attempts int
	Err      string
	NextAt   *time.Time
	GiveUp   bool
}

// OutboxTable exposes one table's unreported rows.
type OutboxTable struct {
	db        *gorm.DB
	model     any
	keyColumn string
	bodyCol   string
	where     string
	whereArgs []any
}

func (s *Store) PolicyResults() *OutboxTable {
	return &OutboxTable{
		db:        s.db,
		model:     &PolicyExecution{},
		keyColumn: "execution_id",
		bodyCol:   "result",
		where:     "state = ?",
		whereArgs: []any{StateCompleted},
	}
}

func (s *Store) CommandResults() *OutboxTable {
	return &OutboxTable{db: s.db, model: &CommandResult{}, keyColumn: "command_id", bodyCol: "payload"}
}

func (t *OutboxTable) Unreported(ctx context.Context, now time.Time, limit int) ([]Pending, error) {
	q := t.db.WithContext(ctx).Model(t.model).
		Select(t.keyColumn+" AS item_key, "+t.bodyCol+" AS item_body, report_attempts").
		Where("reported = ? AND gave_up = ?", false, false).
		Where("next_report_at IS NULL OR next_report_at <= ?", now)
	if t.where != "" {
		q = q.Where(t.where, t.whereArgs...)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Pending
	err := q.Order("id ASC").Scan(&out).Error
	return out, err
}

func (t *OutboxTable) CountUnreported(ctx context.Context) (int64, error) {
	q := t.db.WithContext(ctx).Model(t.model).Where("reported = ? AND gave_up = ?", false, false)
	if t.where != "" {
		q = q.Where(t.where, t.whereArgs...)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (t *OutboxTable) MarkReported(ctx context.Context, key string, at time.Time) error {
	return t.db.WithContext(ctx).Model(t.model).
		Where(t.keyColumn+" = ?", key).
		Updates(map[string]any{
			"reported":          true,
			"reported_at":       at,
			"last_report_error": "",
			"next_report_at":    nil,
		}).Error
}

func (t *OutboxTable) MarkFailed(ctx context.Context, key string, f ReportFailure) error {
	return t.db.WithContext(ctx).Model(t.model).
		Where(t.keyColumn+" = ?", key).
		Updates(map[string]any{
			"report_attempts":   f.Attempts,
			"last_report_error": truncate(f.Err),
			"next_report_at":    f.NextAt,
			"gave_up":           f.GiveUp,
		}).Error
}

// ---- discovery ----

func (s *Store) SaveDiscoveryPart(ctx context.Context, part DiscoveryPart) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "category"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "failed", "collected_at"}),
		}).
		Create(&part).Error
}

func (s *Store) DiscoveryParts(ctx context.Context, sessionID string) ([]DiscoveryPart, error) {
	var parts []DiscoveryPart
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("category ASC").Find(&parts).Error
	return parts, err
}

func (s *Store) SaveDiscoverySession(ctx context.Context, sessionID, payload string) error {
	row := DiscoverySession{SessionID: sessionID, Payload: payload}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload"}),
		}).
		Create(&row).Error
}

func (s *Store) DiscoverySession(ctx context.Context, sessionID string) (DiscoverySession, error) {
	var row DiscoverySession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DiscoverySession{}, ErrNotFound
	}
	return row, err
}

func (s *Store) MarkSessionTransmitted(ctx context.Context, sessionID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&DiscoverySession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"transmitted": true, "transmitted_at": at, "last_error": ""}).Error
}

func (s *Store) RecordSessionFailure(ctx context.Context, sessionID, cause string) error {
	return s.db.WithContext(ctx).Model(&DiscoverySession{}).
		Where("session_id = ?", sessionID).
		Update("last_error", truncate(cause)).Error
}

// ---- audit ----

func (s *Store) Audit(ctx context.Context, kind, ref, detail string) error {
	return s.db.WithContext(ctx).Create(&AuditEvent{Kind: kind, Ref: ref, Detail: detail}).Error
}

func (s *Store) AuditEvents(ctx context.Context, kind string) ([]AuditEvent, error) {
	var out []AuditEvent
	q := s.db.WithContext(ctx).Order("id ASC")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	err := q.Find(&out).Error
	return out, err
}

// ---- retention ----

type PruneStats struct {
	CommandResults    int64
	DiscoverySessions int64
	DiscoveryParts    int64
	AuditEvents       int64
}

func (p PruneStats) Total() int64 {
	return p.CommandResults + p.DiscoverySessions + p.DiscoveryParts + p.AuditEvents
}

// Prune deletes records that are finished with and older than before:
// reported or abandoned command results, discovery sessions with their parts,
// and audit events. Policy executions are kept because their execution ids
// make inserts idempotent.
func (s *Store) Prune(ctx context.Context, before time.Time) (PruneStats, error) {
	var st PruneStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("(reported = ? AND reported_at < ?) OR (gave_up = ? AND created_at < ?)", true, before, true, before).
			Delete(&CommandResult{})
		if res.Error != nil {
			return res.Error
		}
		st.CommandResults = res.RowsAffected

		// Failed transmissions are never retried, so they age out on
		// creation time like the rest.
		var sessions []string
		if err := tx.Model(&DiscoverySession{}).
			Where("(transmitted = ? AND transmitted_at < ?) OR (transmitted = ? AND created_at < ?)", true, before, false, before).
			Pluck("session_id", &sessions).Error; err != nil {
			return err
		}
		if len(sessions) > 0 {
			res = tx.Where("session_id IN ?", sessions).Delete(&DiscoverySession{})
			if res.Error != nil {
				return res.Error
			}
			st.DiscoverySessions = res.RowsAffected
			res = tx.Where("session_id IN ?", sessions).Delete(&DiscoveryPart{})
			if res.Error != nil {
				return res.Error
			}
			st.DiscoveryParts = res.RowsAffected
		}
		// Parts left by a pass that never aggregated.
		res = tx.Where("collected_at < ? AND session_id NOT IN (?)", before, tx.Model(&DiscoverySession{}).Select("session_id")).
			Delete(&DiscoveryPart{})
		if res.Error != nil {
			return res.Error
		}
		st.DiscoveryParts += res.RowsAffected

		res = tx.Where("created_at < ?", before).Delete(&AuditEvent{})
		if res.Error != nil {
			return res.Error
		}
		st.AuditEvents = res.RowsAffected
		return nil
	})
	return st, err
}

// truncate caps s at maxErrorLen bytes without splitting a UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
