// Package storage persists pool lifecycle history to SQLite so
// operators can inspect session churn after the fact.
package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odvcencio/browserd/pkg/browser"
	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the SQLite session history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to create database directory")
		}
	}

	if err := ensurePrivateFile(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to open database")
	}
	db.SetMaxOpenConns(10)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to apply pragma").
				WithContext("pragma", pragma)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to apply schema")
	}

	return &Store{db: db}, nil
}

// ensurePrivateFile creates the database file with owner-only
// permissions before SQLite touches it.
func ensurePrivateFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to create database file")
	}
	return f.Close()
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordInstanceLaunched inserts a new instance row.
func (s *Store) RecordInstanceLaunched(id string, policy browser.Policy, at time.Time) error {
	policyJSON, err := json.Marshal(struct {
		AllowedDomains []string `json:"allowed_domains,omitempty"`
		BlockedDomains []string `json:"blocked_domains,omitempty"`
		Headless       bool     `json:"headless"`
	}{policy.AllowedDomains, policy.BlockedDomains, policy.Headless})
	if err != nil {
		policyJSON = []byte("{}")
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO instances (id, policy, launched_at) VALUES (?, ?, ?)`,
		id, string(policyJSON), at.UTC(),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to record instance launch").
			WithContext("instance_id", id)
	}
	s.audit("instance_launched", id, string(policyJSON), at)
	return nil
}

// RecordInstanceClosed marks an instance closed.
func (s *Store) RecordInstanceClosed(id, reason string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE instances SET closed_at = ?, close_reason = ? WHERE id = ?`,
		at.UTC(), reason, id,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to record instance close").
			WithContext("instance_id", id)
	}
	s.audit("instance_closed", id, reason, at)
	return nil
}

// RecordContextAcquired inserts a context lease row.
func (s *Store) RecordContextAcquired(ctxID, instID string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO contexts (id, instance_id, acquired_at) VALUES (?, ?, ?)`,
		ctxID, instID, at.UTC(),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to record context acquire").
			WithContext("context_id", ctxID)
	}
	s.audit("context_acquired", ctxID, instID, at)
	return nil
}

// RecordContextReleased marks a context released.
func (s *Store) RecordContextReleased(ctxID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE contexts SET released_at = ? WHERE id = ?`,
		at.UTC(), ctxID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to record context release").
			WithContext("context_id", ctxID)
	}
	s.audit("context_released", ctxID, "", at)
	return nil
}

// audit appends a row to the audit trail. Best-effort: the primary
// record has already been written, so a failed audit insert is dropped.
func (s *Store) audit(action, subjectID, detail string, at time.Time) {
	_, _ = s.db.Exec(
		`INSERT INTO audit_log (action, subject_id, detail, at) VALUES (?, ?, ?, ?)`,
		action, subjectID, detail, at.UTC(),
	)
}

// AuditRecord is one audit trail entry.
type AuditRecord struct {
	Action    string    `json:"action"`
	SubjectID string    `json:"subject_id"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// AuditLog returns the most recent audit entries, newest first.
func (s *Store) AuditLog(limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT action, subject_id, detail, at
		 FROM audit_log ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to query audit log")
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var detail sql.NullString
		if err := rows.Scan(&rec.Action, &rec.SubjectID, &detail, &rec.At); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to scan audit row")
		}
		rec.Detail = detail.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to iterate audit log")
	}
	return records, nil
}

// ContextRecord is one historical context lease.
type ContextRecord struct {
	ContextID  string     `json:"context_id"`
	InstanceID string     `json:"instance_id"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// ContextHistory returns the most recent context leases, newest first.
func (s *Store) ContextHistory(limit int) ([]ContextRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, instance_id, acquired_at, released_at
		 FROM contexts ORDER BY acquired_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to query context history")
	}
	defer rows.Close()

	var records []ContextRecord
	for rows.Next() {
		var rec ContextRecord
		var released sql.NullTime
		if err := rows.Scan(&rec.ContextID, &rec.InstanceID, &rec.AcquiredAt, &released); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to scan context row")
		}
		if released.Valid {
			t := released.Time
			rec.ReleasedAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to iterate context history")
	}
	return records, nil
}

// InstanceRecord is one historical browser instance.
type InstanceRecord struct {
	InstanceID  string     `json:"instance_id"`
	Policy      string     `json:"policy"`
	LaunchedAt  time.Time  `json:"launched_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
}

// InstanceHistory returns the most recent instances, newest first.
func (s *Store) InstanceHistory(limit int) ([]InstanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, policy, launched_at, closed_at, close_reason
		 FROM instances ORDER BY launched_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to query instance history")
	}
	defer rows.Close()

	var records []InstanceRecord
	for rows.Next() {
		var rec InstanceRecord
		var closed sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&rec.InstanceID, &rec.Policy, &rec.LaunchedAt, &closed, &reason); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to scan instance row")
		}
		if closed.Valid {
			t := closed.Time
			rec.ClosedAt = &t
		}
		rec.CloseReason = reason.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to iterate instance history")
	}
	return records, nil
}

// Stats summarizes the history tables.
type Stats struct {
	TotalInstances int `json:"total_instances"`
	TotalContexts  int `json:"total_contexts"`
	OpenContexts   int `json:"open_contexts"`
}

// Stats returns aggregate counts from the history tables.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM instances),
		(SELECT COUNT(*) FROM contexts),
		(SELECT COUNT(*) FROM contexts WHERE released_at IS NULL)`)
	if err := row.Scan(&st.TotalInstances, &st.TotalContexts, &st.OpenContexts); err != nil {
		return Stats{}, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to read stats")
	}
	return st, nil
}

// String implements fmt.Stringer for debugging.
func (st Stats) String() string {
	return fmt.Sprintf("instances=%d contexts=%d open=%d", st.TotalInstances, st.TotalContexts, st.OpenContexts)
}
