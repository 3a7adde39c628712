// Package audit records operator actions in an append-only trail.
//
// Every lifecycle-changing API call (entry create/reload/remove, device
// deletion, logins) appends one row describing who did what to which
// entity. Rows are immutable once written and are queried newest first.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the API layer. The action carries the verb; the
// entity type carries the noun, so filters compose ("everything that
// happened to entries" vs "every reload").
const (
	ActionCreate      = "create"
	ActionReload      = "reload"
	ActionRemove      = "remove"
	ActionUpdate      = "update"
	ActionReauth      = "reauth"
	ActionReconfigure = "reconfigure"
	ActionEnable      = "enable"
	ActionDisable     = "disable"
	ActionLogin       = "login"
)

// Entity types an action can target.
const (
	EntityEntry   = "entry"
	EntityDevice  = "device"
	EntitySession = "session"
)

// Record is a single audit trail row.
type Record struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	Limit      int // default 50, capped at 200
	Offset     int
}

// Page is one page of audit records plus the unpaginated total.
type Page struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Store is the audit trail persistence interface.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*Page, error)
}

// SQLiteStore keeps the audit trail in the audit_logs table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore returns a store backed by the given database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append inserts one audit row. ID, Source and CreatedAt are filled in
// when empty.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = "aud-" + uuid.NewString()[:8]
	}
	if rec.Source == "" {
		rec.Source = "api"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var details any
	if rec.Details != nil {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, entity_type, entity_id, user_id, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.EntityType,
		emptyAsNull(rec.EntityID), emptyAsNull(rec.UserID),
		rec.Source, details,
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit row: %w", err)
	}

	return nil
}

// List returns records matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conds []string
	var args []any
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit rows: %w", err)
	}

	query := `SELECT id, action, entity_type, entity_id, user_id, source, details, created_at
		 FROM audit_logs ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit rows: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var entityID, userID, details sql.NullString
		var createdAt string

		if err := rows.Scan(&rec.ID, &rec.Action, &rec.EntityType,
			&entityID, &userID, &rec.Source, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}

		rec.EntityID = entityID.String
		rec.UserID = userID.String
		if details.Valid && details.String != "" {
			// A malformed details blob drops the field rather than
			// failing the whole page.
			var m map[string]any
			if json.Unmarshal([]byte(details.String), &m) == nil {
				rec.Details = m
			}
		}

		rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}

	return &Page{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// emptyAsNull maps "" to NULL for nullable TEXT columns.
func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
