package entry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store defines the interface for config entry persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Store interface {
	// Insert persists a new entry.
	// Returns ErrAlreadyConfigured if another entry with the same
	// (domain, unique_id) pair already exists.
	Insert(ctx context.Context, e *ConfigEntry) error

	// Update persists the mutable fields of an existing entry.
	// Returns ErrNotFound if the entry does not exist.
	Update(ctx context.Context, e *ConfigEntry) error

	// Delete removes an entry by id.
	// Returns ErrNotFound if the entry does not exist.
	Delete(ctx context.Context, entryID string) error

	// Get retrieves an entry by id.
	// Returns ErrNotFound if the entry does not exist.
	Get(ctx context.Context, entryID string) (*ConfigEntry, error)

	// List retrieves all entries in creation order.
	List(ctx context.Context) ([]*ConfigEntry, error)
}

// SQLiteStore implements Store using SQLite.
//
// In-progress lifecycle states are never written to disk. Rows always
// carry a rest state so a restart resumes from a consistent shape.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
// The db parameter should be an open SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert persists a new entry.
func (s *SQLiteStore) Insert(ctx context.Context, e *ConfigEntry) error {
	snap := e.Snapshot()

	dataJSON, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("marshalling data: %w", err)
	}
	optionsJSON, err := json.Marshal(snap.Options)
	if err != nil {
		return fmt.Errorf("marshalling options: %w", err)
	}

	query := `
		INSERT INTO config_entries (
			entry_id, domain, title, unique_id, data, options,
			version, state, disabled_by, setup_retry_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		snap.EntryID,
		snap.Domain,
		snap.Title,
		nullableString(snap.UniqueID),
		string(dataJSON),
		string(optionsJSON),
		snap.Version,
		string(restState(snap.State)),
		nullableString(snap.DisabledBy),
		snap.SetupRetryCount,
		snap.CreatedAt.Format(time.RFC3339),
		snap.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAlreadyConfigured
		}
		return fmt.Errorf("inserting entry: %w", err)
	}

	return nil
}

// Update persists the mutable fields of an existing entry.
func (s *SQLiteStore) Update(ctx context.Context, e *ConfigEntry) error {
	snap := e.Snapshot()

	dataJSON, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("marshalling data: %w", err)
	}
	optionsJSON, err := json.Marshal(snap.Options)
	if err != nil {
		return fmt.Errorf("marshalling options: %w", err)
	}

	query := `
		UPDATE config_entries SET
			title = ?, unique_id = ?, data = ?, options = ?,
			version = ?, state = ?, disabled_by = ?, setup_retry_count = ?,
			updated_at = ?
		WHERE entry_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		snap.Title,
		nullableString(snap.UniqueID),
		string(dataJSON),
		string(optionsJSON),
		snap.Version,
		string(restState(snap.State)),
		nullableString(snap.DisabledBy),
		snap.SetupRetryCount,
		snap.UpdatedAt.Format(time.RFC3339),
		snap.EntryID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAlreadyConfigured
		}
		return fmt.Errorf("updating entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes an entry by id.
func (s *SQLiteStore) Delete(ctx context.Context, entryID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM config_entries WHERE entry_id = ?", entryID)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Get retrieves an entry by id.
func (s *SQLiteStore) Get(ctx context.Context, entryID string) (*ConfigEntry, error) {
	query := `
		SELECT entry_id, domain, title, unique_id, data, options,
			version, state, disabled_by, setup_retry_count,
			created_at, updated_at
		FROM config_entries
		WHERE entry_id = ?`

	row := s.db.QueryRowContext(ctx, query, entryID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying entry by id: %w", err)
	}
	return e, nil
}

// List retrieves all entries in creation order.
func (s *SQLiteStore) List(ctx context.Context) ([]*ConfigEntry, error) {
	query := `
		SELECT entry_id, domain, title, unique_id, data, options,
			version, state, disabled_by, setup_retry_count,
			created_at, updated_at
		FROM config_entries
		ORDER BY created_at, entry_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []*ConfigEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}

	return entries, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry scans a row or rows result into a ConfigEntry.
func scanEntry(scanner rowScanner) (*ConfigEntry, error) {
	var e ConfigEntry
	var uniqueID, disabledBy sql.NullString
	var dataJSON, optionsJSON string
	var state string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&e.id,
		&e.domain,
		&e.title,
		&uniqueID,
		&dataJSON,
		&optionsJSON,
		&e.version,
		&state,
		&disabledBy,
		&e.setupRetryCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if uniqueID.Valid {
		e.uniqueID = uniqueID.String
	}
	if disabledBy.Valid {
		e.disabledBy = disabledBy.String
	}

	e.state = State(state)
	if !e.state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	if err := json.Unmarshal([]byte(dataJSON), &e.data); err != nil {
		return nil, fmt.Errorf("unmarshalling data: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &e.options); err != nil {
		return nil, fmt.Errorf("unmarshalling options: %w", err)
	}
	if e.data == nil {
		e.data = map[string]any{}
	}
	if e.options == nil {
		e.options = map[string]any{}
	}

	var parseErr error
	e.createdAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	e.updatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &e, nil
}

// nullableString returns a sql.NullString that stores NULL for "".
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
