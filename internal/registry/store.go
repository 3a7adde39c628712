package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store defines the interface for registry record persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Store interface {
	// Upsert inserts rec or, when the unique id already exists, updates
	// its metadata and owner. CreatedAt survives re-registration.
	Upsert(ctx context.Context, rec *Record) error

	// Get retrieves a record by unique id.
	// Returns ErrNotFound if the record does not exist.
	Get(ctx context.Context, uniqueID string) (*Record, error)

	// List retrieves all records ordered by unique id.
	List(ctx context.Context) ([]Record, error)

	// ListByEntry retrieves the records owned by one entry.
	ListByEntry(ctx context.Context, entryID string) ([]Record, error)

	// Delete removes a record by unique id.
	// Returns ErrNotFound if the record does not exist.
	Delete(ctx context.Context, uniqueID string) error

	// DeleteByEntry removes every record owned by entryID and reports
	// how many rows were deleted. Zero is not an error.
	DeleteByEntry(ctx context.Context, entryID string) (int, error)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed record store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert inserts or updates a record.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		INSERT INTO registry_records (
			unique_id, entry_id, domain, name, model, manufacturer,
			sw_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET
			entry_id     = excluded.entry_id,
			domain       = excluded.domain,
			name         = excluded.name,
			model        = excluded.model,
			manufacturer = excluded.manufacturer,
			sw_version   = excluded.sw_version,
			updated_at   = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.UniqueID,
		rec.EntryID,
		rec.Domain,
		rec.Name,
		rec.Model,
		rec.Manufacturer,
		rec.SWVersion,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}
	return nil
}

// Get retrieves a record by unique id.
func (s *SQLiteStore) Get(ctx context.Context, uniqueID string) (*Record, error) {
	query := `
		SELECT unique_id, entry_id, domain, name, model, manufacturer,
			sw_version, created_at, updated_at
		FROM registry_records
		WHERE unique_id = ?`

	row := s.db.QueryRowContext(ctx, query, uniqueID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying record by id: %w", err)
	}
	return rec, nil
}

// List retrieves all records ordered by unique id.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	query := `
		SELECT unique_id, entry_id, domain, name, model, manufacturer,
			sw_version, created_at, updated_at
		FROM registry_records
		ORDER BY unique_id`

	return s.queryRecords(ctx, query)
}

// ListByEntry retrieves the records owned by one entry.
func (s *SQLiteStore) ListByEntry(ctx context.Context, entryID string) ([]Record, error) {
	query := `
		SELECT unique_id, entry_id, domain, name, model, manufacturer,
			sw_version, created_at, updated_at
		FROM registry_records
		WHERE entry_id = ?
		ORDER BY unique_id`

	return s.queryRecords(ctx, query, entryID)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}

	return records, nil
}

// Delete removes a record by unique id.
func (s *SQLiteStore) Delete(ctx context.Context, uniqueID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM registry_records WHERE unique_id = ?", uniqueID)
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
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

// DeleteByEntry removes every record owned by entryID.
func (s *SQLiteStore) DeleteByEntry(ctx context.Context, entryID string) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM registry_records WHERE entry_id = ?", entryID)
	if err != nil {
		return 0, fmt.Errorf("deleting entry records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a row or rows result into a Record.
func scanRecord(scanner rowScanner) (*Record, error) {
	var rec Record
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rec.UniqueID,
		&rec.EntryID,
		&rec.Domain,
		&rec.Name,
		&rec.Model,
		&rec.Manufacturer,
		&rec.SWVersion,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var parseErr error
	rec.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	rec.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &rec, nil
}
