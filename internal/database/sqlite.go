package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chandl/internal/database/migrations"
	"chandl/internal/dl"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const downloadColumns = `channel_id, message_id, state, declared_size, bytes_written, target_path,
	partial_sha256, last_error, attempts, archive_location, created_at, updated_at`

// SQLiteLedger implements dl.Ledger and dl.OperationLog on a SQLite file.
// All access goes through a single connection, so every compare-and-set
// runs inside a transaction no other writer can interleave with.
type SQLiteLedger struct {
	db    *sql.DB
	clock dl.Clock
	path  string
}

// NewSQLiteLedger opens the database at path (or ":memory:"), applies any
// pending migrations and verifies the schema version.
func NewSQLiteLedger(path string, clock dl.Clock) (*SQLiteLedger, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("checking schema of %s: %w", path, err)
	}

	return NewSQLiteLedgerFromDB(db, clock, path), nil
}

// NewSQLiteLedgerFromDB wraps an open, migrated connection.
func NewSQLiteLedgerFromDB(db *sql.DB, clock dl.Clock, path string) *SQLiteLedger {
	if clock == nil {
		clock = dl.RealClock{}
	}
	return &SQLiteLedger{db: db, clock: clock, path: path}
}

// OpenConnection opens a SQLite database limited to one connection, which
// keeps ":memory:" databases alive and serializes writers.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	return db, nil
}

// Path returns the database file path.
func (s *SQLiteLedger) Path() string {
	return s.path
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// Download records

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*dl.DownloadRecord, error) {
	var rec dl.DownloadRecord
	var state string
	err := row.Scan(
		&rec.Key.ChannelID, &rec.Key.MessageID, &state, &rec.DeclaredSize, &rec.BytesWritten,
		&rec.TargetPath, &rec.PartialSHA256, &rec.LastError, &rec.Attempts, &rec.ArchiveLocation,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.State, err = dl.ParseState(state); err != nil {
		return nil, err
	}
	return &rec, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q querier, key dl.Key) (*dl.DownloadRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE channel_id = ? AND message_id = ?`,
		key.ChannelID, key.MessageID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading record %s: %w", key, err)
	}
	return rec, nil
}

func (s *SQLiteLedger) Get(ctx context.Context, key dl.Key) (*dl.DownloadRecord, error) {
	return getRecord(ctx, s.db, key)
}

func (s *SQLiteLedger) CreateOrResume(ctx context.Context, key dl.Key, declaredSize int64, targetPath string) (*dl.DownloadRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var owner dl.Key
	err = tx.QueryRowContext(ctx,
		`SELECT channel_id, message_id FROM downloads WHERE target_path = ?`, targetPath,
	).Scan(&owner.ChannelID, &owner.MessageID)
	switch {
	case err == nil:
		return nil, &dl.PathConflictError{Key: key, Owner: owner, Path: targetPath}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("checking target path of %s: %w", key, err)
	}

	now := s.clock.Now().UTC()
	rec := &dl.DownloadRecord{
		Key:          key,
		State:        dl.StateQueued,
		DeclaredSize: declaredSize,
		TargetPath:   targetPath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO downloads (`+downloadColumns+`) VALUES (?, ?, ?, ?, 0, ?, '', '', 0, '', ?, ?)`,
		key.ChannelID, key.MessageID, string(rec.State), declaredSize, targetPath, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting record %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return rec, nil
}

func (s *SQLiteLedger) Transition(ctx context.Context, key dl.Key, from, to dl.State, fields dl.TransitionFields) (*dl.DownloadRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", dl.ErrRecordNotFound, key)
	}
	if rec.State != from {
		return rec, &dl.StaleStateError{Key: key, Expected: from, Actual: rec.State}
	}

	next := *rec
	if err := applyTransition(&next, to, fields, s.clock.Now().UTC()); err != nil {
		return rec, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE downloads
		 SET state = ?, bytes_written = ?, partial_sha256 = ?, last_error = ?, attempts = ?, updated_at = ?
		 WHERE channel_id = ? AND message_id = ? AND state = ?`,
		string(next.State), next.BytesWritten, next.PartialSHA256, next.LastError, next.Attempts, next.UpdatedAt,
		key.ChannelID, key.MessageID, string(from))
	if err != nil {
		return rec, fmt.Errorf("updating record %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return rec, &dl.StaleStateError{Key: key, Expected: from, Actual: rec.State}
	}

	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("committing transaction: %w", err)
	}
	return &next, nil
}

func (s *SQLiteLedger) RecordProgress(ctx context.Context, key dl.Key, bytesWritten int64, partialSHA256 string) (*dl.DownloadRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", dl.ErrRecordNotFound, key)
	}
	if err := checkProgress(rec, bytesWritten); err != nil {
		return rec, err
	}

	rec.BytesWritten = bytesWritten
	rec.PartialSHA256 = partialSHA256
	rec.UpdatedAt = s.clock.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE downloads SET bytes_written = ?, partial_sha256 = ?, updated_at = ?
		 WHERE channel_id = ? AND message_id = ?`,
		rec.BytesWritten, rec.PartialSHA256, rec.UpdatedAt, key.ChannelID, key.MessageID)
	if err != nil {
		return nil, fmt.Errorf("recording progress for %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return rec, nil
}

func (s *SQLiteLedger) ListChannel(ctx context.Context, channelID int64) ([]*dl.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE channel_id = ? ORDER BY message_id`,
		channelID)
	if err != nil {
		return nil, fmt.Errorf("listing channel %d: %w", channelID, err)
	}
	defer rows.Close()

	var records []*dl.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing channel %d: %w", channelID, err)
	}
	return records, nil
}

func (s *SQLiteLedger) SetArchived(ctx context.Context, key dl.Key, location string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET archive_location = ?, updated_at = ? WHERE channel_id = ? AND message_id = ?`,
		location, s.clock.Now().UTC(), key.ChannelID, key.MessageID)
	if err != nil {
		return fmt.Errorf("setting archive location for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting archive location for %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", dl.ErrRecordNotFound, key)
	}
	return nil
}

func (s *SQLiteLedger) RecoverInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET state = ?, updated_at = ? WHERE state = ?`,
		string(dl.StatePaused), s.clock.Now().UTC(), string(dl.StateInProgress))
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted downloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted downloads: %w", err)
	}
	return int(n), nil
}

// Operation log

func (s *SQLiteLedger) CreateOperation(ctx context.Context, operation, parameters string) (*dl.Operation, error) {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, 'running', ?)`,
		operation, parameters, now)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return &dl.Operation{ID: id, Operation: operation, Parameters: parameters, Status: "running", StartedAt: now}, nil
}

func (s *SQLiteLedger) FinishOperation(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`,
		status, s.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("operation %d not found", id)
	}
	return nil
}

func (s *SQLiteLedger) ListOperations(ctx context.Context, limit int) ([]*dl.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, parameters, status, started_at, finished_at
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*dl.Operation
	for rows.Next() {
		var op dl.Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			op.FinishedAt = finished.Time
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

var (
	_ dl.Ledger       = (*SQLiteLedger)(nil)
	_ dl.OperationLog = (*SQLiteLedger)(nil)
)
