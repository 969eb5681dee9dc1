// Package store keeps the durable state of wiped in sqlite: the current job
// record and, per job kind, the last reported progress and certificate.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wipeworks/wiped/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and ensures the schema.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// one connection serializes writers, sqlite allows only one anyway. Other
	// processes sharing the file are serialized by immediate transactions,
	// which take the write lock before CreateJob reads the current job.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// migrate adds the columns databases created by older versions lack.
func migrate(ctx context.Context, db *sql.DB) error {
	var n int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('current_job') WHERE name = 'owner'`)
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, `ALTER TABLE current_job ADD COLUMN owner TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS current_job (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			job_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT DEFAULT NULL,
			finished_at TEXT DEFAULT NULL,
			exit_code INTEGER DEFAULT NULL,
			owner TEXT NOT NULL DEFAULT ''
		)`,
	`CREATE TABLE IF NOT EXISTS job_log (
			kind TEXT PRIMARY KEY,
			progress INTEGER NOT NULL DEFAULT 0,
			certificate TEXT DEFAULT NULL,
			updated_at TEXT NOT NULL
		)`,
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, what string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("op", what))
	}
}

// CreateJob persists a new current job. If the stored current job is still
// QUEUED or RUNNING, model.ErrConflict is returned, a finished one is replaced.
func (s *Store) CreateJob(ctx context.Context, rec model.JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, "create job")

	var status string
	row := tx.QueryRowContext(ctx, `SELECT status FROM current_job WHERE id = 1`)
	err = row.Scan(&status)
	switch {
	case err == nil && model.JobStatus(status).Active():
		return model.ErrConflict
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO current_job
			(id, job_id, kind, target, method, status, progress, created_at, started_at, finished_at, exit_code, owner)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Target, string(rec.Method), string(rec.Status), rec.Progress,
		formatTime(rec.CreatedAt), nullTime(rec.StartedAt), nullTime(rec.FinishedAt), nullInt(rec.ExitCode),
		rec.Owner,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// UpdateJob overwrites the stored current job identified by rec.ID, returns
// model.ErrNotFound if it is not the current one.
func (s *Store) UpdateJob(ctx context.Context, rec model.JobRecord) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE current_job
		SET
			status = ?,
			progress = ?,
			started_at = ?,
			finished_at = ?,
			exit_code = ?
		WHERE id = 1 AND job_id = ?`,
		string(rec.Status), rec.Progress, nullTime(rec.StartedAt), nullTime(rec.FinishedAt), nullInt(rec.ExitCode),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return requireOne(result)
}

// SaveProgress records the progress of the current job and the last progress
// of its kind in one transaction.
func (s *Store) SaveProgress(ctx context.Context, rec model.JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, "save progress")

	result, err := tx.ExecContext(ctx,
		`UPDATE current_job SET progress = ? WHERE id = 1 AND job_id = ?`,
		rec.Progress, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := requireOne(result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_log (kind, progress, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET progress = excluded.progress, updated_at = excluded.updated_at`,
		string(rec.Kind), rec.Progress, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// CurrentJob returns the stored current job or model.ErrNotFound.
func (s *Store) CurrentJob(ctx context.Context) (model.JobRecord, error) {
	var (
		rec                           model.JobRecord
		kind, method, status, created string
		started, finished             sql.NullString
		exitCode                      sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, kind, target, method, status, progress, created_at, started_at, finished_at, exit_code, owner
		FROM current_job WHERE id = 1`,
	)
	err := row.Scan(&rec.ID, &kind, &rec.Target, &method, &status, &rec.Progress, &created, &started, &finished, &exitCode, &rec.Owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.JobRecord{}, model.ErrNotFound
	case err != nil:
		return model.JobRecord{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	rec.Kind = model.JobKind(kind)
	rec.Method = model.WipeMethod(method)
	rec.Status = model.JobStatus(status)
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return model.JobRecord{}, err
	}
	if rec.StartedAt, err = parseNullTime(started); err != nil {
		return model.JobRecord{}, err
	}
	if rec.FinishedAt, err = parseNullTime(finished); err != nil {
		return model.JobRecord{}, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return rec, nil
}

// DeleteJob removes the current job identified by jobID.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM current_job WHERE id = 1 AND job_id = ?`, jobID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return requireOne(result)
}

// SaveCertificate overwrites the last certificate of kind.
func (s *Store) SaveCertificate(ctx context.Context, kind model.JobKind, cert model.Certificate) error {
	b, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encoding certificate: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_log (kind, certificate, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET certificate = excluded.certificate, updated_at = excluded.updated_at`,
		string(kind), string(b), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

// Certificate returns the last certificate of kind or model.ErrNotFound.
func (s *Store) Certificate(ctx context.Context, kind model.JobKind) (model.Certificate, error) {
	var raw sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT certificate FROM job_log WHERE kind = ?`, string(kind))
	err := row.Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows), err == nil && !raw.Valid:
		return model.Certificate{}, model.ErrNotFound
	case err != nil:
		return model.Certificate{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	var cert model.Certificate
	if err := json.Unmarshal([]byte(raw.String), &cert); err != nil {
		return model.Certificate{}, fmt.Errorf("decoding certificate: %w", err)
	}
	return cert, nil
}

// LastProgress returns the last progress reported for kind or model.ErrNotFound.
func (s *Store) LastProgress(ctx context.Context, kind model.JobKind) (int, error) {
	var progress int
	row := s.db.QueryRowContext(ctx, `SELECT progress FROM job_log WHERE kind = ?`, string(kind))
	err := row.Scan(&progress)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, model.ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	return progress, nil
}

func requireOne(result sql.Result) error {
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return model.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
