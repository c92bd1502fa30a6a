package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqlQueries
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn. The pool is limited to one
// connection so write transactions are serialized.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	sdb.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqlQueries: sqlQueries{q: sdb}, db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS meter_files (
	file_name        TEXT PRIMARY KEY,
	upload_date      DATETIME NOT NULL,
	meter_count      INTEGER NOT NULL DEFAULT 0,
	is_valid         BOOLEAN NOT NULL,
	validation_error TEXT NOT NULL DEFAULT '',
	destination      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS meters (
	serial_number TEXT NOT NULL,
	source_file   TEXT NOT NULL,
	position      INTEGER NOT NULL DEFAULT 0,
	number        TEXT NOT NULL,
	place         TEXT NOT NULL,
	registered    BOOLEAN NOT NULL DEFAULT 0,
	is_checked    BOOLEAN NOT NULL DEFAULT 0,
	is_selected   BOOLEAN NOT NULL DEFAULT 0,
	last_modified DATETIME NOT NULL,
	PRIMARY KEY (serial_number, source_file)
);

CREATE INDEX IF NOT EXISTS idx_meters_source_file ON meters(source_file, position);

CREATE TABLE IF NOT EXISTS locations (
	name       TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return resilience.NewStorageError("sqlite migrate", err)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return resilience.NewStorageError("sqlite begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqlTx{sqlQueries: sqlQueries{q: tx}}); err != nil {
		return err
	}
	return resilience.NewStorageError("sqlite commit", tx.Commit())
}

type sqlTx struct {
	sqlQueries
}

// LockFile is a no-op: the single connection already serializes transactions.
func (sqlTx) LockFile(context.Context, string) error { return nil }

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQueries struct {
	q sqlQuerier
}

const sqliteMeterSelect = `SELECT serial_number, source_file, position, number, place, registered, is_checked, is_selected, last_modified FROM meters`

func (s sqlQueries) GetFile(ctx context.Context, name string) (*db.FileRecord, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT file_name, upload_date, meter_count, is_valid, validation_error, destination FROM meter_files WHERE file_name = ?`,
		name,
	)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewStorageError("sqlite get file", err)
	}
	return &f, nil
}

func (s sqlQueries) ListFiles(ctx context.Context) ([]db.FileRecord, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT file_name, upload_date, meter_count, is_valid, validation_error, destination FROM meter_files ORDER BY upload_date DESC, file_name`,
	)
	if err != nil {
		return nil, resilience.NewStorageError("sqlite list files", err)
	}
	defer rows.Close()

	var files []db.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, resilience.NewStorageError("sqlite scan file", err)
		}
		files = append(files, f)
	}
	return files, resilience.NewStorageError("sqlite list files iterate", rows.Err())
}

func (s sqlQueries) GetMeter(ctx context.Context, serial, sourceFile string) (*db.MeterRecord, error) {
	row := s.q.QueryRowContext(ctx, sqliteMeterSelect+` WHERE serial_number = ? AND source_file = ?`, serial, sourceFile)
	m, err := scanMeter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewStorageError("sqlite get meter", err)
	}
	return &m, nil
}

func (s sqlQueries) FindMetersBySerial(ctx context.Context, serial string) ([]db.MeterRecord, error) {
	return s.queryMeters(ctx, "sqlite find meters by serial",
		sqliteMeterSelect+` WHERE serial_number = ? ORDER BY source_file, position`, serial)
}

func (s sqlQueries) ListByFile(ctx context.Context, sourceFile string) ([]db.MeterRecord, error) {
	return s.queryMeters(ctx, "sqlite list meters by file",
		sqliteMeterSelect+` WHERE source_file = ? ORDER BY position, serial_number`, sourceFile)
}

func (s sqlQueries) ListAll(ctx context.Context) ([]db.MeterRecord, error) {
	return s.queryMeters(ctx, "sqlite list meters", sqliteMeterSelect+` ORDER BY source_file, position, serial_number`)
}

func (s sqlQueries) queryMeters(ctx context.Context, op, query string, args ...any) ([]db.MeterRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, resilience.NewStorageError(op, err)
	}
	defer rows.Close()

	var meters []db.MeterRecord
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, resilience.NewStorageError(op+" scan", err)
		}
		meters = append(meters, m)
	}
	return meters, resilience.NewStorageError(op+" iterate", rows.Err())
}

func (s sqlQueries) ListLocations(ctx context.Context) ([]db.Location, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT name, created_at FROM locations ORDER BY name`)
	if err != nil {
		return nil, resilience.NewStorageError("sqlite list locations", err)
	}
	defer rows.Close()

	var locations []db.Location
	for rows.Next() {
		var l db.Location
		if err := rows.Scan(&l.Name, &l.CreatedAt); err != nil {
			return nil, resilience.NewStorageError("sqlite scan location", err)
		}
		locations = append(locations, l)
	}
	return locations, resilience.NewStorageError("sqlite list locations iterate", rows.Err())
}

func (s sqlQueries) PutFile(ctx context.Context, f db.FileRecord) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO meter_files (file_name, upload_date, meter_count, is_valid, validation_error, destination)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (file_name) DO UPDATE SET
			upload_date = excluded.upload_date,
			meter_count = excluded.meter_count,
			is_valid = excluded.is_valid,
			validation_error = excluded.validation_error,
			destination = excluded.destination`,
		f.FileName, f.UploadDate.UTC(), f.MeterCount, f.IsValid, f.ValidationError, string(f.Destination),
	)
	return resilience.NewStorageError("sqlite put file", err)
}

func (s sqlQueries) DeleteMeters(ctx context.Context, sourceFile string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM meters WHERE source_file = ?`, sourceFile)
	if err != nil {
		return 0, resilience.NewStorageError("sqlite delete meters", err)
	}
	n, err := res.RowsAffected()
	return n, resilience.NewStorageError("sqlite rows affected", err)
}

func (s sqlQueries) PutMeters(ctx context.Context, meters []db.MeterRecord) error {
	now := time.Now().UTC()
	for _, m := range meters {
		modified := m.LastModified
		if modified.IsZero() {
			modified = now
		}
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO meters (serial_number, source_file, position, number, place, registered, is_checked, is_selected, last_modified)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SerialNumber, m.SourceFile, m.Position, m.Number, m.Place,
			m.Registered, m.IsChecked, m.IsSelectedForProcessing, modified.UTC(),
		)
		if err != nil {
			return resilience.NewStorageError("sqlite put meter "+m.SerialNumber, err)
		}
	}
	return nil
}

func (s sqlQueries) SetChecked(ctx context.Context, serial, sourceFile string, checked bool) error {
	return s.updateFlag(ctx, "sqlite set checked",
		`UPDATE meters SET is_checked = ?, last_modified = ? WHERE serial_number = ? AND source_file = ?`,
		checked, serial, sourceFile)
}

func (s sqlQueries) SetSelected(ctx context.Context, serial, sourceFile string, selected bool) error {
	return s.updateFlag(ctx, "sqlite set selected",
		`UPDATE meters SET is_selected = ?, last_modified = ? WHERE serial_number = ? AND source_file = ?`,
		selected, serial, sourceFile)
}

func (s sqlQueries) updateFlag(ctx context.Context, op, query string, value bool, serial, sourceFile string) error {
	res, err := s.q.ExecContext(ctx, query, value, time.Now().UTC(), serial, sourceFile)
	if err != nil {
		return resilience.NewStorageError(op, err)
	}
	return checkRowsAffected(res, serial, sourceFile)
}

func (s sqlQueries) PutLocation(ctx context.Context, name string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO locations (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		name, time.Now().UTC(),
	)
	return resilience.NewStorageError("sqlite put location", err)
}

// helpers

func checkRowsAffected(res sql.Result, serial, sourceFile string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return resilience.NewStorageError("sqlite rows affected", err)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "meter %s/%s", serial, sourceFile)
	}
	return nil
}

func scanFile(row scannable) (db.FileRecord, error) {
	var f db.FileRecord
	var destination string
	err := row.Scan(&f.FileName, &f.UploadDate, &f.MeterCount, &f.IsValid, &f.ValidationError, &destination)
	f.Destination = db.Destination(destination)
	return f, err
}
