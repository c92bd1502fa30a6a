package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/resilience"
)

// querier is satisfied by both the pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Repository implements Store on PostgreSQL
type Repository struct {
	pgQueries
	pool db.Pool
}

// NewRepository creates a new repository
func NewRepository(pool db.Pool) *Repository {
	return &Repository{pgQueries: pgQueries{q: pool}, pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS meter_files (
	file_name        TEXT PRIMARY KEY,
	upload_date      TIMESTAMPTZ NOT NULL,
	meter_count      INTEGER NOT NULL DEFAULT 0,
	is_valid         BOOLEAN NOT NULL,
	validation_error TEXT NOT NULL DEFAULT '',
	destination      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS meters (
	serial_number TEXT NOT NULL,
	source_file   TEXT NOT NULL REFERENCES meter_files(file_name) ON DELETE CASCADE,
	position      INTEGER NOT NULL DEFAULT 0,
	number        TEXT NOT NULL,
	place         TEXT NOT NULL,
	registered    BOOLEAN NOT NULL DEFAULT false,
	is_checked    BOOLEAN NOT NULL DEFAULT false,
	is_selected   BOOLEAN NOT NULL DEFAULT false,
	last_modified TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (serial_number, source_file)
);

CREATE INDEX IF NOT EXISTS idx_meters_source_file ON meters(source_file, position);

CREATE TABLE IF NOT EXISTS locations (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, postgresMigration)
	return resilience.NewStorageError("migrate", err)
}

// Close closes the pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// WithTx runs fn inside a database transaction
func (r *Repository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return resilience.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(pgTx{pgQueries: pgQueries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return resilience.NewStorageError("commit transaction", err)
	}
	return nil
}

type pgTx struct {
	pgQueries
}

// LockFile takes a transaction-scoped advisory lock keyed by the file name
func (t pgTx) LockFile(ctx context.Context, fileName string) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fileName)
	return resilience.NewStorageError("lock file", err)
}

type pgQueries struct {
	q querier
}

const meterSelect = `SELECT serial_number, source_file, position, number, place, registered, is_checked, is_selected, last_modified FROM meters`

var meterColumns = []string{
	"serial_number", "source_file", "position", "number", "place",
	"registered", "is_checked", "is_selected", "last_modified",
}

// GetFile retrieves a file record by name
func (p pgQueries) GetFile(ctx context.Context, name string) (*db.FileRecord, error) {
	query := `
		SELECT file_name, upload_date, meter_count, is_valid, validation_error, destination
		FROM meter_files
		WHERE file_name = $1
	`
	var f db.FileRecord
	var destination string
	err := p.q.QueryRow(ctx, query, name).Scan(
		&f.FileName,
		&f.UploadDate,
		&f.MeterCount,
		&f.IsValid,
		&f.ValidationError,
		&destination,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewStorageError("get file", err)
	}
	f.Destination = db.Destination(destination)
	return &f, nil
}

// ListFiles lists file records, newest upload first
func (p pgQueries) ListFiles(ctx context.Context) ([]db.FileRecord, error) {
	query := `
		SELECT file_name, upload_date, meter_count, is_valid, validation_error, destination
		FROM meter_files
		ORDER BY upload_date DESC, file_name
	`
	rows, err := p.q.Query(ctx, query)
	if err != nil {
		return nil, resilience.NewStorageError("list files", err)
	}
	defer rows.Close()

	var files []db.FileRecord
	for rows.Next() {
		var f db.FileRecord
		var destination string
		if err := rows.Scan(&f.FileName, &f.UploadDate, &f.MeterCount, &f.IsValid, &f.ValidationError, &destination); err != nil {
			return nil, resilience.NewStorageError("scan file", err)
		}
		f.Destination = db.Destination(destination)
		files = append(files, f)
	}
	return files, resilience.NewStorageError("list files iterate", rows.Err())
}

// GetMeter retrieves a meter by its composite key
func (p pgQueries) GetMeter(ctx context.Context, serial, sourceFile string) (*db.MeterRecord, error) {
	m, err := scanMeter(p.q.QueryRow(ctx, meterSelect+` WHERE serial_number = $1 AND source_file = $2`, serial, sourceFile))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewStorageError("get meter", err)
	}
	return &m, nil
}

// FindMetersBySerial finds meters with the serial in any file
func (p pgQueries) FindMetersBySerial(ctx context.Context, serial string) ([]db.MeterRecord, error) {
	return p.queryMeters(ctx, "find meters by serial",
		meterSelect+` WHERE serial_number = $1 ORDER BY source_file, position`, serial)
}

// ListByFile lists the meters of one source file in row order
func (p pgQueries) ListByFile(ctx context.Context, sourceFile string) ([]db.MeterRecord, error) {
	return p.queryMeters(ctx, "list meters by file",
		meterSelect+` WHERE source_file = $1 ORDER BY position, serial_number`, sourceFile)
}

// ListAll lists every meter in file order
func (p pgQueries) ListAll(ctx context.Context) ([]db.MeterRecord, error) {
	return p.queryMeters(ctx, "list meters", meterSelect+` ORDER BY source_file, position, serial_number`)
}

func (p pgQueries) queryMeters(ctx context.Context, op, query string, args ...any) ([]db.MeterRecord, error) {
	rows, err := p.q.Query(ctx, query, args...)
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

// ListLocations lists registered locations by name
func (p pgQueries) ListLocations(ctx context.Context) ([]db.Location, error) {
	rows, err := p.q.Query(ctx, `SELECT name, created_at FROM locations ORDER BY name`)
	if err != nil {
		return nil, resilience.NewStorageError("list locations", err)
	}
	defer rows.Close()

	var locations []db.Location
	for rows.Next() {
		var l db.Location
		if err := rows.Scan(&l.Name, &l.CreatedAt); err != nil {
			return nil, resilience.NewStorageError("scan location", err)
		}
		locations = append(locations, l)
	}
	return locations, resilience.NewStorageError("list locations iterate", rows.Err())
}

// PutFile upserts a file record
func (p pgQueries) PutFile(ctx context.Context, f db.FileRecord) error {
	query := `
		INSERT INTO meter_files (file_name, upload_date, meter_count, is_valid, validation_error, destination)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_name) DO UPDATE SET
			upload_date = EXCLUDED.upload_date,
			meter_count = EXCLUDED.meter_count,
			is_valid = EXCLUDED.is_valid,
			validation_error = EXCLUDED.validation_error,
			destination = EXCLUDED.destination
	`
	_, err := p.q.Exec(ctx, query,
		f.FileName,
		f.UploadDate,
		f.MeterCount,
		f.IsValid,
		f.ValidationError,
		string(f.Destination),
	)
	return resilience.NewStorageError("put file", err)
}

// DeleteMeters deletes every meter of a source file
func (p pgQueries) DeleteMeters(ctx context.Context, sourceFile string) (int64, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM meters WHERE source_file = $1`, sourceFile)
	if err != nil {
		return 0, resilience.NewStorageError("delete meters", err)
	}
	return tag.RowsAffected(), nil
}

// PutMeters bulk-inserts meters with COPY
func (p pgQueries) PutMeters(ctx context.Context, meters []db.MeterRecord) error {
	if len(meters) == 0 {
		return nil
	}
	now := time.Now().UTC()
	src := pgx.CopyFromSlice(len(meters), func(i int) ([]any, error) {
		m := meters[i]
		modified := m.LastModified
		if modified.IsZero() {
			modified = now
		}
		return []any{
			m.SerialNumber, m.SourceFile, m.Position, m.Number, m.Place,
			m.Registered, m.IsChecked, m.IsSelectedForProcessing, modified,
		}, nil
	})
	n, err := p.q.CopyFrom(ctx, pgx.Identifier{"meters"}, meterColumns, src)
	if err != nil {
		return resilience.NewStorageError("put meters", err)
	}
	if n != int64(len(meters)) {
		return resilience.NewStorageError("put meters", eris.Errorf("copied %d of %d meters", n, len(meters)))
	}
	return nil
}

// SetChecked sets the verification flag of one meter
func (p pgQueries) SetChecked(ctx context.Context, serial, sourceFile string, checked bool) error {
	return p.updateFlag(ctx, "set checked",
		`UPDATE meters SET is_checked = $1, last_modified = $2 WHERE serial_number = $3 AND source_file = $4`,
		checked, serial, sourceFile)
}

// SetSelected sets the processing selection flag of one meter
func (p pgQueries) SetSelected(ctx context.Context, serial, sourceFile string, selected bool) error {
	return p.updateFlag(ctx, "set selected",
		`UPDATE meters SET is_selected = $1, last_modified = $2 WHERE serial_number = $3 AND source_file = $4`,
		selected, serial, sourceFile)
}

func (p pgQueries) updateFlag(ctx context.Context, op, query string, value bool, serial, sourceFile string) error {
	tag, err := p.q.Exec(ctx, query, value, time.Now().UTC(), serial, sourceFile)
	if err != nil {
		return resilience.NewStorageError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "meter %s/%s", serial, sourceFile)
	}
	return nil
}

// PutLocation inserts a location unless it already exists
func (p pgQueries) PutLocation(ctx context.Context, name string) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO locations (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, time.Now().UTC(),
	)
	return resilience.NewStorageError("put location", err)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMeter(row scannable) (db.MeterRecord, error) {
	var m db.MeterRecord
	err := row.Scan(
		&m.SerialNumber,
		&m.SourceFile,
		&m.Position,
		&m.Number,
		&m.Place,
		&m.Registered,
		&m.IsChecked,
		&m.IsSelectedForProcessing,
		&m.LastModified,
	)
	return m, err
}
