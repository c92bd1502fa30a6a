// Package repository persists meter files, meters and locations.
package repository

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/septivank/meter-verification-worker/internal/db"
)

// ErrNotFound is returned when an update targets a key that does not exist.
var ErrNotFound = eris.New("not found")

// Reader is the read side of the store.
type Reader interface {
	// GetFile returns nil, nil when no file has the name.
	GetFile(ctx context.Context, name string) (*db.FileRecord, error)
	ListFiles(ctx context.Context) ([]db.FileRecord, error)
	// GetMeter returns nil, nil when the key is absent.
	GetMeter(ctx context.Context, serial, sourceFile string) (*db.MeterRecord, error)
	FindMetersBySerial(ctx context.Context, serial string) ([]db.MeterRecord, error)
	// ListByFile returns the meters of one source file in row order.
	ListByFile(ctx context.Context, sourceFile string) ([]db.MeterRecord, error)
	// ListAll returns every meter ordered by source file, then position.
	ListAll(ctx context.Context) ([]db.MeterRecord, error)
	ListLocations(ctx context.Context) ([]db.Location, error)
}

// Writer is the write side of the store.
type Writer interface {
	PutFile(ctx context.Context, f db.FileRecord) error
	// DeleteMeters removes every meter of sourceFile and returns how many were removed.
	DeleteMeters(ctx context.Context, sourceFile string) (int64, error)
	PutMeters(ctx context.Context, meters []db.MeterRecord) error
	SetChecked(ctx context.Context, serial, sourceFile string, checked bool) error
	SetSelected(ctx context.Context, serial, sourceFile string, selected bool) error
	// PutLocation registers name if it is not already present.
	PutLocation(ctx context.Context, name string) error
}

// Tx is a unit of work against the store.
type Tx interface {
	Reader
	Writer
	// LockFile serializes transactions touching the same file name until the
	// transaction ends.
	LockFile(ctx context.Context, fileName string) error
}

// Store is the storage collaborator. Every method wraps backend failures in a
// *resilience.StorageError.
type Store interface {
	Reader
	Writer
	// WithTx runs fn in a transaction, committing when fn returns nil.
	// Readers outside the transaction never observe its partial writes.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Migrate(ctx context.Context) error
	Close() error
}
