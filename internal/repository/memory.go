package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/septivank/meter-verification-worker/internal/db"
)

// MemoryStore keeps everything in process memory. Transactions run against a
// copy that replaces the live state on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	files     map[string]db.FileRecord
	meters    map[db.MeterKey]db.MeterRecord
	locations map[string]db.Location
}

func newMemState() *memState {
	return &memState{
		files:     make(map[string]db.FileRecord),
		meters:    make(map[db.MeterKey]db.MeterRecord),
		locations: make(map[string]db.Location),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		files:     make(map[string]db.FileRecord, len(s.files)),
		meters:    make(map[db.MeterKey]db.MeterRecord, len(s.meters)),
		locations: make(map[string]db.Location, len(s.locations)),
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.meters {
		c.meters[k] = v
	}
	for k, v := range s.locations {
		c.locations[k] = v
	}
	return c
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) GetFile(ctx context.Context, name string) (*db.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memTx{st: s.state}.GetFile(ctx, name)
}

func (s *MemoryStore) ListFiles(ctx context.Context) ([]db.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memTx{st: s.state}.ListFiles(ctx)
}

func (s *MemoryStore) GetMeter(ctx context.Context, serial, sourceFile string) (*db.MeterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memTx{st: s.state}.GetMeter(ctx, serial, sourceFile)
}

func (s *MemoryStore) FindMetersBySerial(ctx context.Context, serial string) ([]db.MeterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memTx{st: s.state}.FindMetersBySerial(ctx, serial)
}

func (s *MemoryStore) ListByFile(ctx context.Context, sourceFile string) ([]db.MeterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memTx{st: s.state}.ListByFile(ctx, sourceFile)
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]db.MeterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memTx{st: s.state}.ListAll(ctx)
}

func (s *MemoryStore) ListLocations(ctx context.Context) ([]db.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memTx{st: s.state}.ListLocations(ctx)
}

func (s *MemoryStore) PutFile(ctx context.Context, f db.FileRecord) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.PutFile(ctx, f) })
}

func (s *MemoryStore) DeleteMeters(ctx context.Context, sourceFile string) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.DeleteMeters(ctx, sourceFile)
		return err
	})
	return n, err
}

func (s *MemoryStore) PutMeters(ctx context.Context, meters []db.MeterRecord) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.PutMeters(ctx, meters) })
}

func (s *MemoryStore) SetChecked(ctx context.Context, serial, sourceFile string, checked bool) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.SetChecked(ctx, serial, sourceFile, checked) })
}

func (s *MemoryStore) SetSelected(ctx context.Context, serial, sourceFile string, selected bool) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.SetSelected(ctx, serial, sourceFile, selected) })
}

func (s *MemoryStore) PutLocation(ctx context.Context, name string) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.PutLocation(ctx, name) })
}

// WithTx holds the write lock for the whole of fn, so concurrent readers see
// either the state before or after the transaction.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	st *memState
}

func (t memTx) LockFile(context.Context, string) error { return nil }

func (t memTx) GetFile(_ context.Context, name string) (*db.FileRecord, error) {
	f, ok := t.st.files[name]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (t memTx) ListFiles(context.Context) ([]db.FileRecord, error) {
	files := make([]db.FileRecord, 0, len(t.st.files))
	for _, f := range t.st.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].UploadDate.Equal(files[j].UploadDate) {
			return files[i].UploadDate.After(files[j].UploadDate)
		}
		return files[i].FileName < files[j].FileName
	})
	return files, nil
}

func (t memTx) GetMeter(_ context.Context, serial, sourceFile string) (*db.MeterRecord, error) {
	m, ok := t.st.meters[db.MeterKey{SerialNumber: serial, SourceFile: sourceFile}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t memTx) FindMetersBySerial(_ context.Context, serial string) ([]db.MeterRecord, error) {
	var out []db.MeterRecord
	for k, m := range t.st.meters {
		if k.SerialNumber == serial {
			out = append(out, m)
		}
	}
	sortMeters(out)
	return out, nil
}

func (t memTx) ListByFile(_ context.Context, sourceFile string) ([]db.MeterRecord, error) {
	var out []db.MeterRecord
	for k, m := range t.st.meters {
		if k.SourceFile == sourceFile {
			out = append(out, m)
		}
	}
	sortMeters(out)
	return out, nil
}

func (t memTx) ListAll(context.Context) ([]db.MeterRecord, error) {
	out := make([]db.MeterRecord, 0, len(t.st.meters))
	for _, m := range t.st.meters {
		out = append(out, m)
	}
	sortMeters(out)
	return out, nil
}

func (t memTx) ListLocations(context.Context) ([]db.Location, error) {
	out := make([]db.Location, 0, len(t.st.locations))
	for _, l := range t.st.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t memTx) PutFile(_ context.Context, f db.FileRecord) error {
	t.st.files[f.FileName] = f
	return nil
}

func (t memTx) DeleteMeters(_ context.Context, sourceFile string) (int64, error) {
	var n int64
	for k := range t.st.meters {
		if k.SourceFile == sourceFile {
			delete(t.st.meters, k)
			n++
		}
	}
	return n, nil
}

func (t memTx) PutMeters(_ context.Context, meters []db.MeterRecord) error {
	now := time.Now().UTC()
	for _, m := range meters {
		if _, exists := t.st.meters[m.Key()]; exists {
			return eris.Errorf("memory: meter %s/%s already exists", m.SerialNumber, m.SourceFile)
		}
		if m.LastModified.IsZero() {
			m.LastModified = now
		}
		t.st.meters[m.Key()] = m
	}
	return nil
}

func (t memTx) SetChecked(_ context.Context, serial, sourceFile string, checked bool) error {
	return t.update(serial, sourceFile, func(m *db.MeterRecord) { m.IsChecked = checked })
}

func (t memTx) SetSelected(_ context.Context, serial, sourceFile string, selected bool) error {
	return t.update(serial, sourceFile, func(m *db.MeterRecord) { m.IsSelectedForProcessing = selected })
}

func (t memTx) update(serial, sourceFile string, fn func(m *db.MeterRecord)) error {
	key := db.MeterKey{SerialNumber: serial, SourceFile: sourceFile}
	m, ok := t.st.meters[key]
	if !ok {
		return eris.Wrapf(ErrNotFound, "meter %s/%s", serial, sourceFile)
	}
	fn(&m)
	m.LastModified = time.Now().UTC()
	t.st.meters[key] = m
	return nil
}

func (t memTx) PutLocation(_ context.Context, name string) error {
	if _, ok := t.st.locations[name]; !ok {
		t.st.locations[name] = db.Location{Name: name, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func sortMeters(ms []db.MeterRecord) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].SourceFile != ms[j].SourceFile {
			return ms[i].SourceFile < ms[j].SourceFile
		}
		if ms[i].Position != ms[j].Position {
			return ms[i].Position < ms[j].Position
		}
		return ms[i].SerialNumber < ms[j].SerialNumber
	})
}
