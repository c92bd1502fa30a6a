package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/mq"
	"github.com/septivank/meter-verification-worker/internal/repository"
	"github.com/septivank/meter-verification-worker/internal/resilience"
	"github.com/septivank/meter-verification-worker/internal/validator"
)

const exampleCSV = "Number,SerialNumber,Place,Registered\nM1,SN1,RoomA,true\n,,,\nM2,SN2,RoomB,no"

// flakyStore fails the first failures PutMeters calls made inside a
// transaction with err.
type flakyStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	failures int
	err      error
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx repository.Tx) error {
		return fn(flakyTx{Tx: tx, store: s})
	})
}

func (s *flakyStore) takeFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return true
	}
	return false
}

type flakyTx struct {
	repository.Tx
	store *flakyStore
}

func (t flakyTx) PutMeters(ctx context.Context, meters []db.MeterRecord) error {
	if t.store.takeFailure() {
		return resilience.NewStorageError("put meters", t.store.err)
	}
	return t.Tx.PutMeters(ctx, meters)
}

type recordingPublisher struct {
	mu      sync.Mutex
	synced  []mq.FileSyncedEvent
	checked []mq.MeterCheckedEvent
	err     error
}

func (p *recordingPublisher) PublishFileSynced(_ context.Context, e mq.FileSyncedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = append(p.synced, e)
	return p.err
}

func (p *recordingPublisher) PublishMeterChecked(_ context.Context, e mq.MeterCheckedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = append(p.checked, e)
	return p.err
}

func newIngester() *Ingester {
	return NewIngester(validator.NewValidator(), 0, zap.NewNop())
}

func meters(serials ...string) []db.MeterRecord {
	out := make([]db.MeterRecord, 0, len(serials))
	for _, sn := range serials {
		out = append(out, db.MeterRecord{SerialNumber: sn, Number: "N-" + sn, Place: "Room-" + sn, Registered: true})
	}
	return out
}

func TestIngest_Example(t *testing.T) {
	res, err := newIngester().Ingest("batch1.csv", strings.NewReader(exampleCSV), FormatCSV)
	require.NoError(t, err)

	assert.True(t, res.IsValid)
	assert.Nil(t, res.FormatError)
	require.Len(t, res.Meters, 2)
	assert.Equal(t, db.MeterRecord{SerialNumber: "SN1", Number: "M1", Place: "RoomA", Registered: true}, res.Meters[0])
	assert.Equal(t, db.MeterRecord{SerialNumber: "SN2", Number: "M2", Place: "RoomB", Registered: false}, res.Meters[1])
	assert.Equal(t, 1, res.Diagnostics.Skipped)
	assert.Equal(t, 2, res.Diagnostics.Parsed)
	require.Len(t, res.Diagnostics.RowErrors, 1)
	assert.Equal(t, 3, res.Diagnostics.RowErrors[0].Line)
}

func TestIngest_EmptyStream(t *testing.T) {
	for _, format := range []Format{FormatCSV, FormatXLSX} {
		res, err := newIngester().Ingest("empty", strings.NewReader(""), format)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		require.NotNil(t, res.FormatError)
		assert.Equal(t, validator.EmptyStream, res.FormatError.Kind)
		assert.Empty(t, res.Meters)
	}
}

func TestIngest_MissingColumns(t *testing.T) {
	res, err := newIngester().Ingest("bad.csv", strings.NewReader("number,serialnumber\nM1,SN1"), FormatCSV)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.NotNil(t, res.FormatError)
	assert.Equal(t, validator.MissingColumns, res.FormatError.Kind)
	assert.Equal(t, []string{"Place", "Registered"}, res.FormatError.MissingColumns)
	assert.Contains(t, res.Message(), "Place, Registered")
}

func TestIngest_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Meters")
	require.NoError(t, err)
	for _, values := range [][]string{
		{"Registered", "Place", "SerialNumber", "Number"},
		{"yes", "RoomA", "SN1", "M1"},
		{"off", "RoomB", "SN2", "M2"},
	} {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	var buf strings.Builder
	require.NoError(t, f.Write(&buf))

	res, err := newIngester().Ingest("sheet.xlsx", strings.NewReader(buf.String()), FormatFromName("sheet.xlsx"))
	require.NoError(t, err)
	require.True(t, res.IsValid)
	require.Len(t, res.Meters, 2)
	assert.True(t, res.Meters[0].Registered)
	assert.False(t, res.Meters[1].Registered)
}

func TestIngest_UnreadableWorkbook(t *testing.T) {
	res, err := newIngester().Ingest("broken.xlsx", strings.NewReader("definitely not a zip"), FormatXLSX)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.NotNil(t, res.FormatError)
	assert.Equal(t, validator.Unreadable, res.FormatError.Kind)
}

func TestIngest_LineTooLongIsUnreadable(t *testing.T) {
	long := strings.Repeat("x", 1<<20+1)
	for name, input := range map[string]string{
		"header": long,
		"row":    "Number,SerialNumber,Place,Registered\nM1,SN1,RoomA,true\n" + long,
	} {
		t.Run(name, func(t *testing.T) {
			res, err := newIngester().Ingest("long.csv", strings.NewReader(input), FormatCSV)
			require.NoError(t, err)
			assert.False(t, res.IsValid)
			require.NotNil(t, res.FormatError)
			assert.Equal(t, validator.Unreadable, res.FormatError.Kind)
			assert.Empty(t, res.Meters)
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("", "a.XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	f, err = ParseFormat("CSV", "a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("ods", "a.ods")
	assert.Error(t, err)
}

func TestSynchronize_Example(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	res, err := newIngester().Ingest("batch1.csv", strings.NewReader(exampleCSV), FormatCSV)
	require.NoError(t, err)

	uploaded := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	syncer := NewSynchronizer(store, zap.NewNop(), WithClock(func() time.Time { return uploaded }))
	synced, err := syncer.Import(ctx, res, db.DestinationInstallation)
	require.NoError(t, err)
	assert.True(t, synced.Created)
	assert.Equal(t, 2, synced.MeterCount)

	f, err := store.GetFile(ctx, "batch1.csv")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 2, f.MeterCount)
	assert.True(t, f.IsValid)
	assert.True(t, f.UploadDate.Equal(uploaded))
	assert.Equal(t, db.DestinationInstallation, f.Destination)

	stored, err := store.ListByFile(ctx, "batch1.csv")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for i, m := range stored {
		assert.Equal(t, "batch1.csv", m.SourceFile)
		assert.Equal(t, i, m.Position)
		assert.False(t, m.IsChecked)
		assert.False(t, m.IsSelectedForProcessing)
	}

	locations, err := store.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locations, 2)
	assert.Equal(t, "RoomA", locations[0].Name)
}

func TestSynchronize_ReimportReplaces(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	syncer := NewSynchronizer(store, zap.NewNop())

	_, err := syncer.Synchronize(ctx, "F", meters("A", "B"), db.DestinationNone)
	require.NoError(t, err)
	res, err := syncer.Synchronize(ctx, "F", meters("C"), db.DestinationReplacement)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, int64(2), res.Replaced)

	stored, err := store.ListByFile(ctx, "F")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "C", stored[0].SerialNumber)

	f, err := store.GetFile(ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, 1, f.MeterCount)
	assert.Equal(t, db.DestinationReplacement, f.Destination)
}

func TestSynchronize_ReimportKeepsUploadDate(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	syncer := NewSynchronizer(store, zap.NewNop(), WithClock(func() time.Time { return clock }))

	_, err := syncer.Synchronize(ctx, "F", meters("A"), db.DestinationNone)
	require.NoError(t, err)
	clock = clock.Add(24 * time.Hour)
	_, err = syncer.Synchronize(ctx, "F", meters("A", "B"), db.DestinationNone)
	require.NoError(t, err)

	f, err := store.GetFile(ctx, "F")
	require.NoError(t, err)
	assert.True(t, f.UploadDate.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2, f.MeterCount)
}

func TestSynchronize_ReimportPolicy(t *testing.T) {
	tests := []struct {
		policy      ReimportPolicy
		wantChecked bool
	}{
		{ReimportReset, false},
		{ReimportPreserve, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			store := repository.NewMemoryStore()
			ctx := context.Background()
			syncer := NewSynchronizer(store, zap.NewNop(), WithReimportPolicy(tt.policy))

			_, err := syncer.Synchronize(ctx, "F", meters("A", "B"), db.DestinationNone)
			require.NoError(t, err)
			require.NoError(t, store.SetChecked(ctx, "A", "F", true))
			require.NoError(t, store.SetSelected(ctx, "A", "F", true))

			_, err = syncer.Synchronize(ctx, "F", meters("A", "C"), db.DestinationNone)
			require.NoError(t, err)

			a, err := store.GetMeter(ctx, "A", "F")
			require.NoError(t, err)
			require.NotNil(t, a)
			assert.Equal(t, tt.wantChecked, a.IsChecked)
			assert.False(t, a.IsSelectedForProcessing)

			c, err := store.GetMeter(ctx, "C", "F")
			require.NoError(t, err)
			assert.False(t, c.IsChecked)
		})
	}
}

func TestSynchronize_OtherFilesUntouched(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	syncer := NewSynchronizer(store, zap.NewNop())

	_, err := syncer.Synchronize(ctx, "F", meters("A"), db.DestinationNone)
	require.NoError(t, err)
	_, err = syncer.Synchronize(ctx, "G", meters("A"), db.DestinationNone)
	require.NoError(t, err)
	require.NoError(t, store.SetChecked(ctx, "A", "G", true))

	_, err = syncer.Synchronize(ctx, "F", meters("B"), db.DestinationNone)
	require.NoError(t, err)

	g, err := store.GetMeter(ctx, "A", "G")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.True(t, g.IsChecked)
}

func TestSynchronize_DuplicateSerialsDropped(t *testing.T) {
	store := repository.NewMemoryStore()
	res, err := NewSynchronizer(store, zap.NewNop()).Synchronize(context.Background(), "F", meters("A", "B", "A"), db.DestinationNone)
	require.NoError(t, err)
	assert.Equal(t, 2, res.MeterCount)
	assert.Equal(t, 1, res.Duplicates)
}

func TestSynchronize_RejectsBadInput(t *testing.T) {
	syncer := NewSynchronizer(repository.NewMemoryStore(), zap.NewNop())
	_, err := syncer.Synchronize(context.Background(), " ", meters("A"), db.DestinationNone)
	assert.Error(t, err)
	_, err = syncer.Synchronize(context.Background(), "F", meters("A"), db.Destination("archive"))
	assert.Error(t, err)
}

func TestSynchronize_StorageFailureLeavesPreviousState(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	ctx := context.Background()
	syncer := NewSynchronizer(store, zap.NewNop())

	_, err := syncer.Synchronize(ctx, "F", meters("A", "B"), db.DestinationNone)
	require.NoError(t, err)

	store.failures = 1
	store.err = errors.New("disk full")
	_, err = syncer.Synchronize(ctx, "F", meters("C"), db.DestinationNone)
	require.Error(t, err)
	assert.True(t, resilience.IsStorageError(err))

	stored, err := store.ListByFile(ctx, "F")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	f, err := store.GetFile(ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, 2, f.MeterCount)
}

func TestSynchronize_ConcurrentSameFile(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	syncer := NewSynchronizer(store, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			serials := make([]string, n+1)
			for j := range serials {
				serials[j] = string(rune('A' + j))
			}
			_, err := syncer.Synchronize(ctx, "F", meters(serials...), db.DestinationNone)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	f, err := store.GetFile(ctx, "F")
	require.NoError(t, err)
	stored, err := store.ListByFile(ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, f.MeterCount, len(stored))
}

func TestRecordInvalid(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	events := &recordingPublisher{}
	syncer := NewSynchronizer(store, zap.NewNop(), WithEvents(events))

	_, err := syncer.Synchronize(ctx, "F", meters("A", "B"), db.DestinationInstallation)
	require.NoError(t, err)

	res, err := newIngester().Ingest("F", strings.NewReader("Number,Place\nM1,RoomA"), FormatCSV)
	require.NoError(t, err)
	_, err = syncer.Import(ctx, res, db.DestinationInstallation)
	require.NoError(t, err)

	f, err := store.GetFile(ctx, "F")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.False(t, f.IsValid)
	assert.Equal(t, 0, f.MeterCount)
	assert.Contains(t, f.ValidationError, "SerialNumber")

	stored, err := store.ListByFile(ctx, "F")
	require.NoError(t, err)
	assert.Empty(t, stored)

	require.Len(t, events.synced, 2)
	assert.False(t, events.synced[1].IsValid)
}

func TestRecordInvalid_NewFile(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	err := NewSynchronizer(store, zap.NewNop()).RecordInvalid(ctx, "empty.csv", "file is empty: no header line found", db.DestinationNone)
	require.NoError(t, err)

	files, err := store.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].IsValid)
	assert.False(t, files[0].UploadDate.IsZero())
}

func TestSynchronize_PublishesAfterCommit(t *testing.T) {
	store := repository.NewMemoryStore()
	events := &recordingPublisher{err: errors.New("broker down")}
	syncer := NewSynchronizer(store, zap.NewNop(), WithEvents(events))
	ctx := ContextWithRequestID(context.Background(), "req-1")

	_, err := syncer.Synchronize(ctx, "F", meters("A"), db.DestinationReplacement)
	require.NoError(t, err)

	require.Len(t, events.synced, 1)
	e := events.synced[0]
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "F", e.FileName)
	assert.Equal(t, 1, e.MeterCount)
	assert.True(t, e.IsValid)
	assert.Equal(t, "replacement", e.Destination)
}

func TestViews(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	syncer := NewSynchronizer(store, zap.NewNop())
	_, err := syncer.Synchronize(ctx, "inst.csv", meters("A", "B"), db.DestinationInstallation)
	require.NoError(t, err)
	_, err = syncer.Synchronize(ctx, "repl.csv", meters("C"), db.DestinationReplacement)
	require.NoError(t, err)
	require.NoError(t, store.SetChecked(ctx, "A", "inst.csv", true))

	views := NewViews(store)
	require.NoError(t, views.SetSelected(ctx, "C", "repl.csv", true))

	all, err := views.Meters(ctx, MeterFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	inst, err := views.Meters(ctx, MeterFilter{Destinations: []db.Destination{db.DestinationInstallation}})
	require.NoError(t, err)
	assert.Len(t, inst, 2)

	unchecked, err := views.Meters(ctx, MeterFilter{SourceFile: "inst.csv", UncheckedOnly: true})
	require.NoError(t, err)
	require.Len(t, unchecked, 1)
	assert.Equal(t, "B", unchecked[0].SerialNumber)

	selected, err := views.Meters(ctx, MeterFilter{SelectedOnly: true})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "C", selected[0].SerialNumber)

	files, err := views.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	counts := map[string]int{}
	for _, f := range files {
		counts[f.FileName] = f.Checked
	}
	assert.Equal(t, map[string]int{"inst.csv": 1, "repl.csv": 0}, counts)

	err = views.SetSelected(ctx, "Z", "inst.csv", true)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func importBody(t *testing.T, msg ImportMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestProcessMessage(t *testing.T) {
	store := repository.NewMemoryStore()
	p := NewProcessorService(newIngester(), NewSynchronizer(store, zap.NewNop()), fastRetry(), zap.NewNop())

	err := p.ProcessMessage(context.Background(), importBody(t, ImportMessage{
		RequestID:   "req-1",
		FileName:    "batch1.csv",
		Destination: "installation",
		UploadedAt:  "2026-03-01T09:00:00Z",
		Content:     base64.StdEncoding.EncodeToString([]byte(exampleCSV)),
	}))
	require.NoError(t, err)

	stored, err := store.ListByFile(context.Background(), "batch1.csv")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestProcessMessage_RetriesTransientFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore(), failures: 2, err: errors.New("connection refused")}
	p := NewProcessorService(newIngester(), NewSynchronizer(store, zap.NewNop()), fastRetry(), zap.NewNop())

	err := p.ProcessMessage(context.Background(), importBody(t, ImportMessage{
		FileName: "batch1.csv",
		Content:  base64.StdEncoding.EncodeToString([]byte(exampleCSV)),
	}))
	require.NoError(t, err)

	f, err := store.GetFile(context.Background(), "batch1.csv")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 2, f.MeterCount)
}

func TestProcessMessage_PermanentFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore(), failures: 5, err: errors.New("constraint violated")}
	p := NewProcessorService(newIngester(), NewSynchronizer(store, zap.NewNop()), fastRetry(), zap.NewNop())

	err := p.ProcessMessage(context.Background(), importBody(t, ImportMessage{
		FileName: "batch1.csv",
		Content:  base64.StdEncoding.EncodeToString([]byte(exampleCSV)),
	}))
	require.Error(t, err)
	assert.Equal(t, 4, store.failures)
	assert.ErrorIs(t, err, store.err)
	assert.True(t, resilience.IsStorageError(err))
	assert.Contains(t, err.Error(), "failed to synchronize batch1.csv")
}

func TestProcessMessage_RejectsMalformed(t *testing.T) {
	p := NewProcessorService(newIngester(), NewSynchronizer(repository.NewMemoryStore(), zap.NewNop()), fastRetry(), zap.NewNop())
	ctx := context.Background()

	err := p.ProcessMessage(ctx, []byte("{not json"))
	var syntaxErr *json.SyntaxError
	assert.ErrorAs(t, err, &syntaxErr)
	assert.Contains(t, err.Error(), "failed to unmarshal message")
	assert.Error(t, p.ProcessMessage(ctx, importBody(t, ImportMessage{Content: "eA=="})))
	assert.Error(t, p.ProcessMessage(ctx, importBody(t, ImportMessage{FileName: "a.csv", Destination: "archive"})))
	assert.Error(t, p.ProcessMessage(ctx, importBody(t, ImportMessage{FileName: "a.csv", Content: "%%%"})))
}

func TestProcessMessage_InvalidFileIsRecorded(t *testing.T) {
	store := repository.NewMemoryStore()
	p := NewProcessorService(newIngester(), NewSynchronizer(store, zap.NewNop()), fastRetry(), zap.NewNop())

	err := p.ProcessMessage(context.Background(), importBody(t, ImportMessage{FileName: "empty.csv"}))
	require.NoError(t, err)

	f, err := store.GetFile(context.Background(), "empty.csv")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.False(t, f.IsValid)
	assert.Equal(t, "file is empty: no header line found", f.ValidationError)
}

func TestProcessMessage_OverlongLineIsRecordedUnreadable(t *testing.T) {
	store := repository.NewMemoryStore()
	p := NewProcessorService(newIngester(), NewSynchronizer(store, zap.NewNop()), fastRetry(), zap.NewNop())

	content := exampleCSV + "\n" + strings.Repeat("y", 1<<20+1)
	err := p.ProcessMessage(context.Background(), importBody(t, ImportMessage{
		FileName: "long.csv",
		Content:  base64.StdEncoding.EncodeToString([]byte(content)),
	}))
	require.NoError(t, err)

	f, err := store.GetFile(context.Background(), "long.csv")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.False(t, f.IsValid)
	assert.Contains(t, f.ValidationError, "file is unreadable")
}
