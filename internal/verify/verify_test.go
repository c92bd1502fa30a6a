package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/mq"
	"github.com/septivank/meter-verification-worker/internal/repository"
	"github.com/septivank/meter-verification-worker/internal/resilience"
	"github.com/septivank/meter-verification-worker/internal/service"
	"github.com/septivank/meter-verification-worker/internal/validator"
)

// failingStore fails SetChecked inside transactions while failures > 0 and
// counts the writes that went through.
type failingStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	failures int
	err      error
	writes   int
}

func (s *failingStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx repository.Tx) error {
		return fn(failingTx{Tx: tx, store: s})
	})
}

type failingTx struct {
	repository.Tx
	store *failingStore
}

func (t failingTx) SetChecked(ctx context.Context, serial, sourceFile string, checked bool) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.failures > 0 {
		t.store.failures--
		return resilience.NewStorageError("set checked", t.store.err)
	}
	t.store.writes++
	return t.Tx.SetChecked(ctx, serial, sourceFile, checked)
}

type recordingPublisher struct {
	events []mq.MeterCheckedEvent
}

func (p *recordingPublisher) PublishMeterChecked(_ context.Context, e mq.MeterCheckedEvent) error {
	p.events = append(p.events, e)
	return nil
}

func newStore(t *testing.T) *failingStore {
	t.Helper()
	s := &failingStore{MemoryStore: repository.NewMemoryStore(), err: errors.New("connection refused")}
	seed(t, s, "F", "X", "A", "B")
	seed(t, s, "G", "Z")
	return s
}

func seed(t *testing.T, s repository.Store, file string, serials ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutFile(ctx, db.FileRecord{FileName: file, MeterCount: len(serials), IsValid: true}))
	var ms []db.MeterRecord
	for i, sn := range serials {
		ms = append(ms, db.MeterRecord{
			SerialNumber: sn,
			SourceFile:   file,
			Position:     i,
			Number:       "N-" + sn,
			Place:        "P-" + sn,
		})
	}
	require.NoError(t, s.PutMeters(ctx, ms))
}

func meter(t *testing.T, s repository.Store, serial, file string) db.MeterRecord {
	t.Helper()
	m, err := s.GetMeter(context.Background(), serial, file)
	require.NoError(t, err)
	require.NotNil(t, m, "meter %s/%s", serial, file)
	return *m
}

func checkedKeys(t *testing.T, s repository.Store) []db.MeterKey {
	t.Helper()
	all, err := s.ListAll(context.Background())
	require.NoError(t, err)
	var keys []db.MeterKey
	for _, m := range all {
		if m.IsChecked {
			keys = append(keys, m.Key())
		}
	}
	return keys
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"X123":               "X123",
		"  X123 ":            "X123",
		"SN:X123":            "X123",
		"sn: X123":           "X123",
		"Serial:X123":        "X123",
		"SerialNumber:X123":  "X123",
		"SERIALNUMBER: X123": "X123",
		"SNX123":             "SNX123",
		"":                   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestEvaluate(t *testing.T) {
	expected := db.MeterRecord{SerialNumber: "X", SourceFile: "F"}
	other := db.MeterRecord{SerialNumber: "Z", SourceFile: "G", Number: "N-Z", Place: "P-Z"}
	all := []db.MeterRecord{expected, other}

	_, ok := Evaluate(expected, "SN:X", all).(Matched)
	assert.True(t, ok)

	km, ok := Evaluate(expected, "Z", all).(KnownMismatch)
	require.True(t, ok)
	assert.Equal(t, other, km.Actual)
	assert.Equal(t, 0, km.Position)

	um, ok := Evaluate(expected, "Q", all).(UnknownMismatch)
	require.True(t, ok)
	assert.Equal(t, "Q", um.Code)

	_, ok = Evaluate(expected, "   ", all).(UnknownMismatch)
	assert.True(t, ok)
}

func TestSession_Match(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	events := &recordingPublisher{}
	s := NewSession(store, zap.NewNop(), WithPublisher(events), WithSessionID("sess-1"))

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	outcome, err := s.Scan(ctx, "X")
	require.NoError(t, err)

	m, ok := outcome.(Matched)
	require.True(t, ok)
	assert.False(t, m.AlreadyChecked)
	assert.Equal(t, StateMatched, s.State())

	assert.Equal(t, []db.MeterKey{{SerialNumber: "X", SourceFile: "F"}}, checkedKeys(t, store))
	require.Len(t, events.events, 1)
	assert.Equal(t, "sess-1", events.events[0].SessionID)
	assert.Equal(t, ModeSingle, events.events[0].Mode)

	// further frames are discarded, no second write
	_, err = s.Scan(ctx, "X")
	assert.ErrorIs(t, err, ErrFrameDiscarded)
	assert.Equal(t, 1, store.writes)
}

func TestSession_AlreadyCheckedWritesNothing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.MemoryStore.SetChecked(ctx, "X", "F", true))

	s := NewSession(store, zap.NewNop())
	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	outcome, err := s.Scan(ctx, "X")
	require.NoError(t, err)
	assert.True(t, outcome.(Matched).AlreadyChecked)
	assert.Equal(t, 0, store.writes)
}

func TestSession_KnownMismatch(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	s := NewSession(store, zap.NewNop())

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	outcome, err := s.Scan(ctx, "Z")
	require.NoError(t, err)

	km, ok := outcome.(KnownMismatch)
	require.True(t, ok)
	assert.Equal(t, "Z", km.Actual.SerialNumber)
	assert.Equal(t, "G", km.Actual.SourceFile)
	assert.Equal(t, "N-Z", km.Actual.Number)
	assert.Equal(t, "P-Z", km.Actual.Place)
	assert.Equal(t, StateMismatched, s.State())

	assert.Empty(t, checkedKeys(t, store))
}

func TestSession_ResolveAlternate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	s := NewSession(store, zap.NewNop())

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	_, err := s.Scan(ctx, "Z")
	require.NoError(t, err)

	alt, err := s.ResolveAlternate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Z", alt.SerialNumber)
	assert.Equal(t, StateMatched, s.State())

	assert.Equal(t, []db.MeterKey{{SerialNumber: "Z", SourceFile: "G"}}, checkedKeys(t, store))
	assert.False(t, meter(t, store, "X", "F").IsChecked)
}

func TestSession_ResolveCandidate(t *testing.T) {
	store := newStore(t)
	seed(t, store, "H", "Z")
	ctx := context.Background()
	s := NewSession(store, zap.NewNop())

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	outcome, err := s.Scan(ctx, "Z")
	require.NoError(t, err)
	require.Len(t, outcome.(KnownMismatch).Candidates, 2)

	_, err = s.ResolveCandidate(ctx, db.MeterKey{SerialNumber: "Z", SourceFile: "nope"})
	assert.Error(t, err)

	_, err = s.ResolveCandidate(ctx, db.MeterKey{SerialNumber: "Z", SourceFile: "H"})
	require.NoError(t, err)
	assert.Equal(t, []db.MeterKey{{SerialNumber: "Z", SourceFile: "H"}}, checkedKeys(t, store))
}

func TestSession_UnknownMismatchAndReset(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	s := NewSession(store, zap.NewNop())

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	outcome, err := s.Scan(ctx, "NOPE")
	require.NoError(t, err)
	_, ok := outcome.(UnknownMismatch)
	require.True(t, ok)

	_, err = s.ResolveAlternate(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	// no auto-retry: further scans wait for an explicit reset
	_, err = s.Scan(ctx, "X")
	assert.ErrorIs(t, err, ErrFrameDiscarded)

	require.NoError(t, s.Reset())
	assert.Equal(t, StateScanning, s.State())
	outcome, err = s.Scan(ctx, "X")
	require.NoError(t, err)
	_, ok = outcome.(Matched)
	assert.True(t, ok)
	assert.Equal(t, 1, store.writes)
}

func TestSession_StateGuards(t *testing.T) {
	store := newStore(t)
	s := NewSession(store, zap.NewNop())

	_, err := s.Scan(context.Background(), "X")
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.ErrorIs(t, s.Start(db.MeterRecord{}), ErrNoTarget)
	assert.ErrorIs(t, s.Reset(), ErrInvalidState)
	assert.ErrorIs(t, s.RetryCommit(context.Background()), ErrInvalidState)
	assert.NoError(t, s.Finish())
	assert.NotEmpty(t, s.ID())
}

func TestSession_CommitFailedThenRetry(t *testing.T) {
	store := newStore(t)
	store.failures = 1
	ctx := context.Background()
	s := NewSession(store, zap.NewNop())

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	outcome, err := s.Scan(ctx, "X")
	require.Error(t, err)
	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.True(t, commitErr.Retryable())
	_, ok := outcome.(Matched)
	assert.True(t, ok)
	assert.Equal(t, StateCommitFailed, s.State())
	assert.False(t, meter(t, store, "X", "F").IsChecked)

	assert.ErrorIs(t, s.Start(meter(t, store, "A", "F")), ErrCommitPending)
	assert.ErrorIs(t, s.Finish(), ErrCommitPending)

	require.NoError(t, s.RetryCommit(ctx))
	assert.Equal(t, StateMatched, s.State())
	assert.True(t, meter(t, store, "X", "F").IsChecked)
	assert.True(t, s.Last().(Matched).Meter.IsChecked)
}

func TestSession_CommitRetriedWithinBudget(t *testing.T) {
	store := newStore(t)
	store.failures = 2
	s := NewSession(store, zap.NewNop(), WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: 1, MaxBackoff: 1}))

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	_, err := s.Scan(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, StateMatched, s.State())
}

func TestSession_CommitOnVanishedMeter(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	s := NewSession(store, zap.NewNop())

	require.NoError(t, s.Start(meter(t, store, "X", "F")))
	_, err := store.MemoryStore.DeleteMeters(ctx, "F")
	require.NoError(t, err)

	_, err = s.Scan(ctx, "X")
	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.False(t, commitErr.Retryable())

	s.Abandon()
	assert.Equal(t, StateIdle, s.State())
}

func readingList(t *testing.T, s repository.Store, file string) []db.MeterRecord {
	t.Helper()
	list, err := s.ListByFile(context.Background(), file)
	require.NoError(t, err)
	return list
}

func TestReading_ScanSkipAdvance(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	r := NewReading(store, zap.NewNop())
	r.Initialize(readingList(t, store, "F")) // X, A, B

	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, "X", cur.SerialNumber)

	outcome, err := r.OnScan(ctx, "X")
	require.NoError(t, err)
	_, ok = outcome.(Matched)
	require.True(t, ok)
	assert.True(t, r.CurrentScanned())
	assert.Equal(t, 0, r.Index())

	_, err = r.OnScan(ctx, "X")
	assert.ErrorIs(t, err, ErrFrameDiscarded)
	assert.ErrorIs(t, r.OnSkip(), ErrInvalidState)

	require.NoError(t, r.Advance())
	assert.Equal(t, 1, r.Index())
	assert.InDelta(t, 1.0/3.0, r.Progress(), 1e-9)

	require.NoError(t, r.OnSkip())
	cur, _ = r.Current()
	assert.Equal(t, "B", cur.SerialNumber)

	_, err = r.OnScan(ctx, "SN:B")
	require.NoError(t, err)
	require.NoError(t, r.Advance())

	assert.True(t, r.IsComplete())
	_, ok = r.Current()
	assert.False(t, ok)
	assert.Equal(t, 1.0, r.Progress())
	_, err = r.OnScan(ctx, "B")
	assert.ErrorIs(t, err, ErrCompleted)
	assert.ErrorIs(t, r.OnSkip(), ErrCompleted)

	sum := r.Summary()
	assert.Equal(t, Summary{
		Total:         3,
		Scanned:       2,
		Skipped:       1,
		ScannedMeters: []db.MeterKey{{SerialNumber: "X", SourceFile: "F"}, {SerialNumber: "B", SourceFile: "F"}},
		SkippedMeters: []db.MeterKey{{SerialNumber: "A", SourceFile: "F"}},
	}, sum)

	assert.ElementsMatch(t, []db.MeterKey{{SerialNumber: "X", SourceFile: "F"}, {SerialNumber: "B", SourceFile: "F"}}, checkedKeys(t, store))
	assert.False(t, meter(t, store, "A", "F").IsChecked)
}

func TestReading_WrongMeterAndUnknown(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	r := NewReading(store, zap.NewNop())
	r.Initialize(readingList(t, store, "F"))

	outcome, err := r.OnScan(ctx, "B")
	require.NoError(t, err)
	km, ok := outcome.(KnownMismatch)
	require.True(t, ok)
	assert.Equal(t, "X", km.Expected.SerialNumber)
	assert.Equal(t, "B", km.Actual.SerialNumber)
	assert.Equal(t, 3, km.Position)

	// Z exists in another file but not in the working list
	outcome, err = r.OnScan(ctx, "Z")
	require.NoError(t, err)
	_, ok = outcome.(UnknownMismatch)
	assert.True(t, ok)

	assert.Equal(t, ReadingScanning, r.State())
	assert.Equal(t, 0, r.Index())
	assert.Equal(t, 0.0, r.Progress())
	assert.Empty(t, checkedKeys(t, store))
}

func TestReading_CompletionInvariant(t *testing.T) {
	for n := 0; n <= 6; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			store := repository.NewMemoryStore()
			serials := make([]string, n)
			for i := range serials {
				serials[i] = fmt.Sprintf("S%d", i)
			}
			if n > 0 {
				seed(t, store, "F", serials...)
			}
			ctx := context.Background()
			r := NewReading(store, zap.NewNop(), WithAutoAdvance(true))
			r.Initialize(readingList(t, store, "F"))

			for i := 0; i < n; i++ {
				cur, ok := r.Current()
				require.True(t, ok)
				if i%2 == 0 {
					_, err := r.OnScan(ctx, cur.SerialNumber)
					require.NoError(t, err)
				} else {
					require.NoError(t, r.OnSkip())
				}
			}

			sum := r.Summary()
			assert.True(t, r.IsComplete())
			assert.Equal(t, n, sum.Scanned+sum.Skipped)
			assert.Equal(t, n, sum.Total)
			seen := map[db.MeterKey]bool{}
			for _, k := range sum.ScannedMeters {
				seen[k] = true
			}
			for _, k := range sum.SkippedMeters {
				assert.False(t, seen[k], "%v both scanned and skipped", k)
			}
			assert.Equal(t, 1.0, r.Progress())
		})
	}
}

func TestReading_DuplicateAndSharedSerials(t *testing.T) {
	store := newStore(t)
	seed(t, store, "H", "X")
	ctx := context.Background()
	r := NewReading(store, zap.NewNop(), WithAutoAdvance(true))

	fx := meter(t, store, "X", "F")
	hx := meter(t, store, "X", "H")
	r.Initialize([]db.MeterRecord{fx, hx, fx})

	sum := r.Summary()
	assert.Equal(t, 2, sum.Total)

	_, err := r.OnScan(ctx, "X")
	require.NoError(t, err)
	require.NoError(t, r.OnSkip())
	require.True(t, r.IsComplete())

	sum = r.Summary()
	assert.Equal(t, []db.MeterKey{fx.Key()}, sum.ScannedMeters)
	assert.Equal(t, []db.MeterKey{hx.Key()}, sum.SkippedMeters)
	assert.Equal(t, sum.Total, sum.Scanned+sum.Skipped)
	assert.True(t, meter(t, store, "X", "F").IsChecked)
	assert.False(t, meter(t, store, "X", "H").IsChecked)
}

func TestReading_RepeatedMismatchDiscardedUntilCursorMoves(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	r := NewReading(store, zap.NewNop(), WithAutoAdvance(true))
	r.Initialize(readingList(t, store, "F"))

	_, err := r.OnScan(ctx, "A")
	require.NoError(t, err)
	_, err = r.OnScan(ctx, "A")
	assert.ErrorIs(t, err, ErrFrameDiscarded)

	require.NoError(t, r.OnSkip())
	outcome, err := r.OnScan(ctx, "A")
	require.NoError(t, err)
	_, ok := outcome.(Matched)
	assert.True(t, ok)
}

func TestReading_CommitFailed(t *testing.T) {
	store := newStore(t)
	store.failures = 2
	ctx := context.Background()
	r := NewReading(store, zap.NewNop())
	r.Initialize(readingList(t, store, "F"))

	_, err := r.OnScan(ctx, "X")
	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, ReadingCommitFailed, r.State())
	assert.Equal(t, 0, r.Index())

	_, err = r.OnScan(ctx, "X")
	assert.ErrorIs(t, err, ErrCommitPending)
	assert.ErrorIs(t, r.OnSkip(), ErrCommitPending)
	assert.ErrorIs(t, r.Advance(), ErrInvalidState)

	assert.Error(t, r.RetryCommit(ctx))
	require.NoError(t, r.RetryCommit(ctx))
	assert.True(t, r.CurrentScanned())
	assert.True(t, meter(t, store, "X", "F").IsChecked)
	require.NoError(t, r.Advance())

	store.failures = 1
	_, err = r.OnScan(ctx, "A")
	require.Error(t, err)
	require.NoError(t, r.AcceptStale())
	assert.Equal(t, 2, r.Index())
	assert.False(t, meter(t, store, "A", "F").IsChecked)

	sum := r.Summary()
	assert.Equal(t, []db.MeterKey{{SerialNumber: "X", SourceFile: "F"}, {SerialNumber: "A", SourceFile: "F"}}, sum.ScannedMeters)
	assert.Equal(t, []db.MeterKey{{SerialNumber: "A", SourceFile: "F"}}, sum.Stale)
}

func TestReading_EmptyAndUninitialized(t *testing.T) {
	r := NewReading(repository.NewMemoryStore(), zap.NewNop())
	_, err := r.OnScan(context.Background(), "X")
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.Equal(t, 0.0, r.Progress())

	r.Initialize(nil)
	assert.True(t, r.IsComplete())
	assert.Equal(t, 1.0, r.Progress())
}

func TestPump_SerializesAndDiscards(t *testing.T) {
	store := newStore(t)
	r := NewReading(store, zap.NewNop())
	r.Initialize(readingList(t, store, "F"))

	codes := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				codes <- "X"
			}
		}()
	}
	go func() {
		wg.Wait()
		close(codes)
	}()

	var results []ScanResult
	err := Pump(context.Background(), codes, r.OnScan, func(res ScanResult) {
		results = append(results, res)
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	_, ok := results[0].Outcome.(Matched)
	assert.True(t, ok)
	assert.Equal(t, 1, store.writes)
}

func TestPump_CollapsesRepeatedMismatch(t *testing.T) {
	store := newStore(t)
	r := NewReading(store, zap.NewNop(), WithAutoAdvance(true))
	r.Initialize(readingList(t, store, "F"))

	codes := make(chan string, 8)
	for _, c := range []string{"B", "B", "B", "", "X", "A"} {
		codes <- c
	}
	close(codes)

	var kinds []string
	err := Pump(context.Background(), codes, r.OnScan, func(res ScanResult) {
		kinds = append(kinds, fmt.Sprintf("%T", res.Outcome))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"verify.KnownMismatch", "verify.Matched", "verify.Matched"}, kinds)
	assert.Equal(t, 2, r.Index())
}

func TestPump_SkipAfterWrongMeterThenScanCurrent(t *testing.T) {
	store := newStore(t)
	r := NewReading(store, zap.NewNop(), WithAutoAdvance(true))
	r.Initialize(readingList(t, store, "F"))

	codes := make(chan string, 2)
	codes <- "A"
	codes <- "A"
	close(codes)

	var kinds []string
	err := Pump(context.Background(), codes, r.OnScan, func(res ScanResult) {
		kinds = append(kinds, fmt.Sprintf("%T", res.Outcome))
		if _, ok := res.Outcome.(KnownMismatch); ok {
			require.NoError(t, r.OnSkip())
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"verify.KnownMismatch", "verify.Matched"}, kinds)
	assert.Equal(t, 1, store.writes)
	assert.True(t, meter(t, store, "A", "F").IsChecked)
}

func TestPump_SessionResetReevaluatesSameCode(t *testing.T) {
	store := newStore(t)
	s := NewSession(store, zap.NewNop())
	require.NoError(t, s.Start(meter(t, store, "X", "F")))

	codes := make(chan string, 3)
	codes <- "Z"
	codes <- "Z"
	codes <- "Z"
	close(codes)

	var kinds []string
	err := Pump(context.Background(), codes, s.Scan, func(res ScanResult) {
		kinds = append(kinds, fmt.Sprintf("%T", res.Outcome))
		if len(kinds) == 1 {
			require.NoError(t, s.Reset())
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"verify.KnownMismatch", "verify.KnownMismatch"}, kinds)
	assert.Equal(t, StateMismatched, s.State())
}

func TestPump_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Pump(ctx, make(chan string), func(context.Context, string) (Outcome, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// End to end: import the example sheet, synchronize it, then verify M1.
func TestExampleEndToEnd(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	csv := "Number,SerialNumber,Place,Registered\nM1,SN1,RoomA,true\n,,,\nM2,SN2,RoomB,no"

	res, err := service.NewIngester(validator.NewValidator(), 0, zap.NewNop()).
		Ingest("batch1.csv", strings.NewReader(csv), service.FormatCSV)
	require.NoError(t, err)
	require.Len(t, res.Meters, 2)
	assert.Equal(t, 1, res.Diagnostics.Skipped)

	_, err = service.NewSynchronizer(store, zap.NewNop()).Import(ctx, res, db.DestinationNone)
	require.NoError(t, err)
	f, err := store.GetFile(ctx, "batch1.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, f.MeterCount)

	m1 := meter(t, store, "SN1", "batch1.csv")
	assert.Equal(t, "M1", m1.Number)
	s := NewSession(store, zap.NewNop())
	require.NoError(t, s.Start(m1))
	outcome, err := s.Scan(ctx, "SN1")
	require.NoError(t, err)
	_, ok := outcome.(Matched)
	require.True(t, ok)

	assert.True(t, meter(t, store, "SN1", "batch1.csv").IsChecked)
	assert.False(t, meter(t, store, "SN2", "batch1.csv").IsChecked)
}
