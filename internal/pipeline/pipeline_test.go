package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/SteelMorgan/weblog-etl/internal/checkpoint"
	"github.com/SteelMorgan/weblog-etl/internal/domain"
	"github.com/SteelMorgan/weblog-etl/internal/loader"
	"github.com/SteelMorgan/weblog-etl/internal/logreader"
	"github.com/SteelMorgan/weblog-etl/internal/retry"
)

var testNow = time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC)

// keyedSink stores records by fingerprint, so repeated writes are idempotent
type keyedSink struct {
	mu      sync.Mutex
	records map[domain.Fingerprint]domain.EnrichedLogEntry
	writes  int
	err     error
}

func newKeyedSink() *keyedSink {
	return &keyedSink{records: make(map[domain.Fingerprint]domain.EnrichedLogEntry)}
}

func (s *keyedSink) Name() string { return "keyed" }

func (s *keyedSink) Write(_ context.Context, b *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	for _, e := range b.Entries {
		s.records[e.Fingerprint] = e
	}
	return nil
}

func (s *keyedSink) Close() error { return nil }

func (s *keyedSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func apacheLine(i int) string {
	return fmt.Sprintf(`10.0.0.%d - - [10/Jan/2026:14:23:%02d +0000] "GET /page/%d HTTP/1.1" 200 512`, i%250+1, i%60, i)
}

func apacheLines(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(apacheLine(i))
		sb.WriteByte('\n')
	}
	return sb.String()
}

type fixture struct {
	sink  *keyedSink
	store *checkpoint.MemoryStore
}

func newFixture() *fixture {
	return &fixture{sink: newKeyedSink(), store: checkpoint.NewMemoryStore()}
}

func (f *fixture) options(src logreader.Source) Options {
	rc := retry.DefaultConfig()
	rc.InitialDelay = time.Millisecond
	rc.MaxDelay = 2 * time.Millisecond
	return Options{
		Source:      src,
		Checkpoints: f.store,
		Loader:      loader.New(f.sink, nil, nil, loader.Config{Retry: rc, SinkTimeout: time.Second}),
		Workers:     4,
		Now:         func() time.Time { return testNow },
	}
}

func (f *fixture) run(t *testing.T, ctx context.Context, opts Options) (*domain.ProcessingResult, error) {
	t.Helper()
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o.Run(ctx)
}

func (f *fixture) committed(t *testing.T, sourceID string) domain.Position {
	t.Helper()
	cp, err := f.store.Get(context.Background(), sourceID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cp == nil {
		return domain.Position{}
	}
	return cp.Position
}

func checkConservation(t *testing.T, res *domain.ProcessingResult) {
	t.Helper()
	if res.Terminal() != res.Read {
		t.Errorf("rejected+duplicate+loaded+failed = %d, read = %d", res.Terminal(), res.Read)
	}
}

func TestRun_SingleLine(t *testing.T) {
	f := newFixture()
	line := `192.168.1.1 - - [10/Jan/2026:14:23:45 +0000] "GET /home HTTP/1.1" 200 4523`
	src := logreader.NewBytesSource("access.log", []byte(line+"\n"))

	res, err := f.run(t, context.Background(), f.options(src))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != domain.RunCompleted || res.Format != "apache" {
		t.Errorf("status = %s, format = %s", res.Status, res.Format)
	}
	if res.Read != 1 || res.Parsed != 1 || res.Loaded != 1 || res.Batches != 1 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if got := f.committed(t, "access.log"); got.Offset != int64(len(line)+1) || got.Line != 1 {
		t.Errorf("checkpoint = %+v", got)
	}

	for _, rec := range f.sink.records {
		if rec.Entry.Path != "/home" || rec.Line != 1 {
			t.Errorf("record = %+v", rec)
		}
		if rec.Fingerprint != domain.FingerprintOf(&rec.Entry) {
			t.Error("fingerprint not set")
		}
	}
}

func TestRun_Duplicate(t *testing.T) {
	f := newFixture()
	line := apacheLine(1)
	src := logreader.NewBytesSource("dup.log", []byte(line+"\n"+line+"\n"))

	res, err := f.run(t, context.Background(), f.options(src))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Loaded != 1 || res.Duplicate != 1 {
		t.Errorf("loaded = %d, duplicate = %d, want 1/1", res.Loaded, res.Duplicate)
	}
	checkConservation(t, res)
}

func TestRun_BatchBoundary(t *testing.T) {
	tests := []struct {
		lines       int
		wantBatches int64
	}{
		{lines: 3, wantBatches: 1},
		{lines: 4, wantBatches: 2},
		{lines: 6, wantBatches: 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d lines", tt.lines), func(t *testing.T) {
			f := newFixture()
			src := logreader.NewBytesSource("b.log", []byte(apacheLines(tt.lines)))
			opts := f.options(src)
			opts.BatchSize = 3

			res, err := f.run(t, context.Background(), opts)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Batches != tt.wantBatches {
				t.Errorf("batches = %d, want %d", res.Batches, tt.wantBatches)
			}
			if res.Loaded != int64(tt.lines) || f.sink.writes != int(tt.wantBatches) {
				t.Errorf("loaded = %d, sink writes = %d", res.Loaded, f.sink.writes)
			}
		})
	}
}

func TestRun_MixedRejections(t *testing.T) {
	f := newFixture()
	input := strings.Join([]string{
		apacheLine(1),
		"garbage",
		"",
		`10.0.0.9 - - [10/Jan/2026:14:23:45 +0000] "GET /x HTTP/1.1" 999 1`,
		`not-an-ip - - [10/Jan/2026:14:23:45 +0000] "GET /x HTTP/1.1" 200 1`,
		`10.0.0.9 - - [10/Jan/2027:14:23:45 +0000] "GET /x HTTP/1.1" 200 1`,
		apacheLine(2),
		apacheLine(3),
		apacheLine(4),
		apacheLine(5),
	}, "\n") + "\n"
	src := logreader.NewBytesSource("mixed.log", []byte(input))
	opts := f.options(src)
	opts.DetectThreshold = 0.5

	res, err := f.run(t, context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	checkConservation(t, res)
	if res.Read != 10 || res.Loaded != 5 || res.Rejected != 5 || res.ParseFailures != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}

	want := map[string]int64{
		"pattern_mismatch":           1,
		"empty_line":                 1,
		domain.ReasonInvalidStatus:   1,
		domain.ReasonInvalidIP:       1,
		domain.ReasonFutureTimestamp: 1,
	}
	if diff := cmp.Diff(want, res.Rejections); diff != "" {
		t.Errorf("rejections mismatch (-want +got):\n%s", diff)
	}

	// Rejected lines still move the checkpoint
	if got := f.committed(t, "mixed.log"); got.Offset != int64(len(input)) || got.Line != 10 {
		t.Errorf("checkpoint = %+v", got)
	}
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	f := newFixture()
	first := apacheLines(5)

	res, err := f.run(t, context.Background(), f.options(logreader.NewBytesSource("r.log", []byte(first))))
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if res.Loaded != 5 {
		t.Fatalf("first run loaded %d", res.Loaded)
	}

	appended := first + apacheLine(100) + "\n" + apacheLine(101) + "\n"
	res, err = f.run(t, context.Background(), f.options(logreader.NewBytesSource("r.log", []byte(appended))))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.Read != 2 || res.Loaded != 2 {
		t.Errorf("second run read = %d, loaded = %d, want 2/2", res.Read, res.Loaded)
	}
	if got := f.committed(t, "r.log"); got.Line != 7 || got.Offset != int64(len(appended)) {
		t.Errorf("checkpoint = %+v", got)
	}
	if f.sink.Len() != 7 {
		t.Errorf("sink holds %d records, want 7", f.sink.Len())
	}

	for _, rec := range f.sink.records {
		if rec.Entry.Path == "/page/101" && rec.Line != 7 {
			t.Errorf("line number after resume = %d, want 7", rec.Line)
		}
	}
}

func TestRun_EmptyAtResumePoint(t *testing.T) {
	f := newFixture()
	data := []byte(apacheLines(2))
	opts := f.options(logreader.NewBytesSource("e.log", data))

	if _, err := f.run(t, context.Background(), opts); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	res, err := f.run(t, context.Background(), f.options(logreader.NewBytesSource("e.log", data)))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.Status != domain.RunCompleted || res.Read != 0 || res.Batches != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRun_CheckpointFailureThenRerun(t *testing.T) {
	f := newFixture()
	data := []byte(apacheLines(6))
	opts := func() Options {
		o := f.options(logreader.NewBytesSource("c.log", data))
		o.BatchSize = 2
		return o
	}
	// The third batch is loaded but its commit fails
	f.store.FailWritesAfter(2, errors.New("disk full"))

	res, err := f.run(t, context.Background(), opts())
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Reason != ReasonCheckpointFailed {
		t.Fatalf("expected checkpoint abort, got %v", err)
	}
	if !errors.Is(err, checkpoint.ErrWriteFailure) {
		t.Errorf("error does not wrap ErrWriteFailure: %v", err)
	}
	if res == nil || res.Status != domain.RunAborted || res.Loaded != 6 {
		t.Fatalf("partial result = %+v, want aborted with 6 loaded", res)
	}
	if f.sink.Len() != 6 {
		t.Fatalf("sink holds %d records, want 6", f.sink.Len())
	}
	lines := strings.SplitAfter(string(data), "\n")
	want := domain.Position{Offset: int64(len(strings.Join(lines[:4], ""))), Line: 4}
	if got := f.committed(t, "c.log"); got != want {
		t.Fatalf("checkpoint = %+v, want %+v", got, want)
	}

	f.store.FailWrites(nil)
	res, err = f.run(t, context.Background(), opts())
	if err != nil {
		t.Fatalf("rerun error = %v", err)
	}
	if res.Read != 2 || res.Loaded != 2 {
		t.Errorf("rerun read = %d, loaded = %d, want 2 and 2", res.Read, res.Loaded)
	}
	if f.sink.Len() != 6 {
		t.Errorf("idempotent sink holds %d records, want 6", f.sink.Len())
	}
	if got := f.committed(t, "c.log"); got.Offset != int64(len(data)) || got.Line != 6 {
		t.Errorf("checkpoint after rerun = %+v", got)
	}
}

func TestRun_SinkDownDeadLettersAndAdvances(t *testing.T) {
	f := newFixture()
	f.sink.err = retry.Transient(errors.New("connection refused"))
	data := []byte(apacheLines(3))

	res, err := f.run(t, context.Background(), f.options(logreader.NewBytesSource("d.log", data)))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Failed != 3 || res.Loaded != 0 {
		t.Errorf("failed = %d, loaded = %d", res.Failed, res.Loaded)
	}
	checkConservation(t, res)
	if got := f.committed(t, "d.log"); got.Offset != int64(len(data)) {
		t.Errorf("checkpoint = %+v", got)
	}
}

func TestRun_UnknownFormat(t *testing.T) {
	f := newFixture()
	src := logreader.NewBytesSource("u.log", []byte("hello\nworld\n"))

	res, err := f.run(t, context.Background(), f.options(src))
	if res != nil {
		t.Errorf("aborted run returned a result: %+v", res)
	}
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Reason != ReasonDetectionFailed {
		t.Fatalf("expected detection abort, got %v", err)
	}
	if !errors.Is(err, domain.ErrUnknownFormat) {
		t.Errorf("error does not wrap ErrUnknownFormat: %v", err)
	}
	if got := f.committed(t, "u.log"); got != (domain.Position{}) {
		t.Errorf("checkpoint moved: %+v", got)
	}
}

func TestRun_ForcedFormat(t *testing.T) {
	f := newFixture()
	opts := f.options(logreader.NewBytesSource("f.log", []byte(apacheLines(2))))
	opts.Format = "json"

	res, err := f.run(t, context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Format != "json" || res.ParseFailures != 2 {
		t.Errorf("format = %s, parse failures = %d", res.Format, res.ParseFailures)
	}
}

func TestNew_Errors(t *testing.T) {
	f := newFixture()
	src := logreader.NewBytesSource("n.log", nil)

	opts := f.options(src)
	opts.Format = "syslog"
	_, err := New(opts)
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Reason != ReasonConfigError {
		t.Errorf("unknown format: got %v", err)
	}

	opts = f.options(src)
	opts.Loader = nil
	if _, err := New(opts); err == nil {
		t.Error("expected error for missing loader")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.run(t, ctx, f.options(logreader.NewBytesSource("x.log", []byte(apacheLines(3)))))
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled abort, got %v", err)
	}
	if f.sink.Len() != 0 {
		t.Errorf("sink written on cancelled run")
	}
}

// chunkedSource hands out data in fixed chunks and runs onRead before each
// chunk is returned
type chunkedSource struct {
	chunks []string
	onRead func(call int)
}

func (s *chunkedSource) ID() string { return "chunked.log" }

func (s *chunkedSource) Open(context.Context, domain.Position) (io.ReadCloser, error) {
	return &chunkedReader{src: s}, nil
}

type chunkedReader struct {
	src   *chunkedSource
	calls int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	r.calls++
	if r.src.onRead != nil {
		r.src.onRead(r.calls)
	}
	if len(r.src.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := r.src.chunks[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		r.src.chunks[0] = chunk[n:]
	} else {
		r.src.chunks = r.src.chunks[1:]
	}
	return n, nil
}

func (r *chunkedReader) Close() error { return nil }

func TestRun_CancelDrainsInFlight(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := apacheLines(3)
	second := apacheLine(10) + "\n" + apacheLine(11) + "\n" + apacheLine(12) + "\n"
	src := &chunkedSource{
		chunks: []string{first, second},
		onRead: func(call int) {
			if call == 2 {
				cancel()
			}
		},
	}

	res, err := f.run(t, ctx, f.options(src))
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled abort, got %v", err)
	}
	if res == nil || res.Status != domain.RunAborted || res.Read != 4 || res.Loaded != 4 {
		t.Errorf("partial result = %+v, want aborted with 4 read and loaded", res)
	}

	// The line returned by the cancelling read is still processed
	if f.sink.Len() != 4 {
		t.Errorf("sink holds %d records, want 4", f.sink.Len())
	}
	want := int64(len(first) + len(apacheLine(10)) + 1)
	if got := f.committed(t, "chunked.log"); got.Offset != want || got.Line != 4 {
		t.Errorf("checkpoint = %+v, want offset %d line 4", got, want)
	}
}

// failingSource returns its data and then a read error
type failingSource struct {
	data string
	err  error
}

func (s *failingSource) ID() string { return "failing.log" }

func (s *failingSource) Open(context.Context, domain.Position) (io.ReadCloser, error) {
	return &failingReader{src: s}, nil
}

type failingReader struct {
	src  *failingSource
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.src.data), nil
	}
	return 0, r.src.err
}

func (r *failingReader) Close() error { return nil }

func TestRun_ReadErrorKeepsPartialResult(t *testing.T) {
	f := newFixture()
	data := apacheLines(3)
	src := &failingSource{data: data, err: errors.New("input/output error")}
	opts := f.options(src)
	opts.DetectSampleSize = 2

	res, err := f.run(t, context.Background(), opts)
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Reason != ReasonSourceError {
		t.Fatalf("expected source abort, got %v", err)
	}
	if res == nil {
		t.Fatal("aborted run returned no result")
	}

	got := struct {
		Status       domain.RunStatus
		Read, Loaded int64
	}{res.Status, res.Read, res.Loaded}
	want := struct {
		Status       domain.RunStatus
		Read, Loaded int64
	}{domain.RunAborted, 3, 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("partial result mismatch (-want +got):\n%s", diff)
	}
	if pos := f.committed(t, src.ID()); pos.Offset != int64(len(data)) || pos.Line != 3 {
		t.Errorf("checkpoint = %+v, want end of the lines read", pos)
	}
}

func TestRun_SplitWriteAcrossRuns(t *testing.T) {
	f := newFixture()
	path := filepath.Join(t.TempDir(), "access.log")
	last := apacheLine(4)
	if err := os.WriteFile(path, []byte(apacheLines(4)+last[:20]), 0644); err != nil {
		t.Fatal(err)
	}
	src, err := logreader.NewFileSource(path)
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.run(t, context.Background(), f.options(src))
	if err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if res.Read != 4 || res.Loaded != 4 || res.Rejected != 0 {
		t.Fatalf("first run read = %d, loaded = %d, rejected = %d", res.Read, res.Loaded, res.Rejected)
	}
	if got := f.committed(t, src.ID()); got.Offset != int64(len(apacheLines(4))) || got.Line != 4 {
		t.Fatalf("checkpoint = %+v, want before the partial line", got)
	}

	// The writer finishes the line
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	fh.WriteString(last[20:] + "\n")
	fh.Close()

	res, err = f.run(t, context.Background(), f.options(src))
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if res.Read != 1 || res.Loaded != 1 || res.Rejected != 0 {
		t.Errorf("second run read = %d, loaded = %d, rejected = %d", res.Read, res.Loaded, res.Rejected)
	}
	if f.sink.Len() != 5 {
		t.Errorf("sink holds %d records, want 5", f.sink.Len())
	}
	if got := f.committed(t, src.ID()); got.Line != 5 {
		t.Errorf("checkpoint = %+v, want line 5", got)
	}
}

func TestRun_TruncatedSourceStartsOver(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	// Checkpoint from before a copytruncate rotation
	f.store.Set(ctx, domain.Checkpoint{SourceID: "t.log", Position: domain.Position{Offset: 4096, Line: 25}})

	data := []byte(apacheLines(3))
	res, err := f.run(t, ctx, f.options(logreader.NewBytesSource("t.log", data)))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Read != 3 || res.Loaded != 3 {
		t.Errorf("read = %d, loaded = %d, want 3 and 3", res.Read, res.Loaded)
	}
	if got := f.committed(t, "t.log"); got != (domain.Position{Offset: int64(len(data)), Line: 3}) {
		t.Errorf("checkpoint = %+v", got)
	}
}

// blockingSource returns its data and then blocks until released
type blockingSource struct {
	data    string
	release chan struct{}
}

func (s *blockingSource) ID() string { return "slow.log" }

func (s *blockingSource) Open(context.Context, domain.Position) (io.ReadCloser, error) {
	return &blockingReader{src: s}, nil
}

type blockingReader struct {
	src  *blockingSource
	done bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.src.data), nil
	}
	<-r.src.release
	return 0, io.EOF
}

func (r *blockingReader) Close() error { return nil }

func TestRun_FlushInterval(t *testing.T) {
	f := newFixture()
	src := &blockingSource{data: apacheLines(2), release: make(chan struct{})}
	opts := f.options(src)
	opts.FlushInterval = 20 * time.Millisecond
	opts.DetectSampleSize = 2

	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for f.sink.Len() < 2 {
		select {
		case <-deadline:
			close(src.release)
			t.Fatal("open batch was not flushed while the source was idle")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestAccumulator(t *testing.T) {
	start := domain.Position{Offset: 10, Line: 1}
	acc := newAccumulator("s", 2, start)
	now := time.Now()

	if acc.pending() || acc.due(now, time.Second) {
		t.Fatal("fresh accumulator has a pending batch")
	}

	line := func(end int64, n int64) domain.RawLine {
		return domain.RawLine{End: domain.Position{Offset: end, Line: n}}
	}
	acc.add(line(20, 2), nil, now)
	if !acc.pending() || acc.full() {
		t.Fatal("rejected line must be pending but not fill the batch")
	}
	acc.add(line(30, 3), &domain.EnrichedLogEntry{}, now)
	acc.add(line(40, 4), &domain.EnrichedLogEntry{}, now)
	if !acc.full() {
		t.Fatal("expected full batch")
	}
	if !acc.due(now.Add(time.Second), time.Second) {
		t.Error("expected batch to be due")
	}

	b := acc.take()
	if b.Len() != 2 || b.From != start || b.To != (domain.Position{Offset: 40, Line: 4}) || b.ID == "" {
		t.Errorf("unexpected batch: %+v", b)
	}

	acc.add(line(50, 5), nil, now)
	next := acc.take()
	if next.From != b.To || next.Len() != 0 {
		t.Errorf("next batch = %+v", next)
	}
}
