package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/imalyk/bunny-relay/pkg/dropbox"
	"github.com/imalyk/bunny-relay/pkg/ledger"
	"github.com/imalyk/bunny-relay/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLink   = "https://www.dropbox.com/s/abc/My%20Clip.mp4?dl=0"
	testPrefix = "https://zapier-temp-cdn.b-cdn.net"
)

type fetchResult struct {
	resp *dropbox.Response
	err  error
}

type fakeSource struct {
	mu      sync.Mutex
	links   []string
	results []fetchResult
}

func (f *fakeSource) Fetch(_ context.Context, link string) (*dropbox.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, link)
	if len(f.results) == 0 {
		return nil, errors.New("unexpected fetch")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.resp, r.err
}

func (f *fakeSource) Links() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.links...)
}

type fakeDest struct {
	mu   sync.Mutex
	puts map[string]string
	err  error
}

func (f *fakeDest) Put(_ context.Context, name string, body io.Reader, _ int64) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return int64(len(data)), err
	}
	if f.err != nil {
		return int64(len(data)), f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[name] = string(data)
	return int64(len(data)), nil
}

type countingLedger struct {
	ledger.Ledger
	writes atomic.Int32
	err    error
}

func (c *countingLedger) Record(ctx context.Context, filename string, rec ledger.Record) error {
	c.writes.Add(1)
	if c.err != nil {
		return c.err
	}
	return c.Ledger.Record(ctx, filename, rec)
}

func ok(contentType, body string) fetchResult {
	return fetchResult{resp: &dropbox.Response{
		StatusCode:    http.StatusOK,
		ContentType:   contentType,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(strings.NewReader(body)),
	}}
}

func status(code int) fetchResult {
	return fetchResult{err: &dropbox.StatusError{Code: code, Body: http.StatusText(code)}}
}

type harness struct {
	source *fakeSource
	dest   *fakeDest
	ledger *countingLedger
	worker *Worker
}

func newHarness(t *testing.T, results ...fetchResult) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{results: results},
		dest:   &fakeDest{},
		ledger: &countingLedger{Ledger: ledger.NewFileLedger(filepath.Join(t.TempDir(), "bunny_status.json"), nil)},
	}
	h.worker = NewWorker(h.source, h.dest, h.ledger, testPrefix, nil, nil)
	return h
}

func (h *harness) run(t *testing.T) ledger.Record {
	t.Helper()
	return h.worker.Run(context.Background(), Request{ID: "req-1", SourceLink: testLink, Filename: "My Clip.mp4"})
}

func (h *harness) lookup(t *testing.T, q string) ledger.Record {
	t.Helper()
	rec, found, err := h.ledger.Lookup(context.Background(), q)
	require.NoError(t, err)
	require.True(t, found, "no record for %q", q)
	return rec
}

func TestWorkerSuccess(t *testing.T) {
	h := newHarness(t, ok("application/octet-stream", "movie-bytes"))

	rec := h.run(t)
	want := ledger.Success(testPrefix + "/My%20Clip.mp4")
	assert.Equal(t, want, rec)
	assert.Equal(t, "movie-bytes", h.dest.puts["My Clip.mp4"])
	assert.Equal(t, []string{testLink}, h.source.Links())
	assert.Equal(t, int32(1), h.ledger.writes.Load())

	for _, q := range []string{"My Clip.mp4", "My-Clip.mp4", "my clip.mp4", "MY%20CLIP.MP4"} {
		assert.Equal(t, want, h.lookup(t, q), "query %q", q)
	}
}

func TestWorkerRetriesConflictOnceWithDirectLink(t *testing.T) {
	h := newHarness(t, status(http.StatusConflict), ok("application/octet-stream", "data"))

	rec := h.run(t)
	assert.True(t, rec.Succeeded())
	assert.Equal(t, []string{testLink, dropbox.DirectDownloadLink(testLink)}, h.source.Links())
	assert.Contains(t, h.source.Links()[1], "dl=1")
	assert.Equal(t, int32(1), h.ledger.writes.Load())
}

func TestWorkerConflictAfterRetryIsGenericFailure(t *testing.T) {
	h := newHarness(t, status(http.StatusConflict), status(http.StatusConflict), ok("application/octet-stream", "never"))

	rec := h.run(t)
	assert.Equal(t, ledger.ErrSourceFailed, rec.Error)
	assert.Contains(t, rec.Detail, "409")
	assert.Len(t, h.source.Links(), 2)
	assert.Empty(t, h.dest.puts)
	assert.Equal(t, int32(1), h.ledger.writes.Load())
}

func TestWorkerNotFound(t *testing.T) {
	h := newHarness(t, status(http.StatusNotFound), ok("application/octet-stream", "never"))

	rec := h.run(t)
	assert.Equal(t, ledger.Failure(ledger.ErrFileNotFound, ""), rec)
	assert.Len(t, h.source.Links(), 1)
	assert.Equal(t, ledger.ErrFileNotFound, h.lookup(t, "my-clip.mp4").Error)
}

func TestWorkerDetectsDeletedFile(t *testing.T) {
	page := "<html><body><h1>This item was deleted</h1></body></html>"
	h := newHarness(t, ok("text/html; charset=utf-8", page))

	rec := h.run(t)
	assert.Equal(t, ledger.ErrFileDeleted, rec.Error)
	assert.Empty(t, h.dest.puts)
	assert.Equal(t, int32(1), h.ledger.writes.Load())
}

func TestWorkerUploadsOrdinaryHTML(t *testing.T) {
	page := "<html>" + strings.Repeat("x", 5000) + "</html>"
	h := newHarness(t, ok("text/html", page))

	rec := h.run(t)
	assert.True(t, rec.Succeeded())
	assert.Equal(t, page, h.dest.puts["My Clip.mp4"])
}

func TestWorkerOtherSourceErrors(t *testing.T) {
	for name, res := range map[string]fetchResult{
		"server error": status(http.StatusInternalServerError),
		"transport":    {err: errors.New("dial tcp: connection refused")},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, res, ok("application/octet-stream", "never"))
			rec := h.run(t)
			assert.Equal(t, ledger.ErrSourceFailed, rec.Error)
			assert.NotEmpty(t, rec.Detail)
			assert.Len(t, h.source.Links(), 1)
		})
	}
}

func TestWorkerUploadFailure(t *testing.T) {
	h := newHarness(t, ok("application/octet-stream", "data"))
	h.dest.err = errors.New("bunny: http 401: Unauthorized")

	rec := h.run(t)
	assert.Equal(t, ledger.ErrUploadFailed, rec.Error)
	assert.Equal(t, "bunny: http 401: Unauthorized", rec.Detail)
	assert.Equal(t, ledger.ErrUploadFailed, h.lookup(t, "My Clip.mp4").Error)
}

func TestWorkerLaterOutcomeReplacesEarlier(t *testing.T) {
	h := newHarness(t, status(http.StatusNotFound), ok("application/octet-stream", "data"))

	first := h.run(t)
	require.Equal(t, ledger.ErrFileNotFound, first.Error)
	second := h.run(t)
	require.True(t, second.Succeeded())

	for _, q := range []string{"My Clip.mp4", "My-Clip.mp4", "my clip.mp4"} {
		assert.Equal(t, second, h.lookup(t, q))
	}
}

func TestWorkerLedgerFailureIsDropped(t *testing.T) {
	h := newHarness(t, ok("application/octet-stream", "data"))
	h.ledger.err = ledger.ErrPersist

	rec := h.run(t)
	assert.True(t, rec.Succeeded())
	assert.Equal(t, int32(1), h.ledger.writes.Load())
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestWorkerSourceBodyFailsMidStream(t *testing.T) {
	h := newHarness(t, fetchResult{resp: &dropbox.Response{
		StatusCode:    http.StatusOK,
		ContentType:   "application/octet-stream",
		ContentLength: 1 << 20,
		Body:          io.NopCloser(&failingReader{data: []byte("partial"), err: errors.New("connection reset by peer")}),
	}})

	rec := h.run(t)
	assert.Equal(t, ledger.ErrUploadFailed, rec.Error)
	assert.Contains(t, rec.Detail, "connection reset by peer")
	assert.Empty(t, h.dest.puts)
	assert.Equal(t, int32(1), h.ledger.writes.Load())
	assert.Equal(t, ledger.ErrUploadFailed, h.lookup(t, "My Clip.mp4").Error)
}

func TestWorkerCancelledBeforeStartStillRecords(t *testing.T) {
	h := newHarness(t, ok("application/octet-stream", "never"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := h.worker.Run(ctx, Request{ID: "req-2", SourceLink: testLink, Filename: "queued.mp4"})
	assert.Equal(t, ledger.ErrSourceFailed, rec.Error)
	assert.Contains(t, rec.Detail, "context canceled")
	assert.Empty(t, h.source.Links())
	assert.Equal(t, int32(1), h.ledger.writes.Load())
	assert.Equal(t, ledger.ErrSourceFailed, h.lookup(t, "queued.mp4").Error)
}

type panickingDest struct{}

func (panickingDest) Put(context.Context, string, io.Reader, int64) (int64, error) {
	panic("nil storage handle")
}

func TestWorkerPanicStillRecords(t *testing.T) {
	h := newHarness(t, ok("application/octet-stream", "data"))
	h.worker = NewWorker(h.source, panickingDest{}, h.ledger, testPrefix, nil, nil)

	rec := h.run(t)
	assert.Equal(t, ledger.ErrSourceFailed, rec.Error)
	assert.Contains(t, rec.Detail, "nil storage handle")
	assert.Equal(t, int32(1), h.ledger.writes.Load())
}

// orderLedger captures the finished-transfer count at the moment of the write.
type orderLedger struct {
	ledger.Ledger
	m           *metrics.Metrics
	seenAtWrite float64
}

func (o *orderLedger) Record(ctx context.Context, filename string, rec ledger.Record) error {
	o.seenAtWrite = testutil.ToFloat64(o.m.Transfers.WithLabelValues("success"))
	return o.Ledger.Record(ctx, filename, rec)
}

func TestWorkerObservesAfterLedgerWrite(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	l := &orderLedger{Ledger: ledger.NewFileLedger(filepath.Join(t.TempDir(), "bunny_status.json"), nil), m: m}
	w := NewWorker(&fakeSource{results: []fetchResult{ok("video/mp4", "data")}}, &fakeDest{}, l, testPrefix, nil, m)

	rec := w.Run(context.Background(), Request{ID: "req-1", SourceLink: testLink, Filename: "My Clip.mp4"})
	require.True(t, rec.Succeeded())

	assert.Equal(t, 0.0, l.seenAtWrite)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transfers.WithLabelValues("success")))
}

func TestDetailTruncates(t *testing.T) {
	assert.Len(t, detail(errors.New(strings.Repeat("e", 4000))), maxDetailLen)
	assert.Equal(t, "", detail(nil))
}
