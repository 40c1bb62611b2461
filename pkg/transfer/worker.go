// Package transfer moves one shared-link file into the destination store
// and records the outcome in the ledger.
package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/imalyk/bunny-relay/pkg/bunny"
	"github.com/imalyk/bunny-relay/pkg/dropbox"
	"github.com/imalyk/bunny-relay/pkg/ledger"
	"github.com/imalyk/bunny-relay/pkg/metrics"
)

const (
	maxAttempts    = 2
	sniffLen       = 1000
	maxDetailLen   = 1024
	ledgerTimeout  = 30 * time.Second
	outcomeSuccess = "success"
)

var deletedMarker = []byte("This item was deleted")

type Fetcher interface {
	Fetch(ctx context.Context, link string) (*dropbox.Response, error)
}

type Destination interface {
	Put(ctx context.Context, name string, body io.Reader, size int64) (int64, error)
}

// Request is one transfer, discarded once the worker finishes.
type Request struct {
	ID         string `json:"request_id"`
	SourceLink string `json:"source_link"`
	Filename   string `json:"filename"`
}

type Worker struct {
	source    Fetcher
	dest      Destination
	ledger    ledger.Ledger
	cdnPrefix string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewWorker(source Fetcher, dest Destination, l ledger.Ledger, cdnPrefix string, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		source:    source,
		dest:      dest,
		ledger:    l,
		cdnPrefix: cdnPrefix,
		logger:    logger,
		metrics:   m,
	}
}

// Run performs the transfer and writes exactly one ledger record for it.
// The record is returned for logging and tests; callers have no other
// channel for the outcome.
func (w *Worker) Run(ctx context.Context, req Request) ledger.Record {
	start := time.Now()
	logger := w.logger.With("request_id", req.ID, "filename", req.Filename)

	var rec ledger.Record
	if err := ctx.Err(); err != nil {
		rec = ledger.Failure(ledger.ErrSourceFailed, "cancelled before start: "+err.Error())
	} else {
		rec = w.safeTransfer(ctx, req, logger)
	}

	outcome := outcomeSuccess
	if !rec.Succeeded() {
		outcome = string(rec.Error)
		logger.Error("transfer failed", "error_kind", rec.Error, "detail", rec.Detail)
	} else {
		logger.Info("transfer completed", "cdn_url", rec.CDNURL, "elapsed", time.Since(start))
	}

	// The outcome must land even when the caller is shutting down.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := w.ledger.Record(lctx, req.Filename, rec); err != nil {
		w.metrics.LedgerError()
		logger.Error("failed to record transfer outcome", "error", err)
	}
	w.metrics.ObserveTransfer(outcome, time.Since(start))
	return rec
}

// safeTransfer turns a panic in a collaborator into a failure record so the
// ledger write still happens.
func (w *Worker) safeTransfer(ctx context.Context, req Request, logger *slog.Logger) (rec ledger.Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer panicked", "panic", fmt.Sprint(r))
			rec = ledger.Failure(ledger.ErrSourceFailed, detail(fmt.Errorf("panic: %v", r)))
		}
	}()
	return w.transfer(ctx, req, logger)
}

func (w *Worker) transfer(ctx context.Context, req Request, logger *slog.Logger) ledger.Record {
	resp, failure, ok := w.fetch(ctx, req, logger)
	if !ok {
		return failure
	}
	defer resp.Body.Close()

	logger.Info("uploading to destination", "content_length", resp.ContentLength)
	n, err := w.dest.Put(ctx, req.Filename, resp.Body, resp.ContentLength)
	w.metrics.AddBytes(n)
	if err != nil {
		return ledger.Failure(ledger.ErrUploadFailed, detail(err))
	}

	return ledger.Success(bunny.PublicURL(w.cdnPrefix, req.Filename))
}

// fetch downloads the source, retrying once with a direct-download link
// when the source answers 409. Any other failure is final.
func (w *Worker) fetch(ctx context.Context, req Request, logger *slog.Logger) (*dropbox.Response, ledger.Record, bool) {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		link := req.SourceLink
		if attempt > 0 {
			link = dropbox.DirectDownloadLink(link)
		}

		logger.Info("downloading from source", "attempt", attempt+1)
		var resp *dropbox.Response
		resp, err = w.source.Fetch(ctx, link)
		if err == nil {
			return w.inspect(resp, logger)
		}

		switch {
		case dropbox.HasStatus(err, http.StatusConflict) && attempt == 0:
			w.metrics.Retry()
			logger.Warn("source conflict, retrying with direct-download link", "error", err)
			continue
		case dropbox.HasStatus(err, http.StatusNotFound):
			return nil, ledger.Failure(ledger.ErrFileNotFound, ""), false
		}
		break
	}
	return nil, ledger.Failure(ledger.ErrSourceFailed, detail(err)), false
}

// inspect catches the HTML page Dropbox serves in place of a deleted file.
func (w *Worker) inspect(resp *dropbox.Response, logger *slog.Logger) (*dropbox.Response, ledger.Record, bool) {
	if !strings.Contains(strings.ToLower(resp.ContentType), "text/html") {
		return resp, ledger.Record{}, true
	}

	br := bufio.NewReaderSize(resp.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		resp.Body.Close()
		return nil, ledger.Failure(ledger.ErrSourceFailed, detail(err)), false
	}
	if bytes.Contains(head, deletedMarker) {
		resp.Body.Close()
		logger.Warn("source file was deleted")
		return nil, ledger.Failure(ledger.ErrFileDeleted, ""), false
	}

	resp.Body = struct {
		io.Reader
		io.Closer
	}{br, resp.Body}
	return resp, ledger.Record{}, true
}

func detail(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxDetailLen {
		msg = msg[:maxDetailLen]
	}
	return msg
}
