package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/imalyk/bunny-relay/pkg/dropbox"
	"github.com/imalyk/bunny-relay/pkg/job"
	"github.com/imalyk/bunny-relay/pkg/ledger"
	"github.com/imalyk/bunny-relay/pkg/queue"
	"github.com/imalyk/bunny-relay/pkg/transfer"
)

const maxRequestBody = 64 << 10

type dispatcher interface {
	Dispatch(ctx context.Context, req transfer.Request) error
}

type poolDispatcher struct {
	pool *transfer.Pool
}

func (d poolDispatcher) Dispatch(_ context.Context, req transfer.Request) error {
	return d.pool.Submit(req)
}

type queueDispatcher struct {
	queue *queue.Redis
}

func (d queueDispatcher) Dispatch(ctx context.Context, req transfer.Request) error {
	return d.queue.Enqueue(ctx, job.Message{
		JobID:      req.ID,
		SourceLink: req.SourceLink,
		Filename:   req.Filename,
		EnqueuedAt: time.Now().UTC(),
	})
}

type uploadRequest struct {
	SharedLink string `json:"shared_link" validate:"required,url"`
	Filename   string `json:"filename" validate:"omitempty,max=255"`
}

type server struct {
	dispatcher dispatcher
	ledger     ledger.Ledger
	validate   *validator.Validate
	logger     *slog.Logger
	metrics    http.Handler
}

func newServer(d dispatcher, l ledger.Ledger, logger *slog.Logger, metrics http.Handler) *server {
	return &server{
		dispatcher: d,
		ledger:     l,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
		metrics:    metrics,
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	// Keep %2F and friends intact so the status lookup sees the raw name.
	r.UseEncodedPath()

	r.HandleFunc("/upload", s.uploadHandler).Methods(http.MethodPost)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/status/{filename}", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

func (s *server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.SharedLink = strings.TrimSpace(req.SharedLink)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "shared_link must be a valid URL")
		return
	}

	filename := baseName(req.Filename)
	if filename == "" {
		filename = baseName(dropbox.FilenameFromLink(req.SharedLink))
	}
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename could not be derived from shared_link")
		return
	}

	treq := transfer.Request{
		ID:         uuid.New().String(),
		SourceLink: req.SharedLink,
		Filename:   filename,
	}
	if err := s.dispatcher.Dispatch(r.Context(), treq); err != nil {
		if errors.Is(err, transfer.ErrQueueFull) || errors.Is(err, queue.ErrQueueFull) || errors.Is(err, transfer.ErrPoolClosed) {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, "too many transfers in progress")
			return
		}
		s.logger.Error("failed to dispatch transfer", "request_id", treq.ID, "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start transfer")
		return
	}

	s.logger.Info("transfer accepted", "request_id", treq.ID, "filename", filename)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     string(job.StatusAccepted),
		"filename":   filename,
		"request_id": treq.ID,
	})
}

func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	raw, ok := mux.Vars(r)["filename"]
	if !ok {
		raw = rawQueryParam(r, "filename")
	}
	if strings.TrimSpace(ledger.DecodeQuery(raw)) == "" {
		writeError(w, http.StatusBadRequest, "filename required")
		return
	}

	rec, found, err := s.ledger.Lookup(r.Context(), raw)
	if err != nil {
		s.logger.Error("status lookup failed", "filename", raw, "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}

	switch {
	case !found:
		writeJSON(w, http.StatusNotFound, map[string]string{"status": string(job.StatusNotFound)})
	case rec.Succeeded():
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  string(job.StatusCompleted),
			"cdn_url": rec.CDNURL,
		})
	default:
		body := map[string]string{
			"status": string(job.StatusFailed),
			"error":  string(rec.Error),
		}
		if rec.Detail != "" {
			body["detail"] = rec.Detail
		}
		writeJSON(w, http.StatusNotFound, body)
	}
}

// rawQueryParam returns the still-encoded value of key so that the ledger
// applies its own decoding exactly once.
func rawQueryParam(r *http.Request, key string) string {
	for _, pair := range strings.Split(r.URL.RawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k == key {
			return v
		}
	}
	return ""
}

func baseName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
