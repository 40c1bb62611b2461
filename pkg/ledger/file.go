package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 25 * time.Millisecond

// FileLedger keeps the ledger in a single JSON file. Writes are serialized
// by an in-process mutex plus an advisory lock on <path>.lock, so several
// processes may share one file.
type FileLedger struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	lock *flock.Flock
}

func NewFileLedger(path string, logger *slog.Logger) *FileLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLedger{
		path:   path,
		logger: logger,
		lock:   flock.New(path + ".lock"),
	}
}

func (l *FileLedger) Path() string {
	return l.path
}

// Load returns the persisted mapping. A missing or unparsable file reads as empty.
func (l *FileLedger) Load(_ context.Context) (map[string]Record, error) {
	return l.read()
}

// Record stores rec under every key derived from filename, keeping all
// unrelated keys, and returns once the file is on stable storage.
func (l *FileLedger) Record(ctx context.Context, filename string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	locked, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("%w: lock %s: %w", ErrPersist, l.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: lock %s not acquired", ErrPersist, l.lock.Path())
	}
	defer func() {
		if err := l.lock.Unlock(); err != nil {
			l.logger.Warn("ledger unlock failed", "path", l.lock.Path(), "error", err)
		}
	}()

	data, err := l.read()
	if err != nil {
		return fmt.Errorf("%w: read: %w", ErrPersist, err)
	}
	assign(data, filename, rec)
	return l.write(data)
}

func (l *FileLedger) Lookup(ctx context.Context, rawQuery string) (Record, bool, error) {
	data, err := l.Load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := Resolve(data, rawQuery)
	return rec, ok, nil
}

func (l *FileLedger) read() (map[string]Record, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, err
	}

	data := map[string]Record{}
	if err := json.Unmarshal(raw, &data); err != nil {
		l.logger.Warn("ledger file unreadable, treating as empty", "path", l.path, "error", err)
		return map[string]Record{}, nil
	}
	if data == nil {
		data = map[string]Record{}
	}
	return data, nil
}

// write replaces the file atomically: temp file, fsync, rename, fsync dir.
func (l *FileLedger) write(data map[string]Record) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPersist, err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %w", ErrPersist, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrPersist, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %w", ErrPersist, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync: %w", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrPersist, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("%w: chmod: %w", ErrPersist, err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("%w: rename: %w", ErrPersist, err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
