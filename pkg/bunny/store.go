// Package bunny uploads objects to a BunnyCDN storage zone.
package bunny

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultStorageBase = "https://storage.bunnycdn.com"

	// ChunkSize is the unit the body is streamed to the storage API in.
	ChunkSize = 1 << 20

	defaultTimeout = 30 * time.Minute
	errorBodyLimit = 4 << 10
)

type Config struct {
	StorageBase string
	Zone        string
	AccessKey   string

	// Timeout caps one whole upload.
	Timeout time.Duration

	HTTPClient *http.Client
}

type UploadError struct {
	Code int
	Body string
}

func (e *UploadError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bunny: http %d", e.Code)
	}
	return fmt.Sprintf("bunny: http %d: %s", e.Code, e.Body)
}

type Store struct {
	base      string
	zone      string
	accessKey string
	timeout   time.Duration
	http      *http.Client
}

func New(cfg Config) *Store {
	if cfg.StorageBase == "" {
		cfg.StorageBase = DefaultStorageBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Store{
		base:      strings.TrimRight(cfg.StorageBase, "/"),
		zone:      strings.Trim(cfg.Zone, "/"),
		accessKey: cfg.AccessKey,
		timeout:   cfg.Timeout,
		http:      cfg.HTTPClient,
	}
}

// ObjectURL is <storage-base>/<zone>/<escaped-name>.
func (s *Store) ObjectURL(name string) string {
	return s.base + "/" + s.zone + "/" + EscapeName(name)
}

// Put streams body to the zone under name in ChunkSize pieces. size may be
// -1 when unknown. It returns the number of bytes sent.
func (s *Store) Put(ctx context.Context, name string, body io.Reader, size int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	copied := make(chan int64, 1)
	go func() {
		n, err := io.CopyBuffer(pw, onlyReader{body}, make([]byte, ChunkSize))
		copied <- n
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.ObjectURL(name), pr)
	if err != nil {
		pr.CloseWithError(err)
		return <-copied, err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("AccessKey", s.accessKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.http.Do(req)
	// Unblocks the copier if the transport gave up before draining the pipe.
	pr.CloseWithError(io.ErrClosedPipe)
	n := <-copied
	if err != nil {
		return n, fmt.Errorf("bunny put %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return n, &UploadError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return n, nil
}

// onlyReader hides WriterTo/ReaderFrom so CopyBuffer really uses the buffer.
type onlyReader struct {
	io.Reader
}

// PublicURL joins the CDN prefix with the percent-encoded name.
func PublicURL(prefix, name string) string {
	return strings.TrimRight(prefix, "/") + "/" + EscapeName(name)
}

// EscapeName percent-encodes everything but unreserved characters and '/'.
func EscapeName(name string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isUnreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
