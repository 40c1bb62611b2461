// Package ledger stores the outcome of each transfer under every key a
// later status query might spell the filename with.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/imalyk/bunny-relay/pkg/keys"
)

type ErrorKind string

const (
	ErrFileNotFound ErrorKind = "file_not_found"
	ErrFileDeleted  ErrorKind = "file_deleted"
	ErrSourceFailed ErrorKind = "source_error"
	ErrUploadFailed ErrorKind = "upload_error"
)

func (k ErrorKind) Valid() bool {
	switch k {
	case ErrFileNotFound, ErrFileDeleted, ErrSourceFailed, ErrUploadFailed:
		return true
	default:
		return false
	}
}

// ErrPersist wraps any failure to write the backing store.
var ErrPersist = errors.New("ledger persist failed")

// Record is the outcome of one transfer. Exactly one of CDNURL and Error is set.
type Record struct {
	CDNURL string    `json:"cdn_url,omitempty"`
	Error  ErrorKind `json:"error,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

func Success(cdnURL string) Record {
	return Record{CDNURL: cdnURL}
}

func Failure(kind ErrorKind, detail string) Record {
	return Record{Error: kind, Detail: detail}
}

func (r Record) Succeeded() bool {
	return r.CDNURL != ""
}

// Validate enforces that a record carries either a URL or an error kind, never both.
func (r Record) Validate() error {
	switch {
	case r.CDNURL != "" && r.Error != "":
		return errors.New("record has both cdn_url and error")
	case r.CDNURL == "" && r.Error == "":
		return errors.New("record has neither cdn_url nor error")
	case r.Error != "" && !r.Error.Valid():
		return fmt.Errorf("unknown error kind %q", r.Error)
	}
	return nil
}

// Ledger is the shared outcome store.
type Ledger interface {
	Load(ctx context.Context) (map[string]Record, error)
	Record(ctx context.Context, filename string, rec Record) error
	Lookup(ctx context.Context, rawQuery string) (Record, bool, error)
}

// DecodeQuery turns a raw, possibly percent or plus encoded filename into
// the trimmed basename it refers to.
func DecodeQuery(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		if decoded, err = url.PathUnescape(raw); err != nil {
			decoded = raw
		}
	}
	if i := strings.LastIndexByte(decoded, '/'); i >= 0 {
		decoded = decoded[i+1:]
	}
	return strings.TrimSpace(decoded)
}

// Resolve finds the record a raw query refers to. Candidate keys stored
// verbatim win; otherwise every stored key is canonicalized before
// comparison, and where several fold to the same canonical form the entry
// stored under the canonical key itself wins.
func Resolve(data map[string]Record, rawQuery string) (Record, bool) {
	name := DecodeQuery(rawQuery)
	if name == "" || len(data) == 0 {
		return Record{}, false
	}

	candidates := keys.KeySet(name)
	// A key stored verbatim always holds the latest write for that spelling.
	for _, candidate := range candidates {
		if rec, ok := data[candidate]; ok {
			return rec, true
		}
	}

	stored := make([]string, 0, len(data))
	for k := range data {
		stored = append(stored, k)
	}
	sort.Strings(stored)

	folded := make(map[string]Record, len(data))
	for _, k := range stored {
		c := keys.Canon(k)
		if _, seen := folded[c]; !seen || k == c {
			folded[c] = data[k]
		}
	}

	for _, candidate := range candidates {
		if rec, ok := folded[keys.Canon(candidate)]; ok {
			return rec, true
		}
	}
	return Record{}, false
}

// assign writes rec under every key derived from filename.
func assign(data map[string]Record, filename string, rec Record) {
	for _, k := range keys.KeySet(filename) {
		data[k] = rec
	}
}
