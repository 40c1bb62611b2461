package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLedger(t *testing.T) *FileLedger {
	t.Helper()
	return NewFileLedger(filepath.Join(t.TempDir(), "state", "bunny_status.json"), nil)
}

func TestFileLedgerLoadMissing(t *testing.T) {
	l := newTestFileLedger(t)
	data, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFileLedgerLoadMalformed(t *testing.T) {
	l := newTestFileLedger(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
	require.NoError(t, os.WriteFile(l.Path(), []byte("{not json"), 0o644))

	data, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, data)

	_, ok, err := l.Lookup(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileLedgerRecordAndLookup(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLedger(t)
	url := "https://cdn.example/Team%20Photo-2024.JPG"

	require.NoError(t, l.Record(ctx, "Team Photo-2024.JPG", Success(url)))

	for _, q := range []string{
		"Team Photo-2024.JPG",
		"Team Photo 2024.JPG",
		"Team-Photo-2024.JPG",
		"team photo-2024.jpg",
		"TEAM PHOTO-2024.JPG",
		"Team%20Photo-2024.JPG",
	} {
		rec, ok, err := l.Lookup(ctx, q)
		require.NoError(t, err)
		require.True(t, ok, "query %q", q)
		assert.Equal(t, url, rec.CDNURL)
	}

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	var onDisk map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, map[string]string{"cdn_url": url}, onDisk["team photo-2024.jpg"])
}

func TestFileLedgerLatestOutcomeWins(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLedger(t)

	require.NoError(t, l.Record(ctx, "a-b.mp4", Failure(ErrFileNotFound, "")))
	require.NoError(t, l.Record(ctx, "a-b.mp4", Success("https://cdn.example/a-b.mp4")))

	data, err := l.Load(ctx)
	require.NoError(t, err)
	for _, k := range []string{"a-b.mp4", "a b.mp4"} {
		assert.Equal(t, Success("https://cdn.example/a-b.mp4"), data[k], "key %q", k)
	}

	require.NoError(t, l.Record(ctx, "a-b.mp4", Failure(ErrFileDeleted, "")))
	data, err = l.Load(ctx)
	require.NoError(t, err)
	for _, k := range []string{"a-b.mp4", "a b.mp4"} {
		assert.Equal(t, Failure(ErrFileDeleted, ""), data[k], "key %q", k)
	}
}

func TestFileLedgerKeepsUnrelatedKeys(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLedger(t)

	require.NoError(t, l.Record(ctx, "one.mp4", Success("https://cdn.example/one.mp4")))
	require.NoError(t, l.Record(ctx, "two.mp4", Failure(ErrUploadFailed, "status 500")))

	data, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/one.mp4", data["one.mp4"].CDNURL)
	assert.Equal(t, ErrUploadFailed, data["two.mp4"].Error)
}

func TestFileLedgerRejectsInvalidRecord(t *testing.T) {
	l := newTestFileLedger(t)
	err := l.Record(context.Background(), "x.mp4", Record{})
	require.Error(t, err)
	_, statErr := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileLedgerConcurrentWritersKeepAllKeys(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%02d.mp4", i)
			assert.NoError(t, l.Record(ctx, name, Success("https://cdn.example/"+name)))
		}(i)
	}
	wg.Wait()

	// A second ledger on the same path goes through the file lock.
	other := NewFileLedger(l.Path(), nil)
	require.NoError(t, other.Record(ctx, "late.mp4", Success("https://cdn.example/late.mp4")))

	data, err := l.Load(ctx)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("file-%02d.mp4", i)
		assert.Equal(t, "https://cdn.example/"+name, data[name].CDNURL)
	}
	assert.Contains(t, data, "late.mp4")
}
