package dropbox

import (
	"io"
	"sync"
	"time"
)

// idleReader cancels the underlying request when no read completes within
// timeout, so a stalled remote cannot hold a worker forever.
type idleReader struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  func()
	once    sync.Once
}

func newIdleReader(body io.ReadCloser, timeout time.Duration, cancel func()) *idleReader {
	return &idleReader{
		body:    body,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, cancel),
		cancel:  cancel,
	}
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) Close() error {
	var err error
	r.once.Do(func() {
		r.timer.Stop()
		err = r.body.Close()
		r.cancel()
	})
	return err
}
