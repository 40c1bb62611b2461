package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/imalyk/bunny-relay/pkg/ledger"
	"github.com/imalyk/bunny-relay/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull  = errors.New("transfer queue is full")
	ErrPoolClosed = errors.New("transfer pool is closed")
)

// Runner executes one transfer to completion.
type Runner interface {
	Run(ctx context.Context, req Request) ledger.Record
}

// Pool runs transfers on a fixed number of goroutines fed by a bounded
// queue. Submit never blocks; a full queue is reported to the caller.
type Pool struct {
	runner  Runner
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue  chan Request
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewPool(runner Runner, workers, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		runner:  runner,
		logger:  logger,
		metrics: m,
		queue:   make(chan Request, queueSize),
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		group.Go(p.work)
	}
	return p
}

func (p *Pool) Submit(req Request) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- req:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued transfers to finish. When ctx
// expires first, running transfers are cancelled and ctx's error returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work() error {
	for req := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		// After a shutdown deadline the runner sees a cancelled context and
		// records the transfer as failed instead of starting it.
		p.run(req)
	}
	return nil
}

func (p *Pool) run(req Request) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("transfer panicked", "request_id", req.ID, "filename", req.Filename, "panic", fmt.Sprint(r))
		}
	}()
	p.runner.Run(p.ctx, req)
}
