package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"x402-engine/internal/observability"
)

var (
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolClosed     = errors.New("worker pool is shutting down")
)

// Result is reported for every processed message.
type Result struct {
	Message Message
	Err     error
}

type PoolConfig struct {
	NumWorkers   int
	QueueSize    int
	DrainTimeout time.Duration
	// OnResult runs on the worker goroutine after each message.
	OnResult func(Result)
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:   10,
		QueueSize:    100,
		DrainTimeout: 30 * time.Second,
	}
}

// Pool fans messages out to a fixed number of workers.
type Pool struct {
	cfg       PoolConfig
	processor MessageProcessor
	logger    *observability.Logger

	queue chan Message
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewPool(cfg PoolConfig, processor MessageProcessor, logger *observability.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = def.NumWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &Pool{
		cfg:       cfg,
		processor: processor,
		logger:    logger,
		queue:     make(chan Message, cfg.QueueSize),
	}
}

// Start launches the workers. Workers finish their current message even
// after ctx is cancelled; they exit once Drain closes the queue.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.closed {
		return ErrPoolClosed
	}
	p.started = true

	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(context.WithoutCancel(ctx), i)
	}
	p.logger.Info(ctx, fmt.Sprintf("started %d workers for %s", p.cfg.NumWorkers, p.processor.Name()))
	return nil
}

// Submit queues msg, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, msg Message) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops intake and waits up to the drain timeout for queued messages.
// Callers must not Submit concurrently with Drain.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn(ctx, fmt.Sprintf("drain timeout exceeded for %s; %d messages left unprocessed", p.processor.Name(), len(p.queue)))
		return fmt.Errorf("drain timeout exceeded")
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "worker_id", Value: id},
		observability.Field{Key: "processor", Value: p.processor.Name()},
	)

	for msg := range p.queue {
		msgCtx := observability.WithFields(ctx,
			observability.Field{Key: "partition", Value: msg.Partition},
			observability.Field{Key: "offset", Value: msg.Offset},
		)
		err := p.processor.Process(msgCtx, msg)
		if err != nil {
			p.logger.Error(msgCtx, "failed to process message", err)
		}
		if p.cfg.OnResult != nil {
			p.cfg.OnResult(Result{Message: msg, Err: err})
		}
	}
}
