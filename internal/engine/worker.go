package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tripforge/booking-core/pkg/logger"
)

// Pool runs sagas on a bounded set of workers. Each worker services one
// booking at a time; the store lease keeps instances from colliding.
type Pool struct {
	engine  *Engine
	log     *logger.Logger
	queue   chan string
	workers int
	wg      sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(engine *Engine, workers int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = logger.Get()
	}
	return &Pool{
		engine:  engine,
		log:     log,
		queue:   make(chan string, workers*4),
		workers: workers,
	}
}

// Submit queues a booking for processing. Returns false if the queue is
// full; the recovery loop will pick the booking up instead.
func (p *Pool) Submit(bookingID string) bool {
	select {
	case p.queue <- bookingID:
		return true
	default:
		return false
	}
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until all workers have drained after context cancellation
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		case bookingID := <-p.queue:
			if err := p.engine.Run(ctx, bookingID); err != nil {
				if errors.Is(err, ErrAbandoned) {
					log.Info("booking abandoned to another owner", zap.String("booking_id", bookingID))
					continue
				}
				log.Error("saga run failed", zap.String("booking_id", bookingID), zap.Error(err))
			}
		}
	}
}

// RecoveryLoop periodically scans for stranded sagas and feeds them back
// into the pool. This is how crashed instances' work is resumed.
type RecoveryLoop struct {
	engine   *Engine
	pool     *Pool
	log      *logger.Logger
	interval time.Duration
	batch    int
}

// NewRecoveryLoop creates a recovery loop
func NewRecoveryLoop(engine *Engine, pool *Pool, log *logger.Logger, interval time.Duration) *RecoveryLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.Get()
	}
	return &RecoveryLoop{
		engine:   engine,
		pool:     pool,
		log:      log,
		interval: interval,
		batch:    100,
	}
}

// Run scans until the context is cancelled. One pass runs immediately on
// startup so bookings stranded by the previous process resume promptly.
func (r *RecoveryLoop) Run(ctx context.Context) {
	r.scan(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *RecoveryLoop) scan(ctx context.Context) {
	ids, err := r.engine.store.ScanStranded(ctx, time.Now(), r.batch)
	if err != nil {
		r.log.Warn("stranded scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if !r.pool.Submit(id) {
			// queue full, the next pass retries
			return
		}
		r.log.Info("stranded booking resubmitted", zap.String("booking_id", id))
	}
}
