// Package audit persists calculation records without blocking the request
// path. A bounded queue feeds a worker pool that writes to the audit store;
// when the queue is full or the store is unreachable, records land in
// JSON-lines spill files that a replay pass reconciles later. The store
// treats duplicate audit ids as no-ops, so delivery is at-least-once.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// Store is the audit sink. AppendAudit must swallow duplicate audit ids
// for redelivery and spill replay to stay idempotent.
type Store interface {
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Pipeline is the asynchronous audit writer.
type Pipeline struct {
	store Store
	spill *Spill
	queue chan domain.AuditRecord

	enqueueBlock  time.Duration
	insertTimeout time.Duration
	retryMax      int
	retryBackoff  time.Duration

	metrics *metrics.Registry
	log     zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

// NewPipeline builds the pipeline and starts cfg.Workers consumers.
// Zero workers means nothing drains the queue until Stop spills it,
// which only test fixtures want.
func NewPipeline(cfg config.Audit, st Store, clk clock.Clock, m *metrics.Registry, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		store:         st,
		spill:         NewSpill(cfg.SpillDir, clk),
		queue:         make(chan domain.AuditRecord, cfg.QueueSize),
		enqueueBlock:  cfg.EnqueueBlock(),
		insertTimeout: cfg.InsertTimeout(),
		retryMax:      cfg.RetryMax,
		retryBackoff:  cfg.RetryBackoff(),
		metrics:       m,
		log:           logger.With().Str("component", "audit").Logger(),
		done:          make(chan struct{}),
	}
	if p.enqueueBlock <= 0 {
		p.enqueueBlock = 50 * time.Millisecond
	}
	if p.insertTimeout <= 0 {
		p.insertTimeout = 2 * time.Second
	}

	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue hands rec to the pipeline. It never fails the calling request:
// if the queue stays full past the block window, or the pipeline is
// stopping, the record goes to the spill file instead.
func (p *Pipeline) Enqueue(rec domain.AuditRecord) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	select {
	case <-p.done:
		p.toSpill(rec, "shutdown")
		return
	default:
	}

	timer := time.NewTimer(p.enqueueBlock)
	defer timer.Stop()

	select {
	case p.queue <- rec:
		p.countEnqueued("queue")
		p.depth(1)
	case <-timer.C:
		p.toSpill(rec, "queue_full")
	case <-p.done:
		p.toSpill(rec, "shutdown")
	}
}

// Stop halts the workers and spills everything still queued. Callers
// should drain the HTTP server first so no Enqueue races the shutdown.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })

	idle := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.inflight.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-ctx.Done():
		p.log.Warn().Msg("Audit shutdown budget exhausted with workers still busy")
		return ctx.Err()
	}

	for {
		select {
		case rec := <-p.queue:
			p.depth(-1)
			p.toSpill(rec, "shutdown")
		default:
			return nil
		}
	}
}

func (p *Pipeline) worker() {
	defer p.workers.Done()
	for {
		select {
		case rec := <-p.queue:
			p.depth(-1)
			p.persist(rec)
		case <-p.done:
			return
		}
	}
}

// persist tries the store, retries with doubling backoff, then spills.
// Shutdown interrupts the backoff wait, never an in-flight insert.
func (p *Pipeline) persist(rec domain.AuditRecord) {
	backoff := p.retryBackoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.insertTimeout)
		err := p.store.AppendAudit(ctx, rec)
		cancel()
		if err == nil {
			p.countInsert("ok")
			return
		}

		if attempt >= p.retryMax {
			p.countInsert("abandoned")
			p.log.Warn().Err(err).Str("audit_id", rec.AuditID).
				Int("attempts", attempt+1).Msg("Audit insert abandoned, spilling")
			p.toSpill(rec, "insert_failed")
			return
		}
		p.countInsert("retry")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-p.done:
			timer.Stop()
			p.toSpill(rec, "shutdown")
			return
		}
		backoff *= 2
	}
}

// toSpill is the end of the line before data loss: a record that cannot
// be appended to the spill file is gone, and that is logged at error.
func (p *Pipeline) toSpill(rec domain.AuditRecord, reason string) {
	if err := p.spill.Append(rec); err != nil {
		p.countInsert("lost")
		p.log.Error().Err(err).Str("audit_id", rec.AuditID).
			Str("reason", reason).Msg("Audit record lost")
		return
	}
	p.countEnqueued("spill")
	p.log.Debug().Str("audit_id", rec.AuditID).Str("reason", reason).
		Msg("Audit record spilled")
}

func (p *Pipeline) countEnqueued(path string) {
	if p.metrics != nil {
		p.metrics.AuditEnqueued.WithLabelValues(path).Inc()
	}
}

func (p *Pipeline) countInsert(outcome string) {
	if p.metrics != nil {
		p.metrics.AuditInserts.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) depth(delta float64) {
	if p.metrics != nil {
		p.metrics.AuditQueueDepth.Add(delta)
	}
}
