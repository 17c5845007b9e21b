// Package export runs folder archiving jobs on a bounded set of workers.
//
// Each admitted export gets its own ring (see ringpipe): the worker
// goroutine owns the producer and runs the archiver against it, the caller
// gets the consumer back immediately and streams it wherever it likes.
// Backpressure from the ring throttles the worker to the reader's pace.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"whatcloud/internal/archive"
	"whatcloud/internal/metrics"
	"whatcloud/internal/ringpipe"
)

const (
	DefaultMaxWorkers = 4
	DefaultBufferSize = 4096
)

var (
	// ErrRejectedTemporarily means no worker slot was obtained. Retrying
	// later may succeed.
	ErrRejectedTemporarily = errors.New("export: rejected, all workers busy")
	// ErrStartFailed means the export could not be started at all.
	ErrStartFailed = errors.New("export: start failed")
	ErrPoolClosed  = errors.New("export: pool closed")
)

type Options struct {
	// MaxWorkers caps concurrently running exports. Default 4.
	MaxWorkers int
	// BufferSize is the ring capacity per export in bytes. Default 4096.
	BufferSize int
	// Archiver produces the stream. Default archive.Zip{}.
	Archiver archive.Archiver

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

type Pool struct {
	max      int
	bufSize  int
	archiver archive.Archiver
	logger   *zap.Logger
	metrics  *metrics.Collector

	sem    *semaphore.Weighted
	active atomic.Int64
	nextID atomic.Uint64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(opts Options) *Pool {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Archiver == nil {
		opts.Archiver = archive.Zip{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		max:      opts.MaxWorkers,
		bufSize:  opts.BufferSize,
		archiver: opts.Archiver,
		logger:   opts.Logger.With(zap.String("component", "export")),
		metrics:  opts.Metrics,
		sem:      semaphore.NewWeighted(int64(opts.MaxWorkers)),
	}
}

// Start exports dir, waiting as long as needed for a free worker slot.
// The wait ends early only when ctx does, in which case the error wraps
// both ErrRejectedTemporarily and ctx.Err().
//
// The returned consumer yields the archive bytes. If the worker fails
// midway, the consumer reads the worker's error after the bytes produced
// so far; closing the consumer early stops the worker.
func (p *Pool) Start(ctx context.Context, dir string) (*ringpipe.Consumer, error) {
	if p.isClosed() {
		return nil, p.startFailed(ErrPoolClosed)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.metrics.ExportNotStarted(metrics.ResultRejected)
		return nil, fmt.Errorf("%w: %w", ErrRejectedTemporarily, err)
	}
	return p.launch(dir)
}

// TryStart is Start without waiting: a full pool yields ErrRejectedTemporarily.
func (p *Pool) TryStart(dir string) (*ringpipe.Consumer, error) {
	if p.isClosed() {
		return nil, p.startFailed(ErrPoolClosed)
	}
	if !p.sem.TryAcquire(1) {
		p.metrics.ExportNotStarted(metrics.ResultRejected)
		return nil, ErrRejectedTemporarily
	}
	return p.launch(dir)
}

// launch runs with one semaphore slot held and gives it back on failure.
func (p *Pool) launch(dir string) (*ringpipe.Consumer, error) {
	st, err := os.Stat(dir)
	if err == nil && !st.IsDir() {
		err = fmt.Errorf("%w: %s", archive.ErrNotDir, dir)
	}
	if err != nil {
		p.sem.Release(1)
		return nil, p.startFailed(err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, p.startFailed(ErrPoolClosed)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	active := p.active.Add(1)
	p.metrics.ExportStarted()

	prod, cons := ringpipe.New(p.bufSize)
	id := p.nextID.Add(1)
	log := p.logger.With(
		zap.Uint64("worker", id),
		zap.String("export_id", uuid.NewString()),
		zap.String("dir", dir),
	)
	log.Info("starting folder export", zap.Int64("active", active))

	go p.work(log, prod, dir)
	return cons, nil
}

func (p *Pool) work(log *zap.Logger, prod *ringpipe.Producer, dir string) {
	start := time.Now()
	result := metrics.ResultOK

	defer func() {
		if r := recover(); r != nil {
			log.Error("export worker panicked", zap.Any("panic", r), zap.Stack("stack"))
			_ = prod.CloseWithError(fmt.Errorf("export worker panic: %v", r))
			result = metrics.ResultError
		}
		_ = prod.Close()

		took := time.Since(start)
		left := p.active.Add(-1)
		p.sem.Release(1)
		p.metrics.ExportFinished(result, took)
		log.Info("finished folder export",
			zap.String("result", result),
			zap.Int64("active", left),
			zap.Duration("took", took),
		)
		p.wg.Done()
	}()

	err := p.archiver.Archive(prod, dir)
	if err == nil {
		// hold the slot until the reader has everything
		err = prod.Flush()
	}
	switch {
	case err == nil:
	case errors.Is(err, ringpipe.ErrPeerGone):
		result = metrics.ResultAborted
		log.Warn("export aborted, reader went away")
	default:
		result = metrics.ResultError
		log.Error("export failed", zap.Error(err))
		_ = prod.CloseWithError(err)
	}
}

func (p *Pool) startFailed(err error) error {
	p.metrics.ExportNotStarted(metrics.ResultStartFailed)
	p.logger.Warn("export not started", zap.Error(err))
	return fmt.Errorf("%w: %w", ErrStartFailed, err)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Active reports the number of running workers.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Max reports the worker limit.
func (p *Pool) Max() int { return p.max }

// Close stops admitting new exports. Running workers are left alone.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until every running worker has finished. Call Close first.
func (p *Pool) Wait() {
	p.wg.Wait()
}
