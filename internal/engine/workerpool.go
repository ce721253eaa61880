package engine

import (
	"context"
	"runtime"
	"sync"
)

// WorkerPool runs query tasks on a fixed, CPU-sized set of goroutines and
// additionally bounds the per-query helper goroutines a single query may
// spawn for its own sort/hash-build fan-out.
type WorkerPool struct {
	size      int
	helperCap int

	tasks chan func()
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// PoolConfig sizes the pool; zero values pick CPU-scaled defaults.
type PoolConfig struct {
	Size      int // 0 means runtime.NumCPU()
	HelperCap int // 0 means runtime.NumCPU()/2, minimum 1
	QueueSize int // 0 means Size*64
}

// NewWorkerPool starts a WorkerPool per cfg.
func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	size := cfg.Size
	if size <= 0 {
		size = runtime.NumCPU()
	}
	helperCap := cfg.HelperCap
	if helperCap <= 0 {
		helperCap = runtime.NumCPU() / 2
		if helperCap < 1 {
			helperCap = 1
		}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = size * 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		size:      size,
		helperCap: helperCap,
		tasks:     make(chan func(), queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < size; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}
			task()
		}
	}
}

// Submit enqueues a query task, blocking until it is accepted or ctx is
// cancelled.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case wp.tasks <- task:
		return nil
	case <-ctx.Done():
		return Wrap(KindCancelled, "submitting query task", ctx.Err())
	case <-wp.ctx.Done():
		return NewError(KindCancelled, "worker pool is shutting down")
	}
}

// HelperPool bounds the goroutines one query's own parallel sort/hash
// build may spawn, independent of the main task pool.
type HelperPool struct {
	sem chan struct{}
}

// NewHelperPool returns a HelperPool sized from the WorkerPool's
// configured per-query cap.
func (wp *WorkerPool) NewHelperPool() *HelperPool {
	return &HelperPool{sem: make(chan struct{}, wp.helperCap)}
}

// Go runs fn on a bounded helper goroutine, blocking until a slot is
// free or ctx is cancelled.
func (hp *HelperPool) Go(ctx context.Context, fn func() error) error {
	select {
	case hp.sem <- struct{}{}:
	case <-ctx.Done():
		return Wrap(KindCancelled, "acquiring helper worker slot", ctx.Err())
	}
	errCh := make(chan error, 1)
	go func() {
		defer func() { <-hp.sem }()
		errCh <- fn()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return Wrap(KindCancelled, "helper worker", ctx.Err())
	}
}

// Close stops accepting new tasks and waits for in-flight tasks to
// finish.
func (wp *WorkerPool) Close() error {
	wp.cancel()
	close(wp.tasks)
	wp.wg.Wait()
	return nil
}
