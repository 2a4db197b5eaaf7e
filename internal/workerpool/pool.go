package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned when every worker is busy and the queue is at
	// capacity. Callers should shed the request.
	ErrQueueFull = errors.New("worker queue is full")
	ErrClosed    = errors.New("worker pool is closed")
)

type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

// Pool runs blocking calls on a fixed set of workers fed by a bounded queue
type Pool struct {
	mu     sync.RWMutex
	closed bool
	jobs   chan job
	eg     errgroup.Group
}

// New starts workers goroutines sharing a queue of queueSize pending jobs
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{jobs: make(chan job, queueSize)}
	for i := 0; i < workers; i++ {
		p.eg.Go(func() error {
			for j := range p.jobs {
				j.run(j.ctx)
			}
			return nil
		})
	}
	log.Debug().Int("workers", workers).Int("queue", queueSize).Msg("Worker pool started")
	return p
}

func (p *Pool) submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting work and waits for queued jobs to finish
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	return p.eg.Wait()
}

type result[T any] struct {
	value T
	err   error
}

// Do runs fn on the pool and waits for its result or for ctx to end. fn
// receives ctx so it can abandon work the caller no longer waits for. A
// panic in fn is returned as an error.
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)

	err := p.submit(job{
		ctx: ctx,
		run: func(ctx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Recovered panic in worker")
					done <- result[T]{err: fmt.Errorf("worker panic: %v", r)}
				}
			}()
			if err := ctx.Err(); err != nil {
				done <- result[T]{err: err}
				return
			}
			v, err := fn(ctx)
			done <- result[T]{value: v, err: err}
		},
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
