// Package worker runs bounded asynchronous work: a task pool for collaborator
// calls, a keyed scheduler for background recomputation, and rate limiting.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolClosed is returned when submitting to a pool that no longer accepts work
var ErrPoolClosed = errors.New("worker pool closed")

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

// JobFunc adapts a function to the Job interface
type JobFunc func(ctx context.Context) Result

// Execute calls f
func (f JobFunc) Execute(ctx context.Context) Result { return f(ctx) }

// ErrorResult is a Result carrying only an error
type ErrorResult struct {
	Err error
}

// GetError returns the error
func (r *ErrorResult) GetError() error { return r.Err }

// Task is the handle of one enqueued job
type Task struct {
	done   chan struct{}
	result Result
}

// Done is closed when the job finished
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the job finished or ctx is done
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Options configures a Pool
type Options struct {
	Workers     int
	QueueSize   int           // defaults to Workers*2
	TaskTimeout time.Duration // 0 disables the per-task deadline
	Collect     bool          // deliver results to Wait
}

type queued struct {
	job  Job
	task *Task
}

// Pool manages a pool of workers that execute jobs concurrently
type Pool struct {
	opts       Options
	jobQueue   chan queued
	results    chan Result
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool
}

// NewPool creates a batch pool whose results are collected by Wait
func NewPool(workers int) *Pool {
	return NewPoolWithOptions(Options{Workers: workers, Collect: true})
}

// NewPoolWithOptions creates a new worker pool
func NewPoolWithOptions(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		opts:       opts,
		jobQueue:   make(chan queued, opts.QueueSize),
		ctx:        ctx,
		cancelFunc: cancel,
	}
	if opts.Collect {
		p.results = make(chan Result, opts.QueueSize)
	}
	return p
}

// Start starts the worker pool
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// worker is the worker goroutine that processes jobs
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case q, ok := <-p.jobQueue:
			if !ok {
				return
			}
			result := p.run(q.job)
			q.task.result = result
			close(q.task.done)
			if p.results == nil {
				continue
			}
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// run executes one job under the per-task deadline. A panicking job yields an ErrorResult.
func (p *Pool) run(job Job) (result Result) {
	ctx := p.ctx
	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = &ErrorResult{Err: fmt.Errorf("job panicked: %v", r)}
		}
	}()
	result = job.Execute(ctx)
	if result == nil {
		result = &ErrorResult{}
	}
	return result
}

// Submit submits a job to the pool for execution. It is dropped if the pool is closed.
func (p *Pool) Submit(job Job) {
	_, _ = p.Enqueue(context.Background(), job)
}

// Enqueue submits a job and returns its handle. It blocks while the queue is
// full until ctx is done.
func (p *Pool) Enqueue(ctx context.Context, job Job) (*Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	task := &Task{done: make(chan struct{})}
	select {
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.jobQueue <- queued{job: job, task: task}:
		return task, nil
	}
}

// Wait stops accepting jobs, waits for queued jobs to complete and returns
// the collected results
func (p *Pool) Wait() []Result {
	p.stopAccepting()

	go func() {
		p.wg.Wait()
		p.closeResults()
	}()

	var results []Result
	if p.results == nil {
		p.wg.Wait()
		return results
	}
	for result := range p.results {
		results = append(results, result)
	}
	return results
}

// Close stops accepting jobs and waits for queued jobs to finish
func (p *Pool) Close() {
	p.stopAccepting()
	p.wg.Wait()
	p.closeResults()
}

// Shutdown shuts down the worker pool immediately, cancelling running jobs
func (p *Pool) Shutdown() {
	p.cancelFunc()
	p.wg.Wait()
	p.stopAccepting()
	for q := range p.jobQueue {
		q.task.result = &ErrorResult{Err: ErrPoolClosed}
		close(q.task.done)
	}
	p.closeResults()
}

func (p *Pool) stopAccepting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.jobQueue)
	}
}

func (p *Pool) closeResults() {
	p.closeOnce.Do(func() {
		if p.results != nil {
			close(p.results)
		}
	})
}

// ResultCollector provides a safer way to collect results as they arrive
type ResultCollector struct {
	results []Result
	mu      sync.Mutex
}

// NewResultCollector creates a new result collector
func NewResultCollector() *ResultCollector {
	return &ResultCollector{
		results: make([]Result, 0),
	}
}

// Add adds a result to the collector (thread-safe)
func (c *ResultCollector) Add(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

// Results returns all collected results
func (c *ResultCollector) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}
