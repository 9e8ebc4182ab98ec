package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool manages the concurrent scanner goroutines that execute queued
// scan tasks.
type WorkerPool struct {
	service     *Service
	workers     []*Worker
	taskQueue   chan ScanTask
	activeCount atomic.Int32
	mu          sync.RWMutex
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// Worker represents a single scanner goroutine.
type Worker struct {
	id             int
	state          string // "idle", "busy", "stopped"
	currentLogType string
	startedAt      *time.Time
	mu             sync.RWMutex
}

// NewWorkerPool creates a pool with numWorkers scanner goroutines.
func NewWorkerPool(service *Service, numWorkers int) *WorkerPool {
	pool := &WorkerPool{
		service:   service,
		workers:   make([]*Worker, numWorkers),
		taskQueue: make(chan ScanTask, 1000), // Buffered queue
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < numWorkers; i++ {
		worker := &Worker{
			id:    i,
			state: "idle",
		}
		pool.workers[i] = worker

		pool.wg.Add(1)
		go pool.runWorker(worker)
	}

	return pool
}

// QueueTasks adds tasks to the pool queue. Returns how many were accepted;
// tasks beyond the queue capacity are dropped and picked up by a later sweep.
func (p *WorkerPool) QueueTasks(tasks []ScanTask) int {
	queued := 0
	for _, task := range tasks {
		select {
		case p.taskQueue <- task:
			queued++
		default:
			// Queue full. The next sweep replans from source state, so a
			// dropped task is retried rather than lost.
		}
	}
	return queued
}

// runWorker is the main worker loop.
func (p *WorkerPool) runWorker(worker *Worker) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			worker.setState("stopped")
			return

		case task := <-p.taskQueue:
			worker.startTask(task.LogType)
			p.activeCount.Add(1)

			ctx, cancel := context.WithTimeout(context.Background(), p.service.taskTimeout())
			err := p.service.ExecuteScanTask(ctx, task)
			cancel()

			if err != nil {
				p.retryTask(task)
			}

			worker.finishTask()
			p.activeCount.Add(-1)
		}
	}
}

// retryTask re-executes a failed task with exponential backoff and jitter.
func (p *WorkerPool) retryTask(task ScanTask) {
	maxRetries := p.service.config.RetryAttempts
	backoff := p.service.config.BackoffBase

	for attempt := 1; attempt <= maxRetries; attempt++ {
		sleepTime := backoff * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(time.Now().UnixNano() % int64(sleepTime/2+1))
		time.Sleep(sleepTime + jitter)

		ctx, cancel := context.WithTimeout(context.Background(), p.service.taskTimeout())
		err := p.service.ExecuteScanTask(ctx, task)
		cancel()

		if err == nil {
			return // Success
		}

		if attempt == maxRetries {
			// Final failure, give up and report
			p.service.publishScanCompletion(task, scanOutcome{window: task.Window, status: "failed"}, 0, err)
		}
	}
}

// ActiveCount returns the number of currently busy workers.
func (p *WorkerPool) ActiveCount() int {
	return int(p.activeCount.Load())
}

// QueueSize returns the number of tasks waiting in queue.
func (p *WorkerPool) QueueSize() int {
	return len(p.taskQueue)
}

// GetWorkerStatus returns status of all workers.
func (p *WorkerPool) GetWorkerStatus() []WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make([]WorkerStatus, len(p.workers))
	for i, worker := range p.workers {
		worker.mu.RLock()
		status[i] = WorkerStatus{
			ID:             worker.id,
			State:          worker.state,
			CurrentLogType: worker.currentLogType,
			StartedAt:      worker.startedAt,
		}
		worker.mu.RUnlock()
	}

	return status
}

// Shutdown gracefully stops all workers.
func (p *WorkerPool) Shutdown() {
	close(p.stopChan)
	p.wg.Wait()
}

// Worker methods

func (w *Worker) startTask(logType string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.state = "busy"
	w.currentLogType = logType
	w.startedAt = &now
}

func (w *Worker) finishTask() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = "idle"
	w.currentLogType = ""
	w.startedAt = nil
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}
