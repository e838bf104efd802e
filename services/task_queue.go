package services

import (
	"context"
	"log"
	"sync"
)

// TaskQueue runs deferred side effects (the auto friend-request after a
// referral redemption) off the request path. Tasks are best-effort: a full
// queue drops the task with a log line instead of blocking the caller, and
// a panicking task never takes the worker down.
type TaskQueue struct {
	tasks chan func(ctx context.Context)
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

func NewTaskQueue(size int) *TaskQueue {
	if size <= 0 {
		size = 32
	}
	q := &TaskQueue{
		tasks: make(chan func(ctx context.Context), size),
		stop:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *TaskQueue) run() {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case task := <-q.tasks:
			q.safeRun(ctx, task)
		case <-q.stop:
			// Drain what is already queued before shutting down.
			for {
				select {
				case task := <-q.tasks:
					q.safeRun(ctx, task)
				default:
					return
				}
			}
		}
	}
}

func (q *TaskQueue) safeRun(ctx context.Context, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Background task panic recovered: %v", r)
		}
	}()
	task(ctx)
}

// Enqueue schedules a task. It never blocks.
func (q *TaskQueue) Enqueue(task func(ctx context.Context)) {
	select {
	case q.tasks <- task:
	default:
		log.Printf("Task queue full, dropping background task")
	}
}

// Close stops the worker after draining queued tasks.
func (q *TaskQueue) Close() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}
