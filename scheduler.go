// scheduler.go: Background scheduler for rollover timers and file maintenance
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// taskQueueSize bounds the number of pending maintenance tasks.
const taskQueueSize = 64

// backgroundTask is a unit of maintenance work (history pruning,
// compression) that must never run on the write path.
type backgroundTask struct {
	op  string
	run func() error
}

// scheduler owns the goroutines that run off the write path: a cron
// instance firing period boundaries and a single task goroutine that
// executes deletions and compressions one at a time, so pruning never races
// with a compression of the same file.
type scheduler struct {
	cron     *cron.Cron
	tasks    chan backgroundTask
	wg       sync.WaitGroup
	mu       sync.RWMutex // guards stopped against the close of tasks
	stopped  bool
	stopOnce sync.Once
	onError  func(op string, err error)

	idleMu  sync.Mutex
	idle    *sync.Cond // signalled when pending drops to zero
	pending int
}

// newScheduler starts the task goroutine and the cron runner.
func newScheduler(onError func(op string, err error)) *scheduler {
	s := &scheduler{
		cron:    cron.New(),
		tasks:   make(chan backgroundTask, taskQueueSize),
		onError: onError,
	}
	s.idle = sync.NewCond(&s.idleMu)
	s.wg.Add(1)
	go s.worker()
	s.cron.Start()
	return s
}

// submit queues a task without blocking. It returns false when the
// scheduler is stopped or its queue is full; the task is then skipped and
// picked up implicitly by the next rollover.
func (s *scheduler) submit(op string, run func() error) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}

	s.track(1)
	select {
	case s.tasks <- backgroundTask{op: op, run: run}:
		return true
	default:
		s.track(-1)
		s.report(op, fmt.Errorf("background queue full, task skipped"))
		return false
	}
}

// schedule registers fn on a cron spec such as "0 * * * *". The job runs
// on the cron goroutine and must not block.
func (s *scheduler) schedule(spec string, fn func()) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return 0, fmt.Errorf("styx: schedule %q: %w", spec, err)
	}
	return id, nil
}

// unschedule removes a job registered with schedule.
func (s *scheduler) unschedule(id cron.EntryID) {
	s.cron.Remove(id)
}

// worker executes tasks until stop closes the queue. Tasks accepted before
// the stop still run.
func (s *scheduler) worker() {
	defer s.wg.Done()
	for task := range s.tasks {
		s.execute(task)
	}
}

func (s *scheduler) execute(task backgroundTask) {
	defer s.track(-1)
	defer func() {
		if r := recover(); r != nil {
			s.report(task.op, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := task.run(); err != nil {
		s.report(task.op, err)
	}
}

func (s *scheduler) report(op string, err error) {
	if s.onError != nil {
		s.onError(op, err)
	}
}

// track adjusts the count of accepted but unfinished tasks.
func (s *scheduler) track(delta int) {
	s.idleMu.Lock()
	s.pending += delta
	if s.pending == 0 {
		s.idle.Broadcast()
	}
	s.idleMu.Unlock()
}

// pendingTasks returns the count of accepted but unfinished tasks.
func (s *scheduler) pendingTasks() int {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	return s.pending
}

// wait blocks until every accepted task has run.
func (s *scheduler) wait() {
	s.idleMu.Lock()
	for s.pending > 0 {
		s.idle.Wait()
	}
	s.idleMu.Unlock()
}

// stop halts the cron runner, runs the remaining tasks and waits for both.
func (s *scheduler) stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.mu.Lock()
		s.stopped = true
		close(s.tasks)
		s.mu.Unlock()
		s.wg.Wait()
	})
}
