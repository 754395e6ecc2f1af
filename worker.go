// worker.go: Single consumer draining the queue into the appender
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// spinRounds is how many empty drains the striped worker makes, yielding
	// between them, before it parks.
	spinRounds = 64
	// parkInterval is the striped worker's first park; it backs off to
	// parkIdleInterval after parkBackoffRounds empty parks.
	parkInterval      = time.Millisecond
	parkIdleInterval  = 5 * time.Millisecond
	parkBackoffRounds = 10
	// minStaleWait keeps the idle wait from degenerating into a busy loop
	// when the clock has not caught up with the flush deadline yet.
	minStaleWait = time.Millisecond
)

// WorkerState is the lifecycle phase of a logger's worker.
type WorkerState int32

const (
	// WorkerRunning drains the queue and flushes batches.
	WorkerRunning WorkerState = iota
	// WorkerDraining has left the loop and is flushing what is left.
	WorkerDraining
	// WorkerStopped is terminal.
	WorkerStopped
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerDraining:
		return "draining"
	case WorkerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}

// worker is the only goroutine that touches the write buffer and the
// appender. Producers only ever see the queue.
type worker struct {
	queue    recordQueue
	appender Appender
	now      func() time.Time
	onFatal  func(err error)

	buf          []byte
	bufSize      int
	pendingSince time.Time
	err          error

	flushTimeout atomic.Int64
	state        atomic.Int32
	bytesWritten atomic.Uint64
	flushes      atomic.Uint64
	fatal        atomic.Pointer[error]

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(q recordQueue, appender Appender, bufSize int, flushTimeout time.Duration, now func() time.Time, onFatal func(error)) *worker {
	if now == nil {
		now = time.Now
	}
	w := &worker{
		queue:    q,
		appender: appender,
		now:      now,
		onFatal:  onFatal,
		buf:      make([]byte, 0, bufSize),
		bufSize:  bufSize,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.flushTimeout.Store(int64(flushTimeout))
	return w
}

func (w *worker) start() {
	go w.run()
}

func (w *worker) run() {
	defer close(w.done)

	cause := w.loop()
	w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerDraining))
	w.finish(cause)
	w.state.Store(int32(WorkerStopped))
}

// loop runs until stop is requested or the appender fails. A panic in the
// appender ends the loop like any other failure.
func (w *worker) loop() (cause error) {
	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("styx: worker panic: %v", r)
		}
	}()

	idle := 0
	for WorkerState(w.state.Load()) == WorkerRunning {
		n := w.queue.drain(w.accept)
		if w.err != nil {
			return w.err
		}
		if n > 0 {
			idle = 0
			continue
		}

		if err := w.flushIfStale(); err != nil {
			return err
		}
		idle++
		if w.queue.mode() == QueueStriped && idle <= spinRounds {
			runtime.Gosched()
			continue
		}
		w.queue.await(w.stop, w.idleWait(idle))
	}
	return nil
}

// accept copies one record into the write buffer. After a failure records
// are released unwritten.
func (w *worker) accept(r *record) {
	if w.err == nil {
		w.err = w.append(r.p)
	}
	r.release()
}

// append adds p to the write buffer. A record that does not fit is
// preceded by a flush; one larger than the whole buffer is split.
func (w *worker) append(p []byte) error {
	for len(p) > 0 {
		if len(w.buf) > 0 && len(p) > w.bufSize-len(w.buf) {
			if err := w.flush(); err != nil {
				return err
			}
		}
		if len(w.buf) == 0 {
			w.pendingSince = w.now()
		}
		n := min(len(p), w.bufSize-len(w.buf))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
	}
	return nil
}

func (w *worker) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	n := len(w.buf)
	err := w.appender.Append(w.buf)
	w.buf = w.buf[:0]
	if err != nil {
		return err
	}
	w.bytesWritten.Add(uint64(n)) // #nosec G115 -- n is a slice length
	w.flushes.Add(1)
	return nil
}

// flushIfStale flushes a partly filled buffer whose oldest byte has waited
// longer than the flush timeout.
func (w *worker) flushIfStale() error {
	if len(w.buf) == 0 {
		return nil
	}
	if w.now().Sub(w.pendingSince) < time.Duration(w.flushTimeout.Load()) {
		return nil
	}
	return w.flush()
}

// idleWait is how long an idle worker may wait before looking again.
func (w *worker) idleWait(idle int) time.Duration {
	timeout := time.Duration(w.flushTimeout.Load())
	wait := timeout
	if w.queue.mode() == QueueStriped {
		wait = parkInterval
		if idle > spinRounds+parkBackoffRounds {
			wait = parkIdleInterval
		}
	}
	if len(w.buf) > 0 {
		remaining := timeout - w.now().Sub(w.pendingSince)
		wait = min(wait, max(remaining, minStaleWait))
	}
	return wait
}

// finish drains and flushes what is left (unless the loop failed), releases
// the buffer and closes the appender, in that order.
func (w *worker) finish(cause error) {
	defer func() {
		if r := recover(); r != nil {
			w.report(fmt.Errorf("styx: worker panic during shutdown: %v", r))
		}
	}()

	if cause == nil {
		for w.queue.drain(w.accept) > 0 {
		}
		cause = w.err
		if cause == nil {
			cause = w.flush()
		}
	}
	w.buf = nil

	if err := w.appender.Close(); err != nil && cause == nil {
		cause = err
	}
	if cause != nil {
		w.report(cause)
	}
}

// report records a fatal error. Cancellation is a shutdown request, not a
// failure.
func (w *worker) report(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if w.fatal.CompareAndSwap(nil, &err) && w.onFatal != nil {
		w.onFatal(err)
	}
}

// shutdown asks the worker to stop and waits for it, or for ctx.
func (w *worker) shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerDraining))
		close(w.stop)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that stopped the worker, if any.
func (w *worker) Err() error {
	if p := w.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *worker) setFlushTimeout(d time.Duration) {
	if d > 0 {
		w.flushTimeout.Store(int64(d))
	}
}
