// scheduler_test.go: Tests for the background scheduler
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opRecorder struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (r *opRecorder) handle(op string, err error) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *opRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func TestScheduler_RunsTasksInOrder(t *testing.T) {
	s := newScheduler(nil)
	defer s.stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		require.True(t, s.submit("task", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	s.wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestScheduler_ReportsErrorsAndPanics(t *testing.T) {
	rec := &opRecorder{}
	s := newScheduler(rec.handle)
	defer s.stop()

	boom := errors.New("remove failed")
	s.submit("history_cleanup", func() error { return boom })
	s.submit("compress", func() error { panic("bad archive") })
	s.submit("compress", func() error { return nil })
	s.wait()

	assert.Equal(t, []string{"history_cleanup", "compress"}, rec.snapshot())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.errs[0], boom)
	assert.Contains(t, rec.errs[1].Error(), "bad archive")
}

func TestScheduler_FullQueueSkipsTask(t *testing.T) {
	rec := &opRecorder{}
	s := newScheduler(rec.handle)
	defer s.stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, s.submit("blocker", func() error {
		close(started)
		<-release
		return nil
	}))
	<-started

	for i := 0; i < taskQueueSize; i++ {
		require.True(t, s.submit("filler", func() error { return nil }))
	}
	assert.False(t, s.submit("overflow", func() error { return nil }))
	assert.Equal(t, []string{"overflow"}, rec.snapshot())

	close(release)
	s.wait()
	assert.Zero(t, s.pendingTasks())
}

func TestScheduler_WaitWakesEveryWaiter(t *testing.T) {
	s := newScheduler(nil)
	defer s.stop()

	s.wait() // idle: returns at once

	release := make(chan struct{})
	require.True(t, s.submit("blocker", func() error {
		<-release
		return nil
	}))
	assert.Equal(t, 1, s.pendingTasks())

	var waiters sync.WaitGroup
	var woken atomic.Int32
	for i := 0; i < 3; i++ {
		waiters.Add(1)
		go func() {
			defer waiters.Done()
			s.wait()
			woken.Add(1)
		}()
	}
	assert.Never(t, func() bool { return woken.Load() > 0 }, 20*time.Millisecond, time.Millisecond)

	close(release)
	waiters.Wait()
	assert.Equal(t, int32(3), woken.Load())
	assert.Zero(t, s.pendingTasks())
}

func TestScheduler_StopRunsAcceptedTasks(t *testing.T) {
	s := newScheduler(nil)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		s.submit("task", func() error {
			ran.Add(1)
			return nil
		})
	}
	s.stop()
	s.stop()

	assert.Equal(t, int32(5), ran.Load())
	assert.False(t, s.submit("late", func() error { return nil }))
	s.wait()
}

func TestScheduler_ScheduleRejectsBadSpec(t *testing.T) {
	s := newScheduler(nil)
	defer s.stop()

	_, err := s.schedule("every now and then", func() {})
	assert.Error(t, err)

	id, err := s.schedule("0 0 * * *", func() {})
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 1)
	s.unschedule(id)
	assert.Empty(t, s.cron.Entries())
}
