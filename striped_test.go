// striped_test.go: Tests for StripedBuffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStripedBuffer(t *testing.T) {
	_, err := NewStripedBuffer[int](3, 4)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	s, err := NewStripedBuffer[int](4, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, s.MaxCells())
	assert.Zero(t, s.Cells(), "cells are created lazily")
	assert.Zero(t, s.Size())
	assert.Zero(t, s.Drain(func(*int) {}))

	require.True(t, s.Offer(intp(1)))
	assert.Equal(t, 1, s.Cells())
	assert.Equal(t, 1, s.Size())

	s, err = NewStripedBuffer[int](4, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.MaxCells(), 1)
}

func TestStripedBuffer_ProducerFIFO(t *testing.T) {
	s, err := NewStripedBuffer[int](16, 1)
	require.NoError(t, err)

	p := s.Producer()
	for i := 0; i < 16; i++ {
		require.True(t, p.Offer(intp(i)))
	}
	assert.False(t, p.Offer(intp(16)), "single full cell accepted an entry")

	var got []int
	n := s.Drain(func(e *int) { got = append(got, *e) })
	assert.Equal(t, 16, n)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStripedBuffer_ConcurrentNoLoss(t *testing.T) {
	const producers, perProducer = 16, 4000

	s, err := NewStripedBuffer[int](64, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			h := s.Producer()
			for i := 0; i < perProducer; i++ {
				v := intp(p*perProducer + i)
				for !h.Offer(v) {
					runtime.Gosched()
				}
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	seen := make([]bool, producers*perProducer)
	count := 0
	consume := func(e *int) {
		require.False(t, seen[*e], "duplicate %d", *e)
		seen[*e] = true
		count++
	}
	for count < producers*perProducer {
		s.Drain(consume)
		select {
		case <-done:
			for s.Drain(consume) > 0 {
			}
			if count < producers*perProducer {
				t.Fatalf("lost entries: got %d of %d", count, producers*perProducer)
			}
		default:
		}
	}
	<-done
	assert.Equal(t, producers*perProducer, count)
	assert.Zero(t, s.Size())
	assert.LessOrEqual(t, s.Cells(), s.MaxCells())
}

func TestStripedBuffer_SharedOffer(t *testing.T) {
	s, err := NewStripedBuffer[int](1024, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				for !s.Offer(intp(i)) {
					runtime.Gosched()
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for n := s.Drain(func(*int) {}); n > 0; n = s.Drain(func(*int) {}) {
		total += n
	}
	assert.Equal(t, 400, total)
}

// preload installs n empty cells, the state contention leaves behind.
func preload[T any](t *testing.T, s *StripedBuffer[T], n int) {
	t.Helper()
	arr := make(cellArray[T], n)
	for i := range arr {
		cell, err := NewRingBuffer[T](s.cellCapacity)
		require.NoError(t, err)
		arr[i].Store(cell)
	}
	s.cells.Store(&arr)
}

func drainAll(s *StripedBuffer[int]) []int {
	var got []int
	for s.Drain(func(e *int) { got = append(got, *e) }) > 0 {
	}
	return got
}

func TestStripedBuffer_SharedOfferKeepsOrderAcrossCells(t *testing.T) {
	s, err := NewStripedBuffer[int](16, 4)
	require.NoError(t, err)
	preload(t, s, 4)

	for i := 1; i <= 6; i++ {
		require.True(t, s.Offer(intp(i)))
		runtime.GC()
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, drainAll(s))
}

func TestProducer_StaysPinnedUntilConsumed(t *testing.T) {
	s, err := NewStripedBuffer[int](16, 4)
	require.NoError(t, err)
	preload(t, s, 4)

	p := s.Producer()
	p.h = 3
	require.True(t, p.Offer(intp(1)))
	home := p.last
	require.Same(t, (*s.cells.Load())[3].Load(), home)

	// Point the probe at another cell, as a rehash or growth would.
	p.h = 1
	for i := 2; i <= 5; i++ {
		require.True(t, p.Offer(intp(i)))
		assert.Same(t, home, p.last, "moved before the previous entry was consumed")
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, drainAll(s))

	require.True(t, p.Offer(intp(6)))
	assert.Same(t, (*s.cells.Load())[1].Load(), p.last, "free to move once drained")
	assert.Equal(t, []int{6}, drainAll(s))
}

func TestProducer_CollisionRehashesWhenFree(t *testing.T) {
	s, err := NewStripedBuffer[int](16, 4)
	require.NoError(t, err)
	preload(t, s, 4)

	p := s.Producer()
	p.h = 2
	require.True(t, p.Offer(intp(1)))
	p.collided = true
	drainAll(s)

	require.True(t, p.Offer(intp(2)))
	assert.False(t, p.collided)
	assert.Equal(t, advanceProbe(2), p.h)
}

func TestStripedBuffer_ConcurrentProducersKeepOrder(t *testing.T) {
	const producers, perProducer = 8, 3000

	s, err := NewStripedBuffer[[2]int](64, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			h := s.Producer()
			for i := 0; i < perProducer; i++ {
				v := &[2]int{p, i}
				for !h.Offer(v) {
					runtime.Gosched()
				}
			}
		}(p)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	next := make([]int, producers)
	count := 0
	consume := func(e *[2]int) {
		if e[1] != next[e[0]] {
			t.Errorf("producer %d: got %d, want %d", e[0], e[1], next[e[0]])
		}
		next[e[0]] = e[1] + 1
		count++
	}
	for {
		if s.Drain(consume) == 0 {
			select {
			case <-done:
				for s.Drain(consume) > 0 {
				}
				assert.Equal(t, producers*perProducer, count)
				return
			default:
				runtime.Gosched()
			}
		}
	}
}

func TestProbeHelpers(t *testing.T) {
	assert.NotZero(t, nextProbeSeed())
	h := uint32(1)
	for i := 0; i < 100; i++ {
		h = advanceProbe(h)
		require.NotZero(t, h)
	}

	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 1024: 1024, 1025: 2048}
	for in, want := range cases {
		assert.Equal(t, want, nextPow2(in), "nextPow2(%d)", in)
	}
}
