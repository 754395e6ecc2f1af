// ring.go: Bounded lock-free MPSC ring buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// OfferResult is the outcome of a RelaxedOffer.
type OfferResult int

const (
	// OfferOK means the entry was enqueued.
	OfferOK OfferResult = iota
	// OfferFull means every slot is taken by an entry not yet drained.
	OfferFull
	// OfferContended means another producer won the slot; the caller may
	// retry here or somewhere else.
	OfferContended
)

// String implements fmt.Stringer.
func (r OfferResult) String() string {
	switch r {
	case OfferOK:
		return "ok"
	case OfferFull:
		return "full"
	case OfferContended:
		return "contended"
	default:
		return fmt.Sprintf("OfferResult(%d)", int(r))
	}
}

// RingBuffer is a bounded multi-producer single-consumer queue of *T.
//
// Any number of goroutines may call Offer and RelaxedOffer. Poll and Drain
// must only ever be called from one goroutine at a time (the consumer).
//
// Design rationale: producers claim a slot by CAS on producerIndex and then
// publish the entry with an atomic store into the slot. The consumer treats a
// nil slot as "not visible yet". producerLimit caches consumerIndex+capacity
// so producers only read the consumer's cache line when the ring looks full.
//
// Each hot counter sits on its own cache line.
type RingBuffer[T any] struct {
	_             cpu.CacheLinePad
	producerIndex atomic.Uint64
	_             cpu.CacheLinePad
	producerLimit atomic.Uint64
	_             cpu.CacheLinePad
	consumerIndex atomic.Uint64
	_             cpu.CacheLinePad

	mask  uint64
	slots []atomic.Pointer[T]
}

// NewRingBuffer creates a ring with the given capacity, which must be a
// power of two and at least 2.
func NewRingBuffer[T any](capacity int) (*RingBuffer[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	r := &RingBuffer[T]{
		mask:  uint64(capacity - 1), // #nosec G115 -- capacity validated positive above
		slots: make([]atomic.Pointer[T], capacity),
	}
	r.producerLimit.Store(uint64(capacity)) // #nosec G115 -- capacity validated positive above
	return r, nil
}

// Capacity returns the fixed number of slots.
func (r *RingBuffer[T]) Capacity() int {
	return len(r.slots)
}

// RelaxedOffer makes a single attempt to enqueue e. It never blocks and
// never retries: a lost CAS race is reported as OfferContended.
//
// Offering a nil pointer panics, since nil marks an empty slot.
func (r *RingBuffer[T]) RelaxedOffer(e *T) OfferResult {
	result, _ := r.relaxedOffer(e)
	return result
}

// relaxedOffer is RelaxedOffer that also returns, on success, the producer
// index just past the claimed slot. The entry has been consumed once
// consumerIndex reaches it.
func (r *RingBuffer[T]) relaxedOffer(e *T) (OfferResult, uint64) {
	if e == nil {
		panic(errNilEntry)
	}

	pIndex := r.producerIndex.Load()
	if limit := r.producerLimit.Load(); pIndex >= limit {
		limit = r.consumerIndex.Load() + uint64(len(r.slots))
		if pIndex >= limit {
			return OfferFull, 0
		}
		r.producerLimit.Store(limit)
	}

	if !r.producerIndex.CompareAndSwap(pIndex, pIndex+1) {
		return OfferContended, 0
	}

	// The consumer spins on this store if it has already seen the index bump.
	r.slots[pIndex&r.mask].Store(e)
	return OfferOK, pIndex + 1
}

// consumed reports whether the entry claimed below seq has been taken by
// the consumer.
func (r *RingBuffer[T]) consumed(seq uint64) bool {
	return r.consumerIndex.Load() >= seq
}

// Offer enqueues e, retrying lost CAS races. It returns false only when the
// ring is full.
func (r *RingBuffer[T]) Offer(e *T) bool {
	for {
		switch r.RelaxedOffer(e) {
		case OfferOK:
			return true
		case OfferFull:
			return false
		}
	}
}

// Poll removes and returns the oldest entry. It returns false if the ring is
// empty. Consumer only.
func (r *RingBuffer[T]) Poll() (*T, bool) {
	cIndex := r.consumerIndex.Load()
	slot := &r.slots[cIndex&r.mask]

	e := slot.Load()
	if e == nil {
		if cIndex == r.producerIndex.Load() {
			return nil, false
		}
		// Reserved by a producer that has not stored yet.
		for spins := 0; e == nil; spins++ {
			backoff(spins)
			e = slot.Load()
		}
	}

	slot.Store(nil)
	r.consumerIndex.Store(cIndex + 1)
	return e, true
}

// Drain hands up to limit entries to fn in FIFO order and returns how many
// were consumed. It stops at the first slot whose producer has not finished
// publishing instead of waiting for it. Consumer only.
func (r *RingBuffer[T]) Drain(fn func(*T), limit int) int {
	if limit <= 0 {
		return 0
	}
	cIndex := r.consumerIndex.Load()
	for i := 0; i < limit; i++ {
		slot := &r.slots[cIndex&r.mask]
		e := slot.Load()
		if e == nil {
			return i
		}
		slot.Store(nil)
		cIndex++
		r.consumerIndex.Store(cIndex)
		fn(e)
	}
	return limit
}

// Size returns an eventually consistent count of queued entries.
func (r *RingBuffer[T]) Size() int {
	after := r.consumerIndex.Load()
	for {
		before := after
		pIndex := r.producerIndex.Load()
		after = r.consumerIndex.Load()
		if before == after {
			size := pIndex - after
			if size > uint64(len(r.slots)) {
				size = uint64(len(r.slots))
			}
			return int(size) // #nosec G115 -- bounded by capacity
		}
	}
}

// IsEmpty reports whether the ring currently holds no entries.
func (r *RingBuffer[T]) IsEmpty() bool {
	return r.consumerIndex.Load() == r.producerIndex.Load()
}

// backoff spins briefly, then yields the processor.
func backoff(spins int) {
	if spins < 64 {
		return
	}
	runtime.Gosched()
}
