// striped.go: Contention-adaptive striped MPSC buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"
)

// stripeAttempts bounds how many rehash rounds a producer makes before it
// gives up on an entry.
const stripeAttempts = 3

// cellArray is replaced as a whole when it grows; individual cells are
// published into empty slots under the busy flag.
type cellArray[T any] []atomic.Pointer[RingBuffer[T]]

// StripedBuffer spreads producers over several RingBuffer cells so that the
// producer-index CAS of a single ring does not become the bottleneck when many
// goroutines log at once. It starts with no cells, creates them lazily where
// producers land, and doubles the cell array (up to maxCells) when producers
// keep colliding.
//
// There is a single consumer: Drain must not be called concurrently.
// Handle-less offers all go through the first cell, so they keep the order
// in which each goroutine made them. A Producer stripes over the cells and
// still keeps its own order: it only leaves the cell holding its previous
// entry once the consumer has taken that entry. No order is defined across
// producers.
type StripedBuffer[T any] struct {
	cells        atomic.Pointer[cellArray[T]]
	busy         atomic.Int32
	cellCapacity int
	maxCells     int
}

// NewStripedBuffer creates an empty striped buffer. cellCapacity is the
// capacity of every cell and must be a power of two >= 2. maxCells <= 0
// defaults to the number of CPUs; it is rounded up to a power of two.
func NewStripedBuffer[T any](cellCapacity, maxCells int) (*StripedBuffer[T], error) {
	if cellCapacity < 2 || cellCapacity&(cellCapacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, cellCapacity)
	}
	if maxCells <= 0 {
		maxCells = runtime.NumCPU()
	}
	return &StripedBuffer[T]{
		cellCapacity: cellCapacity,
		maxCells:     int(nextPow2(uint64(maxCells))), // #nosec G115 -- maxCells positive
	}, nil
}

// Offer enqueues e into the shared first cell, retrying lost CAS races. It
// returns false only when that cell is full.
func (s *StripedBuffer[T]) Offer(e *T) bool {
	for {
		if cells := s.cells.Load(); cells != nil {
			if cell := (*cells)[0].Load(); cell != nil {
				return cell.Offer(e)
			}
		}
		if !s.tryLock() {
			runtime.Gosched()
			continue
		}
		created := false
		switch cells := s.cells.Load(); {
		case cells == nil:
			arr := make(cellArray[T], 1)
			arr[0].Store(s.newCell(e))
			s.cells.Store(&arr)
			created = true
		case (*cells)[0].Load() == nil:
			(*cells)[0].Store(s.newCell(e))
			created = true
		}
		s.unlock()
		if created {
			return true
		}
	}
}

// Producer returns a handle with its own stable probe. A Producer is not
// safe for concurrent use; give each producing goroutine its own.
func (s *StripedBuffer[T]) Producer() *Producer[T] {
	return &Producer[T]{buf: s, h: nextProbeSeed()}
}

// Drain hands every visible entry of every cell to fn and returns the total.
// Each cell is drained at most once per call. Consumer only.
func (s *StripedBuffer[T]) Drain(fn func(*T)) int {
	cells := s.cells.Load()
	if cells == nil {
		return 0
	}
	total := 0
	for i := range *cells {
		if cell := (*cells)[i].Load(); cell != nil {
			total += cell.Drain(fn, cell.Capacity())
		}
	}
	return total
}

// Size returns an eventually consistent count of queued entries.
func (s *StripedBuffer[T]) Size() int {
	cells := s.cells.Load()
	if cells == nil {
		return 0
	}
	size := 0
	for i := range *cells {
		if cell := (*cells)[i].Load(); cell != nil {
			size += cell.Size()
		}
	}
	return size
}

// Cells returns the number of cells created so far.
func (s *StripedBuffer[T]) Cells() int {
	cells := s.cells.Load()
	if cells == nil {
		return 0
	}
	n := 0
	for i := range *cells {
		if (*cells)[i].Load() != nil {
			n++
		}
	}
	return n
}

// MaxCells returns the ceiling of the cell array length.
func (s *StripedBuffer[T]) MaxCells() int {
	return s.maxCells
}

// offer tries the home cell selected by *h, falling back to expandOrRetry
// when the cell is missing or the CAS was lost. On success it returns the
// cell that took e and the sequence just past e in that cell.
func (s *StripedBuffer[T]) offer(e *T, h *uint32) (OfferResult, *RingBuffer[T], uint64) {
	if cells := s.cells.Load(); cells != nil {
		n := uint32(len(*cells)) // #nosec G115 -- bounded by maxCells
		if cell := (*cells)[*h&(n-1)].Load(); cell != nil {
			if result, seq := cell.relaxedOffer(e); result != OfferContended {
				return result, cell, seq
			}
			return s.expandOrRetry(e, h, false)
		}
	}
	return s.expandOrRetry(e, h, true)
}

// expandOrRetry handles initialisation, cell creation, array growth and
// rehashing. It is the slow path and mirrors the classic striped-counter
// accumulate loop.
func (s *StripedBuffer[T]) expandOrRetry(e *T, h *uint32, wasUncontended bool) (OfferResult, *RingBuffer[T], uint64) {
	collide := false
	for attempt := 0; attempt <= stripeAttempts; {
		cells := s.cells.Load()
		if cells == nil {
			// First cell ever: wait for whoever holds the flag.
			if s.tryLock() {
				var created *RingBuffer[T]
				if s.cells.Load() == nil {
					created = s.newCell(e)
					arr := make(cellArray[T], 1)
					arr[0].Store(created)
					s.cells.Store(&arr)
				}
				s.unlock()
				if created != nil {
					return OfferOK, created, 1
				}
			} else {
				runtime.Gosched()
			}
			continue
		}

		n := uint32(len(*cells)) // #nosec G115 -- bounded by maxCells
		cell := (*cells)[*h&(n-1)].Load()
		switch {
		case cell == nil:
			if s.busy.Load() == 0 && s.tryLock() {
				var created *RingBuffer[T]
				if cur := s.cells.Load(); cur != nil {
					slot := &(*cur)[*h&uint32(len(*cur)-1)] // #nosec G115 -- bounded by maxCells
					if slot.Load() == nil {
						created = s.newCell(e)
						slot.Store(created)
					}
				}
				s.unlock()
				if created != nil {
					return OfferOK, created, 1
				}
				continue
			}
			collide = false
		case !wasUncontended:
			// The CAS on the home cell already failed once: rehash first.
			wasUncontended = true
		default:
			result, seq := cell.relaxedOffer(e)
			if result != OfferContended {
				return result, cell, seq
			}
			switch {
			case int(n) >= s.maxCells || s.cells.Load() != cells:
				collide = false
			case !collide:
				collide = true
			case s.busy.Load() == 0 && s.tryLock():
				if s.cells.Load() == cells {
					s.cells.Store(s.grow(cells))
				}
				s.unlock()
				collide = false
				continue
			}
		}
		*h = advanceProbe(*h)
		attempt++
	}
	return OfferContended, nil, 0
}

// newCell creates a cell that already holds e.
func (s *StripedBuffer[T]) newCell(e *T) *RingBuffer[T] {
	cell, err := NewRingBuffer[T](s.cellCapacity)
	if err != nil {
		// cellCapacity is validated by NewStripedBuffer.
		panic(err)
	}
	cell.Offer(e)
	return cell
}

// grow returns a copy of cells with twice the slots. Caller holds the flag.
func (s *StripedBuffer[T]) grow(cells *cellArray[T]) *cellArray[T] {
	arr := make(cellArray[T], len(*cells)<<1)
	for i := range *cells {
		arr[i].Store((*cells)[i].Load())
	}
	return &arr
}

func (s *StripedBuffer[T]) tryLock() bool {
	return s.busy.CompareAndSwap(0, 1)
}

func (s *StripedBuffer[T]) unlock() {
	s.busy.Store(0)
}

// Producer is a per-goroutine handle onto a StripedBuffer.
//
// While the consumer has not yet taken the producer's previous entry, every
// new entry goes to that same cell, even if the array grew or the cell is
// contended. Collisions seen meanwhile are remembered and turn into a
// rehash once the producer is free to move.
type Producer[T any] struct {
	buf      *StripedBuffer[T]
	h        uint32
	last     *RingBuffer[T]
	seq      uint64
	collided bool
}

// Offer enqueues e. It returns false when the target cell is full or the
// producer kept colliding after rehashing.
func (p *Producer[T]) Offer(e *T) bool {
	if p.last != nil && !p.last.consumed(p.seq) {
		for {
			result, seq := p.last.relaxedOffer(e)
			switch result {
			case OfferOK:
				p.seq = seq
				return true
			case OfferFull:
				return false
			}
			p.collided = true
		}
	}
	if p.collided {
		p.h = advanceProbe(p.h)
		p.collided = false
	}
	result, cell, seq := p.buf.offer(e, &p.h)
	if result != OfferOK {
		return false
	}
	p.last, p.seq = cell, seq
	return true
}

var probeSeed atomic.Uint32

// nextProbeSeed walks a golden-ratio sequence, skipping zero because the
// xorshift step maps zero to itself.
func nextProbeSeed() uint32 {
	for {
		if h := probeSeed.Add(0x9e3779b9); h != 0 {
			return h
		}
	}
}

// advanceProbe is a 32-bit xorshift step.
func advanceProbe(h uint32) uint32 {
	h ^= h << 13
	h ^= h >> 17
	h ^= h << 5
	return h
}

// nextPow2 returns the next power of 2 greater than or equal to x
func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(x-1))
}
