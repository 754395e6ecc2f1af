// buffer.go: Record queues between producers and the worker
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// maxPooledRecord caps the capacity of record buffers returned to the pool,
// so one huge line does not pin memory forever.
const maxPooledRecord = 64 << 10

// record is one queued, fully encoded log line. Records built by Write own a
// pooled copy of the caller's bytes; records built by WriteOwned borrow the
// caller's slice and are never pooled.
type record struct {
	p      []byte
	pooled bool
}

var recordPool = sync.Pool{
	New: func() any { return &record{pooled: true} },
}

// copyRecord returns a pooled record holding a copy of p.
func copyRecord(p []byte) *record {
	r := recordPool.Get().(*record)
	r.p = append(r.p[:0], p...)
	return r
}

// ownedRecord wraps p without copying.
func ownedRecord(p []byte) *record {
	return &record{p: p}
}

// release hands a consumed record back to the pool. Worker only, after the
// bytes have been copied into the write buffer.
func (r *record) release() {
	if !r.pooled || cap(r.p) > maxPooledRecord {
		return
	}
	r.p = r.p[:0]
	recordPool.Put(r)
}

// QueueMode selects the queue feeding the worker.
type QueueMode string

const (
	// QueueAuto picks QueueStriped.
	QueueAuto QueueMode = "auto"
	// QueueStriped is the lock-free striped ring; the worker spins, then parks.
	QueueStriped QueueMode = "striped"
	// QueueBlocking is a bounded channel; the worker blocks with a timeout.
	QueueBlocking QueueMode = "blocking"
)

// ParseQueueMode accepts "", "auto", "striped" and "blocking".
func ParseQueueMode(s string) (QueueMode, error) {
	switch QueueMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", QueueAuto:
		return QueueAuto, nil
	case QueueStriped:
		return QueueStriped, nil
	case QueueBlocking:
		return QueueBlocking, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownQueueMode, s)
	}
}

// offerFunc enqueues one record, reporting false when it was not accepted.
type offerFunc func(r *record) bool

// recordQueue is the producer/consumer boundary. offer, producer and size
// are safe for any goroutine; drain and await belong to the worker.
type recordQueue interface {
	offer(r *record) bool
	// producer returns an offer path for a single goroutine. Records offered
	// through it are drained in the order they were offered.
	producer() offerFunc
	drain(fn func(*record)) int
	// await blocks until records may be available, stop is closed, or d
	// elapses.
	await(stop <-chan struct{}, d time.Duration)
	size() int
	mode() QueueMode
}

// newRecordQueue builds the queue for mode. capacity is the total number of
// records the queue may hold across all its cells.
func newRecordQueue(mode QueueMode, capacity int) (recordQueue, error) {
	switch mode {
	case QueueBlocking:
		if capacity < 1 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
		}
		return &channelQueue{ch: make(chan *record, capacity)}, nil
	case QueueStriped, QueueAuto, "":
		buf, err := NewStripedBuffer[record](capacity, 0)
		if err != nil {
			return nil, err
		}
		return &stripedQueue{buf: buf}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueueMode, mode)
	}
}

// stripedQueue adapts StripedBuffer. Each cell has the configured
// capacity, so the striped queue can hold more records than a blocking one
// once it has grown.
type stripedQueue struct {
	buf   *StripedBuffer[record]
	timer *time.Timer
}

func (q *stripedQueue) offer(r *record) bool {
	return q.buf.Offer(r)
}

func (q *stripedQueue) producer() offerFunc {
	return q.buf.Producer().Offer
}

func (q *stripedQueue) drain(fn func(*record)) int {
	return q.buf.Drain(fn)
}

func (q *stripedQueue) await(stop <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	if q.timer == nil {
		q.timer = time.NewTimer(d)
	} else {
		q.timer.Reset(d)
	}
	select {
	case <-stop:
		q.timer.Stop()
	case <-q.timer.C:
	}
}

func (q *stripedQueue) size() int {
	return q.buf.Size()
}

func (q *stripedQueue) mode() QueueMode {
	return QueueStriped
}

// channelQueue is the blocking fallback. A record received while waiting is
// held until the next drain.
type channelQueue struct {
	ch    chan *record
	held  *record
	timer *time.Timer
}

func (q *channelQueue) offer(r *record) bool {
	select {
	case q.ch <- r:
		return true
	default:
		return false
	}
}

func (q *channelQueue) producer() offerFunc {
	return q.offer
}

func (q *channelQueue) drain(fn func(*record)) int {
	n := 0
	if q.held != nil {
		fn(q.held)
		q.held = nil
		n++
	}
	for limit := n + cap(q.ch); n < limit; n++ {
		select {
		case r := <-q.ch:
			fn(r)
		default:
			return n
		}
	}
	return n
}

func (q *channelQueue) await(stop <-chan struct{}, d time.Duration) {
	if q.held != nil || d <= 0 {
		return
	}
	if q.timer == nil {
		q.timer = time.NewTimer(d)
	} else {
		q.timer.Reset(d)
	}
	select {
	case r := <-q.ch:
		q.held = r
		q.timer.Stop()
	case <-stop:
		q.timer.Stop()
	case <-q.timer.C:
	}
}

func (q *channelQueue) size() int {
	return len(q.ch)
}

func (q *channelQueue) mode() QueueMode {
	return QueueBlocking
}
