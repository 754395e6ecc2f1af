// policy_timesize.go: Combined time and size rollover
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// TimeAndSizePolicy rolls at every period boundary and, within a period,
// whenever the file reaches maxSize. Rolled files are named
// <file>.<date>.<n>; n counts from 1 within each period.
type TimeAndSizePolicy struct {
	periodClock
	retention
	maxSize atomic.Int64

	// worker-only
	indexPeriod time.Time
	nextIndex   int
}

// NewTimeAndSizePolicy returns a combined policy. maxSize <= 0 disables the
// size trigger.
func NewTimeAndSizePolicy(layout string, loc *time.Location, maxSize int64, maxHistory int) (*TimeAndSizePolicy, error) {
	p := &TimeAndSizePolicy{}
	if err := p.periodClock.init(layout, loc); err != nil {
		return nil, err
	}
	p.maxSize.Store(maxSize)
	p.maxHistory.Store(int64(maxHistory))
	return p, nil
}

// SetMaxSize changes the size threshold. Safe for concurrent use.
func (p *TimeAndSizePolicy) SetMaxSize(bytes int64) {
	p.maxSize.Store(bytes)
}

// RolloverIfNecessary implements RolloverPolicy.
func (p *TimeAndSizePolicy) RolloverIfNecessary(current string, position int64) (string, bool) {
	if ended, ok := p.take(current, position); ok {
		target := p.targetFor(current, ended)
		// The new period numbers from 1 again, after whatever is on disk.
		p.nextIndex = 0
		return target, true
	}

	maxSize := p.maxSize.Load()
	if maxSize <= 0 || position < maxSize {
		return "", false
	}
	return p.targetFor(current, p.currentPeriod()), true
}

// targetFor returns the next free name for period and advances the index.
func (p *TimeAndSizePolicy) targetFor(current string, period time.Time) string {
	if p.nextIndex == 0 || !p.indexPeriod.Equal(period) {
		p.indexPeriod = period
		p.nextIndex = p.resumeIndex(current, period)
	}
	target := current + "." + period.Format(p.layout) + "." + strconv.Itoa(p.nextIndex)
	p.nextIndex = bumpIndex(p.nextIndex)
	return target
}

// resumeIndex continues the numbering of period from the files on disk.
func (p *TimeAndSizePolicy) resumeIndex(current string, period time.Time) int {
	files, err := listHistory(current, p.parseSuffix)
	if err != nil {
		return 1
	}
	highest := 0
	for _, hf := range files {
		if hf.key.at.Equal(period) && hf.key.index > highest {
			highest = hf.key.index
		}
	}
	return bumpIndex(highest)
}

// RolledOver implements RolloverListener.
func (p *TimeAndSizePolicy) RolledOver(current, _ string) {
	p.prune(current, p.parseSuffix)
}

func (p *TimeAndSizePolicy) attach(env policyEnv) error {
	p.retention.sched = env.sched
	return p.attachClock(env)
}

func (p *TimeAndSizePolicy) detach() {
	p.detachClock()
}

func (p *TimeAndSizePolicy) parseSuffix(suffix string) (historyKey, bool) {
	dot := strings.LastIndexByte(suffix, '.')
	if dot <= 0 {
		return historyKey{}, false
	}
	n, ok := parseIndex(suffix[dot+1:])
	if !ok {
		return historyKey{}, false
	}
	at, err := time.ParseInLocation(p.layout, suffix[:dot], p.loc)
	if err != nil {
		return historyKey{}, false
	}
	return historyKey{at: at, index: n}, true
}
