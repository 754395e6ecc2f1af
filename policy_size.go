// policy_size.go: Size-triggered rollover with numbered history
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"strconv"
	"sync/atomic"
)

// SizeBasedPolicy rolls the file once it holds maxSize bytes. Rolled files
// are named <file>.1, <file>.2, ... with the numbering resumed from the
// files already on disk, and at most maxHistory of them are kept.
type SizeBasedPolicy struct {
	retention
	maxSize atomic.Int64

	// worker-only
	nextIndex int
	resumed   bool
}

// NewSizeBasedPolicy returns a policy rolling at maxSize bytes. maxSize <= 0
// disables rolling; maxHistory <= 0 keeps every rolled file.
func NewSizeBasedPolicy(maxSize int64, maxHistory int) *SizeBasedPolicy {
	p := &SizeBasedPolicy{}
	p.maxSize.Store(maxSize)
	p.maxHistory.Store(int64(maxHistory))
	return p
}

// SetMaxSize changes the rolling threshold. Safe for concurrent use.
func (p *SizeBasedPolicy) SetMaxSize(bytes int64) {
	p.maxSize.Store(bytes)
}

// MaxSize returns the rolling threshold in bytes.
func (p *SizeBasedPolicy) MaxSize() int64 {
	return p.maxSize.Load()
}

// RolloverIfNecessary implements RolloverPolicy.
func (p *SizeBasedPolicy) RolloverIfNecessary(current string, position int64) (string, bool) {
	maxSize := p.maxSize.Load()
	if maxSize <= 0 || position < maxSize {
		return "", false
	}
	if !p.resumed {
		p.nextIndex = resumeIndex(current, parseSizeSuffix)
		p.resumed = true
	}
	target := current + "." + strconv.Itoa(p.nextIndex)
	p.nextIndex = bumpIndex(p.nextIndex)
	return target, true
}

// RolledOver implements RolloverListener.
func (p *SizeBasedPolicy) RolledOver(current, _ string) {
	p.prune(current, parseSizeSuffix)
}

func (p *SizeBasedPolicy) attach(env policyEnv) error {
	p.sched = env.sched
	return nil
}

func (p *SizeBasedPolicy) detach() {}

func parseSizeSuffix(suffix string) (historyKey, bool) {
	n, ok := parseIndex(suffix)
	if !ok {
		return historyKey{}, false
	}
	return historyKey{index: n}, true
}

// resumeIndex returns one past the highest index already on disk for the
// files parse recognises.
func resumeIndex(base string, parse suffixParser) int {
	files, err := listHistory(base, parse)
	if err != nil {
		return 1
	}
	highest := 0
	for _, hf := range files {
		if hf.key.index > highest {
			highest = hf.key.index
		}
	}
	return bumpIndex(highest)
}

// bumpIndex advances an index, wrapping to 1 past the ceiling.
func bumpIndex(n int) int {
	if n >= maxRollIndex {
		return 1
	}
	return n + 1
}
