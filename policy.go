// policy.go: Rollover policy contracts
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// maxRollIndex is the index ceiling of numbered rolled files.
const maxRollIndex = math.MaxInt32

// RolloverPolicy decides, before each append, whether the active file must
// be rolled. position is the number of bytes already in the file. When roll
// is true, target is the name the active file is renamed to.
//
// RolloverIfNecessary is only ever called from the worker goroutine.
type RolloverPolicy interface {
	RolloverIfNecessary(current string, position int64) (target string, roll bool)
}

// RolloverListener is implemented by policies that want to know when a
// rollover they requested has completed.
type RolloverListener interface {
	RolledOver(current, target string)
}

// SizeLimiter is implemented by policies with a reloadable size threshold.
type SizeLimiter interface {
	SetMaxSize(bytes int64)
}

// HistoryLimiter is implemented by policies with a reloadable retention count.
type HistoryLimiter interface {
	SetMaxHistory(n int)
}

// policyEnv is what the appender hands a policy when it opens the file.
type policyEnv struct {
	sched *scheduler
	now   func() time.Time
}

// attachable policies start timers or background work when the appender
// opens and stop them when it closes.
type attachable interface {
	attach(env policyEnv) error
	detach()
}

// NoRollover never rolls.
type NoRollover struct{}

// RolloverIfNecessary implements RolloverPolicy.
func (NoRollover) RolloverIfNecessary(string, int64) (string, bool) {
	return "", false
}

// PolicyKind names a rolling policy in configuration.
type PolicyKind string

const (
	PolicyNone       PolicyKind = "none"
	PolicySize       PolicyKind = "size"
	PolicyTime       PolicyKind = "time"
	PolicyTimeSize   PolicyKind = "time-size"
	PolicyLumberjack PolicyKind = "lumberjack"
)

// ParsePolicyKind accepts the names above plus a few aliases.
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return PolicyNone, nil
	case "size":
		return PolicySize, nil
	case "time", "daily", "hourly":
		return PolicyTime, nil
	case "time-size", "time_size", "timesize", "time-and-size":
		return PolicyTimeSize, nil
	case "lumberjack":
		return PolicyLumberjack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// NewPolicy builds the policy described by r. PolicyLumberjack has no
// RolloverPolicy (it replaces the appender) and yields NoRollover.
func NewPolicy(r RollingConfig) (RolloverPolicy, error) {
	kind, err := ParsePolicyKind(r.Policy)
	if err != nil {
		return nil, err
	}
	maxSize, err := r.maxSizeBytes()
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if r.LocalTime {
		loc = time.Local
	}

	switch kind {
	case PolicySize:
		return NewSizeBasedPolicy(maxSize, r.MaxHistory), nil
	case PolicyTime:
		return NewTimeBasedPolicy(r.datePattern(), loc, r.MaxHistory)
	case PolicyTimeSize:
		return NewTimeAndSizePolicy(r.datePattern(), loc, maxSize, r.MaxHistory)
	default:
		return NoRollover{}, nil
	}
}
