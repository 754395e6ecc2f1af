// policy_time.go: Time-triggered rollover on hourly or daily boundaries
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDatePattern is the Go layout used when none is configured.
const DefaultDatePattern = "2006-01-02"

// Period is the rolling granularity inferred from a date layout.
type Period int

const (
	PeriodHourly Period = iota + 1
	PeriodDaily
)

// String implements fmt.Stringer.
func (p Period) String() string {
	switch p {
	case PeriodHourly:
		return "hourly"
	case PeriodDaily:
		return "daily"
	default:
		return fmt.Sprintf("Period(%d)", int(p))
	}
}

// start returns the beginning of the period containing t, in t's location.
func (p Period) start(t time.Time) time.Time {
	y, m, d := t.Date()
	if p == PeriodHourly {
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
	}
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// cronSpec fires at every boundary of p.
func (p Period) cronSpec(loc *time.Location) string {
	spec := "0 0 * * *"
	if p == PeriodHourly {
		spec = "0 * * * *"
	}
	return "CRON_TZ=" + loc.String() + " " + spec
}

// InferPeriod works out how often layout changes by rendering it at probe
// times. Layouts that change within an hour (minutes, seconds) or that do
// not distinguish days across months and years are rejected with
// ErrUnsupportedPattern.
func InferPeriod(layout string, loc *time.Location) (Period, error) {
	if strings.TrimSpace(layout) == "" {
		return 0, fmt.Errorf("%w: empty layout", ErrUnsupportedPattern)
	}
	if strings.ContainsAny(layout, `/\`) {
		return 0, fmt.Errorf("%w: %q contains a path separator", ErrUnsupportedPattern, layout)
	}
	if loc == nil {
		loc = time.UTC
	}
	render := func(year int, month time.Month, day, hour, minute, second int) string {
		return time.Date(year, month, day, hour, minute, second, 0, loc).Format(layout)
	}

	hourStart := render(2021, time.March, 10, 10, 0, 0)
	if hourStart != render(2021, time.March, 10, 10, 59, 59) {
		return 0, fmt.Errorf("%w: %q changes within an hour", ErrUnsupportedPattern, layout)
	}
	distinctDays := hourStart != render(2021, time.March, 11, 10, 0, 0) &&
		hourStart != render(2021, time.April, 10, 10, 0, 0) &&
		hourStart != render(2022, time.March, 10, 10, 0, 0)
	if !distinctDays {
		return 0, fmt.Errorf("%w: %q does not identify a day", ErrUnsupportedPattern, layout)
	}
	if hourStart != render(2021, time.March, 10, 11, 0, 0) {
		return PeriodHourly, nil
	}
	return PeriodDaily, nil
}

// periodClock tracks period boundaries for the time-driven policies. A cron
// job publishes the start of the period that just ended; the worker takes it
// on the next append. Only one target is outstanding at a time: if no
// append happens for a whole period the earlier one is kept, since the file
// still holds that period's lines.
type periodClock struct {
	layout string
	loc    *time.Location
	period Period
	now    func() time.Time

	ended atomic.Pointer[time.Time]
	sched *scheduler
	entry cron.EntryID

	// worker-only
	checkedStale bool
}

// init sets c up in place; a periodClock holds atomics and is never copied.
func (c *periodClock) init(layout string, loc *time.Location) error {
	if layout == "" {
		layout = DefaultDatePattern
	}
	if loc == nil {
		loc = time.UTC
	}
	period, err := InferPeriod(layout, loc)
	if err != nil {
		return err
	}
	c.layout, c.loc, c.period, c.now = layout, loc, period, time.Now
	return nil
}

func (c *periodClock) attachClock(env policyEnv) error {
	if env.now != nil {
		c.now = env.now
	}
	c.sched = env.sched
	if c.sched == nil {
		return nil
	}
	id, err := c.sched.schedule(c.period.cronSpec(c.loc), func() {
		c.boundary(time.Now())
	})
	if err != nil {
		return err
	}
	c.entry = id
	return nil
}

func (c *periodClock) detachClock() {
	if c.sched != nil && c.entry != 0 {
		c.sched.unschedule(c.entry)
		c.entry = 0
	}
}

// boundary publishes the period that ended just before at. Set-once: it
// returns false if a target is already waiting.
func (c *periodClock) boundary(at time.Time) bool {
	current := c.period.start(at.In(c.loc))
	ended := c.period.start(current.Add(-time.Nanosecond))
	return c.ended.CompareAndSwap(nil, &ended)
}

// take returns the ended period the active file must be rolled for. On the
// first call it also checks whether the file was last written in an earlier
// period.
func (c *periodClock) take(current string, position int64) (time.Time, bool) {
	published := c.ended.Swap(nil)

	if !c.checkedStale {
		c.checkedStale = true
		if position > 0 {
			if info, err := os.Stat(current); err == nil {
				written := c.period.start(info.ModTime().In(c.loc))
				if written.Before(c.currentPeriod()) {
					return written, true
				}
			}
		}
	}

	if published == nil || position == 0 {
		return time.Time{}, false
	}
	return *published, true
}

func (c *periodClock) currentPeriod() time.Time {
	return c.period.start(c.now().In(c.loc))
}

// Period returns the inferred rolling granularity.
func (c *periodClock) Period() Period {
	return c.period
}

// TimeBasedPolicy rolls at every hourly or daily boundary, as inferred from
// a Go date layout. Rolled files are named <file>.<date>.
type TimeBasedPolicy struct {
	periodClock
	retention
}

// NewTimeBasedPolicy returns a policy for layout (DefaultDatePattern when
// empty) evaluated in loc (UTC when nil). maxHistory <= 0 keeps every file.
func NewTimeBasedPolicy(layout string, loc *time.Location, maxHistory int) (*TimeBasedPolicy, error) {
	p := &TimeBasedPolicy{}
	if err := p.periodClock.init(layout, loc); err != nil {
		return nil, err
	}
	p.maxHistory.Store(int64(maxHistory))
	return p, nil
}

// RolloverIfNecessary implements RolloverPolicy.
func (p *TimeBasedPolicy) RolloverIfNecessary(current string, position int64) (string, bool) {
	ended, ok := p.take(current, position)
	if !ok {
		return "", false
	}
	return current + "." + ended.Format(p.layout), true
}

// RolledOver implements RolloverListener.
func (p *TimeBasedPolicy) RolledOver(current, _ string) {
	p.prune(current, p.parseSuffix)
}

func (p *TimeBasedPolicy) attach(env policyEnv) error {
	p.retention.sched = env.sched
	return p.attachClock(env)
}

func (p *TimeBasedPolicy) detach() {
	p.detachClock()
}

func (p *TimeBasedPolicy) parseSuffix(suffix string) (historyKey, bool) {
	at, err := time.ParseInLocation(p.layout, suffix, p.loc)
	if err != nil {
		return historyKey{}, false
	}
	return historyKey{at: at}, true
}
