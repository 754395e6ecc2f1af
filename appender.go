// appender.go: Rolling file appender owned by the worker
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Appender persists flushed batches. Append and Close are called from the
// worker goroutine only.
type Appender interface {
	Append(p []byte) error
	Close() error
}

// appenderOptions carries the file settings of a RollingFileAppender.
type appenderOptions struct {
	fileMode    os.FileMode
	retryCount  int
	retryDelay  time.Duration
	compression Compression
	sched       *scheduler
	now         func() time.Time
}

// RollingFileAppender writes to a single file and rolls it according to a
// RolloverPolicy. It tracks the write position itself and writes at that
// offset, so the position the policy sees is exactly what this appender
// wrote since the file was opened or rolled.
//
// Any I/O failure closes the file; every later Append returns the error.
type RollingFileAppender struct {
	filename string
	policy   RolloverPolicy
	opts     appenderOptions

	file     *os.File
	position int64
	err      error
	closed   bool

	rollovers atomic.Uint64
}

// OpenRollingFile opens (or creates) filename for rolling appends with
// default file settings. A nil policy means NoRollover. Rolled files are
// pruned and compressed synchronously; the Logger runs that work in the
// background instead.
func OpenRollingFile(filename string, policy RolloverPolicy) (*RollingFileAppender, error) {
	return openRollingFile(filename, policy, appenderOptions{})
}

func openRollingFile(filename string, policy RolloverPolicy, opts appenderOptions) (*RollingFileAppender, error) {
	if filename == "" {
		return nil, ErrEmptyFilename
	}
	if policy == nil {
		policy = NoRollover{}
	}
	if opts.fileMode == 0 {
		opts.fileMode = GetDefaultFileMode()
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	path, err := sanitizePath(filename)
	if err != nil {
		return nil, err
	}

	a := &RollingFileAppender{filename: path, policy: policy, opts: opts}
	if dir := filepath.Dir(path); dir != "." {
		err := RetryFileOperation(func() error {
			return os.MkdirAll(dir, 0750)
		}, opts.retryCount, opts.retryDelay)
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
		}
	}
	if err := a.open(); err != nil {
		return nil, err
	}

	if p, ok := policy.(attachable); ok {
		if err := p.attach(policyEnv{sched: opts.sched, now: opts.now}); err != nil {
			_ = a.file.Close()
			return nil, err
		}
	}
	return a, nil
}

// Filename returns the sanitized path of the active file.
func (a *RollingFileAppender) Filename() string {
	return a.filename
}

// Position returns the number of bytes in the active file.
func (a *RollingFileAppender) Position() int64 {
	return a.position
}

// Rollovers returns how many times the file has been rolled.
func (a *RollingFileAppender) Rollovers() uint64 {
	return a.rollovers.Load()
}

// Policy returns the rollover policy in use.
func (a *RollingFileAppender) Policy() RolloverPolicy {
	return a.policy
}

// Append implements Appender.
func (a *RollingFileAppender) Append(p []byte) error {
	if a.err != nil {
		return a.err
	}
	if a.closed {
		return ErrClosed
	}

	if target, roll := a.policy.RolloverIfNecessary(a.filename, a.position); roll {
		if err := a.roll(target); err != nil {
			return a.fail(err)
		}
	}

	n, err := a.file.WriteAt(p, a.position)
	a.position += int64(n)
	if err != nil {
		return a.fail(fmt.Errorf("write %s: %w", a.filename, err))
	}
	return nil
}

// Close implements Appender. It is idempotent.
func (a *RollingFileAppender) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if p, ok := a.policy.(attachable); ok {
		p.detach()
	}
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", a.filename, err)
	}
	return nil
}

func (a *RollingFileAppender) open() error {
	var file *os.File
	err := RetryFileOperation(func() error {
		var err error
		file, err = os.OpenFile(a.filename, os.O_CREATE|os.O_WRONLY, a.opts.fileMode) // #nosec G304 -- path sanitized by sanitizePath
		return err
	}, a.opts.retryCount, a.opts.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to open log file %q: %w", a.filename, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file %q: %w", a.filename, err)
	}
	a.file = file
	a.position = max(info.Size(), 0)
	return nil
}

// roll closes the active file, renames it to target and reopens an empty
// file at the original path. A rename failure is fatal: writing on would
// break the rollover contract.
func (a *RollingFileAppender) roll(target string) error {
	file := a.file
	a.file = nil
	err := RetryFileOperation(file.Close, a.opts.retryCount, a.opts.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to close %s before rollover: %w", a.filename, err)
	}

	err = RetryFileOperation(func() error {
		return os.Rename(a.filename, target)
	}, a.opts.retryCount, a.opts.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to roll %s to %s: %w", a.filename, target, err)
	}

	if err := a.open(); err != nil {
		return err
	}
	a.position = 0
	a.rollovers.Add(1)

	// Compression is queued before retention so the serial scheduler never
	// prunes a file it is about to compress.
	a.compress(target)
	if l, ok := a.policy.(RolloverListener); ok {
		l.RolledOver(a.filename, target)
	}
	return nil
}

func (a *RollingFileAppender) compress(target string) {
	c := a.opts.compression
	if c == CompressionNone {
		return
	}
	task := func() error {
		return compressFile(target, c, a.opts.retryCount)
	}
	if a.opts.sched == nil {
		_ = task()
		return
	}
	a.opts.sched.submit("compress", task)
}

func (a *RollingFileAppender) fail(err error) error {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	a.err = err
	return err
}
