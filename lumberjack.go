// lumberjack.go: Appender backed by lumberjack
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const megabyte = 1 << 20

// lumberjackAppender hands batches to a lumberjack.Logger, which rolls by
// size in whole megabytes, keeps MaxHistory backups and optionally gzips
// them. Its limits are fixed at construction.
type lumberjackAppender struct {
	logger *lumberjack.Logger
	closed bool
}

func newLumberjackAppender(cfg Config) (*lumberjackAppender, error) {
	path, err := sanitizePath(cfg.Filename)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
		}
	}

	maxSize, err := cfg.Rolling.maxSizeBytes()
	if err != nil {
		return nil, err
	}
	maxAge, err := cfg.Rolling.maxAge()
	if err != nil {
		return nil, err
	}
	compression, err := ParseCompression(cfg.Rolling.Compress)
	if err != nil {
		return nil, err
	}

	return &lumberjackAppender{logger: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    ceilDiv(maxSize, megabyte),
		MaxBackups: cfg.Rolling.MaxHistory,
		MaxAge:     ceilDiv(int64(maxAge), int64(24*time.Hour)),
		Compress:   compression == CompressionGzip,
		LocalTime:  cfg.Rolling.LocalTime,
	}}, nil
}

// Append implements Appender.
func (a *lumberjackAppender) Append(p []byte) error {
	if a.closed {
		return ErrClosed
	}
	if _, err := a.logger.Write(p); err != nil {
		return fmt.Errorf("lumberjack write: %w", err)
	}
	return nil
}

// Close implements Appender.
func (a *lumberjackAppender) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.logger.Close()
}

// ceilDiv rounds a positive quotient up to a whole unit, with a floor of 1
// for any positive n.
func ceilDiv(n, unit int64) int {
	if n <= 0 {
		return 0
	}
	return int((n + unit - 1) / unit)
}
