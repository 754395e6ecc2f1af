// errors.go: Sentinel errors
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import "errors"

var (
	// ErrClosed is returned by writes and appends after Close.
	ErrClosed = errors.New("styx: logger is closed")

	// ErrQueueFull is returned by Offer when the record was dropped because
	// the queue had no free slot.
	ErrQueueFull = errors.New("styx: queue full, record dropped")

	// ErrInvalidCapacity is returned when a ring capacity is not a power of two >= 2.
	ErrInvalidCapacity = errors.New("styx: capacity must be a power of two >= 2")

	// ErrEmptyFilename is returned when no target file is configured.
	ErrEmptyFilename = errors.New("styx: filename is required")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("styx: invalid config")

	// ErrUnsupportedPattern is returned when a date layout does not roll
	// hourly or daily.
	ErrUnsupportedPattern = errors.New("styx: date pattern must roll hourly or daily")

	// ErrUnsupportedFormat is returned for config files that are neither YAML nor JSON.
	ErrUnsupportedFormat = errors.New("styx: unsupported config format")

	// ErrUnknownPolicy is returned for an unknown rolling policy name.
	ErrUnknownPolicy = errors.New("styx: unknown rolling policy")

	// ErrUnknownCompression is returned for an unknown compression name.
	ErrUnknownCompression = errors.New("styx: unknown compression")

	// ErrUnknownQueueMode is returned for an unknown queue mode.
	ErrUnknownQueueMode = errors.New("styx: unknown queue mode")

	// ErrUnknownCharset is returned when the configured charset cannot be resolved.
	ErrUnknownCharset = errors.New("styx: unknown charset")
)

// Pre-allocated to keep the offer path allocation free.
var errNilEntry = errors.New("styx: nil entry offered")
