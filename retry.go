// retry.go: Retried file operations
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v5"
)

const (
	defaultRetryCount = 3
	defaultRetryDelay = 10 * time.Millisecond
)

// RetryFileOperation runs operation until it succeeds or retryCount attempts
// have failed, sleeping retryDelay between attempts. Non-positive values
// select 3 attempts and 10ms.
//
// Windows antivirus scans, network shares and overlay filesystems produce
// transient failures on close, rename and open; a short bounded retry rides
// them out without hiding persistent errors.
func RetryFileOperation(operation func() error, retryCount int, retryDelay time.Duration) error {
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	err := retry.New(
		retry.Attempts(uint(retryCount)), // #nosec G115 -- retryCount is positive
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(operation)
	if err != nil {
		return fmt.Errorf("operation failed after %d attempts: %w", retryCount, err)
	}
	return nil
}
