// registry.go: Process-wide registry of live loggers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

var registry = struct {
	sync.Mutex
	loggers map[*Logger]struct{}
}{loggers: make(map[*Logger]struct{})}

func register(l *Logger) {
	registry.Lock()
	registry.loggers[l] = struct{}{}
	registry.Unlock()
}

func deregister(l *Logger) {
	registry.Lock()
	delete(registry.loggers, l)
	registry.Unlock()
}

// Live returns the number of loggers that have not been shut down.
func Live() int {
	registry.Lock()
	defer registry.Unlock()
	return len(registry.loggers)
}

// ShutdownAll flushes and stops every live logger concurrently. Call it once
// on the way out of main, typically after the application's own shutdown:
//
//	defer styx.ShutdownAll(context.Background())
//
// It returns the first error reported by a logger, or ctx.Err() if the
// deadline passes first.
func ShutdownAll(ctx context.Context) error {
	registry.Lock()
	loggers := make([]*Logger, 0, len(registry.loggers))
	for l := range registry.loggers {
		loggers = append(loggers, l)
	}
	registry.Unlock()

	// A failing logger must not cut the others short, so no derived context.
	var g errgroup.Group
	for _, l := range loggers {
		g.Go(func() error {
			return l.Shutdown(ctx)
		})
	}
	return g.Wait()
}
