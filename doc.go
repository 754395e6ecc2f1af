// doc.go: Package documentation
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Package styx is an asynchronous file logging back end with rolling.
//
// Producers hand encoded lines to a bounded lock-free queue and return
// immediately. A single worker goroutine drains the queue into a write
// buffer and flushes it to a rolling file appender, which renames the
// active file when its policy says so and deletes old history in the
// background.
//
// # Quick Start
//
//	logger, err := styx.NewWithDefaults("app.log")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	log.SetOutput(logger)
//
// # Queues
//
// Two queue modes are available through Config.QueueMode:
//
//	striped   a StripedBuffer of MPSC rings, grown under contention (auto)
//	blocking  a buffered channel, for low-rate loggers that should not spin
//
// Lines from one goroutine are written in the order it produced them. In
// striped mode the Logger methods share a single ring; a goroutine that logs
// heavily should take its own Stream, which spreads over the rings:
//
//	s := logger.Stream()
//	fmt.Fprintf(s, "worker %d started\n", id)
//
// When the queue is full a record is dropped. Write reports success and
// counts the drop in Stats.Dropped; Offer returns ErrQueueFull so callers
// can retry.
//
// # Flushing
//
// The worker writes whenever the write buffer fills, and a partly filled
// buffer is written once its oldest byte is FlushTimeout old (one second by
// default). Shutdown drains the queue, flushes once more and closes the file
// before returning:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := logger.Shutdown(ctx); err != nil {
//		log.Printf("log shutdown: %v", err)
//	}
//
// ShutdownAll does the same for every live Logger in the process.
//
// # Rolling
//
// Rolling.Policy selects how the active file is rolled:
//
//	none        never roll
//	size        app.log -> app.log.1, app.log.2, ...
//	time        app.log -> app.log.2025-01-31 at each period boundary
//	time-size   app.log -> app.log.2025-01-31.1, .2, ... (period or size)
//	lumberjack  delegate rolling to gopkg.in/natefinch/lumberjack.v2
//
// The period of a time policy (hourly or daily) is inferred from its Go time
// layout. Rolled files may be compressed with gzip or zstd, and at most
// MaxHistory of them are kept.
//
// # Configuration
//
// Config can be built in code or loaded from YAML or JSON:
//
//	filename: /var/log/app/app.log
//	queue_capacity: 4096
//	flush_timeout: 500ms
//	rolling:
//	  policy: time-size
//	  date_pattern: "2006-01-02"
//	  max_size: 64MB
//	  max_history: 14
//	  compress: zstd
//
// Logger.Watch reloads flush_timeout, rolling.max_size and
// rolling.max_history when the file changes.
//
// # Observability
//
// Counters and the queue depth are exported as OpenTelemetry instruments
// (see WithMeterProvider), and Stats returns the same values directly.
// Failures off the caller's goroutine go to the ErrorHandler, which logs
// through log/slog by default.
package styx
