// styx.go: Logger, the asynchronous front end of a log target
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"go.opentelemetry.io/otel/metric"
)

// ErrorHandler receives failures that happen off the caller's goroutine:
// history deletion, compression, config reload, metrics, and the one fatal
// error that stops a worker (op "worker").
type ErrorHandler func(op string, err error)

// Option customizes New.
type Option func(*options)

type options struct {
	encoder       Encoder
	appender      Appender
	policy        RolloverPolicy
	onError       ErrorHandler
	meterProvider metric.MeterProvider
}

// WithEncoder replaces the PatternEncoder used by Log.
func WithEncoder(e Encoder) Option {
	return func(o *options) { o.encoder = e }
}

// WithAppender replaces the file appender. The Logger closes it on shutdown.
// Rolling settings in Config are ignored.
func WithAppender(a Appender) Option {
	return func(o *options) { o.appender = a }
}

// WithPolicy replaces the policy built from Config.Rolling.
func WithPolicy(p RolloverPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithErrorHandler routes background failures to h instead of slog.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.onError = h }
}

// WithMeterProvider registers the logger's instruments with mp instead of
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// Logger accepts encoded log lines from any number of goroutines and hands
// them to a single worker that batches them into a file. Producers never
// block and never touch the file: when the queue is full the line is
// dropped and counted.
//
// Basic usage:
//
//	logger, err := styx.New(styx.DefaultConfig("app.log"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	log.SetOutput(logger)
type Logger struct {
	filename string
	queue    recordQueue
	worker   *worker
	rolling  *RollingFileAppender
	policy   RolloverPolicy
	sched    *scheduler
	clock    *timecache.TimeCache
	encoder  Encoder
	onError  ErrorHandler
	metrics  *metrics

	closed   atomic.Bool
	inflight atomic.Int64
	enqueued atomic.Uint64
	dropped  atomic.Uint64

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// New validates cfg, opens the target and starts the worker.
func New(cfg Config, opts ...Option) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{onError: defaultErrorHandler}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.onError == nil {
		o.onError = func(string, error) {}
	}

	l := &Logger{
		filename:     cfg.Filename,
		onError:      o.onError,
		shutdownDone: make(chan struct{}),
	}
	l.clock = timecache.NewWithResolution(time.Millisecond)
	l.sched = newScheduler(o.onError)

	cleanup := func() {
		l.sched.stop()
		l.clock.Stop()
	}

	encoder := o.encoder
	if encoder == nil {
		pe, err := NewPatternEncoder(cfg.Pattern, cfg.Charset)
		if err != nil {
			cleanup()
			return nil, err
		}
		encoder = pe
	}
	l.encoder = encoder

	mode, err := ParseQueueMode(cfg.QueueMode)
	if err != nil {
		cleanup()
		return nil, err
	}
	queue, err := newRecordQueue(mode, cfg.QueueCapacity)
	if err != nil {
		cleanup()
		return nil, err
	}
	l.queue = queue

	appender, err := l.openAppender(cfg, o)
	if err != nil {
		cleanup()
		return nil, err
	}

	l.worker = newWorker(queue, appender, cfg.WriteBufferSize, cfg.FlushTimeout, l.clock.CachedTime, func(err error) {
		o.onError("worker", err)
	})

	m, err := newMetrics(o.meterProvider, l.filename, l.Stats)
	if err != nil {
		o.onError("metrics", fmt.Errorf("register instruments: %w", err))
	}
	l.metrics = m

	register(l)
	l.worker.start()
	return l, nil
}

func (l *Logger) openAppender(cfg Config, o options) (Appender, error) {
	if o.appender != nil {
		return o.appender, nil
	}

	kind, err := ParsePolicyKind(cfg.Rolling.Policy)
	if err != nil {
		return nil, err
	}
	if kind == PolicyLumberjack && o.policy == nil {
		return newLumberjackAppender(cfg)
	}

	policy := o.policy
	if policy == nil {
		if policy, err = NewPolicy(cfg.Rolling); err != nil {
			return nil, err
		}
	}
	compression, err := ParseCompression(cfg.Rolling.Compress)
	if err != nil {
		return nil, err
	}

	rolling, err := openRollingFile(cfg.Filename, policy, appenderOptions{
		fileMode:    cfg.FileMode,
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		compression: compression,
		sched:       l.sched,
		now:         l.clock.CachedTime,
	})
	if err != nil {
		return nil, err
	}
	l.rolling = rolling
	l.policy = policy
	return rolling, nil
}

// NewWithDefaults creates a Logger with production defaults: roll at 100MB,
// keep 10 gzip-compressed files.
func NewWithDefaults(filename string) (*Logger, error) {
	cfg := DefaultConfig(filename)
	cfg.Rolling = RollingConfig{
		Policy:     string(PolicySize),
		MaxSize:    "100MB",
		MaxHistory: 10,
		Compress:   CompressionGzip.String(),
	}
	return New(cfg)
}

// NewSizeRolling creates a Logger rolling at maxSize (e.g. "64MB") and
// keeping maxHistory rolled files.
func NewSizeRolling(filename, maxSize string, maxHistory int) (*Logger, error) {
	cfg := DefaultConfig(filename)
	cfg.Rolling = RollingConfig{
		Policy:     string(PolicySize),
		MaxSize:    maxSize,
		MaxHistory: maxHistory,
	}
	return New(cfg)
}

// NewDaily creates a Logger that rolls at local midnight and at 50MB within
// a day, keeping a week of compressed files.
func NewDaily(filename string) (*Logger, error) {
	cfg := DefaultConfig(filename)
	cfg.Rolling = RollingConfig{
		Policy:      string(PolicyTimeSize),
		MaxSize:     "50MB",
		MaxHistory:  7,
		DatePattern: DefaultDatePattern,
		LocalTime:   true,
		Compress:    CompressionGzip.String(),
	}
	return New(cfg)
}

// Write implements io.Writer. p is copied, so the caller may reuse it. A
// full queue drops the line silently (it is counted in Stats.Dropped);
// only a closed logger returns an error.
//
// Lines written by one goroutine reach the file in the order it wrote them.
// In striped mode every Write shares one cell; goroutines that log at a
// high rate should take a Stream each.
func (l *Logger) Write(p []byte) (int, error) {
	return l.write(l.queue.offer, copyRecord(p), len(p))
}

// WriteOwned is Write without the copy: the caller hands p over and must
// not modify it afterwards.
func (l *Logger) WriteOwned(p []byte) (int, error) {
	return l.write(l.queue.offer, ownedRecord(p), len(p))
}

// Offer copies and enqueues p, reporting a drop as ErrQueueFull.
func (l *Logger) Offer(p []byte) error {
	return l.enqueue(l.queue.offer, copyRecord(p))
}

// Log encodes r on the calling goroutine and enqueues the result. A zero
// r.Time is set to the cached clock.
func (l *Logger) Log(r Record) error {
	return l.log(l.queue.offer, r)
}

// Stream returns a writer for a single goroutine. In striped mode each
// Stream has its own home cell, so concurrent Streams do not contend on one
// ring. Lines written through a Stream reach the file in the order they
// were written.
func (l *Logger) Stream() *Stream {
	return &Stream{logger: l, offer: l.queue.producer()}
}

func (l *Logger) write(offer offerFunc, r *record, n int) (int, error) {
	if err := l.enqueue(offer, r); err != nil {
		if errors.Is(err, ErrQueueFull) {
			return n, nil
		}
		return 0, err
	}
	return n, nil
}

func (l *Logger) log(offer offerFunc, r Record) error {
	if l.closed.Load() {
		l.dropped.Add(1)
		return ErrClosed
	}
	if r.Time.IsZero() {
		r.Time = l.clock.CachedTime()
	}
	p, err := l.encoder.Encode(r)
	if err != nil {
		return fmt.Errorf("styx: encode: %w", err)
	}
	return l.enqueue(offer, ownedRecord(p))
}

func (l *Logger) enqueue(offer offerFunc, r *record) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.closed.Load() {
		l.dropped.Add(1)
		r.release()
		return ErrClosed
	}
	if !offer(r) {
		l.dropped.Add(1)
		r.release()
		return ErrQueueFull
	}
	l.enqueued.Add(1)
	return nil
}

// Stream is a per-goroutine producer onto a Logger. It is not safe for
// concurrent use. Its methods behave like the Logger methods of the same
// name.
type Stream struct {
	logger *Logger
	offer  offerFunc
}

// Write implements io.Writer like Logger.Write.
func (s *Stream) Write(p []byte) (int, error) {
	return s.logger.write(s.offer, copyRecord(p), len(p))
}

// WriteOwned is Logger.WriteOwned through this stream.
func (s *Stream) WriteOwned(p []byte) (int, error) {
	return s.logger.write(s.offer, ownedRecord(p), len(p))
}

// Offer is Logger.Offer through this stream.
func (s *Stream) Offer(p []byte) error {
	return s.logger.enqueue(s.offer, copyRecord(p))
}

// Log is Logger.Log through this stream.
func (s *Stream) Log(r Record) error {
	return s.logger.log(s.offer, r)
}

// Stats is a point-in-time snapshot of a Logger.
type Stats struct {
	Enqueued     uint64        `json:"enqueued"`      // records accepted by the queue
	Dropped      uint64        `json:"dropped"`       // records rejected (queue full or closed)
	BytesWritten uint64        `json:"bytes_written"` // bytes flushed to the appender
	Flushes      uint64        `json:"flushes"`       // batches flushed
	Rollovers    uint64        `json:"rollovers"`     // file rollovers
	QueueSize    int           `json:"queue_size"`    // records waiting
	QueueMode    QueueMode     `json:"queue_mode"`
	WorkerState  WorkerState   `json:"worker_state"`
	FlushTimeout time.Duration `json:"flush_timeout"`
}

// Stats returns current counters. Safe for concurrent use.
func (l *Logger) Stats() Stats {
	s := Stats{
		Enqueued:     l.enqueued.Load(),
		Dropped:      l.dropped.Load(),
		BytesWritten: l.worker.bytesWritten.Load(),
		Flushes:      l.worker.flushes.Load(),
		QueueSize:    l.queue.size(),
		QueueMode:    l.queue.mode(),
		WorkerState:  l.worker.State(),
		FlushTimeout: time.Duration(l.worker.flushTimeout.Load()),
	}
	if l.rolling != nil {
		s.Rollovers = l.rolling.Rollovers()
	}
	return s
}

// Filename returns the configured target path.
func (l *Logger) Filename() string {
	return l.filename
}

// Err returns the error that stopped the worker, or nil while it is healthy
// or after a clean shutdown.
func (l *Logger) Err() error {
	return l.worker.Err()
}

// Reconfigure applies the reloadable settings of cfg: flush_timeout,
// rolling.max_size and rolling.max_history. Other fields are validated but
// only take effect on a new Logger.
func (l *Logger) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.worker.setFlushTimeout(cfg.FlushTimeout)

	if l.policy == nil {
		return nil
	}
	if sl, ok := l.policy.(SizeLimiter); ok && cfg.Rolling.MaxSize != "" {
		size, err := cfg.Rolling.maxSizeBytes()
		if err != nil {
			return err
		}
		sl.SetMaxSize(size)
	}
	if hl, ok := l.policy.(HistoryLimiter); ok {
		hl.SetMaxHistory(cfg.Rolling.MaxHistory)
	}
	return nil
}

// WaitForBackgroundTasks blocks until queued compressions and history
// cleanups have finished.
func (l *Logger) WaitForBackgroundTasks() {
	l.sched.wait()
}

// Close is Shutdown without a deadline.
func (l *Logger) Close() error {
	return l.Shutdown(context.Background())
}

// Shutdown stops accepting records, lets the worker drain the queue, flush
// and close the file, then stops the background scheduler. It is safe to
// call more than once and from several goroutines; every call waits for the
// same shutdown, or for its own ctx. The worker's fatal error, if any, is
// returned.
func (l *Logger) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		go l.shutdown()
	})
	select {
	case <-l.shutdownDone:
		return l.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) shutdown() {
	defer close(l.shutdownDone)

	l.closed.Store(true)
	// Producers that got past the closed check finish their offer first,
	// so the final drain sees every accepted record.
	for l.inflight.Load() > 0 {
		runtime.Gosched()
	}

	_ = l.worker.shutdown(context.Background())
	l.sched.stop()
	l.clock.Stop()
	if err := l.metrics.close(); err != nil {
		l.onError("metrics", err)
	}
	deregister(l)
	l.shutdownErr = l.worker.Err()
}

func defaultErrorHandler(op string, err error) {
	slog.Default().Warn("styx: background operation failed", "op", op, "err", err)
}
