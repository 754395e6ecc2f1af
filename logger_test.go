// logger_test.go: End-to-end tests for Logger
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateAppender blocks every Append until gate is closed.
type gateAppender struct {
	memAppender
	gate    chan struct{}
	entered atomic.Bool
}

func (g *gateAppender) Append(p []byte) error {
	g.entered.Store(true)
	<-g.gate
	return g.memAppender.Append(p)
}

func offerUntilAccepted(t *testing.T, l *Logger, p []byte) {
	t.Helper()
	for {
		err := l.Offer(p)
		if err == nil {
			return
		}
		require.ErrorIs(t, err, ErrQueueFull)
		runtime.Gosched()
	}
}

func TestLogger_ConcurrentProducersLoseNothing(t *testing.T) {
	const goroutines, perGoroutine, recordSize = 8, 1250, 8

	for _, mode := range []QueueMode{QueueStriped, QueueBlocking} {
		t.Run(string(mode), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "app.log")
			cfg := DefaultConfig(path)
			cfg.QueueCapacity = 1024
			cfg.WriteBufferSize = 64
			cfg.QueueMode = string(mode)

			l, err := New(cfg)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < perGoroutine; i++ {
						line := []byte(fmt.Sprintf("%d%06d\n", g, i))
						require.Len(t, line, recordSize)
						offerUntilAccepted(t, l, line)
					}
				}(g)
			}
			wg.Wait()
			require.NoError(t, l.Close())

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, int64(goroutines*perGoroutine*recordSize), info.Size())

			stats := l.Stats()
			assert.Equal(t, uint64(goroutines*perGoroutine), stats.Enqueued)
			assert.Equal(t, uint64(goroutines*perGoroutine*recordSize), stats.BytesWritten)
			assert.Zero(t, stats.QueueSize)
			assert.Equal(t, WorkerStopped, stats.WorkerState)

			f, err := os.Open(path) // #nosec G304 -- test path
			require.NoError(t, err)
			defer f.Close()
			seen := make(map[string]bool, goroutines*perGoroutine)
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := scanner.Text()
				require.Len(t, line, recordSize-1, "torn record %q", line)
				require.False(t, seen[line], "duplicate record %q", line)
				seen[line] = true
			}
			require.NoError(t, scanner.Err())
			assert.Len(t, seen, goroutines*perGoroutine)
		})
	}
}

// assertPerProducerOrder checks that every "<producer>:<seq>" line of path
// appears in increasing seq order for its producer, with none missing.
func assertPerProducerOrder(t *testing.T, path string, producers, perProducer int) {
	t.Helper()
	f, err := os.Open(path) // #nosec G304 -- test path
	require.NoError(t, err)
	defer f.Close()

	next := make([]int, producers)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var p, seq int
		_, err := fmt.Sscanf(scanner.Text(), "%d:%d", &p, &seq)
		require.NoError(t, err, scanner.Text())
		require.Equal(t, next[p], seq, "producer %d out of order", p)
		next[p]++
	}
	require.NoError(t, scanner.Err())
	for p, n := range next {
		assert.Equal(t, perProducer, n, "producer %d", p)
	}
}

func TestLogger_KeepsPerProducerOrder(t *testing.T) {
	const producers, perProducer = 8, 2000

	type offerer interface{ Offer(p []byte) error }
	paths := map[string]func(l *Logger) offerer{
		"logger": func(l *Logger) offerer { return l },
		"stream": func(l *Logger) offerer { return l.Stream() },
	}
	for _, mode := range []QueueMode{QueueStriped, QueueBlocking} {
		for name, source := range paths {
			t.Run(string(mode)+"/"+name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "app.log")
				cfg := DefaultConfig(path)
				cfg.QueueMode = string(mode)
				cfg.QueueCapacity = 64
				cfg.WriteBufferSize = 256

				l, err := New(cfg)
				require.NoError(t, err)

				var wg sync.WaitGroup
				for p := 0; p < producers; p++ {
					wg.Add(1)
					go func(p int) {
						defer wg.Done()
						out := source(l)
						for i := 0; i < perProducer; i++ {
							line := []byte(fmt.Sprintf("%d:%d\n", p, i))
							for {
								err := out.Offer(line)
								if err == nil {
									break
								}
								if !errors.Is(err, ErrQueueFull) {
									t.Error(err)
									return
								}
								runtime.Gosched()
							}
						}
					}(p)
				}
				wg.Wait()
				require.NoError(t, l.Close())

				assertPerProducerOrder(t, path, producers, perProducer)
			})
		}
	}
}

func TestLogger_WriteOrderSurvivesGrownCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := DefaultConfig(path)
	cfg.QueueMode = string(QueueStriped)

	l, err := New(cfg)
	require.NoError(t, err)
	// The cell array as contention leaves it.
	preload(t, l.queue.(*stripedQueue).buf, 2)

	for i := 1; i <= 6; i++ {
		_, err := l.Write([]byte{byte('0' + i)})
		require.NoError(t, err)
		runtime.GC()
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path) // #nosec G304 -- test path
	require.NoError(t, err)
	assert.Equal(t, "123456", string(data))
}

func TestLogger_StreamWritesAndLogs(t *testing.T) {
	app := &memAppender{}
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "app.log"))
	cfg.Pattern = "%level %msg%n"
	l, err := New(cfg, WithAppender(app))
	require.NoError(t, err)

	s := l.Stream()
	n, err := s.Write([]byte("a\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.WriteOwned([]byte("b\n"))
	require.NoError(t, err)
	require.NoError(t, s.Offer([]byte("c\n")))
	require.NoError(t, s.Log(Record{Level: LevelInfo, Message: "d"}))
	require.NoError(t, l.Close())

	assert.Equal(t, "a\nb\nc\nINFO d\n", app.joined())
	assert.Equal(t, uint64(4), l.Stats().Enqueued)

	assert.ErrorIs(t, s.Offer([]byte("late")), ErrClosed)
	assert.ErrorIs(t, s.Log(Record{Message: "late"}), ErrClosed)
	_, err = s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, uint64(3), l.Stats().Dropped)
}

func TestLogger_WriteDropsWhenFull(t *testing.T) {
	app := &gateAppender{gate: make(chan struct{})}
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "app.log"))
	cfg.QueueMode = string(QueueBlocking)
	cfg.QueueCapacity = 2
	cfg.WriteBufferSize = 1

	l, err := New(cfg, WithAppender(app))
	require.NoError(t, err)

	for _, line := range []string{"a", "b"} {
		n, err := l.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	require.Eventually(t, app.entered.Load, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		n, err := l.Write([]byte("x"))
		require.NoError(t, err, "a full queue is not an error for Write")
		assert.Equal(t, 1, n)
	}

	stats := l.Stats()
	assert.Equal(t, uint64(8), stats.Dropped)
	assert.Equal(t, uint64(4), stats.Enqueued)
	assert.Equal(t, QueueBlocking, stats.QueueMode)

	close(app.gate)
	require.NoError(t, l.Close())
	assert.Equal(t, "abxx", app.joined())
}

func TestLogger_WriteCopiesAndWriteOwnedDoesNot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(DefaultConfig(path))
	require.NoError(t, err)

	buf := []byte("copied\n")
	_, err = l.Write(buf)
	require.NoError(t, err)
	copy(buf, "XXXXXX\n")

	_, err = l.WriteOwned([]byte("owned\n"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, "copied\nowned\n", readFile(t, path))
}

func TestLogger_LogEncodesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := DefaultConfig(path)
	cfg.Pattern = "%d{2006-01-02} %level %logger: %msg%err%n"

	l, err := New(cfg)
	require.NoError(t, err)

	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, l.Log(Record{Time: at, Level: LevelInfo, Logger: "db", Message: "connected"}))
	require.NoError(t, l.Log(Record{Time: at, Level: LevelError, Logger: "db", Message: "query failed", Err: errors.New("timeout")}))
	require.NoError(t, l.Log(Record{Level: LevelDebug, Message: "clock filled in"}))
	require.NoError(t, l.Close())

	lines := strings.Split(strings.TrimSuffix(readFile(t, path), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2025-03-10 INFO db: connected", lines[0])
	assert.Equal(t, "2025-03-10 ERROR db: query failed timeout", lines[1])
	assert.NotContains(t, lines[2], "0001-01-01")
}

func TestLogger_CustomEncoder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	enc := EncoderFunc(func(r Record) ([]byte, error) {
		if r.Message == "" {
			return nil, errors.New("empty message")
		}
		return []byte(r.Message + "\n"), nil
	})
	l, err := New(DefaultConfig(path), WithEncoder(enc))
	require.NoError(t, err)

	require.NoError(t, l.Log(Record{Message: "custom"}))
	assert.Error(t, l.Log(Record{}))
	require.NoError(t, l.Close())
	assert.Equal(t, "custom\n", readFile(t, path))
}

func TestLogger_ClosedRejectsWrites(t *testing.T) {
	l, err := New(DefaultConfig(filepath.Join(t.TempDir(), "app.log")))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "Close is idempotent")
	require.NoError(t, l.Shutdown(context.Background()))

	n, err := l.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, n)
	_, err = l.WriteOwned([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Offer([]byte("late")), ErrClosed)
	assert.ErrorIs(t, l.Log(Record{Message: "late"}), ErrClosed)

	assert.Equal(t, uint64(4), l.Stats().Dropped)
	assert.Equal(t, WorkerStopped, l.Stats().WorkerState)
}

func TestLogger_ConcurrentClose(t *testing.T) {
	l, err := New(DefaultConfig(filepath.Join(t.TempDir(), "app.log")))
	require.NoError(t, err)
	_, _ = l.Write([]byte("line\n"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Close())
		}()
	}
	wg.Wait()
}

func TestLogger_ShutdownHonoursDeadline(t *testing.T) {
	app := &gateAppender{gate: make(chan struct{})}
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "app.log"))
	cfg.WriteBufferSize = 1

	l, err := New(cfg, WithAppender(app))
	require.NoError(t, err)
	require.NoError(t, l.Offer([]byte("a")))
	require.NoError(t, l.Offer([]byte("b")))
	require.Eventually(t, app.entered.Load, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, l.Offer([]byte("c")), ErrClosed, "shutdown already started")

	close(app.gate)
	require.NoError(t, l.Close())
	assert.Equal(t, "ab", app.joined())
}

func TestLogger_WorkerFailureSurfaces(t *testing.T) {
	boom := errors.New("disk full")
	rec := &opRecorder{}
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "app.log"))
	cfg.WriteBufferSize = 1

	l, err := New(cfg, WithAppender(&memAppender{appendErr: boom}), WithErrorHandler(rec.handle))
	require.NoError(t, err)

	require.NoError(t, l.Offer([]byte("a")))
	require.NoError(t, l.Offer([]byte("b")))
	require.Eventually(t, func() bool { return l.Err() != nil }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, l.Close(), boom)
	assert.Equal(t, []string{"worker"}, rec.snapshot())
}

func TestLogger_SizeRollingKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	cfg := DefaultConfig(path)
	cfg.WriteBufferSize = 100
	cfg.Rolling = RollingConfig{Policy: "size", MaxSize: "1000", MaxHistory: 2, Compress: "gzip"}

	var (
		mu       sync.Mutex
		reported []string
	)
	l, err := New(cfg, WithErrorHandler(func(op string, err error) {
		mu.Lock()
		reported = append(reported, op+": "+err.Error())
		mu.Unlock()
	}))
	require.NoError(t, err)

	line := []byte(strings.Repeat("y", 99) + "\n")
	for i := 0; i < 60; i++ {
		offerUntilAccepted(t, l, line)
	}
	require.NoError(t, l.Close())

	mu.Lock()
	assert.Empty(t, reported, "pruning ahead of queued compressions is not an error")
	mu.Unlock()

	stats := l.Stats()
	// Every batch is one 100-byte line, so each rolled file holds ten.
	assert.Equal(t, uint64(5), stats.Rollovers)
	assert.Equal(t, uint64(6000), stats.BytesWritten)

	var archives []string
	for _, name := range listDir(t, dir) {
		if name != "app.log" {
			archives = append(archives, name)
		}
	}
	assert.Equal(t, []string{"app.log.4.gz", "app.log.5.gz"}, archives)
	for _, name := range archives {
		assert.True(t, strings.HasSuffix(name, ".gz"), name)
		assert.Equal(t, 1000, len(readGzip(t, filepath.Join(dir, name))), name)
	}
}

func TestLogger_ReconfigureSizePolicy(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "app.log"))
	cfg.Rolling = RollingConfig{Policy: "size", MaxSize: "1MB", MaxHistory: 3}
	l, err := New(cfg)
	require.NoError(t, err)
	defer l.Close()

	next := cfg
	next.FlushTimeout = 50 * time.Millisecond
	next.Rolling.MaxSize = "4MB"
	next.Rolling.MaxHistory = 9
	require.NoError(t, l.Reconfigure(next))

	policy := l.policy.(*SizeBasedPolicy)
	assert.Equal(t, int64(4<<20), policy.MaxSize())
	assert.Equal(t, 9, policy.MaxHistory())
	assert.Equal(t, 50*time.Millisecond, l.Stats().FlushTimeout)

	bad := cfg
	bad.QueueCapacity = 3
	assert.ErrorIs(t, l.Reconfigure(bad), ErrInvalidCapacity)
}

func TestLogger_TimeSizeConstructor(t *testing.T) {
	dir := t.TempDir()
	l, err := NewDaily(filepath.Join(dir, "daily.log"))
	require.NoError(t, err)
	_, err = l.Write([]byte("first day\n"))
	require.NoError(t, err)
	assert.IsType(t, &TimeAndSizePolicy{}, l.policy)
	require.NoError(t, l.Close())
	assert.Equal(t, "first day\n", readFile(t, filepath.Join(dir, "daily.log")))
}

func TestLogger_Constructors(t *testing.T) {
	dir := t.TempDir()

	l, err := NewWithDefaults(filepath.Join(dir, "defaults.log"))
	require.NoError(t, err)
	assert.Equal(t, int64(100<<20), l.policy.(*SizeBasedPolicy).MaxSize())
	assert.Equal(t, filepath.Join(dir, "defaults.log"), l.Filename())
	require.NoError(t, l.Close())

	l, err = NewSizeRolling(filepath.Join(dir, "sized.log"), "64MB", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, l.policy.(*SizeBasedPolicy).MaxHistory())
	require.NoError(t, l.Close())

	_, err = NewSizeRolling("", "64MB", 4)
	assert.ErrorIs(t, err, ErrEmptyFilename)
	_, err = NewSizeRolling(filepath.Join(dir, "bad.log"), "lots", 4)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLogger_LumberjackPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jack.log")
	cfg := DefaultConfig(path)
	cfg.Rolling = RollingConfig{Policy: "lumberjack", MaxSize: "1KB", MaxHistory: 2, MaxAge: "1d"}

	l, err := New(cfg)
	require.NoError(t, err)
	assert.Nil(t, l.rolling)
	_, err = l.Write([]byte("through lumberjack\n"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, "through lumberjack\n", readFile(t, path))
}

func TestLumberjackAppender_Limits(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "sub", "jack.log"))
	cfg.Rolling = RollingConfig{Policy: "lumberjack", MaxSize: "1500KB", MaxHistory: 3, MaxAge: "36h", Compress: "gzip", LocalTime: true}

	a, err := newLumberjackAppender(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, a.logger.MaxSize, "rounded up to whole megabytes")
	assert.Equal(t, 3, a.logger.MaxBackups)
	assert.Equal(t, 2, a.logger.MaxAge, "rounded up to whole days")
	assert.True(t, a.logger.Compress)
	assert.True(t, a.logger.LocalTime)

	require.NoError(t, a.Append([]byte("x\n")))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Append([]byte("late")), ErrClosed)

	assert.Zero(t, ceilDiv(0, megabyte))
	assert.Equal(t, 1, ceilDiv(1, megabyte))
}

func TestShutdownAll(t *testing.T) {
	dir := t.TempDir()
	before := Live()

	a, err := New(DefaultConfig(filepath.Join(dir, "a.log")))
	require.NoError(t, err)
	b, err := New(DefaultConfig(filepath.Join(dir, "b.log")))
	require.NoError(t, err)
	assert.Equal(t, before+2, Live())

	_, _ = a.Write([]byte("a\n"))
	_, _ = b.Write([]byte("b\n"))
	require.NoError(t, ShutdownAll(context.Background()))

	assert.Equal(t, before, Live())
	assert.Equal(t, "a\n", readFile(t, filepath.Join(dir, "a.log")))
	assert.Equal(t, "b\n", readFile(t, filepath.Join(dir, "b.log")))
	assert.ErrorIs(t, a.Offer([]byte("late")), ErrClosed)
}

func TestLogger_NewFailuresReleaseResources(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrEmptyFilename)

	cfg := DefaultConfig(filepath.Join(t.TempDir(), "app.log"))
	cfg.Charset = "klingon"
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrUnknownCharset)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))
	_, err = New(DefaultConfig(filepath.Join(blocker, "app.log")))
	assert.Error(t, err, "parent is a regular file")
}
