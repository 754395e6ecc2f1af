// main.go: styx-load drives a logger from many goroutines and reports stats
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// styx-load generates log traffic against a styx logger.
//
// Usage:
//
//	styx-load run   [--config file] [--file path] [--goroutines n] [--records n] [--record-size n]
//	styx-load check --config file
//
// Exit codes: 0 success, 1 failure, 2 usage error.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agilira/styx"
	"github.com/urfave/cli/v3"
)

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func main() {
	os.Exit(run(os.Args, os.Stdout))
}

func run(args []string, out io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(out).Run(ctx, args); err != nil {
		var usage *usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "usage error: %v\n", usage)
			return 2
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "styx-load",
		Usage:   "load generator and config checker for styx loggers",
		Version: styx.Version,
		Writer:  out,
		Commands: []*cli.Command{
			runCommand(out),
			checkCommand(out),
		},
	}
}

func runCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "write fixed-size records from several goroutines, then shut down and report",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON config file"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "target file (overrides the config)", Value: "styx-load.log"},
			&cli.IntFlag{Name: "goroutines", Aliases: []string{"g"}, Usage: "producer goroutines", Value: 8},
			&cli.IntFlag{Name: "records", Aliases: []string{"n"}, Usage: "records per goroutine", Value: 10000},
			&cli.IntFlag{Name: "record-size", Aliases: []string{"s"}, Usage: "bytes per record, newline included", Value: 8},
			&cli.StringFlag{Name: "queue-mode", Usage: "auto, striped or blocking"},
			&cli.DurationFlag{Name: "timeout", Usage: "shutdown deadline", Value: 30 * time.Second},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			goroutines, records, size := cmd.Int("goroutines"), cmd.Int("records"), cmd.Int("record-size")
			if goroutines < 1 || records < 0 || size < 1 {
				return &usageError{msg: "goroutines and record-size must be positive, records non-negative"}
			}

			logger, err := styx.New(cfg)
			if err != nil {
				return err
			}

			start := time.Now()
			retries := produce(ctx, logger, goroutines, records, size)
			elapsed := time.Since(start)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cmd.Duration("timeout"))
			defer cancel()
			shutdownErr := logger.Shutdown(shutdownCtx)

			report := struct {
				styx.Stats
				Retries  uint64  `json:"retries"`
				Elapsed  string  `json:"elapsed"`
				PerSec   float64 `json:"records_per_sec"`
				FileSize int64   `json:"file_size"`
			}{
				Stats:   logger.Stats(),
				Retries: retries,
				Elapsed: elapsed.String(),
			}
			if secs := elapsed.Seconds(); secs > 0 {
				report.PerSec = float64(goroutines*records) / secs
			}
			if info, err := os.Stat(cfg.Filename); err == nil {
				report.FileSize = info.Size()
			}

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return shutdownErr
		},
	}
}

func checkCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "load and validate a config file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON config file", Required: true},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := styx.LoadConfig(cmd.String("config"))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "ok: %s (policy %s, queue %s x%d, buffer %d bytes)\n",
				cfg.Filename, cfg.Rolling.Policy, cfg.QueueMode, cfg.QueueCapacity, cfg.WriteBufferSize)
			return nil
		},
	}
}

func loadRunConfig(cmd *cli.Command) (styx.Config, error) {
	var cfg styx.Config
	if path := cmd.String("config"); path != "" {
		loaded, err := styx.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if cmd.IsSet("file") || cfg.Filename == "" {
		cfg.Filename = cmd.String("file")
	}
	if mode := cmd.String("queue-mode"); mode != "" {
		cfg.QueueMode = mode
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// produce offers records from goroutines producers, each through its own
// Stream, retrying each record until the queue accepts it, and returns the
// number of retries.
func produce(ctx context.Context, logger *styx.Logger, goroutines, records, size int) uint64 {
	line := bytes.Repeat([]byte{'x'}, size)
	line[size-1] = '\n'

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		retries uint64
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := logger.Stream()
			var local uint64
			for range records {
				for {
					err := stream.Offer(line)
					if !errors.Is(err, styx.ErrQueueFull) {
						break
					}
					if ctx.Err() != nil {
						return
					}
					local++
					time.Sleep(10 * time.Microsecond)
				}
			}
			mu.Lock()
			retries += local
			mu.Unlock()
		}()
	}
	wg.Wait()
	return retries
}
