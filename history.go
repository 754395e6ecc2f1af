// history.go: Discovery and retention of rolled files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// historyKey orders rolled files: by period first, then by index.
type historyKey struct {
	at    time.Time
	index int
}

func (k historyKey) before(o historyKey) bool {
	if !k.at.Equal(o.at) {
		return k.at.Before(o.at)
	}
	return k.index < o.index
}

// historyFile is one rolled file. A file that is being compressed may briefly
// exist twice (plain and compressed), so a key can own several paths.
type historyFile struct {
	key   historyKey
	paths []string
}

// suffixParser recognises the part of a rolled name after "<base>.".
// Compression extensions are stripped before it is called.
type suffixParser func(suffix string) (historyKey, bool)

// listHistory re-scans the directory of base and returns the rolled files
// whose suffix parses, oldest first. Unrelated files are ignored.
func listHistory(base string, parse suffixParser) ([]historyFile, error) {
	dir := filepath.Dir(base)
	prefix := filepath.Base(base) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list history in %q: %w", dir, err)
	}

	byKey := make(map[historyKey]*historyFile)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := stripCompression(name[len(prefix):])
		key, ok := parse(suffix)
		if !ok {
			continue
		}
		hf := byKey[key]
		if hf == nil {
			hf = &historyFile{key: key}
			byKey[key] = hf
		}
		hf.paths = append(hf.paths, filepath.Join(dir, name))
	}

	files := make([]historyFile, 0, len(byKey))
	for _, hf := range byKey {
		files = append(files, *hf)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].key.before(files[j].key)
	})
	return files, nil
}

// pruneHistory removes the oldest files until at most keep remain. Failed
// removals are reported and skipped; the next pass re-counts from disk.
func pruneHistory(files []historyFile, keep int, report func(op string, err error)) int {
	if keep <= 0 || len(files) <= keep {
		return 0
	}
	removed := 0
	for _, hf := range files[:len(files)-keep] {
		for _, path := range hf.paths {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				if report != nil {
					report("history_delete", fmt.Errorf("failed to remove %s: %w", path, err))
				}
				continue
			}
			removed++
		}
	}
	return removed
}

func stripCompression(name string) string {
	for _, ext := range []string{gzipExt, zstdExt} {
		if strings.HasSuffix(name, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// parseIndex accepts a positive decimal without sign or leading zeros.
func parseIndex(s string) (int, bool) {
	if s == "" || s[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > maxRollIndex {
		return 0, false
	}
	return n, true
}

// retention is the history bookkeeping shared by every rolling policy.
// Deletions run on the scheduler with at most one pass queued at a time; a
// rollover that lands while a pass is queued or running makes it go round
// once more.
type retention struct {
	maxHistory atomic.Int64
	pending    atomic.Bool
	rerun      atomic.Bool
	sched      *scheduler
}

// SetMaxHistory changes how many rolled files are kept. Zero or less keeps
// them all. Safe to call while the logger is running.
func (r *retention) SetMaxHistory(n int) {
	r.maxHistory.Store(int64(n))
}

// MaxHistory returns the current retention count.
func (r *retention) MaxHistory() int {
	return int(r.maxHistory.Load())
}

// prune schedules a retention pass over the history of base.
func (r *retention) prune(base string, parse suffixParser) {
	if r.maxHistory.Load() <= 0 {
		return
	}
	r.rerun.Store(true)
	if !r.pending.CompareAndSwap(false, true) {
		return
	}

	task := func() error {
		for {
			r.rerun.Store(false)
			files, err := listHistory(base, parse)
			if err != nil {
				r.pending.Store(false)
				return err
			}
			pruneHistory(files, int(r.maxHistory.Load()), r.report)
			r.pending.Store(false)
			if !r.rerun.Load() || !r.pending.CompareAndSwap(false, true) {
				return nil
			}
		}
	}

	if r.sched == nil {
		if err := task(); err != nil {
			r.report("history_list", err)
		}
		return
	}
	if !r.sched.submit("history_cleanup", task) {
		r.pending.Store(false)
	}
}

func (r *retention) report(op string, err error) {
	if r.sched != nil {
		r.sched.report(op, err)
	}
}
