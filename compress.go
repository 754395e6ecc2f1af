// compress.go: Background compression of rolled files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	gzipExt = ".gz"
	zstdExt = ".zst"
	tempExt = ".tmp"
)

// Compression selects how rolled files are compressed.
type Compression int

const (
	// CompressionNone leaves rolled files as they are.
	CompressionNone Compression = iota
	// CompressionGzip writes <target>.gz.
	CompressionGzip
	// CompressionZstd writes <target>.zst.
	CompressionZstd
)

// ParseCompression maps "", "none", "false", "gzip", "gz", "true", "zstd" and
// "zst" to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false":
		return CompressionNone, nil
	case "gzip", "gz", "true":
		return CompressionGzip, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// Extension returns the file suffix added by c.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return gzipExt
	case CompressionZstd:
		return zstdExt
	default:
		return ""
	}
}

// compressFile compresses filename into filename+ext. The output is written
// to a temporary file and renamed into place, and the original is removed
// only after the rename, so a crash leaves either the plain file or a
// complete archive.
//
// A file that no longer exists is skipped: retention may prune a rolled file
// while its compression is still queued.
func compressFile(filename string, c Compression, retryCount int) error {
	if c == CompressionNone {
		return nil
	}

	var source *os.File
	err := RetryFileOperation(func() error {
		f, err := os.Open(filename) // #nosec G304 -- filename is a rolled file produced by the appender
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		source = f
		return err
	}, retryCount, defaultRetryDelay)
	if err != nil {
		return fmt.Errorf("compress open: %w", err)
	}
	if source == nil {
		return nil
	}
	defer source.Close()

	compressedName := filename + c.Extension()
	tempName := compressedName + tempExt

	target, err := os.Create(tempName) // #nosec G304 -- tempName is derived from the rolled file name
	if err != nil {
		return fmt.Errorf("compress create: %w", err)
	}

	if err := encodeTo(target, source, c); err != nil {
		_ = target.Close()
		_ = os.Remove(tempName)
		return err
	}
	if err := target.Close(); err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("compress close: %w", err)
	}

	if err := os.Rename(tempName, compressedName); err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("compress rename %s to %s: %w", tempName, compressedName, err)
	}

	_ = source.Close()
	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("compress cleanup: %w", err)
	}
	return nil
}

func encodeTo(dst io.Writer, src io.Reader, c Compression) error {
	var enc io.WriteCloser
	switch c {
	case CompressionGzip:
		enc = gzip.NewWriter(dst)
	case CompressionZstd:
		zw, err := zstd.NewWriter(dst)
		if err != nil {
			return fmt.Errorf("compress init: %w", err)
		}
		enc = zw
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCompression, int(c))
	}

	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("compress copy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compress finalize: %w", err)
	}
	return nil
}
