// config.go: Configuration, parsing utilities and file loading
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Defaults applied by Config.Validate.
const (
	DefaultQueueCapacity   = 1024
	DefaultWriteBufferSize = 8192
	DefaultFlushTimeout    = time.Second
)

// Config describes one log target. Zero fields take the defaults above.
type Config struct {
	// Filename is the active log file. Required.
	Filename string `koanf:"filename"`
	// Pattern and Charset configure the PatternEncoder used by Log.
	Pattern string `koanf:"pattern"`
	Charset string `koanf:"charset"`

	// QueueCapacity is the capacity of each queue cell (power of two >= 2).
	QueueCapacity int `koanf:"queue_capacity"`
	// QueueMode is auto, striped or blocking.
	QueueMode string `koanf:"queue_mode"`
	// WriteBufferSize is the size of the worker's batch buffer in bytes.
	WriteBufferSize int `koanf:"write_buffer_size"`
	// FlushTimeout bounds how long a partly filled batch may wait. Reloadable.
	FlushTimeout time.Duration `koanf:"flush_timeout"`

	FileMode   os.FileMode   `koanf:"file_mode"`
	RetryCount int           `koanf:"retry_count"`
	RetryDelay time.Duration `koanf:"retry_delay"`

	Rolling RollingConfig `koanf:"rolling"`
}

// RollingConfig selects and tunes the rollover policy.
type RollingConfig struct {
	// Policy is none, size, time, time-size or lumberjack.
	Policy string `koanf:"policy"`
	// MaxSize is a size string such as "64MB". Reloadable.
	MaxSize string `koanf:"max_size"`
	// MaxHistory is the number of rolled files kept; 0 keeps all. Reloadable.
	MaxHistory int `koanf:"max_history"`
	// MaxAge is a duration such as "30d"; lumberjack only.
	MaxAge string `koanf:"max_age"`
	// DatePattern is a Go time layout rolling hourly or daily.
	DatePattern string `koanf:"date_pattern"`
	LocalTime   bool   `koanf:"local_time"`
	// Compress is none, gzip or zstd.
	Compress string `koanf:"compress"`
}

// DefaultConfig returns a non-rolling configuration for filename.
func DefaultConfig(filename string) Config {
	cfg := Config{Filename: filename}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.QueueMode == "" {
		c.QueueMode = string(QueueAuto)
	}
	if c.FileMode == 0 {
		c.FileMode = GetDefaultFileMode()
	}
	if c.RetryCount == 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Rolling.Policy == "" {
		c.Rolling.Policy = string(PolicyNone)
	}
}

// Validate applies defaults and checks every field. Errors wrap
// ErrInvalidConfig or one of the more specific sentinels.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Filename == "" {
		return ErrEmptyFilename
	}
	if err := ValidatePathLength(c.Filename); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.QueueCapacity < 2 || c.QueueCapacity&(c.QueueCapacity-1) != 0 {
		return fmt.Errorf("%w: queue_capacity: %w: got %d", ErrInvalidConfig, ErrInvalidCapacity, c.QueueCapacity)
	}
	if c.WriteBufferSize < 1 {
		return fmt.Errorf("%w: write_buffer_size must be positive, got %d", ErrInvalidConfig, c.WriteBufferSize)
	}
	if c.FlushTimeout < 0 {
		return fmt.Errorf("%w: flush_timeout must not be negative", ErrInvalidConfig)
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseQueueMode(c.QueueMode); err != nil {
		return err
	}
	if c.Pattern != "" {
		if _, err := compilePattern(c.Pattern); err != nil {
			return err
		}
	}
	return c.Rolling.validate()
}

func (r *RollingConfig) validate() error {
	kind, err := ParsePolicyKind(r.Policy)
	if err != nil {
		return err
	}
	compression, err := ParseCompression(r.Compress)
	if err != nil {
		return err
	}
	maxSize, err := r.maxSizeBytes()
	if err != nil {
		return err
	}
	if r.MaxHistory < 0 {
		return fmt.Errorf("%w: max_history must not be negative", ErrInvalidConfig)
	}
	if _, err := r.maxAge(); err != nil {
		return err
	}

	switch kind {
	case PolicySize, PolicyLumberjack:
		if maxSize <= 0 {
			return fmt.Errorf("%w: policy %s requires max_size", ErrInvalidConfig, kind)
		}
	case PolicyTimeSize:
		if maxSize <= 0 {
			return fmt.Errorf("%w: policy %s requires max_size", ErrInvalidConfig, kind)
		}
		fallthrough
	case PolicyTime:
		if _, err := InferPeriod(r.datePattern(), r.location()); err != nil {
			return err
		}
	}
	if kind == PolicyLumberjack && compression == CompressionZstd {
		return fmt.Errorf("%w: lumberjack only supports gzip compression", ErrInvalidConfig)
	}
	return nil
}

func (r *RollingConfig) maxSizeBytes() (int64, error) {
	if r.MaxSize == "" {
		return 0, nil
	}
	size, err := ParseSize(r.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("%w: max_size: %w", ErrInvalidConfig, err)
	}
	return size, nil
}

func (r *RollingConfig) maxAge() (time.Duration, error) {
	if r.MaxAge == "" {
		return 0, nil
	}
	d, err := ParseDuration(r.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("%w: max_age: %w", ErrInvalidConfig, err)
	}
	return d, nil
}

func (r *RollingConfig) datePattern() string {
	if r.DatePattern == "" {
		return DefaultDatePattern
	}
	return r.DatePattern
}

func (r *RollingConfig) location() *time.Location {
	if r.LocalTime {
		return time.Local
	}
	return time.UTC
}

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// LoadConfig reads and validates a YAML or JSON configuration file.
func LoadConfig(path string) (Config, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- configuration path chosen by the application
	if err != nil {
		return Config{}, fmt.Errorf("styx: read config: %w", err)
	}
	return LoadConfigBytes(data, format)
}

// LoadConfigBytes parses and validates a configuration document.
func LoadConfigBytes(data []byte, format Format) (Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return Config{}, fmt.Errorf("%w: parse: %w", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseSize converts size strings like "100MB", "1GB" to bytes
// Supports case-insensitive input and single-letter units (K, M, G, T)
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Plain numbers are bytes
	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		return val, nil
	}

	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64
	var numStr string

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier, numStr = 1<<10, s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier, numStr = 1<<20, s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier, numStr = 1<<30, s[:len(s)-2]
	case strings.HasSuffix(s, "TB"):
		multiplier, numStr = 1<<40, s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		multiplier, numStr = 1, s[:len(s)-1]
	case strings.HasSuffix(s, "K"):
		multiplier, numStr = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier, numStr = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier, numStr = 1<<30, s[:len(s)-1]
	case strings.HasSuffix(s, "T"):
		multiplier, numStr = 1<<40, s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown size suffix in %q (supported: B, KB/K, MB/M, GB/G, TB/T)", s)
	}

	val, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number in %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	if val > (1<<63-1)/multiplier {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return val * multiplier, nil
}

// ParseDuration converts duration strings like "7d", "24h" to time.Duration
// Supports Go durations plus d (day), w (week) and y (365 days)
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	s = strings.ToLower(strings.TrimSpace(s))

	var multiplier time.Duration
	switch {
	case strings.HasSuffix(s, "d"):
		multiplier = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		multiplier = 7 * 24 * time.Hour
	case strings.HasSuffix(s, "y"):
		multiplier = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown duration suffix in %q", s)
	}

	val, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number in %q: %w", s, err)
	}
	return time.Duration(val) * multiplier, nil
}

// SanitizeFilename removes or replaces invalid characters for cross-platform compatibility
func SanitizeFilename(filename string) string {
	if runtime.GOOS == "windows" {
		var sanitized strings.Builder
		for _, r := range filename {
			switch {
			case r < 32, strings.ContainsRune(`<>:"|?*`, r):
				sanitized.WriteRune('_')
			default:
				sanitized.WriteRune(r)
			}
		}
		return sanitized.String()
	}

	// Unix-like systems only reject NUL
	return strings.ReplaceAll(filename, "\x00", "_")
}

// ValidatePathLength checks if the path length is within OS limits
func ValidatePathLength(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	limit := 4096
	if runtime.GOOS == "windows" {
		limit = 260
	}
	if len(absPath) > limit {
		return fmt.Errorf("path too long: %d characters (limit: %d)", len(absPath), limit)
	}
	return nil
}

// GetDefaultFileMode returns the default permission bits of log files.
func GetDefaultFileMode() os.FileMode {
	return 0644
}

// sanitizePath validates filename and sanitizes its base name.
func sanitizePath(filename string) (string, error) {
	if err := ValidatePathLength(filename); err != nil {
		return "", fmt.Errorf("invalid log file path: %w", err)
	}
	dir := filepath.Dir(filename)
	return filepath.Join(dir, SanitizeFilename(filepath.Base(filename))), nil
}
