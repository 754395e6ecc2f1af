// encoder.go: Record encoding on the producer side
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Level is the severity of a Record.
type Level int8

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Record is one log event before encoding.
type Record struct {
	Time    time.Time
	Level   Level
	Logger  string
	Thread  string
	Message string
	Err     error
}

// Encoder turns a Record into the bytes written to the file. It runs on the
// producer goroutine and must be safe for concurrent use.
type Encoder interface {
	Encode(r Record) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(r Record) ([]byte, error)

// Encode implements Encoder.
func (f EncoderFunc) Encode(r Record) ([]byte, error) {
	return f(r)
}

const (
	// DefaultPattern is used when Config.Pattern is empty.
	DefaultPattern = "%d{2006-01-02 15:04:05.000} %level [%thread] %logger - %msg%err%n"

	defaultTimeLayout = "2006-01-02 15:04:05.000"
)

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segTime
	segLevel
	segLogger
	segThread
	segMessage
	segError
)

type segment struct {
	kind segmentKind
	text string // literal text or time layout
}

// PatternEncoder renders records through a pattern such as DefaultPattern.
//
//	%d{layout}  time in a Go layout (%d alone uses 2006-01-02 15:04:05.000)
//	%level      level name
//	%logger     logger name
//	%thread     thread or goroutine label
//	%msg        message
//	%err        " " followed by the error text, or nothing
//	%n          newline
//	%%          a literal percent sign
type PatternEncoder struct {
	segments []segment
	charset  encoding.Encoding
}

// NewPatternEncoder compiles pattern (DefaultPattern when empty). A charset
// other than "" or UTF-8 is resolved through the WHATWG encoding index and
// applied to every encoded record; unmappable runes are replaced.
func NewPatternEncoder(pattern, charset string) (*PatternEncoder, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	segments, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	e := &PatternEncoder{segments: segments}

	if charset != "" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, charset)
		}
		if name, _ := htmlindex.Name(enc); name != "utf-8" {
			e.charset = enc
		}
	}
	return e, nil
}

// Encode implements Encoder.
func (e *PatternEncoder) Encode(r Record) ([]byte, error) {
	buf := make([]byte, 0, 128+len(r.Message))
	for _, seg := range e.segments {
		switch seg.kind {
		case segLiteral:
			buf = append(buf, seg.text...)
		case segTime:
			buf = r.Time.AppendFormat(buf, seg.text)
		case segLevel:
			buf = append(buf, r.Level.String()...)
		case segLogger:
			buf = append(buf, r.Logger...)
		case segThread:
			buf = append(buf, r.Thread...)
		case segMessage:
			buf = append(buf, r.Message...)
		case segError:
			if r.Err != nil {
				buf = append(buf, ' ')
				buf = append(buf, r.Err.Error()...)
			}
		}
	}

	if e.charset == nil {
		return buf, nil
	}
	out, err := encoding.ReplaceUnsupported(e.charset.NewEncoder()).Bytes(buf)
	if err != nil {
		return nil, fmt.Errorf("styx: transcode record: %w", err)
	}
	return out, nil
}

var patternTokens = []struct {
	name string
	kind segmentKind
}{
	{"level", segLevel},
	{"logger", segLogger},
	{"thread", segThread},
	{"msg", segMessage},
	{"err", segError},
}

func compilePattern(pattern string) ([]segment, error) {
	var segments []segment
	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, segment{kind: segLiteral, text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' {
			literal.WriteByte(c)
			continue
		}
		rest := pattern[i+1:]
		switch {
		case strings.HasPrefix(rest, "%"):
			literal.WriteByte('%')
			i++
		case strings.HasPrefix(rest, "n"):
			literal.WriteByte('\n')
			i++
		case strings.HasPrefix(rest, "d"):
			flush()
			layout := defaultTimeLayout
			i++
			if strings.HasPrefix(rest[1:], "{") {
				end := strings.IndexByte(rest, '}')
				if end < 0 {
					return nil, fmt.Errorf("%w: unterminated %%d{ in pattern %q", ErrInvalidConfig, pattern)
				}
				layout = rest[2:end]
				i += end
			}
			segments = append(segments, segment{kind: segTime, text: layout})
		default:
			matched := false
			for _, tok := range patternTokens {
				if strings.HasPrefix(rest, tok.name) {
					flush()
					segments = append(segments, segment{kind: tok.kind})
					i += len(tok.name)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("%w: unknown token at %q in pattern %q", ErrInvalidConfig, "%"+rest, pattern)
			}
		}
	}
	flush()
	return segments, nil
}
