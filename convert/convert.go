// Package convert defines the conversion routine contract used by workers,
// its error classification, and input validation.
//
// The conversion algorithm itself is pluggable: workers call a [Routine]
// with the loaded bytes and receive the converted bytes. [Remote] delegates
// to an HTTP conversion service.
package convert

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/xraph/docflow/job"
)

// Options are routine-specific conversion settings.
type Options map[string]string

// Result is a successful conversion.
type Result struct {
	Content  []byte
	FileName string
	Metadata map[string]string
}

// Routine converts one document. Implementations should honor ctx.
type Routine interface {
	Convert(ctx context.Context, content []byte, ct job.ConversionType, opts Options) (*Result, error)
}

// Func adapts a function to Routine.
type Func func(ctx context.Context, content []byte, ct job.ConversionType, opts Options) (*Result, error)

// Convert calls f.
func (f Func) Convert(ctx context.Context, content []byte, ct job.ConversionType, opts Options) (*Result, error) {
	return f(ctx, content, ct, opts)
}

// Error is a conversion failure. Non-recoverable errors end the job
// without further retries.
type Error struct {
	Type        job.ConversionType
	Msg         string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("convert %s: %s: %v", e.Type, e.Msg, e.Err)
	}
	return fmt.Sprintf("convert %s: %s", e.Type, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Permanent returns a non-recoverable conversion error.
func Permanent(ct job.ConversionType, msg string) error {
	return &Error{Type: ct, Msg: msg}
}

// Transient returns a recoverable conversion error.
func Transient(ct job.ConversionType, msg string, err error) error {
	return &Error{Type: ct, Msg: msg, Recoverable: true, Err: err}
}

// IsRecoverable reports whether a failed attempt may be retried. Only
// conversion errors can opt out; everything else (storage, datastore,
// timeouts) is treated as transient.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Recoverable
	}
	return true
}

// Kind classifies err for job.ErrorDetails.
func Kind(err error) string {
	var ce *Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return job.ErrorKindTimeout
	case errors.As(err, &ce):
		return job.ErrorKindConversion
	default:
		return job.ErrorKindSystem
	}
}

var (
	rtfMagic = []byte(`{\rtf`)
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
)

// Validate checks that content plausibly matches the input format of ct.
// Failures are conversion errors and follow the normal retry budget.
func Validate(ct job.ConversionType, content []byte) error {
	if len(content) == 0 {
		return Transient(ct, "empty input", nil)
	}

	body := bytes.TrimPrefix(content, utf8BOM)
	body = bytes.TrimLeft(body, " \t\r\n")

	switch ct {
	case job.RTFToMarkdown:
		if !bytes.HasPrefix(body, rtfMagic) {
			return Transient(ct, "input is not an RTF document", nil)
		}
	case job.MarkdownToRTF:
		if !utf8.Valid(body) {
			return Transient(ct, "input is not valid UTF-8 text", nil)
		}
	default:
		return Permanent(ct, "unsupported conversion type")
	}
	return nil
}

// Hash returns the hex SHA-256 of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
