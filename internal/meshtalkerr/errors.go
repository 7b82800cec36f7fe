// Package meshtalkerr defines the closed error taxonomy from spec §7.
// Components wrap one of these sentinels with fmt.Errorf("...: %w", Kind)
// so callers can classify failures with errors.Is without string matching.
package meshtalkerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. These are never returned bare — always wrapped with
// context via fmt.Errorf("%s: %w", detail, KindX).
var (
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrScanFailure        = errors.New("scan failed")
	ErrConnectTimeout     = errors.New("connect timed out")
	ErrConnectFailure     = errors.New("connect failed")
	ErrWriteFailure       = errors.New("characteristic write failed")
	ErrNotifyFailure      = errors.New("notification delivery failed")
	ErrParseError         = errors.New("message parse failed")
	ErrValidationError    = errors.New("message validation failed")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrSizeError          = errors.New("message exceeds size limit")
)

// LimitType identifies which rate-limit bucket rejected an originate
// attempt (spec §4.4).
type LimitType string

const (
	LimitConnection LimitType = "connection"
	LimitDevice     LimitType = "device"
	LimitGlobal     LimitType = "global"
)

// RateLimitError carries the structured detail the front-end needs to
// surface a retry hint (spec §7).
type RateLimitError struct {
	LimitType  LimitType
	RetryAfter float64 // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %.1fs", e.LimitType, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// SizeError carries the limit that was exceeded on message creation.
type SizeError struct {
	Reason string
}

func (e *SizeError) Error() string { return "size error: " + e.Reason }

func (e *SizeError) Unwrap() error { return ErrSizeError }

// ValidationError carries a human-readable reason a message failed
// structural or content validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidationError }
