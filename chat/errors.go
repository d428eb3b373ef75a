package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTarget is returned when a video or channel reference is malformed
	// or cannot be resolved. It is reported before any connection attempt.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNotLive means the target exists but is not broadcasting right now.
	ErrNotLive = errors.New("stream not live")
	// ErrConnection wraps transport failures while establishing a stream.
	ErrConnection = errors.New("connection error")
	// ErrStreamTerminated marks a broadcast that was ended by the remote side.
	ErrStreamTerminated = errors.New("stream terminated")
	// ErrPersistence wraps failed recording or notification writes. These are
	// logged and never abort a running session.
	ErrPersistence = errors.New("persistence failure")
	// ErrStreamFatal can be wrapped by providers to force a remote error to be
	// treated as fatal regardless of its message.
	ErrStreamFatal = errors.New("fatal stream error")

	// ErrPoolClosed is returned by start commands once the pool has shut down.
	ErrPoolClosed = errors.New("chat pool is shut down")

	errReclaimed = errors.New("session reclaimed")
)

// ErrorClass represents whether a remote stream error leaves the connection usable.
type ErrorClass int

const (
	// ErrorClassRetryable is a transient condition; the session keeps running.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal means the upstream connection is no longer usable.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyStreamError decides whether a remote error should terminate the session.
//
// Fatal:
// - errors wrapping ErrStreamFatal or ErrStreamTerminated
// - authentication/authorization failures (401, 403, banned, unauthorized)
// - the chat or broadcast no longer exists (404, chat ended, chat disabled)
//
// Retryable:
// - server errors (5xx), rate limiting, timeouts and connection resets
//
// Anything else is Unknown and handled like Retryable so a live connection is
// not dropped because of an unrecognised message.
func ClassifyStreamError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrStreamFatal) || errors.Is(err, ErrStreamTerminated) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())

	// Server-side trouble first so "503 service unavailable" is not caught by
	// the generic "unavailable" pattern below.
	for _, p := range []string{"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "429", "rate limit", "too many requests",
		"timeout", "connection reset", "temporarily", "eof"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	for _, p := range []string{"401", "403", "unauthorized", "forbidden", "banned",
		"login authentication failed", "404", "not found", "chat ended", "chat disabled",
		"livechatended", "livechatdisabled", "livechatnotfound", "no longer available"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	return ErrorClassUnknown
}

// connectError normalises a provider connect failure into the error taxonomy:
// invalid target and not-live errors pass through, everything else becomes a
// connection error.
func connectError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidTarget) || errors.Is(err, ErrNotLive) || errors.Is(err, ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}
