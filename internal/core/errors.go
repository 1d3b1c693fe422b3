package core

import "errors"

var (
	// Construction-time errors. Never retried, surfaced to the caller
	// before any job exists.
	ErrInvalidTarget = errors.New("target printer is not configured")
	ErrEmptyPayload  = errors.New("job payload is empty")
	ErrInvalidCopies = errors.New("copies must be at least 1")

	// Transport-time errors. ErrConnectionRefused and ErrRelayUnavailable
	// are retried with bounded backoff; ErrTimeout is surfaced immediately
	// because a retry could produce a duplicate physical print.
	ErrConnectionRefused = errors.New("connection refused")
	ErrRelayUnavailable  = errors.New("relay unavailable")
	ErrTimeout           = errors.New("operation timed out")
	ErrPartialWrite      = errors.New("partial write to printer")

	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job cannot be cancelled (not queued)")
	ErrJobCancelled      = errors.New("job was cancelled")
	ErrQueueFull         = errors.New("printer queue is full")
)
