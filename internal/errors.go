package internal

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrChunkUnavailable: a provider could not resolve a fingerprint to bytes.
	ErrChunkUnavailable = errors.New("chunk unavailable")
	// ErrCorruptManifest: malformed, truncated or inconsistent manifest.
	ErrCorruptManifest = errors.New("corrupt manifest")
	// ErrIoFailure: local read or write error.
	ErrIoFailure = errors.New("io failure")
	// ErrSizeMismatch: reconstructed length differs from the manifest.
	ErrSizeMismatch = errors.New("size mismatch")

	ErrInvalidConfig     = errors.New("invalid config")
	ErrFilesFailed       = errors.New("one or more files failed to sync")
	ErrDestinationLocked = errors.New("destination is locked by another sync")
)

// FailureKind names the taxonomy bucket of err for reports.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChunkUnavailable):
		return "ChunkUnavailable"
	case errors.Is(err, ErrCorruptManifest):
		return "CorruptManifest"
	case errors.Is(err, ErrSizeMismatch):
		return "SizeMismatch"
	case errors.Is(err, ErrIoFailure):
		return "IoFailure"
	case errors.Is(err, ErrInvalidConfig):
		return "InvalidConfig"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	default:
		return "IoFailure"
	}
}

// IOError wraps err as ErrIoFailure unless it already carries a kind.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if FailureKind(err) != "IoFailure" || errors.Is(err, ErrIoFailure) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIoFailure, err)
}
