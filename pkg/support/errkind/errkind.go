// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errkind defines the kinds of fatal errors raised while setting up and running a training.
//
// Errors are created wrapping one of the kind sentinels, so callers can classify them
// with errors.Is, while still getting the stack trace of github.com/pkg/errors:
//
//	err := errkind.Newf(errkind.Configuration, "batch_size must be > 0, got %d", cfg.BatchSize)
//	...
//	if errors.Is(err, errkind.Configuration) { ... }
package errkind

import (
	"github.com/pkg/errors"
)

var (
	// Configuration is an invalid or unsupported setting, e.g. mixed precision requested where
	// it is not supported. Detected at startup, before any resources are allocated.
	Configuration = errors.New("configuration error")

	// ResourceInit is a failure to acquire a resource: the distributed group failed to form,
	// or a device is unavailable. There is no retry.
	ResourceInit = errors.New("resource initialization error")

	// CheckpointIO is a failure to read or write a checkpoint or weights file.
	CheckpointIO = errors.New("checkpoint I/O error")

	// NumericDivergence is a non-finite loss or gradient found during training.
	NumericDivergence = errors.New("numeric divergence")
)

// Newf creates a new error of the given kind, with a formatted message and a stack trace.
func Newf(kind error, format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(kind, format, args...))
}

// Wrapf marks err as being of the given kind, adding a formatted message.
// It returns nil if err is nil.
//
// Both the kind and the original error can be matched with errors.Is.
func Wrapf(kind error, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&kindError{kind: kind, cause: errors.WithMessagef(err, format, args...)})
}

// Of returns the kind of err, or nil if err is not of any known kind.
func Of(err error) error {
	for _, kind := range []error{Configuration, ResourceInit, CheckpointIO, NumericDivergence} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// kindError tags a cause with a kind.
type kindError struct {
	kind, cause error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }
