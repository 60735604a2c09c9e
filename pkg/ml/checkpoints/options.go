// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

// BinFormat defines the type for representing the encoding of the tensor values in the checkpoint file.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents raw little-endian float64 values.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// ParseBinFormat returns the BinFormat for its String() representation.
func ParseBinFormat(s string) (BinFormat, bool) {
	switch s {
	case "gzip":
		return BinGZIP, true
	case "uncompressed":
		return BinUncompressed, true
	}
	return 0, false
}

type storeOptions struct {
	binFormat BinFormat
}

// Option allows parameterizing a Store.
type Option func(opts *storeOptions)

// WithBinFormat sets the format used to encode the tensor values. The default is BinGZIP.
func WithBinFormat(format BinFormat) Option {
	return func(opts *storeOptions) {
		opts.binFormat = format
	}
}

func collectOptions(options ...Option) *storeOptions {
	opts := &storeOptions{binFormat: BinGZIP}
	for _, option := range options {
		option(opts)
	}
	return opts
}
