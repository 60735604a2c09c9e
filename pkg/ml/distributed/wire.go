// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// frameKind enumerates the messages exchanged by the tcp group.
type frameKind uint64

const (
	frameHello frameKind = iota + 1
	frameContribute
	frameResult
	frameError
)

// Field numbers of the frame message.
const (
	fieldKind   protowire.Number = 1
	fieldRank   protowire.Number = 2
	fieldWorld  protowire.Number = 3
	fieldSeq    protowire.Number = 4
	fieldValues protowire.Number = 5
	fieldError  protowire.Number = 6
)

// maxFrameSize limits the size of a frame read from the network: 1GB, 2^27 float64 values.
const maxFrameSize = 1 << 30

// frame is the unit of communication: it is serialized as a protobuf message (values as packed fixed64),
// prefixed with its length as a uvarint.
type frame struct {
	kind        frameKind
	rank, world int
	seq         uint64
	values      []float64
	err         string
}

func (f *frame) marshal() []byte {
	b := make([]byte, 0, 32+9*len(f.values))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.kind))
	b = protowire.AppendTag(b, fieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.rank))
	b = protowire.AppendTag(b, fieldWorld, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.world))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, f.seq)
	if len(f.values) > 0 {
		packed := make([]byte, 0, 8*len(f.values))
		for _, v := range f.values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if f.err != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, f.err)
	}
	return b
}

func (f *frame) unmarshal(b []byte) error {
	*f = frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "invalid frame tag")
		}
		b = b[n:]
		switch {
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "invalid frame values")
			}
			b = b[n:]
			if len(packed)%8 != 0 {
				return errors.Errorf("invalid frame values: %d bytes is not a multiple of 8", len(packed))
			}
			f.values = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				bits, n := protowire.ConsumeFixed64(packed)
				if n < 0 {
					return errors.Wrap(protowire.ParseError(n), "invalid frame value")
				}
				packed = packed[n:]
				f.values = append(f.values, math.Float64frombits(bits))
			}
		case num == fieldError && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "invalid frame error")
			}
			b = b[n:]
			f.err = s
		case typ == protowire.VarintType && num >= fieldKind && num <= fieldSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "invalid frame field #%d", num)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				f.kind = frameKind(v)
			case fieldRank:
				f.rank = int(v)
			case fieldWorld:
				f.world = int(v)
			case fieldSeq:
				f.seq = v
			}
		default:
			// Unknown fields are skipped.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "invalid frame field #%d", num)
			}
			b = b[n:]
		}
	}
	return nil
}

func writeFrame(w io.Writer, f *frame) error {
	msg := f.marshal()
	buf := protowire.AppendVarint(make([]byte, 0, len(msg)+binary.MaxVarintLen64), uint64(len(msg)))
	buf = append(buf, msg...)
	_, err := w.Write(buf)
	return errors.Wrap(err, "failed to write frame")
}

func readFrame(r *bufio.Reader) (*frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read frame length")
	}
	if size > maxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds the maximum of %d", size, maxFrameSize)
	}
	msg := make([]byte, size)
	if _, err = io.ReadFull(r, msg); err != nil {
		return nil, errors.Wrap(err, "failed to read frame")
	}
	f := &frame{}
	if err = f.unmarshal(msg); err != nil {
		return nil, err
	}
	return f, nil
}
