// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/gomlx/imgtrain/pkg/ml/train/optimizers"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/gomlx/imgtrain/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// serializedHeader is the JSON header of the checkpoint file.
type serializedHeader struct {
	Version   int                        `json:"version"`
	Kind      string                     `json:"kind"`
	RunID     string                     `json:"run_id"`
	Created   time.Time                  `json:"created"`
	Epoch     int                        `json:"epoch"`
	BestScore float64                    `json:"best_score"`
	Config    json.RawMessage            `json:"config,omitempty"`
	Optimizer *optimizers.State          `json:"optimizer,omitempty"`
	Scheduler *optimizers.SchedulerState `json:"scheduler,omitempty"`

	// BinFormat of the tensor values: "gzip" or "uncompressed".
	BinFormat string             `json:"bin_format"`
	Tensors   []serializedTensor `json:"tensors"`
}

// serializedTensor describes a tensor stored in the file.
type serializedTensor struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dims"`

	// Pos, Length in number of values, in the (uncompressed) values section.
	Pos    int `json:"pos"`
	Length int `json:"length"`
}

// namedTensor is a tensor to write, in order.
type namedTensor struct {
	name string
	t    *tensors.Tensor
}

func collectTensors(b *Bundle) []namedTensor {
	var all []namedTensor
	if b.Model != nil {
		for _, name := range b.Model.Names() {
			all = append(all, namedTensor{ModelPrefix + name, b.Model.Get(name)})
		}
	}
	if b.Optimizer != nil {
		for _, slotName := range b.Optimizer.SlotNames() {
			slot := b.Optimizer.Slots[slotName]
			for _, name := range slot.Names() {
				all = append(all, namedTensor{OptimizerPrefix + slotName + "/" + name, slot.Get(name)})
			}
		}
	}
	return all
}

// writeFile writes the bundle atomically to path, and returns the number of bytes written.
func writeFile(path string, b *Bundle, format BinFormat) (int64, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return 0, err
	}
	header := serializedHeader{
		Version:   b.Version,
		Kind:      b.Kind,
		RunID:     b.RunID,
		Created:   b.Created,
		Epoch:     b.Epoch,
		BestScore: b.BestScore,
		Config:    b.Config,
		Optimizer: b.Optimizer,
		Scheduler: b.Scheduler,
		BinFormat: format.String(),
	}
	all := collectTensors(b)
	pos := 0
	for _, nt := range all {
		header.Tensors = append(header.Tensors, serializedTensor{
			Name: nt.name, Dimensions: nt.t.Shape(), Pos: pos, Length: nt.t.Size()})
		pos += nt.t.Size()
	}
	headerJSON, err := json.Marshal(&header)
	if err != nil {
		return 0, errors.Wrapf(err, "encoding checkpoint header")
	}

	return fsutil.AtomicWriteFile(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if _, err := bw.WriteString(Magic); err != nil {
			return errors.WithStack(err)
		}
		if _, err := bw.Write(binary.AppendUvarint(nil, uint64(len(headerJSON)))); err != nil {
			return errors.WithStack(err)
		}
		if _, err := bw.Write(headerJSON); err != nil {
			return errors.WithStack(err)
		}
		var valuesWriter io.Writer = bw
		var gz *gzip.Writer
		if format == BinGZIP {
			gz = gzip.NewWriter(bw)
			valuesWriter = gz
		}
		var buf [8]byte
		for _, nt := range all {
			for _, v := range nt.t.Data() {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
				if _, err := valuesWriter.Write(buf[:]); err != nil {
					return errors.Wrapf(err, "writing %q", nt.name)
				}
			}
		}
		if gz != nil {
			if err := gz.Close(); err != nil {
				return errors.WithStack(err)
			}
		}
		return errors.WithStack(bw.Flush())
	})
}

// Load reads a checkpoint (weights-only or resume) from path into memory.
//
// Missing, corrupt or incompatible (different Version) files return a CheckpointIO error.
func Load(path string) (*Bundle, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, errkind.Wrapf(errkind.CheckpointIO, err, "loading checkpoint")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrapf(errkind.CheckpointIO, errors.WithStack(err), "loading checkpoint")
	}
	b, err := decode(contents)
	if err != nil {
		return nil, errkind.Wrapf(errkind.CheckpointIO, err, "loading checkpoint %q", path)
	}
	return b, nil
}

func decode(contents []byte) (*Bundle, error) {
	if !bytes.HasPrefix(contents, []byte(Magic)) {
		return nil, errors.New("not a checkpoint file (bad magic)")
	}
	contents = contents[len(Magic):]
	headerLen, n := binary.Uvarint(contents)
	if n <= 0 || headerLen > uint64(len(contents)-n) {
		return nil, errors.New("corrupt checkpoint header length")
	}
	contents = contents[n:]
	var header serializedHeader
	if err := json.Unmarshal(contents[:headerLen], &header); err != nil {
		return nil, errors.Wrap(err, "corrupt checkpoint header")
	}
	if header.Version != Version {
		return nil, errors.Errorf("incompatible checkpoint version %d, this program reads version %d",
			header.Version, Version)
	}
	if header.Kind == KindResume && (header.Optimizer == nil || header.Scheduler == nil) {
		return nil, errors.New("resume checkpoint without optimizer or scheduler state")
	}
	values, err := decodeValues(contents[headerLen:], header.BinFormat)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Kind:      header.Kind,
		Version:   header.Version,
		RunID:     header.RunID,
		Created:   header.Created,
		Epoch:     header.Epoch,
		BestScore: header.BestScore,
		Config:    header.Config,
		Optimizer: header.Optimizer,
		Scheduler: header.Scheduler,
		Model:     tensors.NewParamSet(),
	}
	for _, st := range header.Tensors {
		if st.Pos < 0 || st.Length < 0 || st.Pos+st.Length > len(values) {
			return nil, errors.Errorf("tensor %q out of bounds", st.Name)
		}
		t, err := tensors.FromData(values[st.Pos:st.Pos+st.Length], st.Dimensions...)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", st.Name)
		}
		if err := b.addTensor(st.Name, t); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func decodeValues(raw []byte, binFormat string) ([]float64, error) {
	format, ok := ParseBinFormat(binFormat)
	if !ok {
		return nil, errors.Errorf("unknown binary format %q", binFormat)
	}
	if format == BinGZIP {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "corrupt checkpoint values")
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt checkpoint values")
		}
	}
	if len(raw)%8 != 0 {
		return nil, errors.Errorf("corrupt checkpoint values: %d bytes is not a multiple of 8", len(raw))
	}
	values := make([]float64, len(raw)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return values, nil
}

func (b *Bundle) addTensor(name string, t *tensors.Tensor) (err error) {
	defer func() {
		// ParamSet.Add panics on duplicate names.
		if r := recover(); r != nil {
			err = errors.Errorf("duplicate tensor %q", name)
		}
	}()
	switch {
	case strings.HasPrefix(name, ModelPrefix):
		b.Model.Add(strings.TrimPrefix(name, ModelPrefix), t)
	case strings.HasPrefix(name, OptimizerPrefix):
		slotName, paramName, found := strings.Cut(strings.TrimPrefix(name, OptimizerPrefix), "/")
		if !found || b.Optimizer == nil {
			return errors.Errorf("unexpected optimizer tensor %q", name)
		}
		if b.Optimizer.Slots == nil {
			b.Optimizer.Slots = make(map[string]*tensors.ParamSet)
		}
		slot, ok := b.Optimizer.Slots[slotName]
		if !ok {
			slot = tensors.NewParamSet()
			b.Optimizer.Slots[slotName] = slot
		}
		slot.Add(paramName, t)
	default:
		return errors.Errorf("unknown tensor %q", name)
	}
	return nil
}

func logSaved(dctx *distributed.Context, path string, b *Bundle, n int64) {
	if b.Kind == KindWeights {
		dctx.Infof("saved weights to %q (%s)", path, humanize.Bytes(uint64(n)))
		return
	}
	dctx.Infof("saved resume checkpoint of epoch %d to %q (%s)", b.Epoch, path, humanize.Bytes(uint64(n)))
}
