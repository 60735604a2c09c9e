// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ParamSet is an ordered collection of named tensors.
//
// The order of insertion is preserved and used by Flatten/Unflatten, so two ParamSet with the same
// names in the same order are compatible, e.g.: parameters and their gradients.
type ParamSet struct {
	names  []string
	values map[string]*Tensor
}

// NewParamSet creates an empty ParamSet.
func NewParamSet() *ParamSet {
	return &ParamSet{values: make(map[string]*Tensor)}
}

// Add a tensor with the given name. It panics if the name is already used.
func (ps *ParamSet) Add(name string, t *Tensor) *ParamSet {
	if _, found := ps.values[name]; found {
		exceptions.Panicf("ParamSet.Add(%q): name already in use", name)
	}
	ps.names = append(ps.names, name)
	ps.values[name] = t
	return ps
}

// Get returns the tensor for name, or nil if not present.
func (ps *ParamSet) Get(name string) *Tensor {
	return ps.values[name]
}

// Names returns the names in insertion order. It shouldn't be changed.
func (ps *ParamSet) Names() []string { return ps.names }

// Len returns the number of tensors in the set.
func (ps *ParamSet) Len() int { return len(ps.names) }

// Size returns the total number of values over all tensors.
func (ps *ParamSet) Size() int {
	var size int
	for _, name := range ps.names {
		size += ps.values[name].Size()
	}
	return size
}

// Clone returns a deep copy.
func (ps *ParamSet) Clone() *ParamSet {
	clone := NewParamSet()
	for _, name := range ps.names {
		clone.Add(name, ps.values[name].Clone())
	}
	return clone
}

// ZerosLike returns a ParamSet with the same names and shapes, filled with zeros.
func (ps *ParamSet) ZerosLike() *ParamSet {
	zeros := NewParamSet()
	for _, name := range ps.names {
		zeros.Add(name, New(ps.values[name].dims...))
	}
	return zeros
}

// Compatible returns an error if other doesn't have the same names (in the same order) and shapes.
func (ps *ParamSet) Compatible(other *ParamSet) error {
	if !slices.Equal(ps.names, other.names) {
		return errors.Errorf("parameter names mismatch: %v != %v", ps.names, other.names)
	}
	for _, name := range ps.names {
		if !ps.values[name].SameShape(other.values[name]) {
			return errors.Errorf("parameter %q shape mismatch: %v != %v",
				name, ps.values[name].dims, other.values[name].dims)
		}
	}
	return nil
}

// CopyFrom copies the values from other, in place. Both sets must be compatible.
func (ps *ParamSet) CopyFrom(other *ParamSet) error {
	if err := ps.Compatible(other); err != nil {
		return errors.WithMessage(err, "ParamSet.CopyFrom")
	}
	for _, name := range ps.names {
		copy(ps.values[name].data, other.values[name].data)
	}
	return nil
}

// Flatten concatenates all values, in order, into one slice.
func (ps *ParamSet) Flatten() []float64 {
	flat := make([]float64, 0, ps.Size())
	for _, name := range ps.names {
		flat = append(flat, ps.values[name].data...)
	}
	return flat
}

// Unflatten is the reverse of Flatten: it copies the values from flat into the tensors of the set.
func (ps *ParamSet) Unflatten(flat []float64) error {
	if len(flat) != ps.Size() {
		return errors.Errorf("ParamSet.Unflatten: expected %d values, got %d", ps.Size(), len(flat))
	}
	pos := 0
	for _, name := range ps.names {
		t := ps.values[name]
		pos += copy(t.data, flat[pos:pos+len(t.data)])
	}
	return nil
}

// Scale multiplies all values by s, in place.
func (ps *ParamSet) Scale(s float64) {
	for _, name := range ps.names {
		floats.Scale(s, ps.values[name].data)
	}
}

// AddScaled sets ps += alpha * other, in place. Both sets must be compatible.
func (ps *ParamSet) AddScaled(alpha float64, other *ParamSet) error {
	if err := ps.Compatible(other); err != nil {
		return errors.WithMessage(err, "ParamSet.AddScaled")
	}
	for _, name := range ps.names {
		floats.AddScaled(ps.values[name].data, alpha, other.values[name].data)
	}
	return nil
}

// AllFinite returns false if any value of any tensor is NaN or infinite.
func (ps *ParamSet) AllFinite() bool {
	for _, name := range ps.names {
		if !ps.values[name].AllFinite() {
			return false
		}
	}
	return true
}

// Apply replaces each value v of every tensor by fn(v), in place.
func (ps *ParamSet) Apply(fn func(v float64) float64) {
	for _, name := range ps.names {
		ps.values[name].Apply(fn)
	}
}

// Equal returns whether both sets are compatible and hold exactly the same values.
func (ps *ParamSet) Equal(other *ParamSet) bool {
	if ps.Compatible(other) != nil {
		return false
	}
	for _, name := range ps.names {
		if !slices.Equal(ps.values[name].data, other.values[name].data) {
			return false
		}
	}
	return true
}
