// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package determinism provides the single source of randomness of a training run.
//
// Go has no seedable process-wide random source (since Go 1.24 seeding the math/rand global generator
// is a no-op), so instead every component that consumes randomness receives a *Context and derives
// its own independent stream from it. Streams are keyed by name and position (epoch, batch), never by
// call order, so results don't depend on goroutine scheduling or on the number of data loading workers.
package determinism

import (
	"hash/fnv"
	"math/rand/v2"
)

// Context holds the base seed of a run. It is immutable and safe for concurrent use.
type Context struct {
	seed int64
}

// New creates the determinism context for the run, from the base seed.
// It should be called once, before any model, optimizer or data loader is created.
func New(seed int64) *Context {
	return &Context{seed: seed}
}

// Seed returns the base seed.
func (c *Context) Seed() int64 { return c.seed }

// Rand returns a new deterministic random number generator for the named stream.
// Different names yield independent streams; the same name always yields the same sequence.
func (c *Context) Rand(stream string) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(c.seed), hashString(stream)))
}

// EpochRand returns the generator for the given stream and epoch.
func (c *Context) EpochRand(stream string, epoch int) *rand.Rand {
	return rand.New(rand.NewPCG(mix(uint64(c.seed), uint64(epoch)), hashString(stream)))
}

// BatchRand returns the generator for the given stream, epoch and batch number.
// It is used by data transformations, so their randomness depends only on the batch position.
func (c *Context) BatchRand(stream string, epoch, batch int) *rand.Rand {
	return rand.New(rand.NewPCG(mix(mix(uint64(c.seed), uint64(epoch)), uint64(batch)), hashString(stream)))
}

// WorkerSeedFn returns the per-worker seeding function: worker i gets seed `base_seed + i`.
// It is a pure function, there is no shared counter.
func (c *Context) WorkerSeedFn() func(worker int) int64 {
	seed := c.seed
	return func(worker int) int64 {
		return seed + int64(worker)
	}
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// mix combines two values with the splitmix64 finalizer.
func mix(a, b uint64) uint64 {
	z := a + 0x9e3779b97f4a7c15*(b+1)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
