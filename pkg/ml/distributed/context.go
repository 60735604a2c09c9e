// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed detects and initializes the multi-process training group, and provides the
// collective operations (barrier, all-reduce) and the rank gating used by the training loop.
//
// A process launched without the launcher environment variables (RANK, WORLD_SIZE, ...) runs in
// single-process mode: rank 0 of a world of size 1, where every collective is a no-op.
//
// The Context is created once at startup and passed explicitly to every component that performs
// I/O or collective calls. It is never mutated after creation.
package distributed

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables read by Init.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvLocalRank  = "LOCAL_RANK"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// Modes accepted in Options.Mode.
const (
	ModeAuto = "auto"
	ModeOff  = "off"
	ModeOn   = "on"
)

// Backends accepted in Options.Backend.
const (
	BackendTCP   = "tcp"
	BackendLocal = "local"
)

// DefaultInitTimeout is the time given to all peers to join the group.
var DefaultInitTimeout = 30 * time.Second

// Group implements the collective communication across the processes of a run.
type Group interface {
	// AllReduceSum returns the element-wise sum of values over all ranks. Every rank gets the same result,
	// bit for bit. It blocks until all ranks have contributed.
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)

	// Close releases the resources of the group. Pending and future collectives fail.
	Close() error
}

// Context holds the rank information of the process, and the communication group if distributed.
type Context struct {
	rank, worldSize, localRank int
	distributed                bool
	backend                    string
	group                      Group
}

// Single returns the Context of a single-process run.
func Single() *Context {
	return &Context{worldSize: 1}
}

// Options for Init.
type Options struct {
	// Mode is one of ModeAuto (default: distributed if the environment says so), ModeOff or ModeOn
	// (error if the environment doesn't describe a distributed launch).
	Mode string

	// Backend used to communicate: only BackendTCP can be used across processes. Defaults to BackendTCP.
	Backend string

	// InitTimeout is the time given to all peers to join. Defaults to DefaultInitTimeout.
	InitTimeout time.Duration

	// LookupEnv defaults to os.LookupEnv. Mostly used for testing.
	LookupEnv func(key string) (string, bool)
}

// Init detects the execution environment and, if launched as part of a multi-process group, joins it.
//
// Failing to form the group is a ResourceInit error: the process must not proceed into training.
func Init(ctx context.Context, opts Options) (*Context, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Backend == "" {
		opts.Backend = BackendTCP
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	switch opts.Mode {
	case ModeOff:
		return Single(), nil
	case ModeAuto, ModeOn:
	default:
		return nil, errkind.Newf(errkind.Configuration, "unknown distributed mode %q, valid values are %q, %q or %q",
			opts.Mode, ModeAuto, ModeOff, ModeOn)
	}

	env, err := parseEnv(opts.LookupEnv)
	if err != nil {
		return nil, err
	}
	if env == nil {
		if opts.Mode == ModeOn {
			return nil, errkind.Newf(errkind.Configuration,
				"distributed mode %q requested, but %s and %s are not set", ModeOn, EnvRank, EnvWorldSize)
		}
		return Single(), nil
	}
	if env.worldSize == 1 {
		klog.V(1).Infof("%s=1: running in single-process mode", EnvWorldSize)
		return &Context{worldSize: 1, localRank: env.localRank}, nil
	}

	dctx := &Context{
		rank:        env.rank,
		worldSize:   env.worldSize,
		localRank:   env.localRank,
		distributed: true,
		backend:     opts.Backend,
	}
	switch opts.Backend {
	case BackendTCP:
		if env.masterAddr == "" || env.masterPort == "" {
			return nil, errkind.Newf(errkind.ResourceInit, "backend %q requires %s and %s to be set",
				opts.Backend, EnvMasterAddr, EnvMasterPort)
		}
		dctx.group, err = newTCPGroup(ctx, tcpConfig{
			addr:      env.masterAddr + ":" + env.masterPort,
			rank:      env.rank,
			worldSize: env.worldSize,
			timeout:   opts.InitTimeout,
		})
		if err != nil {
			return nil, err
		}
	case BackendLocal:
		return nil, errkind.Newf(errkind.ResourceInit,
			"backend %q only works within one process, see NewLocalGroup", opts.Backend)
	default:
		return nil, errkind.Newf(errkind.ResourceInit, "unknown distributed backend %q", opts.Backend)
	}
	dctx.Infof("joined distributed group: world_size=%d, backend=%s", dctx.worldSize, dctx.backend)
	return dctx, nil
}

type launchEnv struct {
	rank, worldSize, localRank int
	masterAddr, masterPort     string
}

// parseEnv returns nil if no launcher variable is set.
func parseEnv(lookup func(string) (string, bool)) (*launchEnv, error) {
	rankStr, hasRank := lookup(EnvRank)
	worldStr, hasWorld := lookup(EnvWorldSize)
	if !hasRank && !hasWorld {
		return nil, nil
	}
	if hasRank != hasWorld {
		return nil, errkind.Newf(errkind.ResourceInit,
			"incomplete distributed environment: both %s and %s must be set", EnvRank, EnvWorldSize)
	}
	env := &launchEnv{}
	var err error
	if env.rank, err = strconv.Atoi(rankStr); err != nil {
		return nil, errkind.Wrapf(errkind.ResourceInit, err, "invalid %s=%q", EnvRank, rankStr)
	}
	if env.worldSize, err = strconv.Atoi(worldStr); err != nil {
		return nil, errkind.Wrapf(errkind.ResourceInit, err, "invalid %s=%q", EnvWorldSize, worldStr)
	}
	if env.worldSize < 1 || env.rank < 0 || env.rank >= env.worldSize {
		return nil, errkind.Newf(errkind.ResourceInit, "invalid rank %d for world size %d", env.rank, env.worldSize)
	}
	env.localRank = env.rank
	if localStr, found := lookup(EnvLocalRank); found {
		if env.localRank, err = strconv.Atoi(localStr); err != nil || env.localRank < 0 {
			return nil, errkind.Newf(errkind.ResourceInit, "invalid %s=%q", EnvLocalRank, localStr)
		}
	}
	env.masterAddr, _ = lookup(EnvMasterAddr)
	env.masterPort, _ = lookup(EnvMasterPort)
	return env, nil
}

// Rank of this process, from 0 to WorldSize()-1.
func (c *Context) Rank() int { return c.rank }

// WorldSize is the number of processes in the run.
func (c *Context) WorldSize() int { return c.worldSize }

// LocalRank is the index of the device this process is bound to.
func (c *Context) LocalRank() int { return c.localRank }

// IsDistributed returns whether the process is part of a multi-process group.
func (c *Context) IsDistributed() bool { return c.distributed }

// Backend used by the group, empty if not distributed.
func (c *Context) Backend() string { return c.backend }

// IsMain returns true only for rank 0, the one responsible for side-effecting I/O.
func (c *Context) IsMain() bool { return c.rank == 0 }

// String implements fmt.Stringer.
func (c *Context) String() string {
	if !c.distributed {
		return "single-process"
	}
	return fmt.Sprintf("rank %d/%d", c.rank, c.worldSize)
}

// Barrier blocks until all ranks reach it. It's a no-op in single-process mode.
func (c *Context) Barrier(ctx context.Context) error {
	if !c.distributed {
		return nil
	}
	if _, err := c.group.AllReduceSum(ctx, nil); err != nil {
		return errors.WithMessagef(err, "%s: barrier", c)
	}
	return nil
}

// AllReduceSum returns the element-wise sum of values over all ranks.
// In single-process mode it returns a copy of values.
func (c *Context) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	if !c.distributed {
		return slices.Clone(values), nil
	}
	sum, err := c.group.AllReduceSum(ctx, values)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: all-reduce of %d values", c, len(values))
	}
	return sum, nil
}

// AllReduceMean returns the element-wise mean of values over all ranks.
func (c *Context) AllReduceMean(ctx context.Context, values []float64) ([]float64, error) {
	sum, err := c.AllReduceSum(ctx, values)
	if err != nil {
		return nil, err
	}
	if c.worldSize > 1 {
		inv := 1.0 / float64(c.worldSize)
		for i := range sum {
			sum[i] *= inv
		}
	}
	return sum, nil
}

// Close the communication group, if any.
func (c *Context) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

// Infof logs only on the main rank.
func (c *Context) Infof(format string, args ...any) {
	if c.IsMain() {
		klog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

// Warningf logs on every rank, prefixed with the rank if distributed.
func (c *Context) Warningf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.distributed {
		msg = fmt.Sprintf("[rank %d/%d] %s", c.rank, c.worldSize, msg)
	}
	klog.WarningDepth(1, msg)
}
