// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// NewLocalGroup creates n Context, one per rank, connected by an in-process group.
// Each one should be used by its own goroutine: it simulates an n-process run within one process.
func NewLocalGroup(n int) []*Context {
	hub := &localHub{worldSize: n, rounds: make(map[uint64]*localRound)}
	contexts := make([]*Context, n)
	for rank := range contexts {
		contexts[rank] = &Context{
			rank:        rank,
			worldSize:   n,
			localRank:   rank,
			distributed: n > 1,
			backend:     BackendLocal,
			group:       &localMember{hub: hub, rank: rank},
		}
	}
	return contexts
}

// localHub is shared by all members of a local group. Collectives are matched by their sequence number.
type localHub struct {
	worldSize int

	mu     sync.Mutex
	rounds map[uint64]*localRound
	closed bool
}

type localRound struct {
	contributions [][]float64
	arrived       int
	done          chan struct{}
	result        []float64
	err           error
}

type localMember struct {
	hub  *localHub
	rank int
	seq  uint64
}

var errLocalGroupClosed = errors.New("local group closed")

// AllReduceSum implements Group.
func (m *localMember) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	h := m.hub
	seq := m.seq
	m.seq++

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.WithStack(errLocalGroupClosed)
	}
	round, found := h.rounds[seq]
	if !found {
		round = &localRound{contributions: make([][]float64, h.worldSize), done: make(chan struct{})}
		h.rounds[seq] = round
	}
	round.contributions[m.rank] = slices.Clone(values)
	round.arrived++
	if round.arrived == h.worldSize {
		round.result, round.err = sumInRankOrder(round.contributions)
		close(round.done)
		delete(h.rounds, seq)
	}
	h.mu.Unlock()

	select {
	case <-round.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rank %d waiting for collective #%d", m.rank, seq)
	}
	if round.err != nil {
		return nil, round.err
	}
	return slices.Clone(round.result), nil
}

// Close implements Group. Closing any member closes the whole group, failing pending collectives.
func (m *localMember) Close() error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for seq, round := range h.rounds {
		round.err = errors.Wrapf(errLocalGroupClosed, "collective #%d aborted", seq)
		close(round.done)
		delete(h.rounds, seq)
	}
	return nil
}

// sumInRankOrder adds the contributions of ranks 0, 1, ..., so every group backend produces the
// same rounding.
func sumInRankOrder(contributions [][]float64) ([]float64, error) {
	sum := slices.Clone(contributions[0])
	for rank, values := range contributions[1:] {
		if len(values) != len(sum) {
			return nil, errors.Errorf("all-reduce size mismatch: rank 0 sent %d values, rank %d sent %d",
				len(sum), rank+1, len(values))
		}
		for i, v := range values {
			sum[i] += v
		}
	}
	return sum, nil
}
