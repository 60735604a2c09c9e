// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"bufio"
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tcpGroup connects the ranks in a star: rank 0 listens on the master address, every other rank
// connects to it. Rank 0 reduces the contributions in rank order and broadcasts the result, so
// all ranks get bit-identical values.
type tcpGroup struct {
	rank, worldSize int

	mu  sync.Mutex // Serializes collectives.
	seq uint64

	// Rank 0 only.
	listener net.Listener
	peers    []*tcpPeer // Indexed by rank, peers[0] is nil.

	// Other ranks.
	master *tcpPeer
}

type tcpPeer struct {
	conn   net.Conn
	reader *bufio.Reader
}

type tcpConfig struct {
	addr            string
	rank, worldSize int
	timeout         time.Duration

	// listener, if set, is used by rank 0 instead of listening on addr.
	listener net.Listener
}

// dialRetryInterval is the wait between connection attempts to the master.
var dialRetryInterval = 100 * time.Millisecond

func newTCPGroup(ctx context.Context, cfg tcpConfig) (*tcpGroup, error) {
	g := &tcpGroup{rank: cfg.rank, worldSize: cfg.worldSize}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	var err error
	if cfg.rank == 0 {
		err = g.accept(ctx, cfg)
	} else {
		err = g.dial(ctx, cfg)
	}
	if err != nil {
		_ = g.Close()
		return nil, errkind.Wrapf(errkind.ResourceInit, err, "rank %d/%d failed to join the tcp group at %s",
			cfg.rank, cfg.worldSize, cfg.addr)
	}
	return g, nil
}

func (g *tcpGroup) accept(ctx context.Context, cfg tcpConfig) error {
	g.listener = cfg.listener
	if g.listener == nil {
		var lc net.ListenConfig
		var err error
		g.listener, err = lc.Listen(ctx, "tcp", cfg.addr)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", cfg.addr)
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = g.listener.Close() })
	defer stop()

	g.peers = make([]*tcpPeer, g.worldSize)
	for joined := 1; joined < g.worldSize; {
		conn, err := g.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "only %d of %d ranks joined", joined, g.worldSize)
			}
			return errors.Wrap(err, "failed to accept connection")
		}
		peer := &tcpPeer{conn: conn, reader: bufio.NewReader(conn)}
		hello, err := peer.read(ctx)
		if err != nil {
			_ = conn.Close()
			klog.Warningf("distributed: dropping connection from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		if hello.kind != frameHello || hello.world != g.worldSize || hello.rank <= 0 || hello.rank >= g.worldSize ||
			g.peers[hello.rank] != nil {
			_ = conn.Close()
			return errors.Errorf("invalid hello from %s: rank=%d, world_size=%d (expected world_size=%d)",
				conn.RemoteAddr(), hello.rank, hello.world, g.worldSize)
		}
		g.peers[hello.rank] = peer
		joined++
		klog.V(1).Infof("distributed: rank %d joined from %s", hello.rank, conn.RemoteAddr())
	}
	return nil
}

func (g *tcpGroup) dial(ctx context.Context, cfg tcpConfig) error {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.addr)
		if err == nil {
			g.master = &tcpPeer{conn: conn, reader: bufio.NewReader(conn)}
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "master unreachable")
		case <-time.After(dialRetryInterval):
		}
	}
	return g.master.write(ctx, &frame{kind: frameHello, rank: g.rank, world: g.worldSize})
}

// AllReduceSum implements Group.
func (g *tcpGroup) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seq := g.seq
	g.seq++
	if g.rank != 0 {
		if err := g.master.write(ctx, &frame{kind: frameContribute, rank: g.rank, seq: seq, values: values}); err != nil {
			return nil, err
		}
		reply, err := g.master.read(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case reply.kind == frameError:
			return nil, errors.Errorf("collective #%d failed on rank 0: %s", seq, reply.err)
		case reply.kind != frameResult || reply.seq != seq:
			return nil, errors.Errorf("collective #%d: unexpected reply kind=%d, seq=%d", seq, reply.kind, reply.seq)
		}
		return reply.values, nil
	}

	contributions := make([][]float64, g.worldSize)
	contributions[0] = values
	var err error
	for rank := 1; rank < g.worldSize && err == nil; rank++ {
		var f *frame
		f, err = g.peers[rank].read(ctx)
		if err != nil {
			err = errors.WithMessagef(err, "collective #%d, reading from rank %d", seq, rank)
			break
		}
		if f.kind != frameContribute || f.seq != seq {
			err = errors.Errorf("collective #%d: rank %d sent kind=%d, seq=%d", seq, rank, f.kind, f.seq)
			break
		}
		contributions[rank] = f.values
	}
	var sum []float64
	if err == nil {
		sum, err = sumInRankOrder(contributions)
	}
	reply := &frame{kind: frameResult, seq: seq, values: sum}
	if err != nil {
		reply = &frame{kind: frameError, seq: seq, err: err.Error()}
	}
	for rank := 1; rank < g.worldSize; rank++ {
		if writeErr := g.peers[rank].write(ctx, reply); writeErr != nil && err == nil {
			err = errors.WithMessagef(writeErr, "collective #%d, replying to rank %d", seq, rank)
		}
	}
	if err != nil {
		return nil, err
	}
	return slices.Clone(sum), nil
}

// Close implements Group.
func (g *tcpGroup) Close() error {
	var firstErr error
	closeConn := func(p *tcpPeer) {
		if p == nil {
			return
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range g.peers {
		closeConn(p)
	}
	closeConn(g.master)
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && firstErr == nil && !errors.Is(err, net.ErrClosed) {
			firstErr = err
		}
	}
	return errors.Wrap(firstErr, "closing tcp group")
}

// watch interrupts blocking I/O on the connection when ctx is done. The returned function must be called
// once the I/O is finished.
func (p *tcpPeer) watch(ctx context.Context) (done func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = p.conn.SetDeadline(time.Unix(1, 0)) })
	return func() {
		stop()
		_ = p.conn.SetDeadline(time.Time{})
	}
}

func (p *tcpPeer) read(ctx context.Context) (*frame, error) {
	done := p.watch(ctx)
	defer done()
	f, err := readFrame(p.reader)
	if err != nil && ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), err.Error())
	}
	return f, err
}

func (p *tcpPeer) write(ctx context.Context, f *frame) error {
	done := p.watch(ctx)
	defer done()
	return writeFrame(p.conn, f)
}
