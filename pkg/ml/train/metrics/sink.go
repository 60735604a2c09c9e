// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/gomlx/imgtrain/pkg/support/xsync"
	"k8s.io/klog/v2"
)

// Sink is an append-only scalar time series store keyed by (metric name, step).
// The training loop calls it on the main rank only.
//
// Implementations may also implement io.Closer, to flush results at the end.
type Sink interface {
	Add(name string, step int64, value float64)
}

// Point is one value of a series.
type Point struct {
	Name  string
	Step  int64
	Value float64
}

// MemorySink keeps all points in memory. It is safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	points []Point
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Add implements Sink.
func (s *MemorySink) Add(name string, step int64, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, Point{Name: name, Step: step, Value: value})
}

// Points returns a copy of all points, in the order they were added.
func (s *MemorySink) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.points...)
}

// Series returns the points of the given series.
func (s *MemorySink) Series(name string) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	var series []Point
	for _, p := range s.points {
		if p.Name == name {
			series = append(series, p)
		}
	}
	return series
}

// Names returns the names of the series, in order of first appearance.
func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	seen := make(map[string]bool)
	for _, p := range s.points {
		if !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	return names
}

// LogSink logs every point with klog, at verbosity level 1.
type LogSink struct{}

// Add implements Sink.
func (LogSink) Add(name string, step int64, value float64) {
	klog.V(1).Infof("metric %s@%d = %s", name, step, PrettyPrint(name, value))
}

// MultiSink sends every point to all its sinks.
type MultiSink []Sink

// Add implements Sink.
func (m MultiSink) Add(name string, step int64, value float64) {
	for _, s := range m {
		s.Add(name, step, value)
	}
}

// Close implements io.Closer, closing the sinks that are closers. It returns the first error.
func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if closer, ok := s.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// AsyncSink forwards points to a slower Sink from a separate goroutine.
// Add never blocks: if the buffer is full the point is dropped (and counted).
type AsyncSink struct {
	inner   Sink
	points  chan Point
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// NewAsyncSink creates an AsyncSink with a buffer for bufferSize points.
// Close must be called to flush the buffered points.
func NewAsyncSink(inner Sink, bufferSize int) *AsyncSink {
	s := &AsyncSink{
		inner:  inner,
		points: make(chan Point, bufferSize),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for p := range s.points {
			s.inner.Add(p.Name, p.Step, p.Value)
		}
	}()
	return s
}

// Add implements Sink.
func (s *AsyncSink) Add(name string, step int64, value float64) {
	if xsync.SendNoBlock(s.points, Point{Name: name, Step: step, Value: value}) != 0 {
		if s.dropped.Add(1) == 1 {
			klog.Warningf("metrics sink is falling behind, dropping points")
		}
	}
}

// Dropped returns the number of points dropped so far.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close flushes the buffered points and closes the inner sink, if it is an io.Closer.
func (s *AsyncSink) Close() error {
	s.once.Do(func() { close(s.points) })
	<-s.done
	if closer, ok := s.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
