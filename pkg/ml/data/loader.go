// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPrefetch is the default number of batches assembled ahead of the consumer.
const DefaultPrefetch = 2

// Loader assembles batches of a Dataset, in the order given by a distributed.Sampler.
//
// With Workers > 0, batches are assembled in parallel by that many goroutines, and buffered up to
// Prefetch batches ahead of the consumer: the consumer blocks when no batch is ready, and workers block
// when the buffer is full. Batches are always delivered in order, so the result doesn't depend on the
// number of workers.
//
// Create it with NewLoader, configure it with the chained setters, and iterate over each epoch with Epoch.
type Loader struct {
	ds         Dataset
	sampler    *distributed.Sampler
	batchSize  int
	dropLast   bool
	workers    int
	prefetch   int
	maxBatches int
	workerSeed func(worker int) int64
}

// NewLoader creates a Loader of ds with the given batch size, reading the indices from sampler.
// By default, it keeps the last partial batch, and assembles batches synchronously in Iterator.Next.
func NewLoader(ds Dataset, sampler *distributed.Sampler, batchSize int) *Loader {
	if batchSize <= 0 {
		exceptions.Panicf("data.NewLoader: batchSize must be > 0, got %d", batchSize)
	}
	return &Loader{
		ds:         ds,
		sampler:    sampler,
		batchSize:  batchSize,
		prefetch:   DefaultPrefetch,
		workerSeed: func(worker int) int64 { return int64(worker) },
	}
}

// DropLast configures whether the last partial batch is dropped. Training drops it, validation keeps it.
func (l *Loader) DropLast(dropLast bool) *Loader {
	l.dropLast = dropLast
	return l
}

// Workers sets the number of goroutines assembling batches. 0 means batches are assembled in the
// consumer goroutine.
func (l *Loader) Workers(n int) *Loader {
	l.workers = max(n, 0)
	return l
}

// Prefetch sets the maximum number of batches buffered ahead of the consumer, when using workers.
func (l *Loader) Prefetch(n int) *Loader {
	l.prefetch = max(n, 0)
	return l
}

// MaxBatches limits the number of batches per epoch. 0 means no limit.
//
// Distributed training sets it so every rank runs the same number of steps.
func (l *Loader) MaxBatches(n int) *Loader {
	l.maxBatches = max(n, 0)
	return l
}

// WorkerSeeds sets the function that gives each worker its seed, passed to datasets
// implementing WorkerInitializer.
func (l *Loader) WorkerSeeds(fn func(worker int) int64) *Loader {
	l.workerSeed = fn
	return l
}

// Dataset returns the dataset being loaded.
func (l *Loader) Dataset() Dataset { return l.ds }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.batchSize }

// NumExamples returns the number of examples of this rank's shard.
func (l *Loader) NumExamples() int { return l.sampler.Len() }

// NumBatches returns the number of batches yielded per epoch.
func (l *Loader) NumBatches() int {
	n := l.sampler.Len()
	var numBatches int
	if l.dropLast {
		numBatches = n / l.batchSize
	} else {
		numBatches = (n + l.batchSize - 1) / l.batchSize
	}
	if l.maxBatches > 0 {
		numBatches = min(numBatches, l.maxBatches)
	}
	return numBatches
}

// Epoch sets the epoch of the sampler (and of the dataset, if it implements EpochSetter), and returns an
// Iterator over the batches of the epoch.
//
// The Iterator must be closed after use, to stop the workers.
func (l *Loader) Epoch(ctx context.Context, epoch int) *Iterator {
	l.sampler.SetEpoch(epoch)
	if es, ok := l.ds.(EpochSetter); ok {
		es.SetEpoch(epoch)
	}
	it := &Iterator{
		loader:     l,
		ctx:        ctx,
		epoch:      epoch,
		indices:    slices.Clone(l.sampler.Indices()),
		numBatches: l.NumBatches(),
		stop:       make(chan struct{}),
	}
	if l.workers == 0 {
		l.initWorker(0)
		return it
	}
	numWorkers := min(l.workers, max(it.numBatches, 1))
	capacity := (l.prefetch + numWorkers - 1) / numWorkers
	it.results = make([]chan batchResult, numWorkers)
	for w := range it.results {
		it.results[w] = make(chan batchResult, capacity)
	}
	it.wg.Add(numWorkers)
	for w := range numWorkers {
		go it.worker(w)
	}
	return it
}

func (l *Loader) initWorker(worker int) {
	if wi, ok := l.ds.(WorkerInitializer); ok {
		wi.InitWorker(worker, l.workerSeed(worker))
	}
}

type batchResult struct {
	batch *Batch
	err   error
}

// Iterator over the batches of one epoch. It is not safe for concurrent use.
type Iterator struct {
	loader     *Loader
	ctx        context.Context
	epoch      int
	indices    []int
	numBatches int
	next       int
	err        error

	// results has one channel per worker: batch j is assembled by worker j % len(results).
	results   []chan batchResult
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NumBatches returns the number of batches of the epoch.
func (it *Iterator) NumBatches() int { return it.numBatches }

// Next returns the next batch of the epoch, or io.EOF when the epoch is finished.
//
// If assembling a batch fails (or panics), the error is returned, and the epoch is over: all following
// calls return the same error.
func (it *Iterator) Next() (*Batch, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.next >= it.numBatches {
		return nil, io.EOF
	}
	j := it.next
	var res batchResult
	if err := it.ctx.Err(); err != nil {
		res.err = errors.WithStack(err)
	} else if it.results == nil {
		res.batch, res.err = it.assemble(j)
	} else {
		select {
		case res = <-it.results[j%len(it.results)]:
		case <-it.ctx.Done():
			res.err = errors.WithStack(it.ctx.Err())
		}
	}
	if res.err != nil {
		it.err = res.err
		it.Close()
		return nil, it.err
	}
	it.next++
	return res.batch, nil
}

// Close stops the workers and waits for them to finish. It is safe to call more than once.
func (it *Iterator) Close() {
	it.closeOnce.Do(func() {
		close(it.stop)
	})
	it.wg.Wait()
}

func (it *Iterator) worker(w int) {
	defer it.wg.Done()
	it.loader.initWorker(w)
	stride := len(it.results)
	for j := w; j < it.numBatches; j += stride {
		select {
		case <-it.stop:
			return
		case <-it.ctx.Done():
			return
		default:
		}
		var res batchResult
		res.batch, res.err = it.assemble(j)
		select {
		case it.results[w] <- res:
		case <-it.stop:
			return
		case <-it.ctx.Done():
			return
		}
		if res.err != nil {
			klog.V(1).Infof("data loader worker #%d stopping: %v", w, res.err)
			return
		}
	}
}

// assemble batch j, converting panics to errors.
func (it *Iterator) assemble(j int) (batch *Batch, err error) {
	l := it.loader
	from := j * l.batchSize
	to := min(from+l.batchSize, len(it.indices))
	exception := exceptions.Try(func() {
		images := make([]*tensors.Tensor, 0, to-from)
		labels := make([]int, 0, to-from)
		for _, idx := range it.indices[from:to] {
			ex, getErr := l.ds.Get(idx)
			if getErr != nil {
				err = errors.WithMessagef(getErr, "example #%d", idx)
				return
			}
			images = append(images, ex.Image)
			labels = append(labels, ex.Label)
		}
		stacked, stackErr := tensors.Stack(images)
		if stackErr != nil {
			err = stackErr
			return
		}
		batch = &Batch{Index: j, Images: stacked, Labels: labels}
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			err = errors.Wrap(e, "panic")
		} else {
			err = errors.Errorf("panic: %v", exception)
		}
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q, epoch %d, batch #%d", l.ds.Name(), it.epoch, j)
	}
	return batch, nil
}
