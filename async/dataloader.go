// Package async overlaps batch loading with training by reading batches
// from a training.DataSource on a background goroutine.
package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/training"
)

type loadResult struct {
	batch *training.Batch
	err   error
}

// AsyncDataLoader prefetches the batches of one epoch. It is itself a
// training.DataSource: Reset starts the epoch, Next returns prefetched
// batches in order and nil once the source is exhausted.
type AsyncDataLoader struct {
	source        training.DataSource
	prefetchDepth int

	mutex        sync.Mutex
	batchChannel chan loadResult
	cancel       context.CancelFunc
	done         chan struct{}
	batchCounter uint64
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // Number of batches to prefetch (default: 3)
}

// NewAsyncDataLoader creates a new asynchronous data loader
func NewAsyncDataLoader(source training.DataSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	return &AsyncDataLoader{source: source, prefetchDepth: config.PrefetchDepth}, nil
}

// Reset stops any running epoch, resets the source and starts prefetching.
func (adl *AsyncDataLoader) Reset() {
	adl.Stop()

	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	adl.source.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	adl.cancel = cancel
	adl.batchChannel = make(chan loadResult, adl.prefetchDepth)
	adl.done = make(chan struct{})
	go adl.worker(ctx, adl.batchChannel, adl.done)
}

// worker loads batches until the source is exhausted, fails, or the
// context is cancelled.
func (adl *AsyncDataLoader) worker(ctx context.Context, out chan<- loadResult, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	for {
		batch, err := adl.source.Next()
		if batch == nil && err == nil {
			return
		}
		select {
		case out <- loadResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		adl.mutex.Lock()
		adl.batchCounter++
		adl.mutex.Unlock()
	}
}

// Next returns the next prefetched batch (blocks until available)
func (adl *AsyncDataLoader) Next() (*training.Batch, error) {
	adl.mutex.Lock()
	ch := adl.batchChannel
	adl.mutex.Unlock()

	if ch == nil {
		return nil, errors.New("data loader has not been started")
	}
	r, ok := <-ch
	if !ok {
		return nil, nil
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "data loader error")
	}
	return r.batch, nil
}

// Stop cancels prefetching and waits for the worker to exit.
func (adl *AsyncDataLoader) Stop() {
	adl.mutex.Lock()
	cancel, done := adl.cancel, adl.done
	adl.cancel = nil
	adl.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Len returns the number of batches per epoch.
func (adl *AsyncDataLoader) Len() int {
	return adl.source.Len()
}

// NumSamples returns the number of samples per epoch.
func (adl *AsyncDataLoader) NumSamples() int {
	return adl.source.NumSamples()
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	stats := AsyncDataLoaderStats{
		IsRunning:       adl.cancel != nil,
		BatchesProduced: adl.batchCounter,
		QueueCapacity:   adl.prefetchDepth,
	}
	if adl.batchChannel != nil {
		stats.QueuedBatches = len(adl.batchChannel)
	}
	return stats
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}
