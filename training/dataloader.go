package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/tensor"
)

// Dataset is a collection of low/high resolution pairs. Get returns [C,H,W]
// tensors and the source file name (empty when there is none). hr is nil
// for inputs without ground truth.
type Dataset interface {
	Len() int
	Get(idx int) (lr, hr *tensor.Tensor, filename string, err error)
}

// ScaleSelector is implemented by datasets that serve several scale factors.
type ScaleSelector interface {
	SetScale(idx int)
}

// Reseeder is implemented by sources whose random augmentation can be
// restarted from a fixed seed.
type Reseeder interface {
	Reseed(seed int64)
}

// benchmarker is implemented by datasets that are standard benchmark sets.
type benchmarker interface {
	Benchmark() bool
}

// Batch is one mini-batch of [N,C,H,W] tensors. HR is nil when the
// samples have no ground truth.
type Batch struct {
	LR       *tensor.Tensor
	HR       *tensor.Tensor
	Filename string // name of the first sample
}

// DataSource yields the batches of one epoch. Next returns nil after the
// last batch.
type DataSource interface {
	Reset()
	Next() (*Batch, error)
	Len() int
	NumSamples() int
}

// TestSource is a DataSource that evaluates one scale at a time.
type TestSource interface {
	DataSource
	SetScale(idx int)
	Benchmark() bool
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. Shuffling draws from a generator
// seeded with seed.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the dataset size.
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	return batch, nil
}

// SetScale forwards the scale selection to the dataset.
func (dl *DataLoader) SetScale(idx int) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	if s, ok := dl.dataset.(ScaleSelector); ok {
		s.SetScale(idx)
	}
}

// Reseed restarts the dataset's augmentation from seed.
func (dl *DataLoader) Reseed(seed int64) {
	if r, ok := dl.dataset.(Reseeder); ok {
		r.Reseed(seed)
	}
}

// Benchmark reports whether the dataset is a standard benchmark set.
func (dl *DataLoader) Benchmark() bool {
	b, ok := dl.dataset.(benchmarker)
	return ok && b.Benchmark()
}

// loadBatch stacks samples of identical shape into batch tensors.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch indices")
	}

	batch := &Batch{}
	var lrData, hrData []float32
	var lrShape, hrShape []int
	hasHR := true
	for i, idx := range indices {
		lr, hr, name, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		if i == 0 {
			batch.Filename = name
			lrShape = lr.Shape
			lrData = make([]float32, 0, len(indices)*len(lr.Data))
			if hr == nil {
				hasHR = false
			} else {
				hrShape = hr.Shape
				hrData = make([]float32, 0, len(indices)*len(hr.Data))
			}
		}
		if !sameInts(lr.Shape, lrShape) {
			return nil, errors.Errorf("sample %d has LR shape %v, batch has %v", idx, lr.Shape, lrShape)
		}
		if (hr != nil) != hasHR || (hr != nil && !sameInts(hr.Shape, hrShape)) {
			return nil, errors.Errorf("sample %d does not match the HR shape %v of its batch", idx, hrShape)
		}
		lrData = append(lrData, lr.Data...)
		if hr != nil {
			hrData = append(hrData, hr.Data...)
		}
	}

	n := len(indices)
	var err error
	if batch.LR, err = tensor.New(append([]int{n}, lrShape...), lrData); err != nil {
		return nil, err
	}
	if hasHR {
		if batch.HR, err = tensor.New(append([]int{n}, hrShape...), hrData); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
