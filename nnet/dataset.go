package nnet

import (
	"math/rand"
	"sync"

	"github.com/jnb666/houseprice/num"
	"github.com/pkg/errors"
)

// Data interface type represents the raw data for a training, test or validation set.
type Data interface {
	Len() int
	Shape() []int
	Label(index []int, label []float32)
	Input(index []int, buf []float32) error
}

// Dataset type encapsulates a set of training, test or validation data.
type Dataset struct {
	Data
	Name      string
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []float32
	x, y      [2]num.Array
	err       [2]error
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size.
func NewDataset(dev num.Device, name string, data Data, batchSize int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Name: name, Samples: data.Len(), rng: rng}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	if d.BatchSize > 0 {
		d.Batches = (d.Samples + d.BatchSize - 1) / d.BatchSize
	}
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]float32, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(append([]int{d.BatchSize}, data.Shape()...)...)
		d.y[i] = dev.NewArray(d.BatchSize, 1)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i])
	}
}

// number of samples in the given batch
func (d *Dataset) batchSize(batch int) int {
	start := batch * d.BatchSize
	end := start + d.BatchSize
	if end > d.Samples {
		end = d.Samples
	}
	return end - start
}

// kick off load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func(batch, buf int) {
		defer d.Done()
		start := batch * d.BatchSize
		index := d.indexes[start : start+d.batchSize(batch)]
		d.err[buf] = d.Input(index, d.xBuffer)
		if d.err[buf] != nil {
			d.err[buf] = errors.Wrapf(d.err[buf], "load %s batch %d", d.Name, batch)
			return
		}
		d.Label(index, d.yBuffer)
		d.queue.Call(
			num.Write(d.x[buf], d.xBuffer),
			num.Write(d.y[buf], d.yBuffer),
		).Finish()
	}(d.batch, d.buf)
}

// Get next batch of data, the last batch may be smaller than BatchSize.
func (d *Dataset) NextBatch() (x, y num.Array, err error) {
	d.Wait()
	n := d.batchSize(d.batch)
	x, y, err = d.x[d.buf].Head(n), d.y[d.buf].Head(n), d.err[d.buf]
	d.batch++
	d.buf = (d.buf + 1) % 2
	if d.batch < d.Batches && err == nil {
		d.loadBatch()
	}
	return x, y, err
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.batch = 0
	if d.Batches > 0 {
		d.loadBatch()
	}
}

// Shuffle the data set
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Samples)
}

// Indexes returns the sample order for the current epoch.
func (d *Dataset) Indexes() []int {
	return d.indexes
}
