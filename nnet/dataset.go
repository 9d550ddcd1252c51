package nnet

import (
	"encoding/gob"
	"math/rand"
	"os"
	"sync"

	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Data interface type represents the inputs and labels for a training or validation set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training or validation data. The next batch is loaded in
// the background while the current one is processed.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	count     [2]int
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	d.BatchSize = batchSize
	if d.BatchSize <= 0 {
		d.BatchSize = d.Samples
	}
	d.Batches = (d.Samples + d.BatchSize - 1) / d.BatchSize
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, append(data.Shape(), d.BatchSize)...)
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, len(d.Classes()), d.BatchSize)
	}
	d.indexes = make([]int, d.Len())
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
		d.x[i].Release()
		d.y[i].Release()
		d.y1H[i].Release()
	}
}

// kick off load of next batch of data in background, unused entries in a final partial batch are zeroed
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func() {
		start := d.batch * d.BatchSize
		end := start + d.BatchSize
		if end > d.Samples {
			end = d.Samples
		}
		n := end - start
		nfeat := len(d.xBuffer) / d.BatchSize
		d.Input(d.indexes[start:end], d.xBuffer)
		d.Label(d.indexes[start:end], d.yBuffer)
		for i := n * nfeat; i < len(d.xBuffer); i++ {
			d.xBuffer[i] = 0
		}
		for i := n; i < d.BatchSize; i++ {
			d.yBuffer[i] = -1
		}
		d.count[d.buf] = n
		d.queue.Call(
			num.Write(d.x[d.buf], d.xBuffer),
			num.Write(d.y[d.buf], d.yBuffer),
			num.Onehot(d.y[d.buf], d.y1H[d.buf], len(d.Classes())),
		)
		d.queue.Finish()
		d.Done()
	}()
}

// Get next batch of data, count is the number of valid samples in the batch.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array, count int) {
	d.Wait()
	x, y, yOneHot, count = d.x[d.buf], d.y[d.buf], d.y1H[d.buf], d.count[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set, a random subset is used if there are more than Samples entries.
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Len())
}

func init() {
	gob.Register(data{})
}

// Decode data from file in gob format
func LoadDataFile(path string) (Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	defer f.Close()
	var d Data
	if err = gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode data %s", path)
	}
	klog.Infof("loaded data from %s: %v", path, append(d.Shape(), d.Len()))
	return d, nil
}

// Encode in gob format and save to file
func SaveDataFile(d Data, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save data")
	}
	klog.Infof("saving data to %s", path)
	if err = gob.NewEncoder(f).Encode(&d); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode data %s", path)
	}
	return errors.Wrap(f.Close(), "save data")
}

// Check if file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new in memory data set which implements the Data interface
func NewData(classes []string, shape []int, labels []int32, inputs []float32) Data {
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}
