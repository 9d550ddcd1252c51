package nnet

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/LILIBIUALREADY/computer-visual/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// number of epochs for the moving average of the validation loss
const emaN = 10

// Training statistics for one epoch. Epochs are numbered from 0.
type Stats struct {
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	ValidLoss float64
	ValidAcc  float64
	BestSince int
	Elapsed   time.Duration
}

func StatsHeaders() []string {
	return []string{"epoch", "train loss", "train acc", "valid loss", "valid acc"}
}

func (s Stats) String() string {
	return fmt.Sprintf("epoch: %d, train loss: %.6f, train_acc: %.4f; valid loss: %.6f, acc: %.4f",
		s.Epoch, s.TrainLoss, s.TrainAcc, s.ValidLoss, s.ValidAcc)
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, s Stats) (bool, error)
}

// Tester which evaluates the loss and accuracy on the validation set and updates the stats.
// Each of the functions in the OnEpoch list is called with the stats once they are complete.
type TestBase struct {
	Net     *Network
	Data    *Dataset
	Stats   []Stats
	OnEpoch []func(s Stats) error
	valid   *stats.Series
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}, valid: stats.NewSeries(emaN)}
}

// Initialise the test dataset and the network used to evaluate it. valid may be nil.
func (t *TestBase) Init(q num.Queue, conf Config, valid *Dataset, inShape []int) (*TestBase, error) {
	t.Data = valid
	if valid == nil {
		return t, nil
	}
	klog.V(1).Infof("init tester: samples=%d batch size=%d", valid.Samples, valid.BatchSize)
	var err error
	t.Net, err = New(q, conf, valid.BatchSize, inShape)
	return t, err
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
	t.valid = stats.NewSeries(emaN)
}

// Losses returns the per epoch training and validation losses.
func (t *TestBase) Losses() (train, valid []float64) {
	for _, s := range t.Stats {
		train = append(train, s.TrainLoss)
		valid = append(valid, s.ValidLoss)
	}
	return train, valid
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, s Stats) (bool, error) {
	if t.Data != nil {
		net.CopyTo(t.Net)
		s.ValidLoss, s.ValidAcc = Evaluate(t.Net, t.Data)
	}
	return t.update(net.Config, s, t.Data != nil)
}

// Add the stats to the history and call the OnEpoch hooks. Returns true after MaxEpoch epochs, or
// once the smoothed validation loss has not improved for StopAfter epochs. BestSince is -1 without
// a validation set so the early stop never applies.
func (t *TestBase) update(conf Config, s Stats, hasValid bool) (bool, error) {
	s.BestSince = -1
	if hasValid {
		t.valid.Add(s.ValidLoss)
		s.BestSince = t.valid.SinceBest()
	}
	t.Stats = append(t.Stats, s)
	for _, fn := range t.OnEpoch {
		if err := fn(s); err != nil {
			return true, err
		}
	}
	done := s.Epoch+1 >= conf.MaxEpoch || (conf.StopAfter > 0 && s.BestSince >= conf.StopAfter)
	return done, nil
}

type testLogger struct {
	*TestBase
}

// Create a new tester which logs the stats for each epoch.
func NewTestLogger(base *TestBase) Tester {
	return testLogger{TestBase: base}
}

func (t testLogger) Test(net *Network, s Stats) (bool, error) {
	done, err := t.TestBase.Test(net, s)
	s = t.Stats[len(t.Stats)-1]
	msg := s.String()
	if s.BestSince > 0 {
		msg += fmt.Sprintf(" [%d]", s.BestSince)
	}
	klog.Info(msg)
	if done {
		klog.Infof("run time: %s", s.Elapsed.Round(10*time.Millisecond))
	}
	return done, err
}

// Train the network on the given training set by updating the weights, stops when the tester
// returns true or the context is cancelled.
func Train(ctx context.Context, net *Network, opt Optimizer, dset *Dataset, test Tester) error {
	if dset.Samples == 0 {
		return errors.New("train: no training samples")
	}
	start := time.Now()
	for epoch := 0; epoch < net.MaxEpoch; epoch++ {
		loss, acc, err := TrainEpoch(ctx, net, opt, dset, epoch)
		if err != nil {
			return err
		}
		s := Stats{Epoch: epoch, TrainLoss: loss, TrainAcc: acc, Elapsed: time.Since(start)}
		done, err := test.Test(net, s)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// Perform one training epoch on dataset, returns the mean loss and accuracy over the batches.
func TrainEpoch(ctx context.Context, net *Network, opt Optimizer, dset *Dataset, epoch int) (loss, acc float64, err error) {
	q := net.queue
	classes := q.NewArray(num.Int32, dset.BatchSize)
	correct := q.NewArray(num.Float32)
	lossVal := []float32{0}
	corrVal := []float32{0}
	params := net.Params()
	var avgLoss, avgAcc stats.Average
	dset.Shuffle()
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		if err = ctx.Err(); err != nil {
			dset.Wait()
			return avgLoss.Mean, avgAcc.Mean, err
		}
		x, y, yOneHot, count := dset.NextBatch()
		yPred := net.Predict(x, classes)
		batchLoss := net.Loss(yPred, yOneHot, count)
		net.Bprop()
		opt.Update(params)
		q.Call(
			num.Fill(correct, 0),
			num.CountEq(classes, y, count, correct),
			num.Read(batchLoss, lossVal),
			num.Read(correct, corrVal),
		).Finish()
		avgLoss.Add(float64(lossVal[0]))
		avgAcc.Add(float64(corrVal[0]) / float64(count))
		if math.IsNaN(avgLoss.Mean) {
			dset.Wait()
			return avgLoss.Mean, avgAcc.Mean, errors.Errorf("epoch %d batch %d: loss is NaN", epoch, batch)
		}
		if net.LogEvery > 0 && (batch+1)%net.LogEvery == 0 {
			klog.Infof("train epoch: %d [%d/%d]\tloss: %.6f acc: %.4f", epoch, batch+1, dset.Batches, avgLoss.Mean, avgAcc.Mean)
		}
	}
	dset.Wait()
	return avgLoss.Mean, avgAcc.Mean, nil
}

// Evaluate the mean loss and accuracy of the network over the dataset without updating the weights.
func Evaluate(net *Network, dset *Dataset) (loss, acc float64) {
	q := net.queue
	classes := q.NewArray(num.Int32, dset.BatchSize)
	correct := q.NewArray(num.Float32)
	lossVal := []float32{0}
	corrVal := []float32{0}
	var avgLoss, avgAcc stats.Average
	if dset.Samples < dset.Len() {
		dset.Shuffle()
	}
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, yOneHot, count := dset.NextBatch()
		yPred := net.Predict(x, classes)
		batchLoss := net.Loss(yPred, yOneHot, count)
		q.Call(
			num.Fill(correct, 0),
			num.CountEq(classes, y, count, correct),
			num.Read(batchLoss, lossVal),
			num.Read(correct, corrVal),
		).Finish()
		avgLoss.Add(float64(lossVal[0]))
		avgAcc.Add(float64(corrVal[0]) / float64(count))
	}
	dset.Wait()
	return avgLoss.Mean, avgAcc.Mean
}
