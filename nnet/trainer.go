package nnet

import (
	"fmt"
	"math"
	"time"

	"github.com/jnb666/houseprice/num"
	"github.com/jnb666/houseprice/stats"
)

// number of epochs for the validation loss moving average
const emaN = 5

// Training statistics
type Stats struct {
	Epoch     int
	Eta       float64
	TrainLoss float64
	ValidLoss float64
	ValidAvg  float64
	BestSince int
	Elapsed   time.Duration
}

var StatsHeaders = []string{"eta", "train loss", "valid loss", "valid avg"}

func (s Stats) Format() []string {
	return []string{
		fmt.Sprintf("%.3g", s.Eta),
		fmt.Sprintf("%7.4f", s.TrainLoss),
		fmt.Sprintf("%7.4f", s.ValidLoss),
		fmt.Sprintf("%7.4f", s.ValidAvg),
	}
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if
// training should stop. Restore is called at the end of training to load the best weights.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) (bool, error)
	Restore(net *Network) error
}

// StatsTester is a Tester which also records the stats for each epoch.
type StatsTester interface {
	Tester
	Latest() (Stats, bool)
	History() []Stats
}

// Tester which evaluates the loss on the validation set, updates the stats and keeps a copy of
// the weights with the lowest validation loss.
type TestBase struct {
	Valid     *Dataset
	Stats     []Stats
	BestLoss  float64
	BestEpoch int
	best      []LayerData
}

// Create a new base class which implements the Tester interface.
func NewTestBase(valid *Dataset) *TestBase {
	return &TestBase{Valid: valid, Stats: []Stats{}, BestLoss: math.Inf(1)}
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
	t.BestLoss = math.Inf(1)
	t.BestEpoch = 0
	t.best = nil
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss float64, start time.Time) (bool, error) {
	if net.DebugLevel >= 1 {
		fmt.Printf("== TEST EPOCH %d ==\n", epoch)
	}
	s := Stats{Epoch: epoch, Eta: net.LearningRate(epoch), TrainLoss: loss}
	var err error
	if s.ValidLoss, err = Loss(net, t.Valid); err != nil {
		return true, err
	}
	prev := 0.0
	if n := len(t.Stats); n > 0 {
		prev = t.Stats[n-1].ValidAvg
	}
	s.ValidAvg = stats.EMA(prev).Add(s.ValidLoss, emaN)
	if s.ValidLoss < t.BestLoss {
		t.BestLoss = s.ValidLoss
		t.BestEpoch = epoch
		t.best = net.Export()
	}
	s.BestSince = epoch - t.BestEpoch
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	done := epoch >= net.MaxEpoch || (net.StopAfter > 0 && s.BestSince >= net.StopAfter)
	return done, nil
}

// Latest returns the stats from the most recent epoch.
func (t *TestBase) Latest() (Stats, bool) {
	if len(t.Stats) == 0 {
		return Stats{}, false
	}
	return t.Stats[len(t.Stats)-1], true
}

// History returns the stats for each epoch so far.
func (t *TestBase) History() []Stats {
	return t.Stats
}

// Restore the weights from the epoch with the lowest validation loss.
func (t *TestBase) Restore(net *Network) error {
	if t.best == nil {
		return nil
	}
	return net.Import(t.best, 0)
}

type testLogger struct {
	*TestBase
}

// Create a new tester which logs stats to stdout.
func NewTestLogger(valid *Dataset) StatsTester {
	return testLogger{TestBase: NewTestBase(valid)}
}

func (t testLogger) Test(net *Network, epoch int, loss float64, start time.Time) (bool, error) {
	done, err := t.TestBase.Test(net, epoch, loss, start)
	if err != nil {
		return done, err
	}
	s := t.Stats[len(t.Stats)-1]
	if done || net.LogEvery == 0 || epoch%net.LogEvery == 0 {
		msg := fmt.Sprintf("epoch %3d:", epoch)
		for i, val := range s.Format() {
			msg += fmt.Sprintf("  %s =%s", StatsHeaders[i], val)
		}
		if s.BestSince > 0 {
			msg += fmt.Sprintf(" [%d]", s.BestSince)
		}
		fmt.Println(msg)
	}
	if done {
		fmt.Printf("run time: %s  best valid loss: %.4f at epoch %d\n",
			s.Elapsed.Round(10*time.Millisecond), t.BestLoss, t.BestEpoch)
	}
	return done, nil
}

// Train the network on the given training set by updating the weights, on completion the weights
// with the best validation score are restored.
func Train(net *Network, dset *Dataset, test Tester) error {
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch; epoch++ {
		loss, err := TrainEpoch(net, dset, net.LearningRate(epoch))
		if err != nil {
			return err
		}
		done, err := test.Test(net, epoch, loss, start)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return test.Restore(net)
}

// Perform one training epoch on dataset, returns the mean loss per sample prior to updating the weights.
func TrainEpoch(net *Network, dset *Dataset, eta float64) (float64, error) {
	if net.Shuffle {
		dset.Shuffle()
	}
	dset.NextEpoch()
	total := 0.0
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		x, y, err := dset.NextBatch()
		if err != nil {
			return 0, err
		}
		yPred := net.Fprop(x, true)
		loss, grad := net.Loss(yPred, y, true)
		if net.DebugLevel >= 2 {
			fmt.Printf("y:\n%s", y.String(net.queue))
			fmt.Printf("yPred:\n%s", yPred.String(net.queue))
			fmt.Printf("loss = %.4f\n", loss)
		}
		total += loss * float64(x.Dims()[0])
		net.Bprop(grad)
		net.Update(eta)
	}
	net.queue.Finish()
	if dset.Samples == 0 {
		return 0, nil
	}
	return total / float64(dset.Samples), nil
}

// Loss returns the mean loss per sample over the dataset with the network in inference mode.
func Loss(net *Network, dset *Dataset) (float64, error) {
	total, _, err := eval(net, dset, nil)
	if err != nil || dset.Samples == 0 {
		return 0, err
	}
	return total / float64(dset.Samples), nil
}

// Evaluate runs the network over the dataset in inference mode and returns the loss summed over
// batches and divided by the number of batches, along with the predicted value for each sample.
func Evaluate(net *Network, dset *Dataset) (loss float64, pred []float32, err error) {
	pred = make([]float32, dset.Samples)
	_, sum, err := eval(net, dset, pred)
	if err != nil || dset.Batches == 0 {
		return 0, pred, err
	}
	return sum / float64(dset.Batches), pred, nil
}

// returns total of loss weighted by batch size and plain sum of batch losses
func eval(net *Network, dset *Dataset, pred []float32) (weighted, sum float64, err error) {
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, err := dset.NextBatch()
		if err != nil {
			return 0, 0, err
		}
		yPred := net.Fprop(x, false)
		loss, _ := net.Loss(yPred, y, false)
		n := x.Dims()[0]
		weighted += loss * float64(n)
		sum += loss
		if pred != nil {
			out := make([]float32, n)
			net.queue.Call(num.Read(yPred, out)).Finish()
			start := batch * dset.BatchSize
			for i, ix := range dset.Indexes()[start : start+n] {
				pred[ix] = out[i]
			}
		}
	}
	return weighted, sum, nil
}
