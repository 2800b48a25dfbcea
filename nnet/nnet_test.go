package nnet

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/jnb666/houseprice/num"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

// in memory dataset
type testData struct {
	shape  []int
	inputs [][]float32
	labels []float32
	fail   bool
}

func (d *testData) Len() int { return len(d.labels) }

func (d *testData) Shape() []int { return d.shape }

func (d *testData) Label(index []int, label []float32) {
	for i, ix := range index {
		label[i] = d.labels[ix]
	}
}

func (d *testData) Input(index []int, buf []float32) error {
	if d.fail {
		return fmt.Errorf("read error")
	}
	nfeat := num.Prod(d.shape)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.inputs[ix])
	}
	return nil
}

// labels are a linear function of the inputs plus a constant
func linearData(rng *rand.Rand, samples, nfeat int) *testData {
	d := &testData{shape: []int{nfeat}}
	for i := 0; i < samples; i++ {
		x := make([]float32, nfeat)
		y := float32(1)
		for j := range x {
			x[j] = rng.Float32()*2 - 1
			y += float32(j+1) * x[j] * 0.5
		}
		d.inputs = append(d.inputs, x)
		d.labels = append(d.labels, y)
	}
	return d
}

func randInput(q num.Queue, rng *rand.Rand, dims ...int) num.Array {
	a := q.NewArray(dims...)
	for i := range a.Data() {
		a.Data()[i] = rng.Float32()*2 - 1
	}
	return a
}

func netLoss(net *Network, x, y num.Array) float64 {
	loss, _ := net.Loss(net.Fprop(x, true), y, false)
	return loss
}

// compare back propagated parameter gradients with finite difference estimate
func checkGradients(t *testing.T, net *Network, x, y num.Array) {
	t.Helper()
	const h = 1e-2
	q := net.Queue()
	_, grad := net.Loss(net.Fprop(x, true), y, true)
	net.Bprop(grad)
	q.Finish()
	for i, l := range net.ParamLayers() {
		W, B := l.Params()
		dW, dB := l.ParamGrads()
		arrays := [][2]num.Array{{W, dW}}
		if B != nil {
			arrays = append(arrays, [2]num.Array{B, dB})
		}
		for k, a := range arrays {
			param, deriv := a[0].Data(), append([]float32{}, a[1].Data()...)
			for j := 0; j < len(param) && j < 8; j++ {
				save := param[j]
				param[j] = save + h
				lossP := netLoss(net, x, y)
				param[j] = save - h
				lossM := netLoss(net, x, y)
				param[j] = save
				expect := (lossP - lossM) / (2 * h)
				got := float64(deriv[j])
				tol := 2e-3 + 0.05*math.Abs(expect)
				assert.Assert(t, math.Abs(got-expect) < tol, "layer %d %s param %d[%d]: got %.5f expect %.5f",
					i, l.ToString(), k, j, got, expect)
			}
		}
	}
}

func TestLinearGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := num.NewDevice().NewQueue(1)
	conf := Config{}.AddLayers(
		Linear{Nout: 5},
		Activation{Atype: "tanh"},
		BatchNorm{},
		Activation{Atype: "sigmoid"},
		Linear{Nout: 1},
	)
	net := New(q, conf, []int{4})
	net.InitWeights(rng)
	x, y := randInput(q, rng, 6, 4), randInput(q, rng, 6, 1)
	checkGradients(t, net, x, y)
}

func TestConvGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := num.NewDevice().NewQueue(2)
	block := []ConfigLayer{
		Conv{Nfeats: 4, Size: 3, Stride: 2, Pad: 1, NoBias: true},
		BatchNorm{},
		Activation{Atype: "tanh"},
	}
	conf := Config{}.AddLayers(
		Conv{Nfeats: 3, Size: 3, Pad: 1},
		Activation{Atype: "tanh"},
		NewResidual(block, Conv{Nfeats: 4, Size: 1, Stride: 2}),
		Pool{Average: true},
		Flatten{},
		Linear{Nout: 1},
	)
	net := New(q, conf, []int{2, 6, 6})
	t.Log(net)
	assert.DeepEqual(t, net.Layers[2].OutShape(), []int{4, 3, 3})
	assert.DeepEqual(t, net.OutShape(), []int{1})
	net.InitWeights(rng)
	x, y := randInput(q, rng, 3, 2, 6, 6), randInput(q, rng, 3, 1)
	checkGradients(t, net, x, y)
}

// smallest gap between the largest and second largest value in each size x size pooling window
func poolMargin(a num.Array, size int) float64 {
	d := a.Dims()
	h, w := d[2], d[3]
	data := a.Data()
	margin := math.Inf(1)
	for plane := 0; plane < d[0]*d[1]; plane++ {
		for y := 0; y+size <= h; y += size {
			for x := 0; x+size <= w; x += size {
				first, second := math.Inf(-1), math.Inf(-1)
				for dy := 0; dy < size; dy++ {
					for dx := 0; dx < size; dx++ {
						v := float64(data[plane*h*w+(y+dy)*w+x+dx])
						if v > first {
							first, second = v, first
						} else if v > second {
							second = v
						}
					}
				}
				margin = math.Min(margin, first-second)
			}
		}
	}
	return margin
}

func TestMaxPoolGrad(t *testing.T) {
	q := num.NewDevice().NewQueue(2)
	conf := Config{}.AddLayers(
		Conv{Nfeats: 3, Size: 3, Pad: 1},
		Pool{Size: 2},
		Flatten{},
		Linear{Nout: 1},
	)
	// pick a seed where no pooling window is close to a tie, so the finite difference
	// step cannot move the max to a different input
	for seed := int64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewSource(seed))
		net := New(q, conf, []int{2, 6, 6})
		net.InitWeights(rng)
		x, y := randInput(q, rng, 2, 2, 6, 6), randInput(q, rng, 2, 1)
		out := net.Layers[0].Fprop(x, true)
		q.Finish()
		if poolMargin(out, 2) < 0.03 {
			continue
		}
		t.Logf("seed %d", seed)
		assert.DeepEqual(t, net.Layers[1].OutShape(), []int{3, 3, 3})
		checkGradients(t, net, x, y)
		return
	}
	t.Fatal("no seed found without near ties in the pooling windows")
}

func TestParamLayers(t *testing.T) {
	q := num.NewDevice().NewQueue(1)
	conf := Config{}.AddLayers(resNet(1, 10)...)
	net := New(q, conf, []int{3, 32, 32})
	// stem conv+bn, 3 blocks with 2 conv+bn each, 2 shortcut projections and the output layer
	assert.Equal(t, len(net.ParamLayers()), 2+3*4+2*2+1)
	assert.DeepEqual(t, net.OutShape(), []int{10})
}

func TestHeadConfig(t *testing.T) {
	conf := DefaultConfig
	conf.Model = "simplecnn"
	backbone, last, err := BackboneConfig(conf)
	assert.NilError(t, err)
	assert.Equal(t, len(backbone.Layers), 14)
	assert.Equal(t, last, 13)
	head, err := HeadConfig(conf, 1)
	assert.NilError(t, err)
	n := len(head.Layers)
	assert.Equal(t, n, 16)
	var types []string
	for _, l := range head.Layers[n-4:] {
		types = append(types, l.Type)
	}
	assert.DeepEqual(t, types, []string{"flatten", "batchNorm", "activation", "linear"})
	assert.Equal(t, head.Layers[n-1].String(), "linear {Nout:1}")
}

func TestModelHead(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := num.NewDevice().NewQueue(1)
	conf := DefaultConfig
	conf.Model = "simplecnn"
	opts := ModelOptions{NumClasses: 1, ModelDir: t.TempDir(), InShape: []int{3, 16, 16}}
	net, err := NewModel(q, conf, opts, rng)
	assert.NilError(t, err)
	t.Log(net)
	n := len(net.Layers)
	assert.Equal(t, net.Layers[n-3].ToString(), "batchNorm")
	assert.DeepEqual(t, net.Layers[n-3].InShape(), []int{64})
	assert.Equal(t, net.Layers[n-2].ToString(), "activation {Atype:relu}")
	assert.Equal(t, net.Layers[n-1].ToString(), "linear {Nout:1}")
	assert.DeepEqual(t, net.OutShape(), []int{1})

	params := net.ParamLayers()
	for i, l := range params {
		head := i >= len(params)-2
		assert.Equal(t, l.Frozen(), !head, "layer %d", i)
		assert.Equal(t, l.NoGrad(), false, "layer %d", i)
	}

	conf.FreezeGrads = true
	net, err = NewModel(q, conf, opts, rng)
	assert.NilError(t, err)
	params = net.ParamLayers()
	assert.Assert(t, params[0].NoGrad())
	assert.Assert(t, !params[len(params)-1].NoGrad())
}

func TestUnknownArch(t *testing.T) {
	conf := DefaultConfig
	conf.Model = "alexnet"
	_, err := NewModel(num.NewDevice().NewQueue(1), conf, ModelOptions{InShape: []int{3, 16, 16}}, rand.New(rand.NewSource(1)))
	assert.Assert(t, errors.Cause(err) == ErrUnknownArch)
	assert.ErrorContains(t, err, "alexnet")
}

func TestPretrained(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := num.NewDevice().NewQueue(1)
	dir := t.TempDir()
	inShape := []int{3, 16, 16}
	base := New(q, Config{}.AddLayers(simpleCNN(BackboneClasses)...), inShape)
	base.InitWeights(rng)
	saved := base.Export()
	assert.NilError(t, SaveWeights(filepath.Join(dir, "simplecnn.weights.xz"), saved))
	assert.Equal(t, PretrainedFile(dir, "simplecnn"), filepath.Join(dir, "simplecnn.weights.xz"))

	conf := DefaultConfig
	conf.Model = "simplecnn"
	net, err := NewModel(q, conf, ModelOptions{NumClasses: 1, ModelDir: dir, InShape: inShape}, rng)
	assert.NilError(t, err)
	loaded := net.Export()
	for i := 0; i < len(saved)-1; i++ {
		assert.DeepEqual(t, loaded[i].Weights, saved[i].Weights)
		assert.DeepEqual(t, loaded[i].Mean, saved[i].Mean)
	}
	assert.Equal(t, len(loaded[len(loaded)-1].Weights), 64)
}

func TestSaveModel(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	q := num.NewDevice().NewQueue(1)
	conf := DefaultConfig.AddLayers(Linear{Nout: 3}, BatchNorm{}, Linear{Nout: 1})
	net := New(q, conf, []int{4})
	net.InitWeights(rng)
	prefix := filepath.Join(t.TempDir(), "model")
	assert.NilError(t, SaveModel(net, prefix))
	net2, err := LoadModel(q, prefix+".net", prefix+".weights.xz", []int{4})
	assert.NilError(t, err)
	assert.Equal(t, net2.String(), net.String())
	assert.DeepEqual(t, net2.Export(), net.Export())

	bad := New(q, DefaultConfig.AddLayers(Linear{Nout: 2}), []int{4})
	assert.ErrorContains(t, bad.Import(net.Export(), 0), "import error")
}

func TestConfig(t *testing.T) {
	c, err := DefaultConfig.SetString("Eta", "0.5")
	assert.NilError(t, err)
	assert.Equal(t, c.Get("Eta"), 0.5)
	c, err = c.SetString("MaxEpoch", "3")
	assert.NilError(t, err)
	assert.Equal(t, c.MaxEpoch, 3)
	c, err = c.SetBool("FreezeGrads", true)
	assert.NilError(t, err)
	assert.Assert(t, c.FreezeGrads)
	_, err = c.SetString("NoSuchField", "1")
	assert.ErrorContains(t, err, "invalid config field")
	_, err = c.SetBool("Eta", true)
	assert.ErrorContains(t, err, "invalid type")

	c.EtaDecay, c.EtaDecayStep = 0.1, 2
	for epoch, eta := range map[int]float64{1: 0.5, 2: 0.5, 3: 0.05, 5: 0.005} {
		assert.Assert(t, math.Abs(c.LearningRate(epoch)-eta) < 1e-12, "epoch %d: %g", epoch, c.LearningRate(epoch))
	}

	c = c.AddLayers(resNet(1, 1)...)
	file := filepath.Join(t.TempDir(), "test.net")
	assert.NilError(t, c.Save(file))
	c2, err := LoadConfig(file)
	assert.NilError(t, err)
	assert.Equal(t, c2.String(), c.String())
}

func TestDataset(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := linearData(rng, 7, 2)
	dset := NewDataset(num.NewDevice(), "test", data, 3, rng)
	assert.Equal(t, dset.Batches, 3)
	for epoch := 0; epoch < 2; epoch++ {
		dset.Shuffle()
		dset.NextEpoch()
		seen := map[float32]bool{}
		for batch := 0; batch < dset.Batches; batch++ {
			x, y, err := dset.NextBatch()
			assert.NilError(t, err)
			n := y.Dims()[0]
			if batch == 2 {
				assert.Equal(t, n, 1)
			} else {
				assert.Equal(t, n, 3)
			}
			assert.DeepEqual(t, x.Dims(), []int{n, 2})
			for i, v := range y.Data()[:n] {
				ix := dset.Indexes()[batch*3+i]
				assert.Equal(t, v, data.labels[ix])
				assert.DeepEqual(t, x.Data()[i*2:i*2+2], data.inputs[ix])
				seen[v] = true
			}
		}
		assert.Equal(t, len(seen), 7)
	}

	data.fail = true
	dset.NextEpoch()
	_, _, err := dset.NextBatch()
	assert.ErrorContains(t, err, "load test batch 0: read error")
}

func TestTrain(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := num.NewDevice().NewQueue(1)
	conf := DefaultConfig.AddLayers(Linear{Nout: 8}, Activation{Atype: "relu"}, Linear{Nout: 1})
	conf.MaxEpoch = 15
	conf.Eta = 0.05
	conf.EtaDecayStep = 10
	net := New(q, conf, []int{3})
	net.InitWeights(rng)
	train := NewDataset(q.Dev(), "train", linearData(rng, 64, 3), conf.TrainBatch, rng)
	valid := NewDataset(q.Dev(), "valid", linearData(rng, 20, 3), conf.TestBatch, rng)
	test := NewTestLogger(valid)
	assert.NilError(t, Train(net, train, test))

	tb := test.(testLogger).TestBase
	assert.Equal(t, len(tb.Stats), 15)
	for _, s := range tb.Stats {
		assert.Assert(t, s.TrainLoss >= 0 && s.ValidLoss >= 0)
		assert.Assert(t, s.ValidLoss >= tb.BestLoss)
	}
	assert.Assert(t, tb.Stats[14].TrainLoss < tb.Stats[0].TrainLoss)
	assert.Equal(t, tb.Stats[tb.BestEpoch-1].BestSince, 0)
	loss, err := Loss(net, valid)
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(loss-tb.BestLoss) < 1e-6, "restored loss %g best %g", loss, tb.BestLoss)
}

func TestStopAfter(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := num.NewDevice().NewQueue(1)
	conf := DefaultConfig.AddLayers(Linear{Nout: 1})
	conf.Eta = 0
	conf.StopAfter = 2
	net := New(q, conf, []int{2})
	net.InitWeights(rng)
	train := NewDataset(q.Dev(), "train", linearData(rng, 10, 2), 4, rng)
	valid := NewDataset(q.Dev(), "valid", linearData(rng, 10, 2), 4, rng)
	test := NewTestBase(valid)
	assert.NilError(t, Train(net, train, test))
	assert.Equal(t, len(test.History()), 3)
	assert.Equal(t, test.BestEpoch, 1)
	s, ok := test.Latest()
	assert.Assert(t, ok)
	assert.Equal(t, s.Epoch, 3)
	assert.Equal(t, s.BestSince, 2)
}

func TestEvaluate(t *testing.T) {
	q := num.NewDevice().NewQueue(1)
	net := New(q, DefaultConfig.AddLayers(Linear{Nout: 1}), []int{1})
	data := &testData{shape: []int{1}, labels: []float32{1, 1, 2, 2, 4}}
	for range data.labels {
		data.inputs = append(data.inputs, []float32{1})
	}
	dset := NewDataset(q.Dev(), "test", data, 2, nil)
	// zero weights so prediction is zero and each batch loss is the rms label
	loss, pred, err := Evaluate(net, dset)
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(loss-7.0/3) < 1e-6, "loss=%g", loss)
	assert.DeepEqual(t, pred, make([]float32, 5))
	loss, err = Loss(net, dset)
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(loss-2) < 1e-6, "loss=%g", loss)
}
