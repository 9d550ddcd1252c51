package nnet

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/LILIBIUALREADY/computer-visual/num"
)

const (
	batch = 5
	nIn   = 6
	nOut  = 4
	eps   = 1e-5
)

func abs(x float32) float32 {
	if x >= 0 {
		return x
	}
	return -x
}

func randArray(rng *rand.Rand, size int, min, max float32) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rng.Float32()*(max-min)
	}
	return v
}

func compareArray(t *testing.T, q num.Queue, title string, A num.Array, expect []float32, tol float32) {
	t.Logf("== %s ==\n%s", title, A.String(q))
	arr := make([]float32, A.Size())
	q.Call(num.Read(A, arr)).Finish()
	if len(arr) != len(expect) {
		t.Fatal(title, "length mismatch!")
	}
	for i := range arr {
		if abs(arr[i]-expect[i]) > tol {
			t.Errorf("%s mismatch at %d: got %g expect %g", title, i, arr[i], expect[i])
			return
		}
	}
}

func linearNet(t *testing.T, q num.Queue, atype string) *Network {
	conf := DefaultConfig()
	conf.Classes = nOut
	conf.Layers = Config{}.AddLayers(Linear{Nout: nOut}, Activation{Atype: atype}).Layers
	net, err := New(q, conf, batch, []int{nIn})
	if err != nil {
		t.Fatal(err)
	}
	return net
}

func TestLinearFprop(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(42))
	net := linearNet(t, q, "relu")
	t.Log(net)
	weights := randArray(rng, nIn*nOut, -0.5, 0.5)
	bias := randArray(rng, nOut, 0.1, 0.2)
	inData := randArray(rng, nIn*batch, 0, 1)
	params := net.Params()
	input := q.NewArray(num.Float32, nIn, batch)
	q.Call(
		num.Write(params[0].W, weights),
		num.Write(params[1].W, bias),
		num.Write(input, inData),
	)
	expect := make([]float32, nOut*batch)
	for b := 0; b < batch; b++ {
		for j := 0; j < nOut; j++ {
			sum := bias[j]
			for i := 0; i < nIn; i++ {
				sum += weights[i+j*nIn] * inData[i+b*nIn]
			}
			if sum > 0 {
				expect[j+b*nOut] = sum
			}
		}
	}
	compareArray(t, q, "output", net.Fprop(input), expect, eps)
}

func lossValue(net *Network, x, yOneHot num.Array, count int) float32 {
	l := net.Loss(net.Fprop(x), yOneHot, count)
	v := []float32{0}
	net.queue.Call(num.Read(l, v)).Finish()
	return v[0]
}

// compare back propagated gradients for each parameter with numerical estimate
func TestGradients(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(2)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(1))
	conf := DefaultConfig()
	conf.Classes = 3
	conf.Layers = Config{}.AddLayers(
		Conv{Nfeats: 4, Size: 3},
		Activation{Atype: "prelu"},
		Flatten{},
		Linear{Nout: 3},
		Activation{Atype: "softmax"},
	).Layers
	const nBatch, count = 3, 2
	net, err := New(q, conf, nBatch, []int{3, 3, 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Log(net)
	net.InitWeights(rng)
	// use a negative slope so both prelu branches are exercised
	q.Call(num.Fill(net.Params()[2].W, -0.5))

	x := q.NewArray(num.Float32, 3, 3, 2, nBatch)
	q.Call(num.Write(x, randArray(rng, x.Size(), -1, 1)))
	labels := q.NewArray(num.Int32, nBatch)
	yOneHot := q.NewArray(num.Float32, 3, nBatch)
	q.Call(num.Write(labels, []int32{2, 0, 1}), num.Onehot(labels, yOneHot, 3))

	loss0 := lossValue(net, x, yOneHot, count)
	net.Bprop()
	q.Finish()
	t.Logf("loss = %g", loss0)

	names := net.ParamNames()
	for ix, p := range net.Params() {
		grad := append([]float32{}, p.DW.Floats()...)
		w := p.W.Floats()
		for i := range w {
			save := w[i]
			w[i] = save + 1e-3
			lp := lossValue(net, x, yOneHot, count)
			w[i] = save - 1e-3
			lm := lossValue(net, x, yOneHot, count)
			w[i] = save
			numGrad := (lp - lm) / 2e-3
			if abs(numGrad-grad[i]) > 1e-3+0.05*abs(grad[i]) {
				t.Errorf("%s[%d]: backprop gradient %g numeric %g", names[ix], i, grad[i], numGrad)
			}
		}
	}
}

// padded columns in a partial batch must not change the loss
func TestMaskedLoss(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	defer q.Shutdown()
	net := linearNet(t, q, "softmax")
	net.InitWeights(rand.New(rand.NewSource(3)))
	x := q.NewArray(num.Float32, nIn, batch)
	data := randArray(rand.New(rand.NewSource(4)), nIn*batch, 0, 1)
	q.Call(num.Write(x, data))
	labels := q.NewArray(num.Int32, batch)
	yOneHot := q.NewArray(num.Float32, nOut, batch)
	q.Call(num.Write(labels, []int32{1, 3, 0, -1, -1}), num.Onehot(labels, yOneHot, nOut))
	loss1 := lossValue(net, x, yOneHot, 3)

	for i := 3 * nIn; i < len(data); i++ {
		data[i] = 100
	}
	q.Call(num.Write(x, data))
	loss2 := lossValue(net, x, yOneHot, 3)
	if abs(loss1-loss2) > eps {
		t.Errorf("loss changed from %g to %g", loss1, loss2)
	}
	if loss1 <= 0 || math.IsNaN(float64(loss1)) {
		t.Error("invalid loss", loss1)
	}
}

func TestCheckpoint(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	defer q.Shutdown()
	net := linearNet(t, q, "prelu")
	net.InitWeights(rand.New(rand.NewSource(5)))
	classes := []string{"a", "b", "c", "d"}
	path := CheckpointName(filepath.Join(t.TempDir(), "models"), "train", "run", 3)
	if filepath.Base(path) != "train_run_epoch_3.ckpt" {
		t.Error("wrong checkpoint name", path)
	}
	if err := net.Checkpoint("train", 3, classes).Save(path); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("%s epoch %d %v", c.Phase, c.Epoch, c.Classes)
	if c.Epoch != 3 || len(c.Classes) != 4 || len(c.Params) != 3 || c.Params[2].Name != "1.alpha" {
		t.Fatalf("unexpected checkpoint %+v", c.Params)
	}

	net2 := linearNet(t, q, "prelu")
	if err := net2.Restore(c); err != nil {
		t.Fatal(err)
	}
	for i, p := range net2.Params() {
		compareArray(t, q, c.Params[i].Name, p.W, c.Params[i].Values, 0)
	}

	net3 := linearNet(t, q, "relu")
	if err := net3.Restore(c); err == nil {
		t.Error("expected error restoring to different network")
	}
}

func TestInvalidNetwork(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	conf := DefaultConfig()
	conf.Classes = 10
	tests := [][]LayerConfig{
		Config{}.AddLayers(Linear{Nout: 5}).Layers,
		Config{}.AddLayers(Conv{Nfeats: 4, Size: 3}).Layers,
		{{Type: "dropout"}},
		Config{}.AddLayers(Flatten{}, Activation{Atype: "tanh"}).Layers,
	}
	for i, layers := range tests {
		conf.Layers = layers
		if _, err := New(q, conf, 2, []int{nIn}); err == nil {
			t.Errorf("test %d: expected error", i)
		} else {
			t.Logf("test %d: %v", i, err)
		}
	}
	conf.Layers = nil
	net, err := New(q, conf, 2, []int{3, 3, 512})
	if err != nil {
		t.Fatal(err)
	}
	if len(net.Params()) != 5 {
		t.Errorf("default head should have 5 params, got %v", net.ParamNames())
	}
}
