package num

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

const eps = 1e-4

func randFloats(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func closeTo(t *testing.T, title string, got, expect []float32, tol float64) {
	t.Helper()
	if len(got) != len(expect) {
		t.Fatalf("%s: length mismatch %d != %d", title, len(got), len(expect))
	}
	for i := range got {
		if math.Abs(float64(got[i]-expect[i])) > tol {
			t.Fatalf("%s: mismatch at %d: got %v expect %v", title, i, got[i], expect[i])
		}
	}
}

// direct convolution used as a reference, layout is x + w*(y + h*(c + depth*n))
func naiveConv(in, filt, bias []float32, n, depth, h, w, nFeats, size, stride, pad int) []float32 {
	outH := (h+2*pad-size)/stride + 1
	outW := (w+2*pad-size)/stride + 1
	out := make([]float32, outW*outH*nFeats*n)
	for b := 0; b < n; b++ {
		for f := 0; f < nFeats; f++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					sum := bias[f]
					for c := 0; c < depth; c++ {
						for ky := 0; ky < size; ky++ {
							for kx := 0; kx < size; kx++ {
								iy, ix := oy*stride-pad+ky, ox*stride-pad+kx
								if iy < 0 || iy >= h || ix < 0 || ix >= w {
									continue
								}
								sum += in[ix+w*(iy+h*(c+depth*b))] * filt[kx+size*(ky+size*(c+depth*f))]
							}
						}
					}
					out[ox+outW*(oy+outH*(f+nFeats*b))] = sum
				}
			}
		}
	}
	return out
}

func setupConv(q Queue, rng *rand.Rand, n, depth, h, w, nFeats, size, stride, pad int) (l Layer, in, W, B, dW, dB Array) {
	l = q.ConvLayer(n, depth, h, w, nFeats, size, stride, pad)
	in = q.NewArray(Float32, l.InShape()...)
	W = q.NewArray(Float32, l.FilterShape()...)
	B = q.NewArray(Float32, l.BiasShape()...)
	dW = q.NewArrayLike(W)
	dB = q.NewArrayLike(B)
	q.Call(
		Write(in, randFloats(rng, in.Size())),
		Write(W, randFloats(rng, W.Size())),
		Write(B, randFloats(rng, B.Size())),
	)
	l.SetParams(W, B, dW, dB)
	l.SetSrc(in)
	return
}

func TestConvFprop(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, threads := range []int{1, 3} {
		q := NewCPUDevice().NewQueue(threads)
		n, depth, h, w, nFeats, size, stride, pad := 4, 3, 5, 6, 2, 3, 1, 1
		l, in, W, B, _, _ := setupConv(q, rng, n, depth, h, w, nFeats, size, stride, pad)
		q.Call(Fprop(l)).Finish()
		if !reflect.DeepEqual(l.OutShape(), []int{6, 5, 2, 4}) {
			t.Fatal("invalid output shape", l.OutShape())
		}
		expect := naiveConv(in.Floats(), W.Floats(), B.Floats(), n, depth, h, w, nFeats, size, stride, pad)
		closeTo(t, "conv fprop", l.Dst().Floats(), expect, eps)
	}
}

// loss is sum(dst * g) for a fixed random g, so the gradient wrt. dst is g
func TestConvBprop(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := NewCPUDevice().NewQueue(2)
	n, depth, h, w, nFeats, size, stride, pad := 2, 2, 4, 4, 3, 3, 1, 0
	l, in, W, B, dW, dB := setupConv(q, rng, n, depth, h, w, nFeats, size, stride, pad)
	g := q.NewArray(Float32, l.OutShape()...)
	q.Call(Write(g, randFloats(rng, g.Size())))
	l.SetDiffDst(g)
	q.Call(Fprop(l), BpropData(l), BpropFilter(l), BpropBias(l)).Finish()

	loss := func() float64 {
		out := naiveConv(in.Floats(), W.Floats(), B.Floats(), n, depth, h, w, nFeats, size, stride, pad)
		var sum float64
		for i, v := range out {
			sum += float64(v * g.Floats()[i])
		}
		return sum
	}
	numeric := func(arr Array) []float32 {
		res := make([]float32, arr.Size())
		for i := range res {
			v := arr.Floats()[i]
			arr.Floats()[i] = v + 1e-2
			up := loss()
			arr.Floats()[i] = v - 1e-2
			down := loss()
			arr.Floats()[i] = v
			res[i] = float32((up - down) / 2e-2)
		}
		return res
	}
	closeTo(t, "dW", dW.Floats(), numeric(W), 1e-2)
	closeTo(t, "dB", dB.Floats(), numeric(B), 1e-2)
	closeTo(t, "dSrc", l.DiffSrc().Floats(), numeric(in), 1e-2)
}

func TestMaxPool(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	l := q.MaxPoolLayer(1, 1, 4, 5, 2, 2)
	if !reflect.DeepEqual(l.OutShape(), []int{2, 2, 1, 1}) {
		t.Fatal("invalid output shape", l.OutShape())
	}
	in := q.NewArray(Float32, l.InShape()...)
	q.Call(Write(in, []float32{
		1, 2, 3, 4, 0,
		5, 6, 7, 8, 0,
		9, 1, 2, 3, 0,
		4, 5, 9, 7, 0,
	}))
	l.SetSrc(in)
	grad := q.NewArray(Float32, l.OutShape()...)
	q.Call(Write(grad, []float32{1, 2, 3, 4}))
	l.SetDiffDst(grad)
	q.Call(Fprop(l), BpropData(l)).Finish()
	t.Logf("pool\n%s", l.Dst().String(q))
	closeTo(t, "pool fprop", l.Dst().Floats(), []float32{6, 8, 9, 9}, 0)
	expect := make([]float32, 20)
	expect[6], expect[8], expect[10], expect[17] = 1, 2, 3, 4
	closeTo(t, "pool bprop", l.DiffSrc().Floats(), expect, 0)
}

func TestSoftmax(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Float32, 3, 2)
	y := q.NewArray(Float32, 3, 2)
	q.Call(
		Write(x, []float32{1, 2, 3, 0, 0, 0}),
		Softmax(x, y),
	).Finish()
	e := []float64{math.Exp(1), math.Exp(2), math.Exp(3)}
	s := e[0] + e[1] + e[2]
	expect := []float32{float32(e[0] / s), float32(e[1] / s), float32(e[2] / s), 1.0 / 3, 1.0 / 3, 1.0 / 3}
	closeTo(t, "softmax", y.Floats(), expect, 1e-6)
}

func TestCrossEntropyLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Float32, 4, 3)
	labels := q.NewArray(Int32, 3)
	y1H := q.NewArray(Float32, 4, 3)
	loss := q.NewArray(Float32, 3)
	grad := q.NewArray(Float32, 4, 3)
	q.Call(
		Write(x, randFloats(rng, 12)),
		Write(labels, []int32{1, 3, 0}),
		Onehot(labels, y1H, 4),
		CrossEntropyLoss(x, y1H, loss, grad, 2),
	).Finish()
	mean := func() float64 {
		tmp := q.NewArray(Float32, 3)
		tmpG := q.NewArray(Float32, 4, 3)
		q.Call(CrossEntropyLoss(x, y1H, tmp, tmpG, 2)).Finish()
		return float64(tmp.Floats()[0]+tmp.Floats()[1]) / 2
	}
	numeric := make([]float32, 12)
	for i := range numeric {
		v := x.Floats()[i]
		x.Floats()[i] = v + 1e-3
		up := mean()
		x.Floats()[i] = v - 1e-3
		down := mean()
		x.Floats()[i] = v
		numeric[i] = float32((up - down) / 2e-3)
	}
	closeTo(t, "grad", grad.Floats(), numeric, 1e-3)
	if loss.Floats()[2] != 0 {
		t.Error("masked column should have zero loss: got", loss.Floats()[2])
	}
	for _, v := range grad.Floats()[8:] {
		if v != 0 {
			t.Fatal("masked column should have zero gradient")
		}
	}
}

func TestSoftmaxD(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Float32, 3, 2)
	y := q.NewArray(Float32, 3, 2)
	g := q.NewArray(Float32, 3, 2)
	dx := q.NewArray(Float32, 3, 2)
	q.Call(
		Write(x, randFloats(rng, 6)),
		Write(g, randFloats(rng, 6)),
		Softmax(x, y),
		SoftmaxD(y, g, dx),
	).Finish()
	loss := func() float64 {
		q.Call(Softmax(x, y)).Finish()
		var sum float64
		for i, v := range y.Floats() {
			sum += float64(v * g.Floats()[i])
		}
		return sum
	}
	for i := 0; i < 6; i++ {
		v := x.Floats()[i]
		x.Floats()[i] = v + 1e-3
		up := loss()
		x.Floats()[i] = v - 1e-3
		down := loss()
		x.Floats()[i] = v
		if d := (up - down) / 2e-3; math.Abs(d-float64(dx.Floats()[i])) > 1e-3 {
			t.Errorf("element %d: got %v expect %v", i, dx.Floats()[i], d)
		}
	}
}

func TestPRelu(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Float32, 4)
	alpha := q.NewArray(Float32)
	y := q.NewArray(Float32, 4)
	g := q.NewArray(Float32, 4)
	dx := q.NewArray(Float32, 4)
	da := q.NewArray(Float32)
	q.Call(
		Write(x, []float32{-2, -1, 1, 2}),
		Fill(alpha, 0.25),
		Fill(g, 1),
		PRelu(x, alpha, y),
		PReluD(x, alpha, g, dx, da),
	).Finish()
	closeTo(t, "prelu", y.Floats(), []float32{-0.5, -0.25, 1, 2}, 0)
	closeTo(t, "prelu dx", dx.Floats(), []float32{0.25, 0.25, 1, 1}, 0)
	closeTo(t, "prelu dalpha", da.Floats(), []float32{-3}, 0)
}

func TestCountEq(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Int32, 4)
	y := q.NewArray(Int32, 4)
	total := q.NewArray(Float32)
	q.Call(
		Write(x, []int32{1, 2, 3, 4}),
		Write(y, []int32{1, 0, 3, 4}),
		CountEq(x, y, 3, total),
	).Finish()
	if total.Floats()[0] != 2 {
		t.Error("got", total.Floats()[0], "expect", 2)
	}
}

func TestAdadeltaUpdate(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	w := q.NewArray(Float32, 2)
	dw := q.NewArray(Float32, 2)
	sq := q.NewArray(Float32, 2)
	acc := q.NewArray(Float32, 2)
	q.Call(
		Write(w, []float32{1, -1}),
		Write(dw, []float32{0.5, -0.5}),
		AdadeltaUpdate(1, 0.9, 1e-6, w, dw, sq, acc),
	).Finish()
	// first step: delta = sqrt(eps)/sqrt(0.1*g*g+eps) * g
	delta := math.Sqrt(1e-6) / math.Sqrt(0.1*0.25+1e-6) * 0.5
	closeTo(t, "w", w.Floats(), []float32{float32(1 - delta), float32(-1 + delta)}, 1e-6)
	closeTo(t, "sq", sq.Floats(), []float32{0.025, 0.025}, 1e-6)
}

func TestAdamUpdate(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	w := q.NewArray(Float32, 2)
	dw := q.NewArray(Float32, 2)
	m := q.NewArray(Float32, 2)
	v := q.NewArray(Float32, 2)
	q.Call(
		Write(w, []float32{1, -1}),
		Write(dw, []float32{0.5, -2}),
		AdamUpdate(0.1, 0.9, 0.999, 1e-8, 1, w, dw, m, v),
	).Finish()
	// first bias corrected step moves each weight by lr against the gradient sign
	closeTo(t, "w", w.Floats(), []float32{0.9, -0.9}, 1e-5)
}
