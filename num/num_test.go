package num

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	y := x.Reshape(3, -1)
	if dim := y.Dims(); !reflect.DeepEqual(dim, []int{3, 2}) {
		t.Error("dims invalid: got", dim)
	}
	q.Call(Fill(y, 7), Read(x, res)).Finish()
	for _, v := range res {
		if v != 7 {
			t.Fatal("reshape should share data: got", res)
		}
	}
	t.Logf("x\n%s", x.String(q))
}

func TestDevice(t *testing.T) {
	if _, err := NewDevice(0); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDevice(Devices()); err == nil {
		t.Error("expected error for invalid device index")
	}
	t.Log(NewCPUDevice().Name())
}

func floats(q Queue, a Array) []float32 {
	res := make([]float32, a.Size())
	q.Call(Read(a, res)).Finish()
	return res
}

func check(t *testing.T, name string, got, expect interface{}) {
	if !reflect.DeepEqual(got, expect) {
		t.Errorf("%s: got %v expect %v", name, got, expect)
	}
}

func TestCopy(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Float32, 2, 3)
	col := q.NewArray(Float32, 2, 1)
	q.Call(Write(col, []float32{1, 2}), Copy(x, col))
	check(t, "tile column", floats(q, x), []float32{1, 2, 1, 2, 1, 2})

	row := q.NewArray(Float32, 3)
	q.Call(Write(row, []float32{3, 2, 1}), Copy(x, row))
	check(t, "tile row", floats(q, x), []float32{3, 3, 2, 2, 1, 1})

	y := q.NewArrayLike(x)
	q.Call(Copy(y, x))
	check(t, "copy", floats(q, y), []float32{3, 3, 2, 2, 1, 1})
}

func TestOnehot(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	labels := []int32{2, 1, 0, -1}
	y := q.NewArray(Int32, 4)
	y1h := q.NewArray(Float32, 3, 4)
	q.Call(Write(y, labels), Onehot(y, y1h, 3))
	t.Logf("labels %s\n%s", y.String(q), y1h.String(q))
	check(t, "onehot", floats(q, y1h), []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 0})

	q.Call(Write(y, []int32{2, 1, 0, 2}), Onehot(y, y1h, 3), Fill(y, 9), Unhot(y1h, y))
	res := make([]int32, 4)
	q.Call(Read(y, res)).Finish()
	check(t, "unhot", res, []int32{2, 1, 0, 2})
}

func TestBlas(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Float32, 2, 3)
	y := q.NewArray(Float32, 3, 2)
	q.Call(Write(x, []float32{1, 1, 2, 2, 3, 3}), Transpose(x, y))
	check(t, "transpose", floats(q, y), []float32{1, 2, 3, 1, 2, 3})

	z := q.NewArrayLike(x)
	q.Call(Fill(z, 0.5), Axpy(2, x, z))
	check(t, "axpy", floats(q, z), []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5})

	q.Call(Scale(-2, z))
	check(t, "scale", floats(q, z), []float32{-5, -5, -9, -9, -13, -13})

	// column sums via matrix vector product
	ones := q.NewArray(Float32, 2)
	sums := q.NewArray(Float32, 3)
	q.Call(Fill(ones, 1), Write(x, []float32{1, 2, 3, 4, 5, 6}), Gemv(1, 0, x, ones, sums, Trans))
	check(t, "gemv", floats(q, sums), []float32{3, 7, 11})

	total := q.NewArray(Float32)
	q.Call(Sum(x, total, 1.0/6))
	check(t, "sum", floats(q, total), []float32{3.5})
}

func TestGemm(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	a := q.NewArray(Float32, 2, 3)
	c := q.NewArray(Float32, 2, 2)
	q.Call(Write(a, []float32{1, 4, 2, 5, 3, 6}))
	tests := []struct {
		dims  []int
		data  []float32
		trans TransType
	}{
		{[]int{3, 2}, []float32{7, 9, 11, 8, 10, 12}, NoTrans},
		{[]int{2, 3}, []float32{7, 8, 9, 10, 11, 12}, Trans},
	}
	for _, test := range tests {
		b := q.NewArray(Float32, test.dims...)
		q.Call(Write(b, test.data), Gemm(1, 0, a, b, c, NoTrans, test.trans))
		check(t, "gemm", floats(q, c), []float32{58, 139, 64, 154})
	}
	// accumulate into existing result
	b := q.NewArray(Float32, 3, 2)
	q.Call(Write(b, tests[0].data), Gemm(0.5, 1, a, b, c, NoTrans, NoTrans))
	check(t, "gemm beta", floats(q, c), []float32{87, 208.5, 96, 231})
}

func randSlice(rng *rand.Rand, n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = rng.Float32()
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	const size = 128
	rng := rand.New(rand.NewSource(1))
	q := NewCPUDevice().NewQueue(DefaultThreads())
	x := q.NewArray(Float32, size, size)
	y := q.NewArray(Float32, size, size)
	z := q.NewArray(Float32, size, size)
	q.Call(Write(x, randSlice(rng, size*size)), Write(y, randSlice(rng, size*size))).Finish()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}

func TestString(t *testing.T) {
	q := NewCPUDevice().NewQueue(1)
	x := q.NewArray(Int32, 2, 3)
	q.Call(Write(x, []int32{1, 2, 3, 4, 5, 6}))
	s := x.String(q)
	t.Logf("\n%s", s)
	if s != "[    1    3    5]\n[    2    4    6]\n" {
		t.Errorf("got %q", s)
	}
	v := q.NewArray(Float32, 20)
	s = v.String(q)
	t.Log(s)
	if strings.Count(s, "...") != 1 || strings.Count(s, "0") != 2*PrintEdgeitems {
		t.Errorf("expected elided vector got %q", s)
	}
}
