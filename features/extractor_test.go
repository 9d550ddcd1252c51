package features

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/LILIBIUALREADY/computer-visual/onnx"
)

// conv with an identity and a negated filter, then relu and a 2x2 pool
func testModel() *onnx.Model {
	filt := make([]float32, 18)
	filt[4] = 1
	filt[13] = -1
	return &onnx.Model{
		IRVersion: 7,
		Opset:     13,
		Graph: onnx.Graph{
			Name:    "test",
			Inputs:  []string{"input"},
			Outputs: []string{"p0"},
			Nodes: []onnx.Node{
				{OpType: "Conv", Inputs: []string{"input", "w0", "b0"}, Outputs: []string{"c0"},
					Attrs: []onnx.Attribute{onnx.IntsAttr("kernel_shape", 3, 3), onnx.IntsAttr("pads", 1, 1, 1, 1)}},
				{OpType: "Relu", Inputs: []string{"c0"}, Outputs: []string{"r0"}},
				{OpType: "MaxPool", Inputs: []string{"r0"}, Outputs: []string{"p0"},
					Attrs: []onnx.Attribute{onnx.IntsAttr("kernel_shape", 2, 2), onnx.IntsAttr("strides", 2, 2)}},
			},
			Initializers: []onnx.Tensor{
				{Name: "w0", Dims: []int64{2, 1, 3, 3}, DataType: onnx.Float, Data: filt},
				{Name: "b0", Dims: []int64{2}, DataType: onnx.Float, Data: []float32{0, 0.5}},
			},
		},
	}
}

func TestExtract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.onnx")
	if err := testModel().Save(path); err != nil {
		t.Fatal(err)
	}
	m, err := onnx.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	q := num.NewCPUDevice().NewQueue(2)
	defer q.Shutdown()
	e, err := New(q, m, []int{4, 4, 1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(e)
	if out := e.OutShape(); !num.SameShape(out, []int{2, 2, 2}) {
		t.Fatal("wrong output shape", out)
	}
	data := make([]float32, 32)
	for i := range data {
		data[i] = float32(i) / 10
	}
	x := q.NewArray(num.Float32, 4, 4, 1, 2)
	q.Call(num.Write(x, data))
	res := e.Extract(x).Floats()
	expect := []float32{
		0.5, 0.7, 1.3, 1.5, 0.5, 0.3, 0, 0,
		2.1, 2.3, 2.9, 3.1, 0, 0, 0, 0,
	}
	t.Log(res)
	for i, v := range expect {
		if math.Abs(float64(res[i]-v)) > 1e-5 {
			t.Fatalf("index %d: got %g expect %g", i, res[i], v)
		}
	}
}

// Load expects RGB images so the first conv must take 3 input channels
func TestLoadRGB(t *testing.T) {
	m := testModel()
	filt := make([]float32, 54)
	filt[4], filt[13], filt[22] = 1, 1, 1
	m.Graph.Initializers[0] = onnx.Tensor{Name: "w0", Dims: []int64{2, 3, 3, 3}, DataType: onnx.Float, Data: filt}
	path := filepath.Join(t.TempDir(), "rgb.onnx")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	q := num.NewCPUDevice().NewQueue(1)
	defer q.Shutdown()
	e, err := Load(q, path, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if in, out := e.InShape(), e.OutShape(); !num.SameShape(in, []int{4, 4, 3}) || !num.SameShape(out, []int{2, 2, 2}) {
		t.Fatalf("got shapes %v -> %v", in, out)
	}
	// first filter sums the channels, second is zero
	data := make([]float32, 48)
	for i := range data {
		data[i] = 0.1
	}
	x := q.NewArray(num.Float32, 4, 4, 3, 1)
	q.Call(num.Write(x, data))
	res := e.Extract(x).Floats()
	t.Log(res)
	expect := []float32{0.3, 0.3, 0.3, 0.3, 0.5, 0.5, 0.5, 0.5}
	for i, v := range expect {
		if math.Abs(float64(res[i]-v)) > 1e-5 {
			t.Fatalf("index %d: got %g expect %g", i, res[i], v)
		}
	}

	if _, err := Load(q, filepath.Join(t.TempDir(), "missing.onnx"), 4, 1); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestInvalidGraph(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	tests := map[string]func(m *onnx.Model){
		"unsupported op": func(m *onnx.Model) { m.Graph.Nodes[2].OpType = "Gemm" },
		"broken chain":   func(m *onnx.Model) { m.Graph.Nodes[2].Inputs[0] = "c0x" },
		"missing weight": func(m *onnx.Model) { m.Graph.Nodes[0].Inputs[1] = "w1" },
		"pool padding": func(m *onnx.Model) {
			m.Graph.Nodes[2].Attrs = append(m.Graph.Nodes[2].Attrs, onnx.IntsAttr("pads", 1, 1, 1, 1))
		},
		"group conv": func(m *onnx.Model) {
			m.Graph.Nodes[0].Attrs = append(m.Graph.Nodes[0].Attrs, onnx.IntAttr("group", 2))
		},
	}
	for name, modify := range tests {
		m := testModel()
		modify(m)
		if _, err := New(q, m, []int{4, 4, 1}, 1); err == nil {
			t.Errorf("%s: expected error", name)
		} else {
			t.Logf("%s: %v", name, err)
		}
	}
	if _, err := New(q, testModel(), []int{4, 4, 3}, 1); err == nil {
		t.Error("expected error for channel mismatch")
	}
}
