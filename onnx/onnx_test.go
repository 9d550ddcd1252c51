package onnx

import (
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func testModel() *Model {
	return &Model{
		IRVersion:    7,
		ProducerName: "test",
		Opset:        13,
		Graph: Graph{
			Name:    "features",
			Inputs:  []string{"input"},
			Outputs: []string{"out"},
			Nodes: []Node{
				{Name: "conv0", OpType: "Conv", Inputs: []string{"input", "0.weight", "0.bias"}, Outputs: []string{"c0"},
					Attrs: []Attribute{IntsAttr("kernel_shape", 3, 3), IntsAttr("pads", 1, 1, 1, 1), IntAttr("group", 1)}},
				{Name: "relu0", OpType: "Relu", Inputs: []string{"c0"}, Outputs: []string{"out"},
					Attrs: []Attribute{FloatAttr("alpha", 0.5)}},
			},
			Initializers: []Tensor{
				{Name: "0.weight", Dims: []int64{1, 1, 3, 3}, DataType: Float, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}},
				{Name: "0.bias", Dims: []int64{1}, DataType: Float, Data: []float32{-0.5}},
			},
		},
	}
}

func TestLoadSave(t *testing.T) {
	m := testModel()
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	m2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m, m2) {
		t.Errorf("got %+v\nexpect %+v", m2, m)
	}
	node := m2.Graph.Nodes[0]
	if k := node.Ints("kernel_shape"); !reflect.DeepEqual(k, []int64{3, 3}) {
		t.Error("kernel_shape: got", k)
	}
	if s := node.Ints("strides", 1, 1); !reflect.DeepEqual(s, []int64{1, 1}) {
		t.Error("strides default: got", s)
	}
	if g := node.Int("group", 0); g != 1 {
		t.Error("group: got", g)
	}
	if w, ok := m2.Graph.Initializer("0.weight"); !ok || w.Size() != 9 {
		t.Error("missing weight initializer")
	}
}

// tensors written by other exporters may use float_data and unpacked dims
func TestDecodeFloatData(t *testing.T) {
	var tensor []byte
	for _, d := range []uint64{2, 1} {
		tensor = protowire.AppendTag(tensor, 1, protowire.VarintType)
		tensor = protowire.AppendVarint(tensor, d)
	}
	tensor = protowire.AppendTag(tensor, 2, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, Float)
	var packed []byte
	for _, f := range []float32{1.5, -2} {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	tensor = protowire.AppendTag(tensor, 4, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, packed)
	tensor = protowire.AppendTag(tensor, 8, protowire.BytesType)
	tensor = protowire.AppendString(tensor, "w")
	// unknown field should be skipped
	tensor = protowire.AppendTag(tensor, 12, protowire.BytesType)
	tensor = protowire.AppendString(tensor, "doc")

	graph := protowire.AppendTag(nil, 5, protowire.BytesType)
	graph = protowire.AppendBytes(graph, tensor)
	model := protowire.AppendTag(nil, 7, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	m, err := Decode(model)
	if err != nil {
		t.Fatal(err)
	}
	w, ok := m.Graph.Initializer("w")
	if !ok {
		t.Fatal("initializer not found")
	}
	if !reflect.DeepEqual(w.Dims, []int64{2, 1}) || !reflect.DeepEqual(w.Data, []float32{1.5, -2}) {
		t.Errorf("got %+v", w)
	}
}

func TestDecodeErrors(t *testing.T) {
	m := testModel()
	m.Graph.Initializers[1].Data = []float32{1, 2}
	if _, err := Decode(m.Marshal()); err == nil {
		t.Error("expected error for shape mismatch")
	} else {
		t.Log(err)
	}
	if _, err := Decode([]byte{0xff}); err == nil {
		t.Error("expected error for truncated data")
	}
	var tensor []byte
	tensor = protowire.AppendTag(tensor, 2, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, 7)
	graph := protowire.AppendTag(nil, 5, protowire.BytesType)
	graph = protowire.AppendBytes(graph, tensor)
	model := protowire.AppendTag(nil, 7, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	if _, err := Decode(model); err == nil {
		t.Error("expected error for int64 tensor")
	}
}
