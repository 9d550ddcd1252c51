// Package onnx reads and writes the subset of the ONNX model format needed to load
// pretrained convolutional feature extractors: the graph nodes with their attributes
// and the float initializer tensors.
package onnx

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tensor element type for 32 bit floats
const Float = 1

// Attribute types
const (
	AttrFloat  = 1
	AttrInt    = 2
	AttrString = 3
	AttrFloats = 6
	AttrInts   = 7
)

// Model is the top level ONNX ModelProto
type Model struct {
	IRVersion    int64
	ProducerName string
	Opset        int64
	Graph        Graph
}

// Graph holds the computation nodes in topological order and the weight tensors.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Tensor
	Inputs       []string
	Outputs      []string
}

// Node is a single operation
type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []Attribute
}

// Attribute is a named node parameter
type Attribute struct {
	Name   string
	Type   int
	F      float32
	I      int64
	S      string
	Floats []float32
	Ints   []int64
}

// Tensor is a float initializer, Dims are in row major (C) order
type Tensor struct {
	Name     string
	Dims     []int64
	DataType int32
	Data     []float32
}

// Load and decode a model file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "onnx: read model")
	}
	m, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "onnx: decode %s", path)
	}
	return m, nil
}

// Attr returns the named attribute if present
func (n *Node) Attr(name string) (Attribute, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Ints returns the named list attribute or def if it is not set
func (n *Node) Ints(name string, def ...int64) []int64 {
	if a, ok := n.Attr(name); ok {
		if a.Type == AttrInt {
			return []int64{a.I}
		}
		return a.Ints
	}
	return def
}

// Int returns the named scalar attribute or def if it is not set
func (n *Node) Int(name string, def int64) int64 {
	if a, ok := n.Attr(name); ok {
		return a.I
	}
	return def
}

// Initializer returns the named weight tensor
func (g *Graph) Initializer(name string) (*Tensor, bool) {
	for i := range g.Initializers {
		if g.Initializers[i].Name == name {
			return &g.Initializers[i], true
		}
	}
	return nil, false
}

// Size is the number of elements in the tensor
func (t *Tensor) Size() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// Decode a serialized ModelProto
func Decode(b []byte) (*Model, error) {
	m := new(Model)
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.IRVersion = int64(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.ProducerName = string(v)
			return n, nil
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, decodeGraph(v, &m.Graph)
		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, fields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == 2 && typ == protowire.VarintType {
					v, n := protowire.ConsumeVarint(b)
					m.Opset = int64(v)
					return n, nil
				}
				return protowire.ConsumeFieldValue(num, typ, b), nil
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeGraph(b []byte, g *Graph) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			var node Node
			if err := decodeNode(v, &node); err != nil {
				return n, err
			}
			g.Nodes = append(g.Nodes, node)
		case 2:
			g.Name = string(v)
		case 5:
			var t Tensor
			if err := decodeTensor(v, &t); err != nil {
				return n, err
			}
			g.Initializers = append(g.Initializers, t)
		case 11, 12:
			name, err := valueInfoName(v)
			if err != nil {
				return n, err
			}
			if num == 11 {
				g.Inputs = append(g.Inputs, name)
			} else {
				g.Outputs = append(g.Outputs, name)
			}
		}
		return n, nil
	})
}

func valueInfoName(b []byte) (name string, err error) {
	err = fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			name = string(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return name, err
}

func decodeNode(b []byte, node *Node) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			node.Inputs = append(node.Inputs, string(v))
		case 2:
			node.Outputs = append(node.Outputs, string(v))
		case 3:
			node.Name = string(v)
		case 4:
			node.OpType = string(v)
		case 5:
			var a Attribute
			if err := decodeAttr(v, &a); err != nil {
				return n, err
			}
			node.Attrs = append(node.Attrs, a)
		}
		return n, nil
	})
}

func decodeAttr(b []byte, a *Attribute) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			a.Name = string(v)
			return n, nil
		case 2:
			v, n := protowire.ConsumeFixed32(b)
			a.F = math.Float32frombits(v)
			return n, nil
		case 3:
			v, n := protowire.ConsumeVarint(b)
			a.I = int64(v)
			return n, nil
		case 4:
			v, n := protowire.ConsumeBytes(b)
			a.S = string(v)
			return n, nil
		case 7:
			return consumeFloats(typ, b, &a.Floats)
		case 8:
			return consumeInts(typ, b, &a.Ints)
		case 20:
			v, n := protowire.ConsumeVarint(b)
			a.Type = int(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func decodeTensor(b []byte, t *Tensor) error {
	var raw []byte
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInts(typ, b, &t.Dims)
		case 2:
			v, n := protowire.ConsumeVarint(b)
			t.DataType = int32(v)
			return n, nil
		case 4:
			return consumeFloats(typ, b, &t.Data)
		case 8:
			v, n := protowire.ConsumeBytes(b)
			t.Name = string(v)
			return n, nil
		case 9:
			v, n := protowire.ConsumeBytes(b)
			raw = v
			return n, nil
		case 14:
			v, n := protowire.ConsumeVarint(b)
			if v != 0 {
				return n, errors.Errorf("tensor %s: external data is not supported", t.Name)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return err
	}
	if t.DataType != Float {
		return errors.Errorf("tensor %s: data type %d is not float", t.Name, t.DataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return errors.Errorf("tensor %s: raw data length %d", t.Name, len(raw))
		}
		t.Data = make([]float32, len(raw)/4)
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	if len(t.Data) != t.Size() {
		return errors.Errorf("tensor %s: have %d values for shape %v", t.Name, len(t.Data), t.Dims)
	}
	return nil
}

// iterate over the fields in a message, fn returns the number of bytes consumed or a negative error code
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// repeated int64 fields may be packed or not
func consumeInts(typ protowire.Type, b []byte, out *[]int64) (int, error) {
	if typ == protowire.VarintType {
		v, n := protowire.ConsumeVarint(b)
		*out = append(*out, int64(v))
		return n, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	for len(v) > 0 {
		x, m := protowire.ConsumeVarint(v)
		if m < 0 {
			return m, nil
		}
		*out = append(*out, int64(x))
		v = v[m:]
	}
	return n, nil
}

func consumeFloats(typ protowire.Type, b []byte, out *[]float32) (int, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		*out = append(*out, math.Float32frombits(v))
		return n, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	if len(v)%4 != 0 {
		return n, errors.New("packed float field length is not a multiple of 4")
	}
	for i := 0; i < len(v); i += 4 {
		*out = append(*out, math.Float32frombits(binary.LittleEndian.Uint32(v[i:])))
	}
	return n, nil
}
