package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/pkg/errors"
)

// Layer interface type represents one layer of the neural net. Shapes include the batch size
// as the last dimension. The first layer in the network has prev set to nil.
type Layer interface {
	Init(q num.Queue, inShape []int, prev Layer) error
	InShape() []int
	OutShape() []int
	Fprop(in num.Array) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with learnable parameters
type ParamLayer interface {
	Layer
	Params() []*Param
}

// Param is a learnable parameter array with its gradient. New values are drawn uniformly
// from ±Bound, or set to Value if Bound is zero.
type Param struct {
	Name  string
	W, DW num.Array
	Bound float32
	Value float32
}

func newParam(q num.Queue, name string, bound, value float32, dims ...int) *Param {
	return &Param{
		Name:  name,
		W:     q.NewArray(num.Float32, dims...),
		DW:    q.NewArray(num.Float32, dims...),
		Bound: bound,
		Value: value,
	}
}

// Init sets the initial parameter values
func (p *Param) Init(q num.Queue, rng *rand.Rand) {
	if p.Bound == 0 {
		q.Call(num.Fill(p.W, p.Value))
		return
	}
	data := make([]float32, p.W.Size())
	for i := range data {
		data[i] = (2*rng.Float32() - 1) * p.Bound
	}
	q.Call(num.Write(p.W, data))
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "flatten":
		return &flatten{}, nil
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nfeats < 1 || c.Size < 1 {
		return nil, errors.Errorf("conv: invalid settings %+v", *c)
	}
	return &conv{Conv: *c}, nil
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c *MaxPool) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Size < 1 {
		return nil, errors.Errorf("maxPool: invalid settings %+v", *c)
	}
	return &pool{MaxPool: *c}, nil
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nout < 1 {
		return nil, errors.Errorf("linear: invalid settings %+v", *c)
	}
	return &linear{Linear: *c}, nil
}

// Relu, prelu or softmax activation layer. The prelu slope is a learned parameter.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	switch c.Atype {
	case "relu":
		return &relu{Activation: *c}, nil
	case "prelu":
		return &prelu{Activation: *c}, nil
	case "softmax":
		return &softmax{Activation: *c}, nil
	default:
		return nil, errors.Errorf("activation type %q invalid", c.Atype)
	}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// base layer type
type layerBase struct {
	queue    num.Queue
	first    bool
	inShape  []int
	outShape []int
	src      num.Array
	dst      num.Array
	dsrc     num.Array
}

func newLayerBase(q num.Queue, inShape, outShape []int, prev Layer) layerBase {
	return layerBase{
		queue:    q,
		first:    prev == nil,
		inShape:  inShape,
		outShape: outShape,
		dst:      q.NewArray(num.Float32, outShape...),
		dsrc:     q.NewArray(num.Float32, inShape...),
	}
}

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

// linear layer implementation, weights have shape [nIn, nOut]
type linear struct {
	Linear
	layerBase
	w, b *Param
	ones num.Array
}

func (l *linear) Init(q num.Queue, inShape []int, prev Layer) error {
	if len(inShape) != 2 {
		return errors.Errorf("linear: expect 2 dimensional input, got %v", inShape)
	}
	nIn, nBatch := inShape[0], inShape[1]
	l.layerBase = newLayerBase(q, inShape, []int{l.Nout, nBatch}, prev)
	bound := float32(1 / math.Sqrt(float64(nIn)))
	l.w = newParam(q, "weight", bound, 0, nIn, l.Nout)
	l.b = newParam(q, "bias", bound, 0, l.Nout)
	l.ones = q.NewArray(num.Float32, nBatch)
	q.Call(num.Fill(l.ones, 1))
	return nil
}

func (l *linear) Params() []*Param { return []*Param{l.w, l.b} }

func (l *linear) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.b.W.Reshape(l.Nout, 1)),
		num.Gemm(1, 1, l.w.W, l.src, l.dst, num.Trans, num.NoTrans),
	)
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.b.DW, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.w.DW, num.NoTrans, num.Trans),
	)
	if l.first {
		return nil
	}
	l.queue.Call(num.Gemm(1, 0, l.w.W, grad, l.dsrc, num.NoTrans, num.NoTrans))
	return l.dsrc
}

// convolutional layer implementation
type conv struct {
	Conv
	inShape []int
	queue   num.Queue
	layer   num.Layer
	first   bool
	w, b    *Param
}

func (l *conv) Init(q num.Queue, inShape []int, prev Layer) error {
	if len(inShape) != 4 {
		return errors.Errorf("conv: expect 4 dimensional input, got %v", inShape)
	}
	w, h, d, n := inShape[0], inShape[1], inShape[2], inShape[3]
	if l.Size > w+2*l.Pad || l.Size > h+2*l.Pad {
		return errors.Errorf("conv: filter size %d too large for %dx%d input", l.Size, w, h)
	}
	l.queue, l.inShape, l.first = q, inShape, prev == nil
	l.layer = q.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	bound := float32(1 / math.Sqrt(float64(d*l.Size*l.Size)))
	l.w = newParam(q, "weight", bound, 0, l.layer.FilterShape()...)
	l.b = newParam(q, "bias", bound, 0, l.layer.BiasShape()...)
	l.layer.SetParams(l.w.W, l.b.W, l.w.DW, l.b.DW)
	return nil
}

func (l *conv) InShape() []int { return l.inShape }

func (l *conv) OutShape() []int { return l.layer.OutShape() }

func (l *conv) Params() []*Param { return []*Param{l.w, l.b} }

func (l *conv) Fprop(in num.Array) num.Array {
	l.layer.SetSrc(in)
	l.queue.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *conv) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.queue.Call(num.BpropFilter(l.layer), num.BpropBias(l.layer))
	if l.first {
		return nil
	}
	l.queue.Call(num.BpropData(l.layer))
	return l.layer.DiffSrc()
}

// pool layer implementation
type pool struct {
	MaxPool
	inShape []int
	queue   num.Queue
	layer   num.Layer
}

func (l *pool) Init(q num.Queue, inShape []int, prev Layer) error {
	if len(inShape) != 4 {
		return errors.Errorf("maxPool: expect 4 dimensional input, got %v", inShape)
	}
	w, h, d, n := inShape[0], inShape[1], inShape[2], inShape[3]
	if l.Size > w || l.Size > h {
		return errors.Errorf("maxPool: size %d too large for %dx%d input", l.Size, w, h)
	}
	l.queue, l.inShape = q, inShape
	l.layer = q.MaxPoolLayer(n, d, h, w, l.Size, l.Stride)
	return nil
}

func (l *pool) InShape() []int { return l.inShape }

func (l *pool) OutShape() []int { return l.layer.OutShape() }

func (l *pool) Fprop(in num.Array) num.Array {
	l.layer.SetSrc(in)
	l.queue.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *pool) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.queue.Call(num.BpropData(l.layer))
	return l.layer.DiffSrc()
}

// activation layers
type relu struct {
	Activation
	layerBase
}

func (l *relu) Init(q num.Queue, inShape []int, prev Layer) error {
	l.layerBase = newLayerBase(q, inShape, inShape, prev)
	return nil
}

func (l *relu) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(num.Relu(l.src, l.dst))
	return l.dst
}

func (l *relu) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.ReluD(l.src, grad, l.dsrc))
	return l.dsrc
}

// parametric relu with a single slope shared over all channels, initialised to 0.25
type prelu struct {
	Activation
	layerBase
	alpha *Param
}

func (l *prelu) Init(q num.Queue, inShape []int, prev Layer) error {
	l.layerBase = newLayerBase(q, inShape, inShape, prev)
	l.alpha = newParam(q, "alpha", 0, 0.25, 1)
	return nil
}

func (l *prelu) Params() []*Param { return []*Param{l.alpha} }

func (l *prelu) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(num.PRelu(l.src, l.alpha.W, l.dst))
	return l.dst
}

func (l *prelu) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.PReluD(l.src, l.alpha.W, grad, l.dsrc, l.alpha.DW))
	return l.dsrc
}

// softmax over the classes for each sample
type softmax struct {
	Activation
	layerBase
}

func (l *softmax) Init(q num.Queue, inShape []int, prev Layer) error {
	if len(inShape) != 2 {
		return errors.Errorf("softmax: expect 2 dimensional input, got %v", inShape)
	}
	l.layerBase = newLayerBase(q, inShape, inShape, prev)
	return nil
}

func (l *softmax) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

func (l *softmax) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.SoftmaxD(l.dst, grad, l.dsrc))
	return l.dsrc
}

type flatten struct {
	inShape, outShape []int
	src               num.Array
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) Init(q num.Queue, inShape []int, prev Layer) error {
	if len(inShape) < 2 {
		return errors.Errorf("flatten: invalid input shape %v", inShape)
	}
	n := len(inShape) - 1
	l.inShape = inShape
	l.outShape = []int{num.Prod(inShape[:n]), inShape[n]}
	return nil
}

func (l *flatten) InShape() []int { return l.inShape }

func (l *flatten) OutShape() []int { return l.outShape }

func (l *flatten) Fprop(in num.Array) num.Array {
	l.src = in
	return in.Reshape(l.outShape...)
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	if grad == nil {
		return nil
	}
	return grad.Reshape(l.inShape...)
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, v), "decode layer config")
}
