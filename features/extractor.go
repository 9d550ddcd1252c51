// Package features runs a frozen pretrained convolutional network, such as the feature
// stages of VGG16, to convert batches of images into feature maps.
package features

import (
	"fmt"
	"strings"

	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/LILIBIUALREADY/computer-visual/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Extractor is a forward only network built from an ONNX graph. Input and output arrays
// have dimensions width, height, channels, batch.
type Extractor struct {
	queue   num.Queue
	batch   int
	inShape []int
	stages  []stage
}

type stage struct {
	desc  string
	layer num.Layer
	relu  bool
	shape []int
	dst   num.Array
}

// Load the model from an ONNX file and setup the extractor for the given square image size and batch size.
func Load(q num.Queue, path string, imageSize, batch int) (*Extractor, error) {
	m, err := onnx.Load(path)
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded feature model %s: producer=%q nodes=%d", path, m.ProducerName, len(m.Graph.Nodes))
	return New(q, m, []int{imageSize, imageSize, 3}, batch)
}

// New extractor for inputs with shape width, height, channels. The graph nodes must form a
// single chain of Conv, Relu and MaxPool operations.
func New(q num.Queue, m *onnx.Model, inShape []int, batch int) (*Extractor, error) {
	if len(inShape) != 3 {
		return nil, errors.Errorf("features: input shape %v should be width, height, channels", inShape)
	}
	e := &Extractor{queue: q, batch: batch, inShape: inShape}
	shape := append([]int{}, inShape...)
	var prev string
	for i, node := range m.Graph.Nodes {
		if len(node.Inputs) == 0 || len(node.Outputs) == 0 {
			return nil, errors.Errorf("features: node %d %s has no inputs or outputs", i, node.OpType)
		}
		if i > 0 && node.Inputs[0] != prev {
			return nil, errors.Errorf("features: node %d %s input %q does not follow %q", i, node.OpType, node.Inputs[0], prev)
		}
		prev = node.Outputs[0]
		var (
			s   stage
			err error
		)
		switch node.OpType {
		case "Conv":
			s, err = e.conv(&m.Graph, &node, shape)
		case "MaxPool":
			s, err = e.maxPool(&node, shape)
		case "Relu":
			if len(e.stages) == 0 {
				return nil, errors.New("features: graph cannot start with Relu")
			}
			e.stages[len(e.stages)-1].relu = true
			continue
		case "Dropout", "Identity":
			continue
		default:
			return nil, errors.Errorf("features: unsupported op %s in node %d", node.OpType, i)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "features: node %d", i)
		}
		klog.V(1).Infof("features %2d: %s", len(e.stages), s.desc)
		e.stages = append(e.stages, s)
		shape = s.shape
	}
	if len(e.stages) == 0 {
		return nil, errors.New("features: empty graph")
	}
	return e, nil
}

func (e *Extractor) conv(g *onnx.Graph, node *onnx.Node, shape []int) (stage, error) {
	if len(node.Inputs) < 2 {
		return stage{}, errors.New("conv: missing weight input")
	}
	w, ok := g.Initializer(node.Inputs[1])
	if !ok {
		return stage{}, errors.Errorf("conv: weight %q not found", node.Inputs[1])
	}
	if len(w.Dims) != 4 || w.Dims[2] != w.Dims[3] {
		return stage{}, errors.Errorf("conv: weight shape %v should be square filters", w.Dims)
	}
	nFeats, depth, size := int(w.Dims[0]), int(w.Dims[1]), int(w.Dims[2])
	if depth != shape[2] {
		return stage{}, errors.Errorf("conv: filter depth %d does not match input channels %d", depth, shape[2])
	}
	if group := node.Int("group", 1); group != 1 {
		return stage{}, errors.Errorf("conv: group %d not supported", group)
	}
	for _, d := range node.Ints("dilations", 1, 1) {
		if d != 1 {
			return stage{}, errors.New("conv: dilation not supported")
		}
	}
	stride, err := uniform("strides", node.Ints("strides", 1, 1))
	if err != nil {
		return stage{}, err
	}
	pad, err := uniform("pads", node.Ints("pads", 0, 0, 0, 0))
	if err != nil {
		return stage{}, err
	}
	q := e.queue
	layer := q.ConvLayer(e.batch, depth, shape[1], shape[0], nFeats, size, stride, pad)
	W := q.NewArray(num.Float32, layer.FilterShape()...)
	B := q.NewArray(num.Float32, layer.BiasShape()...)
	q.Call(num.Write(W, w.Data))
	if len(node.Inputs) > 2 && node.Inputs[2] != "" {
		b, ok := g.Initializer(node.Inputs[2])
		if !ok || b.Size() != nFeats {
			return stage{}, errors.Errorf("conv: bias %q not found or wrong size", node.Inputs[2])
		}
		q.Call(num.Write(B, b.Data))
	}
	layer.SetParams(W, B, nil, nil)
	out := layer.OutShape()
	return stage{
		desc:  fmt.Sprintf("conv %d->%d size=%d stride=%d pad=%d %v", depth, nFeats, size, stride, pad, out[:3]),
		layer: layer,
		shape: out[:3],
		dst:   layer.Dst(),
	}, nil
}

func (e *Extractor) maxPool(node *onnx.Node, shape []int) (stage, error) {
	size, err := uniform("kernel_shape", node.Ints("kernel_shape"))
	if err != nil {
		return stage{}, err
	}
	stride, err := uniform("strides", node.Ints("strides", int64(size), int64(size)))
	if err != nil {
		return stage{}, err
	}
	for _, p := range node.Ints("pads") {
		if p != 0 {
			return stage{}, errors.New("maxpool: padding not supported")
		}
	}
	if node.Int("ceil_mode", 0) != 0 {
		return stage{}, errors.New("maxpool: ceil_mode not supported")
	}
	layer := e.queue.MaxPoolLayer(e.batch, shape[2], shape[1], shape[0], size, stride)
	out := layer.OutShape()
	return stage{
		desc:  fmt.Sprintf("maxpool size=%d stride=%d %v", size, stride, out[:3]),
		layer: layer,
		shape: out[:3],
		dst:   layer.Dst(),
	}, nil
}

// all values in the list must be the same
func uniform(name string, vals []int64) (int, error) {
	if len(vals) == 0 {
		return 0, errors.Errorf("%s: attribute missing", name)
	}
	for _, v := range vals[1:] {
		if v != vals[0] {
			return 0, errors.Errorf("%s: non uniform values %v not supported", name, vals)
		}
	}
	return int(vals[0]), nil
}

// BatchSize is the number of images processed by each call to Extract
func (e *Extractor) BatchSize() int { return e.batch }

// InShape returns the input width, height and channels
func (e *Extractor) InShape() []int { return e.inShape }

// OutShape returns the feature map width, height and channels
func (e *Extractor) OutShape() []int { return e.stages[len(e.stages)-1].shape }

// Extract runs the network on a batch of inputs with dimensions width, height, channels, batch.
// The returned array is reused by the next call.
func (e *Extractor) Extract(input num.Array) num.Array {
	if !num.SameShape(input.Dims(), append(append([]int{}, e.inShape...), e.batch)) {
		panic(fmt.Sprintf("Extract: invalid input shape %v", input.Dims()))
	}
	x := input
	for _, s := range e.stages {
		s.layer.SetSrc(x)
		e.queue.Call(num.Fprop(s.layer))
		if s.relu {
			e.queue.Call(num.Relu(s.dst, s.dst))
		}
		x = s.dst
	}
	e.queue.Finish()
	return x
}

func (e *Extractor) String() string {
	s := []string{fmt.Sprintf("== Features == input %v batch %d", e.inShape, e.batch)}
	for i, st := range e.stages {
		desc := st.desc
		if st.relu {
			desc += " relu"
		}
		s = append(s, fmt.Sprintf("%2d: %s", i, desc))
	}
	return strings.Join(s, "\n")
}
