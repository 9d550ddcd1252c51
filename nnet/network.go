// Package nnet contains routines for constructing, training and testing the classifier head network.
package nnet

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	BatchSize int
	queue     num.Queue
	inShape   []int
	loss      num.Array
	batchLoss num.Array
	inputGrad num.Array
}

// New function creates a new network with the given layers. inShape is the shape of a single
// input sample, the output of the last layer must have Config.Classes rows.
func New(q num.Queue, conf Config, batchSize int, inShape []int) (*Network, error) {
	n := &Network{Config: conf, BatchSize: batchSize, queue: q}
	if len(n.Config.Layers) == 0 {
		n.Config.Layers = DefaultLayers(conf.Classes)
	}
	n.inShape = append(append([]int{}, inShape...), batchSize)
	shape := n.inShape
	var prev Layer
	for i, l := range n.Config.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if err = layer.Init(q, shape, prev); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape()
		prev = layer
	}
	if len(shape) != 2 || shape[0] != conf.Classes {
		return nil, errors.Errorf("network output shape %v does not match %d classes", shape, conf.Classes)
	}
	n.loss = q.NewArray(num.Float32, batchSize)
	n.batchLoss = q.NewArray(num.Float32)
	n.inputGrad = q.NewArray(num.Float32, conf.Classes, batchSize)
	return n, nil
}

// Queue used to run the network operations
func (n *Network) Queue() num.Queue { return n.queue }

// Params returns all of the learnable parameters in layer order.
func (n *Network) Params() []*Param {
	var params []*Param
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			params = append(params, l.Params()...)
		}
	}
	return params
}

// ParamNames returns the parameter names prefixed by the layer index, as stored in checkpoints.
func (n *Network) ParamNames() []string {
	var names []string
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			for _, p := range l.Params() {
				names = append(names, fmt.Sprintf("%d.%s", i, p.Name))
			}
		}
	}
	return names
}

// Initialise network weights using a uniform distribution, scaled by 1/sqrt(fan in).
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, p := range n.Params() {
		p.Init(n.queue, rng)
	}
	n.queue.Finish()
	if klog.V(3).Enabled() {
		n.PrintWeights()
	}
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(net *Network) {
	dst := net.Params()
	for i, p := range n.Params() {
		n.queue.Call(num.Copy(dst[i].W, p.W))
	}
	n.queue.Finish()
}

// Feed forward the input to get the predicted output
func (n *Network) Fprop(input num.Array) num.Array {
	pred := input
	for _, layer := range n.Layers {
		pred = layer.Fprop(pred)
	}
	return pred
}

// Predict output given input data, the class with the highest output is written to classes.
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input)
	n.queue.Call(num.Unhot(yPred, classes))
	return yPred
}

// Loss calculates the mean cross entropy loss of the output from the last Fprop call over the
// first count samples and sets up the gradient for Bprop. Returns a scalar array.
func (n *Network) Loss(yPred, yOneHot num.Array, count int) num.Array {
	n.queue.Call(
		num.CrossEntropyLoss(yPred, yOneHot, n.loss, n.inputGrad, count),
		num.Sum(n.loss, n.batchLoss, 1/float32(count)),
	)
	return n.batchLoss
}

// Bprop back propagates the gradient from the last Loss call to get the parameter gradients.
func (n *Network) Bprop() {
	grad := n.inputGrad
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
	}
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v -> %v", i, layer.ToString(), layer.InShape(), layer.OutShape())
	}
	return fmt.Sprintf("== Network ==\n%s", strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	names := n.ParamNames()
	for i, p := range n.Params() {
		fmt.Printf("== %s ==\n%s\n", names[i], p.W.String(n.queue))
	}
}

// Set random number seed, or time based seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	klog.Infof("random seed = %d", seed)
	return rand.New(rand.NewSource(seed))
}
