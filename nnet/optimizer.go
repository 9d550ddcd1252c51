package nnet

import (
	"github.com/LILIBIUALREADY/computer-visual/num"
)

const (
	adadeltaEps = 1e-6
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEps     = 1e-8
)

// Optimizer updates the network parameters from their gradients after each batch.
type Optimizer interface {
	Name() string
	Update(params []*Param)
}

// NewOptimizer returns the optimizer selected by the config: Adadelta for training, SGD with
// momentum for fine tuning, unless Config.Optimizer is set. L2 weight decay is added to each gradient.
func NewOptimizer(q num.Queue, conf Config) (Optimizer, error) {
	name, err := optimizerName(conf)
	if err != nil {
		return nil, err
	}
	base := optimizerBase{
		queue: q,
		name:  name,
		lr:    float32(conf.Eta),
		decay: float32(conf.WeightDecay),
		state: make(map[*Param][]num.Array),
	}
	switch name {
	case "sgd":
		return &sgd{optimizerBase: base, momentum: float32(conf.Momentum)}, nil
	case "adam":
		return &adam{optimizerBase: base}, nil
	default:
		return &adadelta{optimizerBase: base, rho: float32(conf.Rho)}, nil
	}
}

type optimizerBase struct {
	queue num.Queue
	name  string
	lr    float32
	decay float32
	state map[*Param][]num.Array
}

func (o *optimizerBase) Name() string { return o.name }

// zero initialised arrays with same shape as the param
func (o *optimizerBase) get(p *Param, n int) []num.Array {
	s, ok := o.state[p]
	if !ok {
		for i := 0; i < n; i++ {
			arr := o.queue.NewArrayLike(p.W)
			o.queue.Call(num.Fill(arr, 0))
			s = append(s, arr)
		}
		o.state[p] = s
	}
	return s
}

func (o *optimizerBase) weightDecay(p *Param) {
	if o.decay != 0 {
		o.queue.Call(num.Axpy(o.decay, p.W, p.DW))
	}
}

// stochastic gradient descent with momentum: v = momentum*v + dw, w = w - lr*v
type sgd struct {
	optimizerBase
	momentum float32
}

func (o *sgd) Update(params []*Param) {
	for _, p := range params {
		o.weightDecay(p)
		if o.momentum == 0 {
			o.queue.Call(num.Axpy(-o.lr, p.DW, p.W))
			continue
		}
		v := o.get(p, 1)[0]
		o.queue.Call(
			num.Scale(o.momentum, v),
			num.Axpy(1, p.DW, v),
			num.Axpy(-o.lr, v, p.W),
		)
	}
}

type adadelta struct {
	optimizerBase
	rho float32
}

func (o *adadelta) Update(params []*Param) {
	for _, p := range params {
		o.weightDecay(p)
		s := o.get(p, 2)
		o.queue.Call(num.AdadeltaUpdate(o.lr, o.rho, adadeltaEps, p.W, p.DW, s[0], s[1]))
	}
}

type adam struct {
	optimizerBase
	step int
}

func (o *adam) Update(params []*Param) {
	o.step++
	for _, p := range params {
		o.weightDecay(p)
		s := o.get(p, 2)
		o.queue.Call(num.AdamUpdate(o.lr, adamBeta1, adamBeta2, adamEps, o.step, p.W, p.DW, s[0], s[1]))
	}
}
