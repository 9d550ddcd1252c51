package num

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a convolution or pooling layer operating on 4D arrays
// with dimensions width, height, channels, batch.
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
}

type layerBase struct {
	typ      string
	inShape  []int
	outShape []int
	src      Array
	dst      Array
	diffSrc  Array
	diffDst  Array
}

func newLayerBase(d cpuDevice, typ string, inShape, outShape []int) layerBase {
	return layerBase{
		typ:      typ,
		inShape:  inShape,
		outShape: outShape,
		dst:      d.NewArray(Float32, outShape...),
		diffSrc:  d.NewArray(Float32, inShape...),
	}
}

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.diffSrc }

func (l *layerBase) SetSrc(a Array) { l.src = a }

func (l *layerBase) SetDiffDst(a Array) { l.diffDst = a }

func (l *layerBase) Type() string { return l.typ }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) String() string {
	return fmt.Sprintf("%s %v -> %v", l.typ, l.inShape, l.outShape)
}

// convolution layer using im2col and a matrix product per sample
type convLayer struct {
	layerBase
	depth, h, w       int
	nFeats, size      int
	stride, pad       int
	outH, outW        int
	filt, bias        Array
	dfilt, dbias      Array
	filtShape, bShape []int
}

// Create new convolution layer with the given input size and filter settings.
func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	if stride < 1 {
		stride = 1
	}
	outH := (h+2*pad-size)/stride + 1
	outW := (w+2*pad-size)/stride + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("ConvLayer: filter size %d too large for %dx%d input", size, w, h))
	}
	l := &convLayer{
		depth: depth, h: h, w: w,
		nFeats: nFeats, size: size, stride: stride, pad: pad,
		outH: outH, outW: outW,
		filtShape: []int{size, size, depth, nFeats},
		bShape:    []int{nFeats},
	}
	l.layerBase = newLayerBase(d, "conv", []int{w, h, depth, nBatch}, []int{outW, outH, nFeats, nBatch})
	return l
}

func (l *convLayer) SetParams(W, B, dW, dB Array) {
	if !SameShape(W.Dims(), l.filtShape) || !SameShape(B.Dims(), l.bShape) {
		panic(fmt.Sprintf("ConvLayer: invalid param shape %v %v", W.Dims(), B.Dims()))
	}
	l.filt, l.bias, l.dfilt, l.dbias = W, B, dW, dB
}

func (l *convLayer) HasParams() bool { return true }

func (l *convLayer) FilterShape() []int { return l.filtShape }

func (l *convLayer) BiasShape() []int { return l.bShape }

func (l *convLayer) nBatch() int { return l.inShape[3] }

func (l *convLayer) colRows() int { return l.depth * l.size * l.size }

func (l *convLayer) colCols() int { return l.outH * l.outW }

// unpack patches from one sample into a (depth*size*size) x (outH*outW) row major matrix
func (l *convLayer) im2col(in, cols []float32) {
	ncol := l.colCols()
	for c := 0; c < l.depth; c++ {
		plane := in[c*l.h*l.w : (c+1)*l.h*l.w]
		for ky := 0; ky < l.size; ky++ {
			for kx := 0; kx < l.size; kx++ {
				row := cols[((c*l.size+ky)*l.size+kx)*ncol:]
				for oy := 0; oy < l.outH; oy++ {
					iy := oy*l.stride - l.pad + ky
					for ox := 0; ox < l.outW; ox++ {
						ix := ox*l.stride - l.pad + kx
						if iy < 0 || iy >= l.h || ix < 0 || ix >= l.w {
							row[oy*l.outW+ox] = 0
						} else {
							row[oy*l.outW+ox] = plane[iy*l.w+ix]
						}
					}
				}
			}
		}
	}
}

// accumulate columns back into the image gradient, out must be zeroed first
func (l *convLayer) col2im(cols, out []float32) {
	ncol := l.colCols()
	for c := 0; c < l.depth; c++ {
		plane := out[c*l.h*l.w : (c+1)*l.h*l.w]
		for ky := 0; ky < l.size; ky++ {
			for kx := 0; kx < l.size; kx++ {
				row := cols[((c*l.size+ky)*l.size+kx)*ncol:]
				for oy := 0; oy < l.outH; oy++ {
					iy := oy*l.stride - l.pad + ky
					if iy < 0 || iy >= l.h {
						continue
					}
					for ox := 0; ox < l.outW; ox++ {
						ix := ox*l.stride - l.pad + kx
						if ix >= 0 && ix < l.w {
							plane[iy*l.w+ix] += row[oy*l.outW+ox]
						}
					}
				}
			}
		}
	}
}

func (l *convLayer) filter(data []float32) blas32.General {
	return blas32.General{Rows: l.nFeats, Cols: l.colRows(), Stride: l.colRows(), Data: data}
}

func (l *convLayer) output(data []float32, n int) blas32.General {
	size := l.nFeats * l.colCols()
	return blas32.General{Rows: l.nFeats, Cols: l.colCols(), Stride: l.colCols(), Data: data[n*size : (n+1)*size]}
}

func (l *convLayer) fprop(threads int) {
	src, dst := l.src.Floats(), l.dst.Floats()
	bias := l.bias.Floats()
	inSize := l.depth * l.h * l.w
	ncol := l.colCols()
	parallel(l.nBatch(), threads, func(start, end int) {
		cols := make([]float32, l.colRows()*ncol)
		for n := start; n < end; n++ {
			out := l.output(dst, n)
			for f := 0; f < l.nFeats; f++ {
				row := out.Data[f*ncol : (f+1)*ncol]
				for i := range row {
					row[i] = bias[f]
				}
			}
			l.im2col(src[n*inSize:(n+1)*inSize], cols)
			c := blas32.General{Rows: l.colRows(), Cols: ncol, Stride: ncol, Data: cols}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, l.filter(l.filt.Floats()), c, 1, out)
		}
	})
}

func (l *convLayer) bpropData(threads int) {
	diffDst, diffSrc := l.diffDst.Floats(), l.diffSrc.Floats()
	inSize := l.depth * l.h * l.w
	ncol := l.colCols()
	parallel(l.nBatch(), threads, func(start, end int) {
		cols := make([]float32, l.colRows()*ncol)
		c := blas32.General{Rows: l.colRows(), Cols: ncol, Stride: ncol, Data: cols}
		for n := start; n < end; n++ {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, l.filter(l.filt.Floats()), l.output(diffDst, n), 0, c)
			out := diffSrc[n*inSize : (n+1)*inSize]
			for i := range out {
				out[i] = 0
			}
			l.col2im(cols, out)
		}
	})
}

func (l *convLayer) bpropFilter(threads int) {
	src, diffDst := l.src.Floats(), l.diffDst.Floats()
	inSize := l.depth * l.h * l.w
	ncol := l.colCols()
	var mu sync.Mutex
	dw := l.dfilt.Floats()
	for i := range dw {
		dw[i] = 0
	}
	parallel(l.nBatch(), threads, func(start, end int) {
		cols := make([]float32, l.colRows()*ncol)
		c := blas32.General{Rows: l.colRows(), Cols: ncol, Stride: ncol, Data: cols}
		acc := make([]float32, len(dw))
		for n := start; n < end; n++ {
			l.im2col(src[n*inSize:(n+1)*inSize], cols)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, l.output(diffDst, n), c, 1, l.filter(acc))
		}
		mu.Lock()
		for i, v := range acc {
			dw[i] += v
		}
		mu.Unlock()
	})
}

func (l *convLayer) bpropBias(threads int) {
	diffDst, db := l.diffDst.Floats(), l.dbias.Floats()
	ncol := l.colCols()
	for f := range db {
		db[f] = 0
	}
	for n := 0; n < l.nBatch(); n++ {
		out := l.output(diffDst, n)
		for f := range db {
			for _, v := range out.Data[f*ncol : (f+1)*ncol] {
				db[f] += v
			}
		}
	}
}

// max pooling layer
type poolLayer struct {
	layerBase
	depth, h, w  int
	size, stride int
	outH, outW   int
	index        []int32
}

// Create new max pooling layer, output size is rounded down as for a floor mode pool.
func (d cpuDevice) MaxPoolLayer(nBatch, depth, h, w, size, stride int) Layer {
	if stride < 1 {
		stride = size
	}
	outH := (h-size)/stride + 1
	outW := (w-size)/stride + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("MaxPoolLayer: pool size %d too large for %dx%d input", size, w, h))
	}
	l := &poolLayer{depth: depth, h: h, w: w, size: size, stride: stride, outH: outH, outW: outW}
	l.layerBase = newLayerBase(d, "maxpool", []int{w, h, depth, nBatch}, []int{outW, outH, depth, nBatch})
	l.index = make([]int32, Prod(l.outShape))
	return l
}

func (l *poolLayer) SetParams(W, B, dW, dB Array) {}

func (l *poolLayer) HasParams() bool { return false }

func (l *poolLayer) FilterShape() []int { return nil }

func (l *poolLayer) BiasShape() []int { return nil }

func (l *poolLayer) fprop(threads int) {
	src, dst := l.src.Floats(), l.dst.Floats()
	planes := l.depth * l.inShape[3]
	parallel(planes, threads, func(start, end int) {
		for p := start; p < end; p++ {
			in := src[p*l.h*l.w:]
			base := p * l.outH * l.outW
			for oy := 0; oy < l.outH; oy++ {
				for ox := 0; ox < l.outW; ox++ {
					best := (oy*l.stride)*l.w + ox*l.stride
					for ky := 0; ky < l.size; ky++ {
						for kx := 0; kx < l.size; kx++ {
							ix := (oy*l.stride+ky)*l.w + ox*l.stride + kx
							if in[ix] > in[best] {
								best = ix
							}
						}
					}
					dst[base+oy*l.outW+ox] = in[best]
					l.index[base+oy*l.outW+ox] = int32(p*l.h*l.w + best)
				}
			}
		}
	})
}

func (l *poolLayer) bpropData(threads int) {
	diffDst, diffSrc := l.diffDst.Floats(), l.diffSrc.Floats()
	for i := range diffSrc {
		diffSrc[i] = 0
	}
	for i, ix := range l.index {
		diffSrc[ix] += diffDst[i]
	}
}

// Forward propagation
func Fprop(layer Layer) Function {
	switch l := layer.(type) {
	case *convLayer:
		return args("conv_fprop", l.fprop)
	case *poolLayer:
		return args("maxpool_fprop", l.fprop)
	default:
		panic(fmt.Sprintf("Fprop: invalid layer type %T", layer))
	}
}

// Backward propagation
func BpropData(layer Layer) Function {
	switch l := layer.(type) {
	case *convLayer:
		return args("conv_bprop_data", l.bpropData)
	case *poolLayer:
		return args("maxpool_bprop_data", l.bpropData)
	default:
		panic(fmt.Sprintf("BpropData: invalid layer type %T", layer))
	}
}

func BpropFilter(layer Layer) Function {
	return args("conv_bprop_filter", layer.(*convLayer).bpropFilter)
}

func BpropBias(layer Layer) Function {
	return args("conv_bprop_bias", layer.(*convLayer).bpropBias)
}

// split n items into contiguous ranges processed by up to threads goroutines
func parallel(n, threads int, fn func(start, end int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		fn(0, n)
		return
	}
	var wg sync.WaitGroup
	chunk := (n + threads - 1) / threads
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
