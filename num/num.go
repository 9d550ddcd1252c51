// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Function which may be called via the queue
type Function struct {
	name string
	fn   func(threads int)
}

func args(name string, fn func(threads int)) Function {
	return Function{name: name, fn: fn}
}

// Name of the operation used for profiling
func (f Function) Name() string { return f.name }

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return args("read", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(d, a.Floats())
		case []int32:
			copy(d, a.Ints())
		default:
			panic(fmt.Sprintf("Read: invalid data type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return args("write", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(a.Floats(), d)
		case []int32:
			copy(a.Ints(), d)
		default:
			panic(fmt.Sprintf("Write: invalid data type %T", data))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		if a.Dtype() == Int32 {
			v := a.Ints()
			for i := range v {
				v[i] = int32(scalar)
			}
			return
		}
		v := a.Floats()
		for i := range v {
			v[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	switch {
	case SameShape(ddim, sdim):
		return args("copy", func(int) {
			if src.Dtype() == Int32 {
				copy(dst.Ints(), src.Ints())
			} else {
				copy(dst.Floats(), src.Floats())
			}
		})
	case len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1]:
		return tile1(dst, src, ddim[0], ddim[1])
	case len(sdim) == 2 && sdim[0] == 1 && len(ddim) == 2 && sdim[1] == ddim[1]:
		return tile1(dst, src, ddim[0], ddim[1])
	case len(sdim) == 2 && sdim[1] == 1 && len(ddim) == 2 && sdim[0] == ddim[0]:
		return args("tile0", func(int) {
			d, s := dst.Floats(), src.Floats()
			for j := 0; j < ddim[1]; j++ {
				copy(d[j*ddim[0]:(j+1)*ddim[0]], s)
			}
		})
	default:
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// each column j of dst is set to src[j]
func tile1(dst, src Array, rows, cols int) Function {
	return args("tile1", func(int) {
		d, s := dst.Floats(), src.Floats()
		for j := 0; j < cols; j++ {
			col := d[j*rows : (j+1)*rows]
			for i := range col {
				col[i] = s[j]
			}
		}
	})
}

// Count the number of matching values in the first n elements of x and y, result is added to total.
func CountEq(x, y Array, n int, total Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || total.Dtype() != Float32 {
		panic("CountEq: incorrect datatype")
	}
	if n > x.Size() || n > y.Size() {
		panic("CountEq: count out of range")
	}
	return args("count_eq", func(int) {
		xv, yv := x.Ints(), y.Ints()
		count := 0
		for i := 0; i < n; i++ {
			if xv[i] == yv[i] {
				count++
			}
		}
		total.Floats()[0] += float32(count)
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return args("onehot", func(int) {
		xv, yv := x.Ints(), y.Floats()
		for i := range yv {
			yv[i] = 0
		}
		for j, label := range xv {
			if label >= 0 && int(label) < classes {
				yv[j*classes+int(label)] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	rows := xdim[0]
	return args("unhot", func(int) {
		xv, yv := x.Floats(), y.Ints()
		for j := range yv {
			col := xv[j*rows : (j+1)*rows]
			best := 0
			for i, v := range col {
				if v > col[best] {
					best = i
				}
			}
			yv[j] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return args("scale", func(int) {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return args("axpy", func(int) {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Transpose sets mB to a copy of mA with the data transposed.
func Transpose(mA, mB Array) Function {
	adim, bdim := mA.Dims(), mB.Dims()
	if len(adim) != 2 || len(bdim) != 2 {
		panic("Transpose: arrays must be 2D")
	}
	if adim[0] != bdim[1] || adim[1] != bdim[0] {
		panic("Transpose: destination matrix is wrong shape")
	}
	rows, cols := adim[0], adim[1]
	return args("trans", func(int) {
		a, b := mA.Floats(), mB.Floats()
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				b[j+i*cols] = a[i+j*rows]
			}
		}
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func(int) {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range a.Ints() {
				sum += float64(v)
			}
		} else {
			for _, v := range a.Floats() {
				sum += float64(v)
			}
		}
		total.Floats()[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// row major view of a column major matrix is its transpose
	t := blas.Trans
	if aTrans == Trans {
		t = blas.NoTrans
	}
	return args("gemv", func(int) {
		blas32.Gemv(t, alpha, general(mA), vector(x), beta, vector(y))
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	// C = op(A).op(B) in column major order is C' = op(B)'.op(A)' in row major order
	return args("gemm", func(int) {
		blas32.Gemm(bTrans.blas(), aTrans.blas(), alpha, general(mB), general(mA), beta, general(mC))
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	checkUnary("Relu", x, y)
	return args("relu", func(int) {
		xv, yv := x.Floats(), y.Floats()
		for i, v := range xv {
			if v > 0 {
				yv[i] = v
			} else {
				yv[i] = 0
			}
		}
	})
}

func ReluD(x, grad, y Array) Function {
	checkBinary("ReluD", x, grad, y)
	return args("relu_d", func(int) {
		xv, gv, yv := x.Floats(), grad.Floats(), y.Floats()
		for i, v := range xv {
			if v > 0 {
				yv[i] = gv[i]
			} else {
				yv[i] = 0
			}
		}
	})
}

// Parametric relu activation with a single learned slope: y = x if x > 0 else alpha*x
func PRelu(x, alpha, y Array) Function {
	checkUnary("PRelu", x, y)
	return args("prelu", func(int) {
		a := alpha.Floats()[0]
		xv, yv := x.Floats(), y.Floats()
		for i, v := range xv {
			if v > 0 {
				yv[i] = v
			} else {
				yv[i] = a * v
			}
		}
	})
}

// Gradient of parametric relu wrt. input and slope parameter.
func PReluD(x, alpha, grad, dx, dalpha Array) Function {
	checkBinary("PReluD", x, grad, dx)
	return args("prelu_d", func(int) {
		a := alpha.Floats()[0]
		xv, gv, dv := x.Floats(), grad.Floats(), dx.Floats()
		var da float64
		for i, v := range xv {
			if v > 0 {
				dv[i] = gv[i]
			} else {
				dv[i] = a * gv[i]
				da += float64(gv[i] * v)
			}
		}
		dalpha.Floats()[0] = float32(da)
	})
}

// Softmax activation function, applied to each column
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	rows, cols := xdim[0], xdim[1]
	return args("softmax", func(int) {
		xv, rv := x.Floats(), res.Floats()
		for j := 0; j < cols; j++ {
			softmax(xv[j*rows:(j+1)*rows], rv[j*rows:(j+1)*rows])
		}
	})
}

// Gradient of softmax given the output y: dx = y * (grad - sum(y*grad))
func SoftmaxD(y, grad, dx Array) Function {
	checkBinary("SoftmaxD", y, grad, dx)
	dims := y.Dims()
	if len(dims) != 2 {
		panic("SoftmaxD: arrays must be 2d")
	}
	rows, cols := dims[0], dims[1]
	return args("softmax_d", func(int) {
		yv, gv, dv := y.Floats(), grad.Floats(), dx.Floats()
		for j := 0; j < cols; j++ {
			yc, gc, dc := yv[j*rows:(j+1)*rows], gv[j*rows:(j+1)*rows], dv[j*rows:(j+1)*rows]
			var dot float32
			for i := range yc {
				dot += yc[i] * gc[i]
			}
			for i := range yc {
				dc[i] = yc[i] * (gc[i] - dot)
			}
		}
	})
}

// Cross entropy loss of softmax(x) against the one hot labels. Only the first count columns
// are used, loss is set per column and grad is the gradient of the mean loss wrt. x.
func CrossEntropyLoss(x, yOneHot, loss, grad Array, count int) Function {
	checkBinary("CrossEntropyLoss", x, yOneHot, grad)
	xdim := x.Dims()
	if len(xdim) != 2 || loss.Size() != xdim[1] {
		panic("CrossEntropyLoss: invalid array shape")
	}
	rows, cols := xdim[0], xdim[1]
	if count < 0 || count > cols {
		panic("CrossEntropyLoss: count out of range")
	}
	return args("cross_entropy", func(int) {
		xv, yv, lv, gv := x.Floats(), yOneHot.Floats(), loss.Floats(), grad.Floats()
		scale := float32(1) / float32(count)
		for j := 0; j < cols; j++ {
			xc, yc, gc := xv[j*rows:(j+1)*rows], yv[j*rows:(j+1)*rows], gv[j*rows:(j+1)*rows]
			if j >= count {
				lv[j] = 0
				for i := range gc {
					gc[i] = 0
				}
				continue
			}
			softmax(xc, gc)
			var l float64
			for i := range gc {
				if yc[i] != 0 {
					l -= float64(yc[i]) * math.Log(math.Max(float64(gc[i]), 1e-30))
				}
				gc[i] = (gc[i] - yc[i]) * scale
			}
			lv[j] = float32(l)
		}
	})
}

// Adadelta parameter update with running averages of the squared gradients and updates.
func AdadeltaUpdate(lr, rho, eps float32, w, dw, sqAvg, accDelta Array) Function {
	checkBinary("AdadeltaUpdate", w, dw, sqAvg)
	return args("adadelta", func(int) {
		wv, gv, sv, av := w.Floats(), dw.Floats(), sqAvg.Floats(), accDelta.Floats()
		for i, g := range gv {
			sv[i] = rho*sv[i] + (1-rho)*g*g
			delta := sqrt(av[i]+eps) / sqrt(sv[i]+eps) * g
			av[i] = rho*av[i] + (1-rho)*delta*delta
			wv[i] -= lr * delta
		}
	})
}

// Adam parameter update, step is the 1 based iteration count used for bias correction.
func AdamUpdate(lr, beta1, beta2, eps float32, step int, w, dw, m, v Array) Function {
	checkBinary("AdamUpdate", w, dw, m)
	return args("adam", func(int) {
		c1 := 1 - float32(math.Pow(float64(beta1), float64(step)))
		c2 := 1 - float32(math.Pow(float64(beta2), float64(step)))
		wv, gv, mv, vv := w.Floats(), dw.Floats(), m.Floats(), v.Floats()
		for i, g := range gv {
			mv[i] = beta1*mv[i] + (1-beta1)*g
			vv[i] = beta2*vv[i] + (1-beta2)*g*g
			wv[i] -= lr * (mv[i] / c1) / (sqrt(vv[i]/c2) + eps)
		}
	})
}

func softmax(x, y []float32) {
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range x {
		y[i] = float32(math.Exp(float64(v - max)))
		sum += y[i]
	}
	for i := range y {
		y[i] /= sum
	}
}

func sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func checkUnary(name string, x, y Array) {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic(name + ": dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic(name + ": arrays must be same size")
	}
}

func checkBinary(name string, x, y, z Array) {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic(name + ": dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic(name + ": arrays must be same size")
	}
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.Floats()}
}

// row major view of a column major matrix, i.e. the transpose
func general(a Array) blas32.General {
	d := a.Dims()
	return blas32.General{Rows: d[1], Cols: d[0], Stride: d[0], Data: a.Floats()}
}
