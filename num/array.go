package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array interface is a general n dimensional tensor similar to a numpy ndarray
// data is stored internally in column major order
type Array interface {
	// Dims returns the shape of the array in rows, cols, ... order
	Dims() []int
	// Size is total number of elements
	Size() int
	// Dtype returns the data type of the elements in the array
	Dtype() DataType
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Reference to the raw data, only one of these is non-nil depending on the Dtype
	Floats() []float32
	Ints() []int32
	// Formatted output
	String(q Queue) string
	// Release any allocated memory
	Release()
}

// array resident in main memory
type arrayCPU struct {
	arrayBase
	f []float32
	i []int32
}

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	dims = append([]int{}, dims...)
	a := &arrayCPU{arrayBase: arrayBase{size: Prod(dims), dims: dims, dtype: dtype}}
	if dtype == Int32 {
		a.i = make([]int32, a.size)
	} else {
		a.f = make([]float32, a.size)
	}
	return a
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return d.NewArray(a.Dtype(), a.Dims()...)
}

func (a *arrayCPU) Floats() []float32 { return a.f }

func (a *arrayCPU) Ints() []int32 { return a.i }

func (a *arrayCPU) Release() {
	a.f, a.i = nil, nil
}

func (a *arrayCPU) Reshape(dims ...int) Array {
	return &arrayCPU{arrayBase: a.reshape(append([]int{}, dims...)), f: a.f, i: a.i}
}

func (a *arrayCPU) String(q Queue) string { return toString(a, q) }

// common array functions
type arrayBase struct {
	size  int
	dims  []int
	dtype DataType
}

func (a arrayBase) Size() int { return a.size }

func (a arrayBase) Dims() []int { return a.dims }

func (a arrayBase) Dtype() DataType { return a.dtype }

func (a arrayBase) reshape(dims []int) arrayBase {
	n := a.size
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic("reshape must be to array of same size")
	}
	return arrayBase{size: n, dims: dims, dtype: a.dtype}
}

// Arrays are printed as a sequence of matrices with one row per line. Only the first and last
// PrintEdgeitems entries of a dimension longer than PrintThreshold are shown.
func toString(a Array, q Queue) string {
	var vals []string
	if a.Dtype() == Int32 {
		data := make([]int32, a.Size())
		q.Call(Read(a, data)).Finish()
		for _, v := range data {
			vals = append(vals, fmt.Sprintf("%5d", v))
		}
	} else {
		data := make([]float32, a.Size())
		q.Call(Read(a, data)).Finish()
		for _, v := range data {
			vals = append(vals, fmt.Sprintf("%9.4g", v))
		}
	}
	dims := a.Dims()
	var b strings.Builder
	switch len(dims) {
	case 0:
		b.WriteString(vals[0])
	case 1:
		writeRow(&b, vals, 0, 1, dims[0])
	default:
		rows, cols := dims[0], dims[1]
		mats := Prod(dims[2:])
		for _, m := range shown(mats) {
			if m < 0 {
				b.WriteString("...\n")
				continue
			}
			if mats > 1 {
				fmt.Fprintf(&b, "[%d]\n", m)
			}
			for _, r := range shown(rows) {
				if r < 0 {
					b.WriteString(" ...\n")
					continue
				}
				writeRow(&b, vals, m*rows*cols+r, rows, cols)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func writeRow(b *strings.Builder, vals []string, start, stride, n int) {
	b.WriteByte('[')
	for _, i := range shown(n) {
		if i < 0 {
			b.WriteString("      ...")
		} else {
			b.WriteString(vals[start+i*stride])
		}
	}
	b.WriteByte(']')
}

// indexes to print, -1 marks the elided entries
func shown(n int) []int {
	var ix []int
	for i := 0; i < n; i++ {
		if n > PrintThreshold && i == PrintEdgeitems {
			ix = append(ix, -1)
			i = n - PrintEdgeitems - 1
			continue
		}
		ix = append(ix, i)
	}
	return ix
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}
