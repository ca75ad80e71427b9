package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Tensor is a dense float64 array in row-major order with a gradient
// buffer of the same size. Not safe for concurrent mutation.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor initialized from N(0, 0.02) via the
// Box-Muller transform.
func NewTensorRand(shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rand.Float64(), rand.Float64()
		mag := 0.02 * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the underlying value buffer. Mutations are visible to the
// tensor; the optimizer relies on this.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad exposes the underlying gradient buffer.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a view sharing the underlying data and gradient.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data,
		shape: shapeCopy,
		grad:  t.grad,
	}
}

// AccumulateGrad adds grad's values into t's gradient buffer.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("tensor: AccumulateGrad shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// computeWorkers is the worker count MatMul fans out over. Set through
// UseDevice; 1 means serial execution.
var computeWorkers = 1

// Add performs element-wise addition.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Scale multiplies every element by a scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul computes C = A @ B for 2D tensors. Rows are split across the
// configured device workers when the output is large enough to pay for
// goroutine overhead.
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	m, k := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: MatMul inner dimensions mismatch %d vs %d", k, k2))
	}

	out := NewTensor(m, n)

	workers := computeWorkers
	if workers <= 1 || m*n < 4096 {
		matmulRows(a, b, out, 0, m)
		return out
	}

	var wg sync.WaitGroup
	chunk := (m + workers - 1) / workers
	for start := 0; start < m; start += chunk {
		end := start + chunk
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			matmulRows(a, b, out, lo, hi)
		}(start, end)
	}
	wg.Wait()

	return out
}

func matmulRows(a, b, out *Tensor, lo, hi int) {
	k, n := a.shape[1], b.shape[1]
	for i := lo; i < hi; i++ {
		for kk := 0; kk < k; kk++ {
			av := a.data[i*k+kk]
			if av == 0 {
				continue
			}
			row := b.data[kk*n : (kk+1)*n]
			outRow := out.data[i*n : (i+1)*n]
			for j := range row {
				outRow[j] += av * row[j]
			}
		}
	}
}

// Transpose returns A^T for a 2D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// GELU applies the tanh approximation of the Gaussian error linear unit.
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}

	return out
}

// Softmax normalizes each row of a 2D tensor into a probability
// distribution, with the usual max subtraction for stability.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for r := 0; r < rows; r++ {
		maxVal := x.data[r*cols]
		for c := 1; c < cols; c++ {
			if v := x.data[r*cols+c]; v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for c := 0; c < cols; c++ {
			e := math.Exp(x.data[r*cols+c] - maxVal)
			out.data[r*cols+c] = e
			sum += e
		}

		for c := 0; c < cols; c++ {
			out.data[r*cols+c] /= sum
		}
	}

	return out
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
