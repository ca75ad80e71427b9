package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatMul(t *testing.T) {
	a := NewTensor(2, 3)
	copy(a.Data(), []float64{1, 2, 3, 4, 5, 6})
	b := NewTensor(3, 2)
	copy(b.Data(), []float64{7, 8, 9, 10, 11, 12})

	c := MatMul(a, b)

	require.Equal(t, []int{2, 2}, c.Shape())
	assert.Equal(t, []float64{58, 64, 139, 154}, c.Data())
}

func TestMatMulParallelMatchesSerial(t *testing.T) {
	a := NewTensorRand(70, 80)
	b := NewTensorRand(80, 90)

	UseDevice(Device{Name: "cpu", Workers: 1})
	serial := MatMul(a, b)

	UseDevice(Device{Name: "parallel", Workers: 4})
	parallel := MatMul(a, b)

	UseDevice(Device{Name: "cpu", Workers: 1})

	require.Equal(t, serial.Shape(), parallel.Shape())
	for i, v := range serial.Data() {
		assert.InDelta(t, v, parallel.Data()[i], 1e-12)
	}
}

func TestTranspose(t *testing.T) {
	a := NewTensor(2, 3)
	copy(a.Data(), []float64{1, 2, 3, 4, 5, 6})

	at := Transpose(a)

	require.Equal(t, []int{3, 2}, at.Shape())
	assert.Equal(t, 2.0, at.At(1, 0))
	assert.Equal(t, 6.0, at.At(2, 1))
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := NewTensor(3, 5)
	copy(x.Data(), []float64{
		1, 2, 3, 4, 5,
		-1, 0, 1, 2, 3,
		100, 100, 100, 100, 100,
	})

	y := Softmax(x)

	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 5; j++ {
			v := y.At(i, j)
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestSoftmaxNumericalStability(t *testing.T) {
	x := NewTensor(1, 3)
	copy(x.Data(), []float64{1000, 1000, 1000})

	y := Softmax(x)
	for j := 0; j < 3; j++ {
		assert.InDelta(t, 1.0/3.0, y.At(0, j), 1e-9)
	}
}

func TestAddAndScale(t *testing.T) {
	a := NewTensor(2, 2)
	copy(a.Data(), []float64{1, 2, 3, 4})
	b := NewTensor(2, 2)
	copy(b.Data(), []float64{10, 20, 30, 40})

	sum := Add(a, b)
	assert.Equal(t, []float64{11, 22, 33, 44}, sum.Data())

	scaled := Scale(a, 0.5)
	assert.Equal(t, []float64{0.5, 1, 1.5, 2}, scaled.Data())
}

func TestAccumulateGradAndZeroGrad(t *testing.T) {
	a := NewTensor(2, 2)
	g := NewTensor(2, 2)
	copy(g.Data(), []float64{1, 1, 1, 1})

	a.AccumulateGrad(g)
	a.AccumulateGrad(g)
	assert.Equal(t, []float64{2, 2, 2, 2}, a.Grad())

	a.ZeroGrad()
	assert.Equal(t, []float64{0, 0, 0, 0}, a.Grad())
}

func TestCloneIsIndependent(t *testing.T) {
	a := NewTensor(2, 2)
	copy(a.Data(), []float64{1, 2, 3, 4})

	b := a.Clone()
	b.Set(99, 0, 0)

	assert.Equal(t, 1.0, a.At(0, 0))
	assert.Equal(t, 99.0, b.At(0, 0))
}

func TestReshapeSharesData(t *testing.T) {
	a := NewTensor(2, 3)
	copy(a.Data(), []float64{1, 2, 3, 4, 5, 6})

	b := a.Reshape(3, 2)
	require.Equal(t, []int{3, 2}, b.Shape())

	b.Set(42, 0, 1)
	assert.Equal(t, 42.0, a.At(0, 1))
}
