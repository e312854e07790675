// Package tensor provides the dense float32 matrix and vector
// primitives used by the MoE pipeline. Activations and expert
// parameters are plain row-major f32; there is no quantized path.
package tensor

import "math/rand"

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for matrices
// allocated here it equals C.
//
// Mat does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zero-initialised matrix with r rows and c columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData creates a matrix backed by existing data. It panics if
// the data length does not match r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// Row returns a view of the i-th row. Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Rows returns a view of rows [lo, hi) as a sub-matrix sharing storage.
func (m *Mat) Rows(lo, hi int) Mat {
	if lo < 0 || hi < lo || hi > m.R {
		panic("row range out of bounds")
	}
	return Mat{
		R:      hi - lo,
		C:      m.C,
		Stride: m.Stride,
		Data:   m.Data[lo*m.Stride : lo*m.Stride+(hi-lo)*m.Stride],
	}
}

// Clone returns a deep copy of the matrix with a compact stride.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// FillUniform fills the matrix with uniform values in [-scale, scale)
// drawn from rng.
func (m *Mat) FillUniform(rng *rand.Rand, scale float32) {
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}
