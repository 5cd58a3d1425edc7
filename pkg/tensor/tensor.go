// Package tensor defines the dense, row-major numeric arrays exchanged with the
// inference engine, plus the shape helpers the decoders need.
//
// A Tensor carries exactly one typed payload (float32 or int64) whose length
// must equal the product of its shape. Constructors validate this; helpers
// that reshape data (Transpose, Vector) return [ErrShapeMismatch] rather than
// truncating silently.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when tensor dimensions are inconsistent with
// the data they carry or with the shape an operation expects.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// DType names the element type of a Tensor.
type DType string

const (
	Float32 DType = "float32"
	Int64   DType = "int64"
)

// Tensor is a dense row-major array. Only the payload matching DType is set.
type Tensor struct {
	DType DType     `json:"dtype"`
	Shape []int     `json:"shape"`
	F32   []float32 `json:"f32,omitempty"`
	I64   []int64   `json:"i64,omitempty"`
}

// NewFloat32 wraps data in a float32 tensor of the given shape. data is not
// copied.
func NewFloat32(data []float32, shape ...int) (*Tensor, error) {
	if n := numElements(shape); n != len(data) {
		return nil, fmt.Errorf("%w: float32 shape %v wants %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{DType: Float32, Shape: append([]int(nil), shape...), F32: data}, nil
}

// NewInt64 wraps data in an int64 tensor of the given shape. data is not
// copied.
func NewInt64(data []int64, shape ...int) (*Tensor, error) {
	if n := numElements(shape); n != len(data) {
		return nil, fmt.Errorf("%w: int64 shape %v wants %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{DType: Int64, Shape: append([]int(nil), shape...), I64: data}, nil
}

// Zeros returns a zero-filled float32 tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		DType: Float32,
		Shape: append([]int(nil), shape...),
		F32:   make([]float32, numElements(shape)),
	}
}

// Scalar64 returns a one-element int64 tensor of shape (1).
func Scalar64(v int64) *Tensor {
	return &Tensor{DType: Int64, Shape: []int{1}, I64: []int64{v}}
}

// Len returns the number of elements implied by the shape.
func (t *Tensor) Len() int { return numElements(t.Shape) }

// Validate reports whether the payload matches DType and Shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}
	want := t.Len()
	switch t.DType {
	case Float32:
		if len(t.F32) != want {
			return fmt.Errorf("%w: float32 shape %v wants %d elements, got %d", ErrShapeMismatch, t.Shape, want, len(t.F32))
		}
	case Int64:
		if len(t.I64) != want {
			return fmt.Errorf("%w: int64 shape %v wants %d elements, got %d", ErrShapeMismatch, t.Shape, want, len(t.I64))
		}
	default:
		return fmt.Errorf("tensor: unknown dtype %q", t.DType)
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	c := &Tensor{DType: t.DType, Shape: append([]int(nil), t.Shape...)}
	if t.F32 != nil {
		c.F32 = append([]float32(nil), t.F32...)
	}
	if t.I64 != nil {
		c.I64 = append([]int64(nil), t.I64...)
	}
	return c
}

// Vector returns the innermost row at index (b, i) of a rank-3 float32
// tensor, i.e. t[b, i, :]. The returned slice aliases t's storage.
func (t *Tensor) Vector(b, i int) ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.DType != Float32 || len(t.Shape) != 3 {
		return nil, fmt.Errorf("%w: Vector needs a rank-3 float32 tensor, got %s %v", ErrShapeMismatch, t.DType, t.Shape)
	}
	if b < 0 || b >= t.Shape[0] || i < 0 || i >= t.Shape[1] {
		return nil, fmt.Errorf("%w: index (%d, %d) outside %v", ErrShapeMismatch, b, i, t.Shape)
	}
	d := t.Shape[2]
	off := (b*t.Shape[1] + i) * d
	return t.F32[off : off+d], nil
}

// Transpose permutes the axes of a rank-3 float32 tensor. perm[k] names the
// source axis that becomes output axis k, so {0, 2, 1} turns
// (batch, features, time) into (batch, time, features).
func Transpose(t *Tensor, perm [3]int) (*Tensor, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor: transpose supports float32 only, got %s", t.DType)
	}
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("%w: transpose needs rank 3, got shape %v", ErrShapeMismatch, t.Shape)
	}
	var seen [3]bool
	for _, p := range perm {
		if p < 0 || p > 2 || seen[p] {
			return nil, fmt.Errorf("tensor: invalid permutation %v", perm)
		}
		seen[p] = true
	}

	src := [3]int{t.Shape[0], t.Shape[1], t.Shape[2]}
	dst := [3]int{src[perm[0]], src[perm[1]], src[perm[2]]}
	if dst[0]*dst[1]*dst[2] != len(t.F32) {
		return nil, fmt.Errorf("%w: transpose %v -> %v changes element count", ErrShapeMismatch, src, dst)
	}
	srcStride := [3]int{src[1] * src[2], src[2], 1}

	out := make([]float32, len(t.F32))
	var idx [3]int
	n := 0
	for idx[0] = 0; idx[0] < dst[0]; idx[0]++ {
		for idx[1] = 0; idx[1] < dst[1]; idx[1]++ {
			for idx[2] = 0; idx[2] < dst[2]; idx[2]++ {
				off := idx[0]*srcStride[perm[0]] + idx[1]*srcStride[perm[1]] + idx[2]*srcStride[perm[2]]
				out[n] = t.F32[off]
				n++
			}
		}
	}
	return &Tensor{DType: Float32, Shape: dst[:], F32: out}, nil
}

func numElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}
