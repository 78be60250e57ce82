package session

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// DType identifies the element type carried by a Tensor.
type DType string

const (
	F32 DType = "f32"
	U8  DType = "u8"
)

var ErrShapeMismatch = errors.New("tensor payload does not match shape")

// Tensor is a shaped numeric buffer exchanged with the backend. Exactly one
// of F32 or U8 is populated, selected by DType.
type Tensor struct {
	DType DType     `json:"dtype"`
	Shape []int     `json:"shape"`
	F32   []float32 `json:"f32,omitempty"`
	U8    []byte    `json:"u8,omitempty"`
}

// NewF32 builds a float32 tensor and checks len(data) against the shape.
func NewF32(data []float32, shape ...int) (Tensor, error) {
	t := Tensor{DType: F32, Shape: slices.Clone(shape), F32: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// NewU8 builds a raw byte tensor and checks len(data) against the shape.
func NewU8(data []byte, shape ...int) (Tensor, error) {
	t := Tensor{DType: U8, Shape: slices.Clone(shape), U8: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// NumElements returns the product of the shape dimensions.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Len returns the number of elements actually held by the payload.
func (t Tensor) Len() int {
	switch t.DType {
	case F32:
		return len(t.F32)
	case U8:
		return len(t.U8)
	default:
		return 0
	}
}

func (t Tensor) Validate() error {
	for i, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("tensor dim %d is negative (%d)", i, d)
		}
	}
	switch t.DType {
	case F32:
		if len(t.U8) != 0 {
			return fmt.Errorf("f32 tensor carries u8 payload")
		}
	case U8:
		if len(t.F32) != 0 {
			return fmt.Errorf("u8 tensor carries f32 payload")
		}
	default:
		return fmt.Errorf("unknown tensor dtype %q", t.DType)
	}
	if got, want := t.Len(), t.NumElements(); got != want {
		return fmt.Errorf("%w: %d elements for shape %v (want %d)", ErrShapeMismatch, got, t.Shape, want)
	}
	return nil
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		DType: t.DType,
		Shape: slices.Clone(t.Shape),
		F32:   slices.Clone(t.F32),
		U8:    slices.Clone(t.U8),
	}
}

// Equal reports whether two tensors have the same type, shape and payload.
// NaN elements compare equal to each other.
func (t Tensor) Equal(o Tensor) bool {
	return t.DType == o.DType &&
		slices.Equal(t.Shape, o.Shape) &&
		slices.EqualFunc(t.F32, o.F32, sameFloat) &&
		slices.Equal(t.U8, o.U8)
}

func sameFloat(a, b float32) bool {
	return a == b || (math.IsNaN(float64(a)) && math.IsNaN(float64(b)))
}
