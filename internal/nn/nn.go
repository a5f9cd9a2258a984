// Package nn is the boundary to the neural inference runtime. The pipeline only
// sees Tensor, Model and Runtime; backends live in this package too.
package nn

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAssetLoad wraps failures to load a model or asset.
	ErrAssetLoad = errors.New("asset load failed")
	// ErrRuntimeForward wraps failures reported by a forward pass.
	ErrRuntimeForward = errors.New("runtime forward failed")
	// ErrMethodNotSupported is returned by Call for unknown methods.
	ErrMethodNotSupported = errors.New("method not supported")
)

// DType is the element type of a Tensor.
type DType string

const (
	Float32 DType = "float32"
	Int64   DType = "int64"
)

// Tensor is a dense row-major tensor holding either float32 or int64 data.
type Tensor struct {
	Shape []int64   `json:"shape"`
	F32   []float32 `json:"f32,omitempty"`
	I64   []int64   `json:"i64,omitempty"`
}

// FromFloat32 wraps data with the given shape. An empty shape means [len(data)].
func FromFloat32(data []float32, shape ...int64) Tensor {
	if len(shape) == 0 {
		shape = []int64{int64(len(data))}
	}
	return Tensor{Shape: shape, F32: data}
}

// FromInt64 wraps data with the given shape. An empty shape means [len(data)].
func FromInt64(data []int64, shape ...int64) Tensor {
	if data == nil {
		data = []int64{}
	}
	if len(shape) == 0 {
		shape = []int64{int64(len(data))}
	}
	return Tensor{Shape: shape, I64: data}
}

// DType reports the element type.
func (t Tensor) DType() DType {
	if t.I64 != nil {
		return Int64
	}
	return Float32
}

// Size is the number of elements implied by Shape.
func (t Tensor) Size() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that the data length matches the shape.
func (t Tensor) Validate() error {
	var have int
	if t.DType() == Int64 {
		have = len(t.I64)
	} else {
		have = len(t.F32)
	}
	if int64(have) != t.Size() {
		return fmt.Errorf("tensor shape %v wants %d elements, has %d", t.Shape, t.Size(), have)
	}
	return nil
}

// Rows views a float tensor as rows of its last dimension, dropping leading
// singleton batch dimensions.
func (t Tensor) Rows() ([][]float32, error) {
	if t.DType() != Float32 || len(t.Shape) == 0 {
		return nil, fmt.Errorf("expected float tensor with rank >= 1, got %s %v", t.DType(), t.Shape)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	width := t.Shape[len(t.Shape)-1]
	if width <= 0 {
		return nil, nil
	}
	rows := make([][]float32, 0, int64(len(t.F32))/width)
	for off := int64(0); off < int64(len(t.F32)); off += width {
		rows = append(rows, t.F32[off:off+width])
	}
	return rows, nil
}

// Model is a loaded model graph. Implementations run in inference-only mode.
type Model interface {
	Forward(ctx context.Context, inputs ...Tensor) (Tensor, error)
	Close() error
}

// MethodCaller is implemented by models exposing named auxiliary methods,
// such as "resample".
type MethodCaller interface {
	Call(ctx context.Context, method string, inputs ...Tensor) (Tensor, error)
}

// Runtime loads models.
type Runtime interface {
	Load(ctx context.Context, path string) (Model, error)
	Close() error
}

// Serialized wraps m so that at most one forward pass runs at a time.
func Serialized(m Model) Model {
	if m == nil {
		return nil
	}
	if _, ok := m.(*serialModel); ok {
		return m
	}
	return &serialModel{inner: m}
}

type serialModel struct {
	mu    sync.Mutex
	inner Model
}

func (s *serialModel) Forward(ctx context.Context, inputs ...Tensor) (Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	return s.inner.Forward(ctx, inputs...)
}

func (s *serialModel) Call(ctx context.Context, method string, inputs ...Tensor) (Tensor, error) {
	caller, ok := s.inner.(MethodCaller)
	if !ok {
		return Tensor{}, fmt.Errorf("%w: %s", ErrMethodNotSupported, method)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return caller.Call(ctx, method, inputs...)
}

func (s *serialModel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

// SerialRuntime wraps every model it loads with Serialized.
type SerialRuntime struct {
	Runtime
}

func (r SerialRuntime) Load(ctx context.Context, path string) (Model, error) {
	m, err := r.Runtime.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return Serialized(m), nil
}
