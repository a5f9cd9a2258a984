package nn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MockOptions shapes the outputs of the mock runtime.
type MockOptions struct {
	SSLDim          int64
	EmbeddingDim    int64
	SamplesPerPhone int64
}

// MockRuntime is a deterministic stand-in for a real runtime. Its models
// recognise the input signatures used by the pipeline: acoustic features
// (one float input), contextual embeddings (three int inputs), polyphone
// classification (six inputs led by an int tensor) and speaker synthesis (six
// inputs led by a float tensor).
type MockRuntime struct {
	opts   MockOptions
	mu     sync.Mutex
	reject map[string]error
	loads  atomic.Int64
	open   atomic.Int64
}

// NewMockRuntime returns a mock runtime; zero option fields take defaults.
func NewMockRuntime(opts MockOptions) *MockRuntime {
	if opts.SSLDim <= 0 {
		opts.SSLDim = 768
	}
	if opts.EmbeddingDim <= 0 {
		opts.EmbeddingDim = 1024
	}
	if opts.SamplesPerPhone <= 0 {
		opts.SamplesPerPhone = 320
	}
	return &MockRuntime{opts: opts, reject: make(map[string]error)}
}

// Reject makes later loads of path fail with err.
func (r *MockRuntime) Reject(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject[path] = err
}

// Loads reports how many models were loaded successfully.
func (r *MockRuntime) Loads() int64 { return r.loads.Load() }

// Open reports how many loaded models have not been closed.
func (r *MockRuntime) Open() int64 { return r.open.Load() }

func (r *MockRuntime) Load(ctx context.Context, path string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty model path", ErrAssetLoad)
	}
	r.mu.Lock()
	rejectErr, rejected := r.reject[path]
	r.mu.Unlock()
	if rejected {
		return nil, fmt.Errorf("%w: %s: %v", ErrAssetLoad, path, rejectErr)
	}
	r.loads.Add(1)
	r.open.Add(1)
	return &mockModel{rt: r, path: path}, nil
}

func (r *MockRuntime) Close() error { return nil }

type mockModel struct {
	rt     *MockRuntime
	path   string
	closed atomic.Bool
}

func (m *mockModel) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.rt.open.Add(-1)
	}
	return nil
}

func (m *mockModel) Forward(ctx context.Context, inputs ...Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	if m.closed.Load() {
		return Tensor{}, fmt.Errorf("%w: model %s closed", ErrRuntimeForward, m.path)
	}
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return Tensor{}, fmt.Errorf("%w: input %d: %v", ErrRuntimeForward, i, err)
		}
	}
	switch {
	case len(inputs) == 1 && inputs[0].DType() == Float32:
		return m.ssl(inputs[0]), nil
	case len(inputs) == 3 && inputs[0].DType() == Int64:
		return m.embed(inputs[0]), nil
	case len(inputs) == 6 && inputs[0].DType() == Int64:
		return m.classify(inputs)
	case len(inputs) == 6 && inputs[0].DType() == Float32:
		return m.synthesize(inputs)
	}
	return Tensor{}, fmt.Errorf("%w: mock %s: unsupported input signature (%d inputs)", ErrRuntimeForward, m.path, len(inputs))
}

// Call implements the "resample" method with linear interpolation. Inputs are
// audio [1, N], source rate [1] and target rate [1].
func (m *mockModel) Call(ctx context.Context, method string, inputs ...Tensor) (Tensor, error) {
	if method != "resample" {
		return Tensor{}, fmt.Errorf("%w: %s", ErrMethodNotSupported, method)
	}
	if len(inputs) != 3 || len(inputs[1].I64) != 1 || len(inputs[2].I64) != 1 {
		return Tensor{}, fmt.Errorf("%w: resample expects audio, src rate and dst rate", ErrRuntimeForward)
	}
	src, dst := inputs[1].I64[0], inputs[2].I64[0]
	if src <= 0 || dst <= 0 {
		return Tensor{}, fmt.Errorf("%w: invalid rates %d -> %d", ErrRuntimeForward, src, dst)
	}
	in := inputs[0].F32
	if len(in) == 0 {
		return FromFloat32([]float32{}, 1, 0), nil
	}
	n := int64(len(in)) * dst / src
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * float64(src) / float64(dst)
		j := int(pos)
		frac := float32(pos - float64(j))
		a := in[min(j, len(in)-1)]
		b := in[min(j+1, len(in)-1)]
		out[i] = a + (b-a)*frac
	}
	return FromFloat32(out, 1, n), nil
}

func (m *mockModel) ssl(audio Tensor) Tensor {
	const hop = 320
	frames := int64(len(audio.F32)) / hop
	if frames == 0 {
		frames = 1
	}
	dim := m.rt.opts.SSLDim
	out := make([]float32, dim*frames)
	for f := int64(0); f < frames; f++ {
		var sum float32
		lo := f * hop
		hi := min(lo+hop, int64(len(audio.F32)))
		for _, v := range audio.F32[lo:hi] {
			if v < 0 {
				v = -v
			}
			sum += v
		}
		mean := sum / float32(max(hi-lo, 1))
		for c := int64(0); c < dim; c++ {
			out[c*frames+f] = mean + float32(c)*1e-4
		}
	}
	return FromFloat32(out, 1, dim, frames)
}

func (m *mockModel) embed(ids Tensor) Tensor {
	dim := m.rt.opts.EmbeddingDim
	t := int64(len(ids.I64))
	out := make([]float32, t*dim)
	for i, id := range ids.I64 {
		base := float32(id%97) / 97
		for j := int64(0); j < dim; j++ {
			out[int64(i)*dim+j] = base + float32(j%13)*1e-3
		}
	}
	return FromFloat32(out, t, dim)
}

func (m *mockModel) classify(inputs []Tensor) (Tensor, error) {
	mask, charIDs := inputs[3], inputs[4]
	if len(mask.Shape) != 2 {
		return Tensor{}, fmt.Errorf("%w: phoneme mask must be rank 2", ErrRuntimeForward)
	}
	n, labels := mask.Shape[0], mask.Shape[1]
	if int64(len(charIDs.I64)) != n {
		return Tensor{}, fmt.Errorf("%w: char ids/mask mismatch", ErrRuntimeForward)
	}
	out := make([]float32, n*labels)
	for i := int64(0); i < n; i++ {
		for l := int64(0); l < labels; l++ {
			out[i*labels+l] = mask.F32[i*labels+l] * float32(1+(charIDs.I64[i]+l)%7)
		}
	}
	return FromFloat32(out, n, labels), nil
}

func (m *mockModel) synthesize(inputs []Tensor) (Tensor, error) {
	ref32k, phones := inputs[1], inputs[3]
	if phones.DType() != Int64 || len(phones.I64) == 0 {
		return Tensor{}, fmt.Errorf("%w: phones must be a non-empty int tensor", ErrRuntimeForward)
	}
	refPhones, refBert, bert := inputs[2], inputs[4], inputs[5]
	if bert.Size() == 0 || refBert.Size() == 0 || len(refPhones.I64) == 0 {
		return Tensor{}, fmt.Errorf("%w: empty reference or embedding input", ErrRuntimeForward)
	}
	if int64(len(phones.I64))*m.rt.opts.EmbeddingDim != bert.Size() {
		return Tensor{}, fmt.Errorf("%w: embeddings %v do not match %d phones", ErrRuntimeForward, bert.Shape, len(phones.I64))
	}
	var refMean float32
	for _, v := range ref32k.F32 {
		refMean += v
	}
	if len(ref32k.F32) > 0 {
		refMean /= float32(len(ref32k.F32))
	}
	spp := m.rt.opts.SamplesPerPhone
	out := make([]float32, int64(len(phones.I64))*spp)
	for i := range out {
		out[i] = float32(phones.I64[int64(i)/spp]%50)*0.01 + refMean
	}
	return FromFloat32(out, 1, int64(len(out))), nil
}
