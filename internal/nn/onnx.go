package nn

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions configures the onnxruntime environment.
type ONNXOptions struct {
	LibraryPath string
	Device      string
	NumThreads  int
}

// ONNXRuntime loads .onnx graphs through onnxruntime. Only one environment may
// exist per process.
type ONNXRuntime struct {
	opts ONNXOptions
}

var (
	ortMu   sync.Mutex
	ortRefs int
)

func NewONNXRuntime(opts ONNXOptions) (*ONNXRuntime, error) {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 {
		if opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(opts.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize onnxruntime: %v", ErrAssetLoad, err)
		}
	}
	ortRefs++
	return &ONNXRuntime{opts: opts}, nil
}

func (r *ONNXRuntime) sessionOptions() (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if r.opts.NumThreads > 0 {
		if err := so.SetIntraOpNumThreads(r.opts.NumThreads); err != nil {
			so.Destroy()
			return nil, err
		}
	}
	if r.opts.Device == "cuda" {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			so.Destroy()
			return nil, err
		}
		defer cuda.Destroy()
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			so.Destroy()
			return nil, err
		}
	}
	return so, nil
}

func (r *ONNXRuntime) Load(ctx context.Context, path string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect %s: %v", ErrAssetLoad, path, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: %s declares no outputs", ErrAssetLoad, path)
	}
	inNames := make([]string, len(inputs))
	for i, info := range inputs {
		inNames[i] = info.Name
	}
	so, err := r.sessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", ErrAssetLoad, err)
	}
	defer so.Destroy()
	session, err := ort.NewDynamicAdvancedSession(path, inNames, []string{outputs[0].Name}, so)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAssetLoad, path, err)
	}
	return &onnxModel{path: path, session: session, inputs: len(inNames)}, nil
}

func (r *ONNXRuntime) Close() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 {
		return nil
	}
	ortRefs--
	if ortRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

type onnxModel struct {
	path    string
	session *ort.DynamicAdvancedSession
	inputs  int
}

func (m *onnxModel) Forward(ctx context.Context, inputs ...Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	if len(inputs) != m.inputs {
		return Tensor{}, fmt.Errorf("%w: %s expects %d inputs, got %d", ErrRuntimeForward, m.path, m.inputs, len(inputs))
	}
	values := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	for i, in := range inputs {
		v, err := toValue(in)
		if err != nil {
			return Tensor{}, fmt.Errorf("%w: input %d: %v", ErrRuntimeForward, i, err)
		}
		values = append(values, v)
	}
	outputs := []ort.Value{nil}
	if err := m.session.Run(values, outputs); err != nil {
		return Tensor{}, fmt.Errorf("%w: %s: %v", ErrRuntimeForward, m.path, err)
	}
	defer outputs[0].Destroy()
	return fromValue(outputs[0])
}

func (m *onnxModel) Close() error {
	return m.session.Destroy()
}

func toValue(t Tensor) (ort.Value, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	shape := ort.NewShape(t.Shape...)
	if t.DType() == Int64 {
		return ort.NewTensor(shape, append([]int64(nil), t.I64...))
	}
	return ort.NewTensor(shape, append([]float32(nil), t.F32...))
}

func fromValue(v ort.Value) (Tensor, error) {
	switch out := v.(type) {
	case *ort.Tensor[float32]:
		return FromFloat32(append([]float32(nil), out.GetData()...), out.GetShape()...), nil
	case *ort.Tensor[int64]:
		return FromInt64(append([]int64(nil), out.GetData()...), out.GetShape()...), nil
	}
	return Tensor{}, fmt.Errorf("%w: unsupported output type %T", ErrRuntimeForward, v)
}
