package nn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecRuntime runs every forward pass through an external command. The command
// receives one JSON request on stdin and answers with one JSON line on stdout.
type ExecRuntime struct {
	cmd []string
}

type execRequest struct {
	Model  string   `json:"model"`
	Method string   `json:"method"`
	Inputs []Tensor `json:"inputs"`
}

type execResponse struct {
	Output *Tensor `json:"output"`
	Error  string  `json:"error"`
}

func NewExecRuntime(command string) (*ExecRuntime, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse runtime command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("runtime command empty")
	}
	return &ExecRuntime{cmd: args}, nil
}

// Load asks the command to validate the model with a "load" call.
func (r *ExecRuntime) Load(ctx context.Context, path string) (Model, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty model path", ErrAssetLoad)
	}
	m := &execModel{rt: r, path: path}
	if _, err := r.run(ctx, execRequest{Model: path, Method: "load"}); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAssetLoad, path, err)
	}
	return m, nil
}

func (r *ExecRuntime) Close() error { return nil }

func (r *ExecRuntime) run(ctx context.Context, req execRequest) (Tensor, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Tensor{}, err
	}

	base := r.cmd[0]
	args := append([]string{}, r.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Tensor{}, err
	}
	if err := cmd.Start(); err != nil {
		return Tensor{}, err
	}

	var resp execResponse
	decodeErr := json.NewDecoder(stdout).Decode(&resp)
	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Tensor{}, ctxErr
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Tensor{}, fmt.Errorf("%w: %s", waitErr, msg)
		}
		return Tensor{}, waitErr
	}
	if decodeErr != nil {
		return Tensor{}, fmt.Errorf("decode runtime response: %w", decodeErr)
	}
	if resp.Error != "" {
		return Tensor{}, errors.New(resp.Error)
	}
	if resp.Output == nil {
		return Tensor{}, nil
	}
	if err := resp.Output.Validate(); err != nil {
		return Tensor{}, err
	}
	return *resp.Output, nil
}

type execModel struct {
	rt   *ExecRuntime
	path string
}

func (m *execModel) Forward(ctx context.Context, inputs ...Tensor) (Tensor, error) {
	return m.Call(ctx, "forward", inputs...)
}

func (m *execModel) Call(ctx context.Context, method string, inputs ...Tensor) (Tensor, error) {
	out, err := m.rt.run(ctx, execRequest{Model: m.path, Method: method, Inputs: inputs})
	if err != nil {
		if ctx.Err() != nil {
			return Tensor{}, err
		}
		return Tensor{}, fmt.Errorf("%w: %s %s: %v", ErrRuntimeForward, m.path, method, err)
	}
	return out, nil
}

func (m *execModel) Close() error { return nil }
