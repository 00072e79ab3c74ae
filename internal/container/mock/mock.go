// Package mock provides in-memory container.Engine and container.Runner
// implementations for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/resonantgeodata/rgd-jobs/internal/container"
)

// Engine satisfies container.Engine. Images maps known refs to IDs.
type Engine struct {
	mu        sync.Mutex
	Images    map[string]string
	LoadFunc  func(archive []byte) ([]string, error)
	GetErr    error
	PingErr   error
	LoadCalls int
	GetCalls  int
}

// NewEngine returns an Engine with no images whose loads yield the given IDs.
func NewEngine(loadIDs ...string) *Engine {
	return &Engine{
		Images: make(map[string]string),
		LoadFunc: func(_ []byte) ([]string, error) {
			return loadIDs, nil
		},
	}
}

func (e *Engine) GetImage(_ context.Context, ref string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.GetCalls++
	if e.GetErr != nil {
		return "", e.GetErr
	}
	id, ok := e.Images[ref]
	if !ok {
		return "", container.ErrImageNotFound
	}
	return id, nil
}

func (e *Engine) LoadImage(_ context.Context, archive io.Reader) ([]string, error) {
	b, err := io.ReadAll(archive)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LoadCalls++
	if e.LoadFunc == nil {
		return nil, container.ErrNoImages
	}
	ids, err := e.LoadFunc(b)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.Images[id] = id
	}
	return ids, nil
}

func (e *Engine) Ping(_ context.Context) error { return e.PingErr }

// Loads returns how many archives were loaded.
func (e *Engine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.LoadCalls
}

// Runner satisfies container.Runner. RunFunc receives the spec with stdin
// already read into Input.
type Runner struct {
	mu      sync.Mutex
	Specs   []container.RunSpec
	Inputs  [][]byte
	RunFunc func(ctx context.Context, spec container.RunSpec, input []byte) error
}

// NewEchoRunner returns a Runner that copies stdin to stdout and exits with code.
func NewEchoRunner(code int) *Runner {
	return &Runner{RunFunc: func(_ context.Context, spec container.RunSpec, input []byte) error {
		_, _ = spec.Stdout.Write(input)
		_, _ = fmt.Fprintf(spec.Stderr, "read %d bytes\n", len(input))
		if code != 0 {
			return &container.ExitError{Code: code, Err: fmt.Errorf("exit status %d", code)}
		}
		return nil
	}}
}

// NewPrintRunner returns a Runner that writes stdout and exits 0.
func NewPrintRunner(stdout string) *Runner {
	return &Runner{RunFunc: func(_ context.Context, spec container.RunSpec, _ []byte) error {
		_, err := io.WriteString(spec.Stdout, stdout)
		return err
	}}
}

func (r *Runner) Run(ctx context.Context, spec container.RunSpec) error {
	var input []byte
	if spec.Stdin != nil {
		b, err := io.ReadAll(spec.Stdin)
		if err != nil {
			return err
		}
		input = b
	}
	r.mu.Lock()
	r.Specs = append(r.Specs, spec)
	r.Inputs = append(r.Inputs, input)
	r.mu.Unlock()
	if r.RunFunc == nil {
		return nil
	}
	return r.RunFunc(ctx, spec, input)
}

// LastSpec returns the most recent RunSpec.
func (r *Runner) LastSpec() container.RunSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Specs[len(r.Specs)-1]
}

// Compile-time checks.
var (
	_ container.Engine = (*Engine)(nil)
	_ container.Runner = (*Runner)(nil)
)
