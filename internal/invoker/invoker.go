// Package invoker defines how the scheduler runs stage tools, and provides a
// local implementation that executes them as child processes.
//
// The scheduler knows nothing about what a tool does. It hands the invoker a
// Request naming the tool, its inputs and an empty output directory, and gets
// back either the declared outputs or a ToolError with diagnostic text.
package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/rnaflow/internal/model"
)

// Request describes one tool invocation.
type Request struct {
	Tool     string
	Stage    model.StageKind
	SampleID string
	// Attempt is 1 for the first try.
	Attempt int
	// Inputs are local paths or URLs, in dependency order.
	Inputs []string
	// OutputDir exists and is empty when Invoke is called.
	OutputDir string
	Limits    model.Requirement
	Params    map[string]string
}

// Usage reports what an invocation consumed.
type Usage struct {
	Wall time.Duration
}

// Result is a successful invocation.
type Result struct {
	Outputs []model.Output
	Usage   Usage
}

// Invoker runs tools. Implementations must be safe for concurrent use and
// must not leave processes behind once Invoke returns, including when ctx is
// cancelled.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// ToolError is a failed invocation. Diagnostic holds whatever the tool said
// about it, typically the tail of its stderr.
type ToolError struct {
	Tool       string
	Stage      model.StageKind
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("tool %s (stage %s) failed", e.Tool, e.Stage)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
