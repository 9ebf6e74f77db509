package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vk/rnaflow/internal/invoker"
	"github.com/vk/rnaflow/internal/model"
)

// Always makes a scripted failure permanent.
const Always = -1

// ScriptedInvoker is an invoker.Invoker for scheduler tests. Every call
// writes small fixed output files into the request's OutputDir; failures and
// blocking are scripted per sample and stage.
type ScriptedInvoker struct {
	// Delay is how long each call takes unless it is cancelled first.
	Delay time.Duration

	mu       sync.Mutex
	failures map[string]int
	gates    map[model.StageKind]chan struct{}
	calls    map[string]int
	running  int
	peak     int
	records  []ExecutionRecord
}

// NewScriptedInvoker returns an invoker that succeeds at everything.
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{
		failures: make(map[string]int),
		gates:    make(map[model.StageKind]chan struct{}),
		calls:    make(map[string]int),
	}
}

func scriptKey(sampleID string, kind model.StageKind) string {
	return sampleID + "/" + string(kind)
}

// Fail makes the next n calls of kind for sampleID fail. An empty sampleID
// matches every sample; n may be Always.
func (s *ScriptedInvoker) Fail(sampleID string, kind model.StageKind, n int) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[scriptKey(sampleID, kind)] = n
	return s
}

// Block makes every call of kind wait for its context to be cancelled. The
// returned channel is closed when the first such call starts.
func (s *ScriptedInvoker) Block(kind model.StageKind) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[kind] = ch
	return ch
}

// Calls returns the number of calls made for one sample and stage.
func (s *ScriptedInvoker) Calls(sampleID string, kind model.StageKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[scriptKey(sampleID, kind)]
}

// TotalCalls returns the number of calls made.
func (s *ScriptedInvoker) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// MaxConcurrent returns the highest number of calls that were in flight at once.
func (s *ScriptedInvoker) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Records returns the finished calls in completion order.
func (s *ScriptedInvoker) Records() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionRecord(nil), s.records...)
}

// shouldFail consumes one scripted failure, must be called with mu held.
func (s *ScriptedInvoker) shouldFail(sampleID string, kind model.StageKind) bool {
	for _, key := range []string{scriptKey(sampleID, kind), scriptKey("", kind)} {
		n, ok := s.failures[key]
		if !ok || n == 0 {
			continue
		}
		if n > 0 {
			s.failures[key] = n - 1
		}
		return true
	}
	return false
}

// Invoke implements invoker.Invoker.
func (s *ScriptedInvoker) Invoke(ctx context.Context, req invoker.Request) (invoker.Result, error) {
	s.mu.Lock()
	s.calls[scriptKey(req.SampleID, req.Stage)]++
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	fail := s.shouldFail(req.SampleID, req.Stage)
	gate, blocked := s.gates[req.Stage]
	if blocked {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}
	s.mu.Unlock()

	rec := ExecutionRecord{SampleID: req.SampleID, Stage: req.Stage, Attempt: req.Attempt, Start: time.Now()}
	defer func() {
		rec.End = time.Now()
		s.mu.Lock()
		s.running--
		s.records = append(s.records, rec)
		s.mu.Unlock()
	}()

	toolErr := func(err error) error {
		return &invoker.ToolError{Tool: req.Tool, Stage: req.Stage, Diagnostic: "scripted", Err: err}
	}
	if blocked {
		<-ctx.Done()
		return invoker.Result{}, toolErr(ctx.Err())
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return invoker.Result{}, toolErr(ctx.Err())
		}
	}
	if fail {
		return invoker.Result{}, &invoker.ToolError{
			Tool: req.Tool, Stage: req.Stage, ExitCode: 1,
			Diagnostic: "scripted failure", Err: fmt.Errorf("exit status 1"),
		}
	}

	outputs, err := writeOutputs(req)
	if err != nil {
		return invoker.Result{}, toolErr(err)
	}
	return invoker.Result{Outputs: outputs, Usage: invoker.Usage{Wall: time.Since(rec.Start)}}, nil
}

// writeOutputs writes what a real tool of the stage would leave behind.
func writeOutputs(req invoker.Request) ([]model.Output, error) {
	files := []model.Output{{Path: string(req.Stage) + ".out"}}
	if req.Stage == model.StageAlign {
		files = []model.Output{
			{Path: "Log.final.out", Tag: model.TagLog},
			{Path: "Signal.bg", Tag: model.TagWiggle},
			{Path: "rna.Aligned.bam", Tag: model.TagAlignment},
		}
	}
	outputs := make([]model.Output, 0, len(files))
	for _, f := range files {
		path := filepath.Join(req.OutputDir, f.Path)
		content := fmt.Sprintf("%s %s %d inputs\n", req.SampleID, req.Stage, len(req.Inputs))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
		outputs = append(outputs, model.Output{Path: path, Tag: f.Tag})
	}
	return outputs, nil
}
