package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/shlex"
	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/model"
)

const (
	diagnosticTail = 4 << 10
	// waitDelay bounds how long Wait keeps copying stderr after the tool
	// exits or is killed.
	waitDelay = 10 * time.Second
)

// Exec runs tools as local child processes. Each tool's command is a
// text/template rendered per request and split into argv with shell-like
// quoting rules; it is not run through a shell.
type Exec struct {
	tools map[string]model.ToolSpec

	mu        sync.Mutex
	templates map[string]*template.Template
}

// NewExec returns an invoker for the given tool definitions.
func NewExec(tools map[string]model.ToolSpec) *Exec {
	return &Exec{tools: tools, templates: make(map[string]*template.Template)}
}

// commandData is what a command template sees.
type commandData struct {
	Sample    string
	Stage     string
	Attempt   int
	Inputs    string
	InputList []string
	// R1 and R2 are the odd and even inputs, comma-joined, for paired reads.
	R1          string
	R2          string
	OutputDir   string
	Cores       int
	MemoryBytes int64
	MemoryMB    int64
	Params      map[string]string
}

var funcs = template.FuncMap{
	"quote": quote,
	"words": quoteAll,
	"join":  func(sep string, s []string) string { return strings.Join(s, sep) },
	"match": match,
}

// match keeps the paths whose base name matches pattern.
func match(pattern string, paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		ok, err := filepath.Match(pattern, filepath.Base(p))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// quote makes s a single shlex word.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func quoteAll(s []string) string {
	q := make([]string, len(s))
	for i, v := range s {
		q[i] = quote(v)
	}
	return strings.Join(q, " ")
}

func (e *Exec) template(spec model.ToolSpec) (*template.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.templates[spec.Name]; ok {
		return t, nil
	}
	t, err := template.New(spec.Name).Funcs(funcs).Option("missingkey=error").Parse(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing command of tool %s: %w", spec.Name, err)
	}
	e.templates[spec.Name] = t
	return t, nil
}

// Argv renders the command line of req without running it.
func (e *Exec) Argv(req Request) ([]string, error) {
	spec, ok := e.tools[req.Tool]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", req.Tool)
	}
	t, err := e.template(spec)
	if err != nil {
		return nil, err
	}

	params := make(map[string]string, len(req.Params)+len(spec.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	for k, v := range spec.Params {
		params[k] = v
	}
	var r1, r2 []string
	for i, in := range req.Inputs {
		if i%2 == 0 {
			r1 = append(r1, in)
		} else {
			r2 = append(r2, in)
		}
	}
	data := commandData{
		Sample:      req.SampleID,
		Stage:       string(req.Stage),
		Attempt:     req.Attempt,
		Inputs:      quoteAll(req.Inputs),
		InputList:   req.Inputs,
		R1:          quote(strings.Join(r1, ",")),
		R2:          quote(strings.Join(r2, ",")),
		OutputDir:   quote(req.OutputDir),
		Cores:       req.Limits.Cores,
		MemoryBytes: req.Limits.Memory,
		MemoryMB:    req.Limits.Memory >> 20,
		Params:      params,
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering command of tool %s: %w", spec.Name, err)
	}
	argv, err := shlex.Split(buf.String())
	if err != nil {
		return nil, fmt.Errorf("splitting command of tool %s: %w", spec.Name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("tool %s renders to an empty command", spec.Name)
	}
	return argv, nil
}

// Invoke runs the tool and collects its outputs. Combined stdout and stderr
// are kept next to the output directory in <OutputDir>.log.
func (e *Exec) Invoke(ctx context.Context, req Request) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	argv, err := e.Argv(req)
	if err != nil {
		return Result{}, &ToolError{Tool: req.Tool, Stage: req.Stage, Err: err}
	}

	logFile, err := os.Create(req.OutputDir + ".log")
	if err != nil {
		return Result{}, &ToolError{Tool: req.Tool, Stage: req.Stage, Err: err}
	}
	defer logFile.Close()
	tail := &tailBuffer{limit: diagnosticTail}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.OutputDir
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, tail)
	cmd.Env = append(os.Environ(),
		"RNAFLOW_SAMPLE="+req.SampleID,
		"RNAFLOW_STAGE="+string(req.Stage),
		fmt.Sprintf("RNAFLOW_CORES=%d", req.Limits.Cores),
	)
	for _, k := range sortedKeys(e.tools[req.Tool].Env) {
		cmd.Env = append(cmd.Env, k+"="+e.tools[req.Tool].Env[k])
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	logger.Debug("Starting tool.", "tool", req.Tool, "argv", argv)
	start := time.Now()
	runErr := cmd.Run()
	usage := Usage{Wall: time.Since(start)}

	if runErr != nil {
		te := &ToolError{Tool: req.Tool, Stage: req.Stage, Diagnostic: tail.String(), Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			te.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			te.Err = ctx.Err()
		}
		return Result{Usage: usage}, te
	}

	outputs, err := CollectOutputs(req.OutputDir, e.tools[req.Tool].Outputs)
	if err != nil {
		return Result{Usage: usage}, &ToolError{Tool: req.Tool, Stage: req.Stage, Err: err}
	}
	return Result{Outputs: outputs, Usage: usage}, nil
}

// CollectOutputs lists the top-level entries of dir, tagging each with the
// first declared glob its name matches. Entries are returned in name order.
func CollectOutputs(dir string, declared []model.ToolOutput) ([]model.Output, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	outputs := make([]model.Output, 0, len(entries))
	for _, entry := range entries {
		out := model.Output{Path: filepath.Join(dir, entry.Name())}
		for _, d := range declared {
			ok, err := filepath.Match(d.Glob, entry.Name())
			if err != nil {
				return nil, fmt.Errorf("bad output glob %q: %w", d.Glob, err)
			}
			if ok {
				out.Tag = d.Tag
				break
			}
		}
		outputs = append(outputs, out)
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })
	return outputs, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
