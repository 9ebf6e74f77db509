// Package testutil holds shared fixtures for package tests: a scripted tool
// invoker, log capture and manifest builders.
package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/model"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// LogContext returns a context carrying a debug-level text logger that writes
// into the returned buffer.
func LogContext(t *testing.T) (context.Context, *SafeBuffer) {
	t.Helper()
	buf := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return ctxlog.WithLogger(context.Background(), logger), buf
}

// PairedSample returns a valid paired-fastq sample with one read pair.
func PairedSample(id string) model.Sample {
	return model.Sample{ID: id, Inputs: model.InputDescriptor{
		Format:    model.FormatPairedFastq,
		Locations: []string{"/reads/" + id + "_R1.fq.gz", "/reads/" + id + "_R2.fq.gz"},
	}}
}

// TarSample returns a valid tar sample.
func TarSample(id string, paired bool) model.Sample {
	return model.Sample{ID: id, Paired: paired, Inputs: model.InputDescriptor{
		Format:    model.FormatTar,
		Locations: []string{"/reads/" + id + ".tar"},
	}}
}

// Manifest returns a run manifest sized for tests: 4 cores, 16GiB, 4 slots,
// no retry delay, and work and output dirs under t.TempDir(). mutate may
// adjust the options before they are frozen into the manifest.
func Manifest(t *testing.T, mutate func(*model.Options), samples ...model.Sample) *model.RunManifest {
	t.Helper()
	opts := model.DefaultOptions()
	opts.MaxCores = 4
	opts.MaxMemory = 16 << 30
	opts.MaxJobs = 4
	opts.RetryDelay = 0
	opts.WorkDir = t.TempDir()
	opts.OutputDir = t.TempDir()
	opts.JobStoreLocation = "mem://"
	if mutate != nil {
		mutate(&opts)
	}
	return &model.RunManifest{RunID: "test-run", Samples: samples, Options: opts}
}
