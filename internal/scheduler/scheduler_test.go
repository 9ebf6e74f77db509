package scheduler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vk/rnaflow/internal/dag"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/jobstore"
	"github.com/vk/rnaflow/internal/metrics"
	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/packager"
	"github.com/vk/rnaflow/internal/resource"
	"github.com/vk/rnaflow/internal/scheduler"
	"github.com/vk/rnaflow/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t        *testing.T
	manifest *model.RunManifest
	backend  *jobstore.Memory
	store    *jobstore.Store
	rm       *resource.Manager
	inv      *testutil.ScriptedInvoker
	metrics  *metrics.Metrics
	logs     *testutil.SafeBuffer
	ctx      context.Context

	mu     sync.Mutex
	events []scheduler.Event
}

func newHarness(t *testing.T, m *model.RunManifest) *harness {
	t.Helper()
	ctx, logs := testutil.LogContext(t)
	backend := jobstore.NewMemory()
	h := &harness{
		t:        t,
		manifest: m,
		backend:  backend,
		store:    jobstore.New(backend),
		inv:      testutil.NewScriptedInvoker(),
		metrics:  metrics.New(),
		logs:     logs,
		ctx:      ctx,
	}
	h.rm = resource.NewManager(m.Options.Capacity(), h.metrics)
	return h
}

func (h *harness) scheduler(resume bool) *scheduler.Scheduler {
	h.t.Helper()
	p, err := packager.New(packager.Options{
		OutputDir: h.manifest.Options.OutputDir,
		Format:    h.manifest.Options.ArchiveFormat,
		Policy:    h.manifest.Options.DisabledCategoryPolicy,
	})
	require.NoError(h.t, err)
	return scheduler.New(scheduler.Config{
		Store:      h.store,
		Resources:  h.rm,
		Invoker:    h.inv,
		Packager:   p,
		Metrics:    h.metrics,
		WorkDir:    h.manifest.Options.WorkDir,
		RetryLimit: h.manifest.Options.RetryLimit,
		RetryDelay: h.manifest.Options.RetryDelay,
		Resume:     resume,
		Observer: func(e scheduler.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e)
		},
	})
}

func (h *harness) graph(id string) *dag.Graph {
	h.t.Helper()
	s, ok := h.manifest.Sample(id)
	require.True(h.t, ok)
	g, err := dag.Build(h.ctx, s, h.manifest)
	require.NoError(h.t, err)
	return g
}

func (h *harness) run(ctx context.Context, id string, resume bool) *scheduler.Result {
	h.t.Helper()
	res, err := h.scheduler(resume).Run(ctx, h.graph(id))
	require.NoError(h.t, err)
	return res
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t, testutil.Manifest(t, nil, testutil.PairedSample("S1")))

	res := h.run(h.ctx, "S1", false)
	assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, filepath.Join(h.manifest.Options.OutputDir, "S1.tar.gz"), res.Archive)
	assert.FileExists(t, res.Archive)

	for _, kind := range []model.StageKind{model.StageQualityCheck, model.StageAdapterTrim, model.StageAlign, model.StageQuantifyMethodA, model.StageQuantifyMethodB} {
		assert.Equal(t, 1, h.inv.Calls("S1", kind), kind)
		testutil.RequireRecord(t, h.store, "S1", kind, model.Succeeded)
	}
	pkg := testutil.RequireRecord(t, h.store, "S1", model.StagePackage, model.Succeeded)
	assert.Equal(t, []model.Output{{Path: res.Archive, Tag: model.TagArchive}}, pkg.Outputs)

	// Package never goes through the tool invoker.
	assert.Zero(t, h.inv.Calls("S1", model.StagePackage))
	assert.Contains(t, h.logs.String(), "Sample finished")
}

func TestAlignFailureCascades(t *testing.T) {
	m := testutil.Manifest(t, func(o *model.Options) {
		o.RetryLimit = 1
		o.AlignQC = true
	}, testutil.PairedSample("S1"))
	h := newHarness(t, m)
	h.inv.Fail("S1", model.StageAlign, testutil.Always)

	res := h.run(h.ctx, "S1", false)
	assert.Equal(t, scheduler.OutcomePartial, res.Outcome)
	assert.Equal(t, []model.StageKind{model.StageAlign}, res.Failed)
	assert.Equal(t, []model.StageKind{model.StageQuantifyMethodA, model.StageQuantifyMethodB, model.StageAlignQC}, res.Skipped)
	assert.Equal(t, model.StageAlign, res.Cause)
	assert.Contains(t, res.Reason, "scripted failure")

	assert.Equal(t, 2, h.inv.Calls("S1", model.StageAlign))
	assert.Zero(t, h.inv.Calls("S1", model.StageQuantifyMethodA))
	failed := testutil.RequireRecord(t, h.store, "S1", model.StageAlign, model.Failed)
	assert.Equal(t, 2, failed.Attempts)
	skipped := testutil.RequireRecord(t, h.store, "S1", model.StageQuantifyMethodA, model.Skipped)
	assert.Contains(t, skipped.Error, "align")

	// The independent quality check still made it into the archive.
	testutil.RequireRecord(t, h.store, "S1", model.StageQualityCheck, model.Succeeded)
	testutil.RequireRecord(t, h.store, "S1", model.StagePackage, model.Succeeded)
}

func TestPackageSkippedWithoutProducers(t *testing.T) {
	m := testutil.Manifest(t, func(o *model.Options) {
		o.RetryLimit = 0
		o.QualityCheck = false
	}, testutil.PairedSample("S1"))
	h := newHarness(t, m)
	h.inv.Fail("", model.StageAdapterTrim, testutil.Always)

	res := h.run(h.ctx, "S1", false)
	assert.Equal(t, scheduler.OutcomeFailed, res.Outcome)
	assert.Equal(t, model.StageAdapterTrim, res.Cause)
	assert.Empty(t, res.Archive)
	assert.Equal(t, model.Skipped, res.Stages[model.StagePackage])
	assert.Equal(t, model.Skipped, res.Stages[model.StageAlign])
	assert.NoFileExists(t, filepath.Join(m.Options.OutputDir, "S1.tar.gz"))
}

func TestRetryThenSucceed(t *testing.T) {
	m := testutil.Manifest(t, func(o *model.Options) {
		o.RetryLimit = 2
		o.RetryDelay = time.Millisecond
	}, testutil.PairedSample("S1"))
	h := newHarness(t, m)
	h.inv.Fail("S1", model.StageAlign, 2)

	res := h.run(h.ctx, "S1", false)
	assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, h.inv.Calls("S1", model.StageAlign))
	rec := testutil.RequireRecord(t, h.store, "S1", model.StageAlign, model.Succeeded)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.Error)

	var states []model.State
	for _, e := range h.events {
		if e.Stage == model.StageAlign {
			states = append(states, e.State)
		}
	}
	assert.Equal(t, []model.State{
		model.Pending, model.Ready,
		model.Running, model.Ready,
		model.Running, model.Ready,
		model.Running, model.Succeeded,
	}, states)
}

func TestCancelThenResume(t *testing.T) {
	m := testutil.Manifest(t, nil, testutil.PairedSample("S1"))
	h := newHarness(t, m)
	started := h.inv.Block(model.StageQuantifyMethodA)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	s, g := h.scheduler(false), h.graph("S1")
	done := make(chan *scheduler.Result, 1)
	go func() {
		res, err := s.Run(ctx, g)
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("quantify-method-a never started")
	}
	cancel()
	res := <-done
	assert.Equal(t, scheduler.OutcomeCancelled, res.Outcome)

	interrupted := testutil.RequireRecord(t, h.store, "S1", model.StageQuantifyMethodA, model.Pending)
	assert.Equal(t, "interrupted", interrupted.Error)
	testutil.RequireRecord(t, h.store, "S1", model.StageAlign, model.Succeeded)
	assert.Zero(t, h.rm.Usage().Slots, "every token is released after cancellation")
	succeeded := testutil.SucceededStages(t, h.store, "S1")

	// Restart over the same records with a fresh invoker.
	h.store = jobstore.New(h.backend)
	h.inv = testutil.NewScriptedInvoker()
	res = h.run(h.ctx, "S1", true)
	assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome)
	for _, kind := range succeeded {
		assert.Zero(t, h.inv.Calls("S1", kind), "succeeded stage %s ran again", kind)
	}
	assert.Equal(t, 1, h.inv.Calls("S1", model.StageQuantifyMethodA))
	rec := testutil.RequireRecord(t, h.store, "S1", model.StageQuantifyMethodA, model.Succeeded)
	assert.Equal(t, 1, rec.Attempts)
}

func TestResumeResetsFailedRecords(t *testing.T) {
	m := testutil.Manifest(t, nil, testutil.PairedSample("S1"))
	h := newHarness(t, m)

	trimDir := filepath.Join(m.Options.WorkDir, "S1", string(model.StageAdapterTrim))
	require.NoError(t, os.MkdirAll(trimDir, 0o755))
	r1 := filepath.Join(trimDir, "R1.fastq")
	require.NoError(t, os.WriteFile(r1, []byte("@r1"), 0o644))
	seed := []*model.JobRecord{
		{SampleID: "S1", Stage: model.StageAdapterTrim, State: model.Succeeded, Attempts: 1, Outputs: []model.Output{{Path: r1}}},
		{SampleID: "S1", Stage: model.StageAlign, State: model.Failed, Attempts: 3, Error: "exit status 1"},
		{SampleID: "S1", Stage: model.StageQuantifyMethodA, State: model.Skipped},
		{SampleID: "S1", Stage: model.StageQualityCheck, State: model.Running, Attempts: 1},
	}
	for _, rec := range seed {
		require.NoError(t, h.store.Put(h.ctx, rec))
	}

	res := h.run(h.ctx, "S1", true)
	assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome)
	assert.Zero(t, h.inv.Calls("S1", model.StageAdapterTrim))
	assert.Equal(t, 1, h.inv.Calls("S1", model.StageAlign))
	assert.Equal(t, 1, h.inv.Calls("S1", model.StageQualityCheck))
	rec := testutil.RequireRecord(t, h.store, "S1", model.StageAlign, model.Succeeded)
	assert.Equal(t, 1, rec.Attempts, "resume starts a fresh attempt counter")
}

func TestResumeOfPackagedSampleDispatchesNothing(t *testing.T) {
	m := testutil.Manifest(t, func(o *model.Options) { o.RetryLimit = 0 }, testutil.PairedSample("S1"))
	h := newHarness(t, m)
	h.inv.Fail("S1", model.StageQuantifyMethodB, testutil.Always)
	first := h.run(h.ctx, "S1", false)
	require.Equal(t, scheduler.OutcomePartial, first.Outcome)

	h.inv = testutil.NewScriptedInvoker()
	again := h.run(h.ctx, "S1", true)
	assert.Equal(t, scheduler.OutcomePartial, again.Outcome)
	assert.Equal(t, first.Archive, again.Archive)
	assert.Equal(t, []model.StageKind{model.StageQuantifyMethodB}, again.Failed)
	assert.Zero(t, h.inv.TotalCalls())
}

func TestOversizedRequirementIsFatal(t *testing.T) {
	m := testutil.Manifest(t, nil, testutil.PairedSample("S1"))
	m.Stages = map[model.StageKind]model.StageSpec{
		model.StageAlign: {Requirement: model.Requirement{Cores: 64, Memory: 1 << 30}, Tool: "align"},
	}
	h := newHarness(t, m)

	_, err := h.scheduler(false).Run(h.ctx, h.graph("S1"))
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.ErrResourceOversized))
	assert.True(t, flowerr.Fatal(err))
	assert.Zero(t, h.inv.Calls("S1", model.StageAlign))
	assert.Zero(t, h.rm.Usage().Slots)
}

func TestStoreFailureIsFatal(t *testing.T) {
	h := newHarness(t, testutil.Manifest(t, nil, testutil.PairedSample("S1")))
	h.backend.FailWith(errors.New("disk full"))

	_, err := h.scheduler(false).Run(h.ctx, h.graph("S1"))
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.ErrStoreUnavailable))
	assert.Zero(t, h.inv.TotalCalls())
}

func TestSamplesShareCapacity(t *testing.T) {
	m := testutil.Manifest(t, func(o *model.Options) { o.MaxJobs = 2 },
		testutil.PairedSample("S1"), testutil.PairedSample("S2"), testutil.TarSample("S3", true))
	h := newHarness(t, m)
	h.inv.Delay = 5 * time.Millisecond
	s := h.scheduler(false)

	var wg sync.WaitGroup
	results := make([]*scheduler.Result, len(m.Samples))
	for i, sample := range m.Samples {
		wg.Add(1)
		go func(i int, g *dag.Graph) {
			defer wg.Done()
			res, err := s.Run(h.ctx, g)
			assert.NoError(t, err)
			results[i] = res
		}(i, h.graph(sample.ID))
	}
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome, res.SampleID)
	}
	assert.LessOrEqual(t, h.inv.MaxConcurrent(), 2)
	assert.Equal(t, 1, h.inv.Calls("S3", model.StageUnpack))
	assert.Zero(t, h.rm.Usage().Cores)
}
