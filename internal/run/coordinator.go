// Package run wires the job store, resource manager, scheduler and packager
// into one run over every sample of a manifest.
package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vk/rnaflow/internal/blob"
	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/dag"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/invoker"
	"github.com/vk/rnaflow/internal/jobstore"
	"github.com/vk/rnaflow/internal/metrics"
	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/packager"
	"github.com/vk/rnaflow/internal/resource"
	"github.com/vk/rnaflow/internal/scheduler"
)

// stagingDir holds archives on their way to a remote output dir. Sample ids
// cannot start with an underscore, so it never collides with a sample.
const stagingDir = "_staging"

// Coordinator starts and resumes runs. The zero value is not usable; use
// NewCoordinator.
type Coordinator struct {
	invoker invoker.Invoker
	store   *jobstore.Store
	metrics *metrics.Metrics
	bucket  *blob.Bucket
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInvoker replaces the default local process invoker.
func WithInvoker(inv invoker.Invoker) Option {
	return func(c *Coordinator) { c.invoker = inv }
}

// WithStore makes runs use store instead of opening the manifest's job store
// location. The caller keeps ownership and must close it.
func WithStore(store *jobstore.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithMetrics makes runs report into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithOutputBucket overrides the S3 client used for s3:// output dirs.
func WithOutputBucket(b *blob.Bucket) Option {
	return func(c *Coordinator) { c.bucket = b }
}

// NewCoordinator returns a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	return c
}

// Metrics returns the collectors runs report into.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

// StartRun persists the manifest and starts one scheduler loop per sample.
// It fails before anything is dispatched when the job store cannot be used,
// when any stage requirement can never fit the capacity, or when sample ids
// collide. Invalid samples do not fail the run; they are reported as failed.
func (c *Coordinator) StartRun(ctx context.Context, m *model.RunManifest) (*Handle, error) {
	if m.RunID == "" {
		m.RunID = uuid.NewString()
	}
	store, owned := c.store, false
	if store == nil {
		var err error
		if store, err = jobstore.OpenURI(ctx, m.Options.JobStoreLocation); err != nil {
			return nil, err
		}
		owned = true
	}
	h, err := c.start(ctx, m, store, owned)
	if err != nil && owned {
		err = multierr.Append(err, store.Close())
	}
	return h, err
}

// ResumeRun reloads the manifest stored at location and continues the run:
// stages recorded as Succeeded are not run again.
func (c *Coordinator) ResumeRun(ctx context.Context, location string) (*Handle, error) {
	store, owned := c.store, false
	if store == nil {
		var err error
		if store, err = jobstore.OpenURI(ctx, location); err != nil {
			return nil, err
		}
		owned = true
	}
	m, found, err := store.GetManifest(ctx)
	if err == nil && !found {
		err = flowerr.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("no run manifest in job store %s", location))
	}
	if err != nil {
		if owned {
			err = multierr.Append(err, store.Close())
		}
		return nil, err
	}
	m.Options.Resume = true
	m.Options.JobStoreLocation = location

	h, err := c.start(ctx, m, store, owned)
	if err != nil && owned {
		err = multierr.Append(err, store.Close())
	}
	return h, err
}

func (c *Coordinator) start(ctx context.Context, m *model.RunManifest, store *jobstore.Store, owned bool) (*Handle, error) {
	logger := ctxlog.FromContext(ctx).With("run", m.RunID)
	ctx = ctxlog.WithLogger(ctx, logger)
	opts := m.Options

	seen := make(map[string]bool, len(m.Samples))
	for _, s := range m.Samples {
		if seen[s.ID] {
			return nil, flowerr.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("duplicate sample id %q", s.ID))
		}
		seen[s.ID] = true
	}

	if err := store.PutManifest(ctx, m); err != nil {
		return nil, err
	}

	inv := c.invoker
	if inv == nil {
		inv = invoker.NewExec(m.Tools)
	}
	pkg, err := packager.New(packager.Options{
		OutputDir:  opts.OutputDir,
		Format:     opts.ArchiveFormat,
		Policy:     opts.DisabledCategoryPolicy,
		StagingDir: filepath.Join(opts.WorkDir, stagingDir),
		Bucket:     c.bucket,
	})
	if err != nil {
		return nil, flowerr.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("output dir " + opts.OutputDir)
	}

	h := newHandle(m, store, owned)
	graphs := make([]*dag.Graph, 0, len(m.Samples))
	for i := range m.Samples {
		g, err := dag.Build(ctx, &m.Samples[i], m)
		if err != nil {
			logger.Error("❌ Sample rejected", "sample", m.Samples[i].ID, "error", err)
			c.metrics.SampleFinished(string(scheduler.OutcomeFailed))
			h.finish(&scheduler.Result{SampleID: m.Samples[i].ID, Outcome: scheduler.OutcomeFailed, Reason: err.Error()})
			continue
		}
		graphs = append(graphs, g)
	}

	rm := resource.NewManager(opts.Capacity(), c.metrics)
	for _, g := range graphs {
		for _, n := range g.Nodes() {
			if err := rm.Fits(n.Kind, n.Requirement); err != nil {
				return nil, err
			}
		}
	}

	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Resources:  rm,
		Invoker:    inv,
		Packager:   pkg,
		Metrics:    c.metrics,
		Observer:   h.observe,
		WorkDir:    opts.WorkDir,
		RetryLimit: opts.RetryLimit,
		RetryDelay: opts.RetryDelay,
		Resume:     opts.Resume,
	})

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	for _, g := range graphs {
		g := g
		eg.Go(func() error {
			res, err := sched.Run(egCtx, g)
			if err != nil {
				return fmt.Errorf("sample %s: %w", g.SampleID, err)
			}
			h.finish(res)
			if res.Outcome == scheduler.OutcomeSuccess && !opts.KeepWorkDir {
				if err := os.RemoveAll(filepath.Join(opts.WorkDir, g.SampleID)); err != nil {
					logger.Warn("Could not remove sample work dir.", "sample", g.SampleID, "error", err)
				}
			}
			return nil
		})
	}

	logger.Info("🚀 Run started", "samples", len(m.Samples), "runnable", len(graphs), "capacity", opts.Capacity(), "resume", opts.Resume)
	go func() {
		err := eg.Wait()
		h.close(ctx, err, runCtx.Err() != nil && err == nil)
		cancel()
	}()
	return h, nil
}
