package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/dag"
	"github.com/vk/rnaflow/internal/invoker"
	"github.com/vk/rnaflow/internal/jobstore"
	"github.com/vk/rnaflow/internal/metrics"
	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/packager"
	"github.com/vk/rnaflow/internal/resource"
)

// reasonInterrupted is recorded on nodes whose attempt was cut short by
// cancellation.
const reasonInterrupted = "interrupted"

// Config wires a Scheduler to the collaborators shared by all samples.
type Config struct {
	Store     *jobstore.Store
	Resources *resource.Manager
	Invoker   invoker.Invoker
	Packager  Packager
	// Metrics and Observer may be nil.
	Metrics  *metrics.Metrics
	Observer Observer
	// WorkDir holds per-attempt output directories:
	// <WorkDir>/<sample>/<stage>.
	WorkDir string
	// RetryLimit is how many times a failed tool attempt is retried.
	RetryLimit int
	// RetryDelay is the first backoff delay. Later delays double.
	RetryDelay time.Duration
	// Resume makes stored Succeeded records short-circuit their nodes.
	Resume bool
}

// Scheduler runs sample graphs. One Scheduler serves every sample of a run;
// each Run call is independent.
type Scheduler struct {
	cfg Config
}

// New returns a scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// Run drives g until every node is terminal or ctx is cancelled. The error
// is non-nil only for failures that must stop the whole run: the job store
// became unavailable or a requirement can never be admitted. In that case
// every in-flight call has returned before Run does.
func (s *Scheduler) Run(ctx context.Context, g *dag.Graph) (*Result, error) {
	return newSampleRun(ctx, s.cfg, g).run(ctx)
}

// nodeState is the loop-owned runtime state of one node.
type nodeState struct {
	node     *dag.Node
	state    model.State
	attempts int
	outputs  []model.Output
	err      string
	token    resource.Token
	backoff  *backoff.ExponentialBackOff
	// holdoff is set while a Ready node waits out its retry delay.
	holdoff bool
	timer   *time.Timer
}

// job is everything a dispatched attempt needs. It is built by the loop so
// the attempt goroutine never touches nodeState.
type job struct {
	kind    model.StageKind
	attempt int
	req     invoker.Request
	pkg     *packager.Input
}

type completion struct {
	kind    model.StageKind
	outputs []model.Output
	wall    time.Duration
	err     error
}

type sampleRun struct {
	Config
	g      *dag.Graph
	logger *slog.Logger
	// persist is used for store writes so that the interruption of a node
	// can still be recorded after ctx is cancelled.
	persist context.Context

	nodes    map[model.StageKind]*nodeState
	order    []*nodeState
	inflight int
	done     chan completion
	retries  chan model.StageKind
}

func newSampleRun(ctx context.Context, cfg Config, g *dag.Graph) *sampleRun {
	logger := ctxlog.FromContext(ctx).With("sample", g.SampleID)
	r := &sampleRun{
		Config:  cfg,
		g:       g,
		logger:  logger,
		persist: context.WithoutCancel(ctxlog.WithLogger(ctx, logger)),
		nodes:   make(map[model.StageKind]*nodeState, g.Len()),
		done:    make(chan completion, g.Len()),
		retries: make(chan model.StageKind, g.Len()),
	}
	for _, n := range g.Nodes() {
		ns := &nodeState{node: n, state: model.Pending}
		r.nodes[n.Kind] = ns
		r.order = append(r.order, ns)
	}
	return r
}

func (r *sampleRun) run(ctx context.Context) (*Result, error) {
	r.logger.Info("▶️ Starting sample", "stages", r.g.Len(), "resume", r.Resume)
	callCtx, cancelCalls := context.WithCancel(ctx)
	defer cancelCalls()
	defer r.stopTimers()

	if err := r.restore(); err != nil {
		return nil, err
	}

	var fatal error
	fail := func(err error) {
		if fatal == nil {
			fatal = err
			r.logger.Error("Stopping sample on fatal error.", "error", err, "running", r.inflight)
			cancelCalls()
			r.stopTimers()
		}
	}
	stop := ctx.Done()
	for {
		var changed <-chan struct{}
		if fatal == nil && ctx.Err() == nil {
			if err := r.advance(); err != nil {
				fail(err)
			} else {
				// Fetched before dispatch so that a release racing with
				// TryAcquire still wakes the loop.
				changed = r.Resources.Changed()
				blocked, err := r.dispatch(callCtx)
				if err != nil {
					fail(err)
				}
				if !blocked {
					changed = nil
				}
			}
		}

		if r.inflight == 0 {
			switch {
			case fatal != nil:
				return nil, fatal
			case ctx.Err() != nil:
				return r.result(true), nil
			case !r.pendingWork():
				return r.result(false), nil
			case changed == nil && !r.holding():
				return nil, fmt.Errorf("sample %s stalled with no runnable stage", r.g.SampleID)
			}
		}

		select {
		case c := <-r.done:
			r.inflight--
			if err := r.complete(callCtx, c); err != nil {
				fail(err)
			}
		case <-changed:
		case kind := <-r.retries:
			r.nodes[kind].holdoff = false
		case <-stop:
			stop = nil
			r.logger.Warn("Sample cancelled, waiting for running stages.", "running", r.inflight)
			r.stopTimers()
		}
	}
}

// restore sets the initial node states. A sample whose package stage is
// already stored as Succeeded is finished: its records are taken as they are
// and nothing is dispatched.
func (r *sampleRun) restore() error {
	if !r.Resume {
		for _, ns := range r.order {
			if err := r.transition(ns, model.Pending, ""); err != nil {
				return err
			}
		}
		return nil
	}

	stored := make(map[model.StageKind]*model.JobRecord, len(r.order))
	for _, ns := range r.order {
		rec, found, err := r.Store.Get(r.persist, jobstore.Key{SampleID: r.g.SampleID, Stage: ns.node.Kind})
		if err != nil {
			return err
		}
		if found {
			stored[ns.node.Kind] = rec
		}
	}
	pkg, packaged := stored[model.StagePackage]
	packaged = packaged && pkg.State == model.Succeeded

	for _, ns := range r.order {
		rec, found := stored[ns.node.Kind]
		switch {
		case found && rec.State == model.Succeeded:
			ns.state, ns.outputs, ns.attempts = model.Succeeded, rec.Outputs, rec.Attempts
			r.logger.Debug("Restored succeeded stage.", "stage", ns.node.Kind)
			r.notify(ns, rec.UpdatedAt)
		case packaged && found && rec.State.Terminal():
			ns.state, ns.err, ns.attempts = rec.State, rec.Error, rec.Attempts
			r.notify(ns, rec.UpdatedAt)
		case packaged:
			ns.state, ns.err = model.Skipped, "no record"
			r.notify(ns, time.Now())
		default:
			if err := r.transition(ns, model.Pending, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// advance moves Pending nodes forward. Nodes are visited in topological
// order, so one pass sees every consequence of the previous completion.
func (r *sampleRun) advance() error {
	for _, ns := range r.order {
		if ns.state != model.Pending {
			continue
		}
		ready, skip := r.readiness(ns)
		switch {
		case skip != "":
			if err := r.transition(ns, model.Skipped, skip); err != nil {
				return err
			}
			if err := r.cascade(ns.node.Kind); err != nil {
				return err
			}
		case ready:
			if err := r.transition(ns, model.Ready, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// readiness requires every hard dependency to have succeeded and every
// optional one to be terminal. A node with optional dependencies is skipped
// when none of them succeeded.
func (r *sampleRun) readiness(ns *nodeState) (ready bool, skip string) {
	optional, produced := 0, 0
	for _, d := range r.g.Dependencies(ns.node.Kind) {
		st := r.nodes[d.Kind].state
		if !d.Optional {
			if st != model.Succeeded {
				return false, ""
			}
			continue
		}
		if !st.Terminal() {
			return false, ""
		}
		optional++
		if st == model.Succeeded {
			produced++
		}
	}
	if optional > 0 && produced == 0 {
		return false, "no upstream stage produced outputs"
	}
	return true, ""
}

// dispatch offers every eligible Ready node to the resource manager. blocked
// reports that at least one node was refused for lack of free capacity.
func (r *sampleRun) dispatch(ctx context.Context) (blocked bool, err error) {
	for _, ns := range r.order {
		if ns.state != model.Ready || ns.holdoff {
			continue
		}
		kind := ns.node.Kind
		token, ok, err := r.Resources.TryAcquire(kind, ns.node.Requirement)
		if err != nil {
			return blocked, err
		}
		if !ok {
			blocked = true
			continue
		}
		ns.token = token
		ns.attempts++
		if err := r.transition(ns, model.Running, ""); err != nil {
			r.Resources.Release(token)
			ns.token = resource.Token{}
			return blocked, err
		}

		j := r.job(ns)
		r.Metrics.StageStarted(string(kind))
		r.logger.Info("▶️ Starting stage", "stage", kind, "attempt", ns.attempts, "resources", ns.node.Requirement)
		r.inflight++
		callCtx := ctxlog.WithLogger(ctx, r.logger.With("stage", kind, "attempt", j.attempt))
		go func() {
			r.done <- r.execute(callCtx, j)
		}()
	}
	return blocked, nil
}

func (r *sampleRun) job(ns *nodeState) job {
	n := ns.node
	j := job{kind: n.Kind, attempt: ns.attempts}
	if n.Kind == model.StagePackage {
		in := packager.Input{
			SampleID: r.g.SampleID,
			Toggles:  r.g.Toggles,
			Outputs:  make(map[model.StageKind][]model.Output),
		}
		for _, d := range r.g.Dependencies(n.Kind) {
			if dep := r.nodes[d.Kind]; dep.state == model.Succeeded {
				in.Outputs[d.Kind] = append([]model.Output(nil), dep.outputs...)
			}
		}
		j.pkg = &in
		return j
	}

	inputs := append([]string(nil), n.Inputs...)
	if len(inputs) == 0 {
		for _, d := range r.g.Dependencies(n.Kind) {
			if d.Optional {
				continue
			}
			for _, o := range r.nodes[d.Kind].outputs {
				if o.Tag != model.TagLog {
					inputs = append(inputs, o.Path)
				}
			}
		}
	}
	j.req = invoker.Request{
		Tool:      n.Tool,
		Stage:     n.Kind,
		SampleID:  r.g.SampleID,
		Attempt:   ns.attempts,
		Inputs:    inputs,
		OutputDir: filepath.Join(r.WorkDir, r.g.SampleID, string(n.Kind)),
		Limits:    n.Requirement,
		Params:    n.Params,
	}
	return j
}

// execute runs on its own goroutine.
func (r *sampleRun) execute(ctx context.Context, j job) completion {
	c := completion{kind: j.kind}
	start := time.Now()

	if j.pkg != nil {
		loc, err := r.Packager.Package(ctx, *j.pkg)
		if err != nil {
			c.err = err
			return c
		}
		c.outputs = []model.Output{{Path: loc, Tag: model.TagArchive}}
		c.wall = time.Since(start)
		return c
	}

	// Every attempt starts from an empty directory.
	if err := os.RemoveAll(j.req.OutputDir); err != nil {
		c.err = err
		return c
	}
	if err := os.MkdirAll(j.req.OutputDir, 0o755); err != nil {
		c.err = err
		return c
	}
	res, err := r.Invoker.Invoke(ctx, j.req)
	c.outputs, c.err = res.Outputs, err
	c.wall = time.Since(start)
	return c
}

func (r *sampleRun) complete(ctx context.Context, c completion) error {
	ns := r.nodes[c.kind]
	r.Resources.Release(ns.token)
	ns.token = resource.Token{}
	logger := r.logger.With("stage", c.kind, "attempt", ns.attempts)

	switch {
	case c.err == nil:
		r.Metrics.StageFinished(string(c.kind), string(model.Succeeded), c.wall)
		logger.Info("✅ Stage succeeded", "outputs", len(c.outputs), "wall", c.wall)
		ns.outputs = c.outputs
		return r.transition(ns, model.Succeeded, "")

	case ctx.Err() != nil:
		r.Metrics.StageFinished(string(c.kind), reasonInterrupted, c.wall)
		logger.Warn("Stage interrupted.")
		return r.transition(ns, model.Pending, reasonInterrupted)

	case c.kind == model.StagePackage || ns.attempts > r.RetryLimit:
		r.Metrics.StageFinished(string(c.kind), string(model.Failed), c.wall)
		msg := describe(c.err)
		logger.Error("❌ Stage failed", "error", msg)
		if err := r.transition(ns, model.Failed, msg); err != nil {
			return err
		}
		return r.cascade(c.kind)

	default:
		r.Metrics.StageFinished(string(c.kind), "retry", c.wall)
		if ns.backoff == nil {
			ns.backoff = newBackOff(r.RetryDelay)
		}
		delay := ns.backoff.NextBackOff()
		msg := describe(c.err)
		logger.Warn("Stage attempt failed, retrying.", "error", msg, "backoff", delay, "retries_left", r.RetryLimit-ns.attempts+1)
		if err := r.transition(ns, model.Ready, msg); err != nil {
			return err
		}
		if delay > 0 {
			ns.holdoff = true
			kind := c.kind
			ns.timer = time.AfterFunc(delay, func() { r.retries <- kind })
		}
		return nil
	}
}

// cascade skips every node that can no longer run because kind will never
// succeed.
func (r *sampleRun) cascade(kind model.StageKind) error {
	for _, d := range r.g.HardDescendants(kind) {
		ns := r.nodes[d]
		if ns.state.Terminal() {
			continue
		}
		r.logger.Warn("Skipping stage due to upstream failure.", "stage", d, "upstream", kind)
		if err := r.transition(ns, model.Skipped, fmt.Sprintf("upstream stage %s did not succeed", kind)); err != nil {
			return err
		}
	}
	return nil
}

// transition records the new state durably before anything observes it.
func (r *sampleRun) transition(ns *nodeState, state model.State, reason string) error {
	ns.state, ns.err = state, reason
	rec := &model.JobRecord{
		SampleID: r.g.SampleID,
		Stage:    ns.node.Kind,
		State:    state,
		Attempts: ns.attempts,
		Error:    reason,
	}
	if state == model.Succeeded {
		rec.Outputs = ns.outputs
	}
	if err := r.Store.Put(r.persist, rec); err != nil {
		return err
	}
	r.notify(ns, rec.UpdatedAt)
	return nil
}

func (r *sampleRun) notify(ns *nodeState, at time.Time) {
	if r.Observer == nil {
		return
	}
	r.Observer(Event{
		SampleID: r.g.SampleID,
		Stage:    ns.node.Kind,
		State:    ns.state,
		Attempt:  ns.attempts,
		Err:      ns.err,
		At:       at,
	})
}

func (r *sampleRun) pendingWork() bool {
	for _, ns := range r.order {
		if !ns.state.Terminal() {
			return true
		}
	}
	return false
}

func (r *sampleRun) holding() bool {
	for _, ns := range r.order {
		if ns.holdoff {
			return true
		}
	}
	return false
}

func (r *sampleRun) stopTimers() {
	for _, ns := range r.order {
		if ns.timer != nil {
			ns.timer.Stop()
			ns.timer = nil
		}
	}
}

func (r *sampleRun) result(cancelled bool) *Result {
	res := &Result{SampleID: r.g.SampleID, Stages: make(map[model.StageKind]model.State, len(r.order))}
	for _, ns := range r.order {
		res.Stages[ns.node.Kind] = ns.state
		switch ns.state {
		case model.Failed:
			res.Failed = append(res.Failed, ns.node.Kind)
			if res.Cause == "" {
				res.Cause, res.Reason = ns.node.Kind, ns.err
			}
		case model.Skipped:
			res.Skipped = append(res.Skipped, ns.node.Kind)
		}
	}

	pkg := r.nodes[model.StagePackage]
	switch {
	case pkg.state == model.Succeeded:
		if len(pkg.outputs) > 0 {
			res.Archive = pkg.outputs[0].Path
		}
		res.Outcome = OutcomeSuccess
		if len(res.Failed) > 0 || len(res.Skipped) > 0 {
			res.Outcome = OutcomePartial
		}
	case cancelled && r.pendingWork():
		res.Outcome = OutcomeCancelled
		res.Reason = "run cancelled"
	default:
		res.Outcome = OutcomeFailed
		if res.Reason == "" {
			res.Reason = pkg.err
		}
	}
	r.Metrics.SampleFinished(string(res.Outcome))
	r.logger.Info("🏁 Sample finished", "outcome", res.Outcome, "failed", res.Failed, "skipped", res.Skipped)
	return res
}

func newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// describe renders an attempt error for a job record, including the tool's
// diagnostic output when there is some.
func describe(err error) string {
	var te *invoker.ToolError
	if errors.As(err, &te) && te.Diagnostic != "" {
		return err.Error() + ": " + te.Diagnostic
	}
	return err.Error()
}
