package run

import (
	"context"
	"sync"

	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/jobstore"
	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/scheduler"
)

// Sample-level states reported by Status besides the terminal outcomes.
const (
	StatePending = "pending"
	StateRunning = "running"
)

// SampleStatus is the live view of one sample.
type SampleStatus struct {
	ID string `json:"id"`
	// State is pending, running or one of the terminal outcomes.
	State  string                          `json:"state"`
	Stages map[model.StageKind]model.State `json:"stages"`
}

// Handle controls one started run. All methods are safe for concurrent use.
type Handle struct {
	runID  string
	order  []string
	store  *jobstore.Store
	owned  bool
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  map[string]*SampleStatus
	results map[string]*scheduler.Result
	report  *Report
	err     error
}

func newHandle(m *model.RunManifest, store *jobstore.Store, owned bool) *Handle {
	h := &Handle{
		runID:   m.RunID,
		store:   store,
		owned:   owned,
		cancel:  func() {},
		done:    make(chan struct{}),
		status:  make(map[string]*SampleStatus, len(m.Samples)),
		results: make(map[string]*scheduler.Result, len(m.Samples)),
	}
	for _, s := range m.Samples {
		h.order = append(h.order, s.ID)
		h.status[s.ID] = &SampleStatus{ID: s.ID, State: StatePending, Stages: make(map[model.StageKind]model.State)}
	}
	return h
}

// RunID returns the id of the run.
func (h *Handle) RunID() string {
	return h.runID
}

// observe is the scheduler's Observer.
func (h *Handle) observe(e scheduler.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.status[e.SampleID]
	if !ok {
		return
	}
	st.Stages[e.Stage] = e.State
	if e.State == model.Running && st.State == StatePending {
		st.State = StateRunning
	}
}

func (h *Handle) finish(res *scheduler.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[res.SampleID] = res
	if st, ok := h.status[res.SampleID]; ok {
		st.State = string(res.Outcome)
		for kind, state := range res.Stages {
			st.Stages[kind] = state
		}
	}
}

// close builds the report once every sample loop has returned.
func (h *Handle) close(ctx context.Context, fatal error, cancelled bool) {
	h.mu.Lock()
	report := &Report{RunID: h.runID, Cancelled: cancelled}
	for _, id := range h.order {
		res, ok := h.results[id]
		if !ok {
			// The sample's loop stopped on the run's fatal error.
			res = &scheduler.Result{SampleID: id, Outcome: scheduler.OutcomeCancelled, Reason: "run stopped"}
			if fatal != nil {
				res.Reason = fatal.Error()
			}
			h.status[id].State = string(res.Outcome)
		}
		report.Samples = append(report.Samples, sampleReport(res))
	}
	h.report, h.err = report, fatal
	h.mu.Unlock()

	if h.owned {
		if err := h.store.Close(); err != nil {
			ctxlog.FromContext(ctx).Warn("Closing job store failed.", "error", err)
		}
	}
	ctxlog.FromContext(ctx).Info("🏁 Run finished", "counts", report.Counts(), "cancelled", cancelled)
	close(h.done)
}

// Status returns a snapshot of every sample, in manifest order.
func (h *Handle) Status() []SampleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SampleStatus, 0, len(h.order))
	for _, id := range h.order {
		st := h.status[id]
		stages := make(map[model.StageKind]model.State, len(st.Stages))
		for k, v := range st.Stages {
			stages[k] = v
		}
		out = append(out, SampleStatus{ID: st.ID, State: st.State, Stages: stages})
	}
	return out
}

// Cancel stops dispatching and interrupts running stages. Wait returns once
// they have all stopped.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes. The error is the fatal error that
// stopped the run, if any; the report is complete either way.
func (h *Handle) Wait() (*Report, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report, h.err
}
