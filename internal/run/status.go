package run

import (
	"context"

	"github.com/vk/rnaflow/internal/dag"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/jobstore"
	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/scheduler"
)

// StoredStatus rebuilds the status of a run from its job store alone, for
// runs that are not (or no longer) driven by this process.
func StoredStatus(ctx context.Context, store *jobstore.Store) (string, []SampleStatus, error) {
	m, found, err := store.GetManifest(ctx)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, flowerr.ErrInvalidConfig.GenWithStackByArgs("job store holds no run manifest")
	}

	out := make([]SampleStatus, 0, len(m.Samples))
	for i := range m.Samples {
		s := &m.Samples[i]
		records, err := store.ListByPrefix(ctx, jobstore.SamplePrefix(s.ID))
		if err != nil {
			return "", nil, err
		}
		st := SampleStatus{ID: s.ID, Stages: make(map[model.StageKind]model.State, len(records))}
		for _, rec := range records {
			st.Stages[rec.Stage] = rec.State
		}
		if len(records) == 0 {
			// Samples the run rejected never get records. Valid ones may
			// simply not have been reached yet.
			st.State = StatePending
			if _, err := dag.Build(ctx, s, m); err != nil {
				st.State = string(scheduler.OutcomeFailed)
			}
		} else {
			st.State = deriveState(st.Stages)
		}
		out = append(out, st)
	}
	return m.RunID, out, nil
}

// deriveState maps the stored stage states of a sample onto a sample state.
func deriveState(stages map[model.StageKind]model.State) string {
	switch stages[model.StagePackage] {
	case model.Succeeded:
		for _, st := range stages {
			if st == model.Failed || st == model.Skipped {
				return string(scheduler.OutcomePartial)
			}
		}
		return string(scheduler.OutcomeSuccess)
	case model.Failed, model.Skipped:
		return string(scheduler.OutcomeFailed)
	}
	for _, st := range stages {
		if st == model.Running || st == model.Succeeded || st == model.Failed {
			return StateRunning
		}
	}
	return StatePending
}
