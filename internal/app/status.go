package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"github.com/vk/rnaflow/internal/jobstore"
	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/run"
)

// Status prints the state of the run recorded in the configured job store,
// as a table or, with asJSON, in the /status format.
func (a *App) Status(ctx context.Context, asJSON bool) (err error) {
	if a.config.JobStore == "" {
		return fmt.Errorf("no job store given")
	}
	store, err := jobstore.OpenURI(ctx, a.config.JobStore)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	runID, samples, err := run.StoredStatus(ctx, store)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(a.outW)
		enc.SetIndent("", "  ")
		return enc.Encode(statusDoc{RunID: runID, Samples: samples})
	}

	fmt.Fprintf(a.outW, "run %s\n", runID)
	tw := tabwriter.NewWriter(a.outW, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SAMPLE\tSTATE\tSTAGES\n")
	for _, s := range samples {
		var stages []string
		for _, kind := range model.StageKinds {
			if st, ok := s.Stages[kind]; ok {
				stages = append(stages, fmt.Sprintf("%s=%s", kind, st))
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.State, strings.Join(stages, " "))
	}
	return tw.Flush()
}
