package run

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/scheduler"
)

// Exit codes of a finished run.
const (
	ExitOK        = 0
	ExitAllFailed = 1
	ExitCancelled = 130
)

// SampleReport is the terminal status of one sample.
type SampleReport struct {
	ID      string            `json:"id"`
	Outcome scheduler.Outcome `json:"outcome"`
	Archive string            `json:"archive,omitempty"`
	// Failed and Skipped name the categories missing from a partial archive,
	// or the stages that did not run for a failed sample.
	Failed  []model.StageKind `json:"failed,omitempty"`
	Skipped []model.StageKind `json:"skipped,omitempty"`
	Cause   model.StageKind   `json:"cause,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

func sampleReport(res *scheduler.Result) SampleReport {
	return SampleReport{
		ID:      res.SampleID,
		Outcome: res.Outcome,
		Archive: res.Archive,
		Failed:  res.Failed,
		Skipped: res.Skipped,
		Cause:   res.Cause,
		Reason:  res.Reason,
	}
}

// Report is the result of a finished run, one entry per sample in manifest
// order.
type Report struct {
	RunID     string         `json:"run_id"`
	Cancelled bool           `json:"cancelled"`
	Samples   []SampleReport `json:"samples"`
}

// ExitCode is 130 for a cancelled run and 1 when every sample failed. A run
// in which at least one sample produced an archive exits 0.
func (r *Report) ExitCode() int {
	if r.Cancelled {
		return ExitCancelled
	}
	if len(r.Samples) == 0 {
		return ExitOK
	}
	for _, s := range r.Samples {
		if s.Outcome != scheduler.OutcomeFailed {
			return ExitOK
		}
	}
	return ExitAllFailed
}

// Counts returns the number of samples per outcome.
func (r *Report) Counts() map[scheduler.Outcome]int {
	counts := make(map[scheduler.Outcome]int)
	for _, s := range r.Samples {
		counts[s.Outcome]++
	}
	return counts
}

// Write prints a human readable summary.
func (r *Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SAMPLE\tOUTCOME\tDETAIL\n")
	for _, s := range r.Samples {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Outcome, s.detail())
	}
	return tw.Flush()
}

func (s SampleReport) detail() string {
	switch s.Outcome {
	case scheduler.OutcomeSuccess:
		return s.Archive
	case scheduler.OutcomePartial:
		missing := append(append([]model.StageKind(nil), s.Failed...), s.Skipped...)
		names := make([]string, len(missing))
		for i, k := range missing {
			names[i] = string(k)
		}
		return fmt.Sprintf("%s (missing: %s)", s.Archive, strings.Join(names, ", "))
	case scheduler.OutcomeFailed:
		if s.Cause != "" {
			return fmt.Sprintf("%s: %s", s.Cause, firstLine(s.Reason))
		}
		return firstLine(s.Reason)
	}
	return s.Reason
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
