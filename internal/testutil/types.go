package testutil

import (
	"time"

	"github.com/vk/rnaflow/internal/model"
)

// ExecutionRecord holds the start and end times of one scripted invocation.
type ExecutionRecord struct {
	SampleID string
	Stage    model.StageKind
	Attempt  int
	Start    time.Time
	End      time.Time
}

// Overlaps reports whether the two invocations ran at the same time.
func (r ExecutionRecord) Overlaps(o ExecutionRecord) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}
