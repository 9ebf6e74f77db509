package scheduler

import (
	"context"
	"time"

	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/packager"
)

// Packager builds a sample's archive. *packager.Packager implements it.
type Packager interface {
	Package(ctx context.Context, in packager.Input) (string, error)
}

// Event is one node state transition, reported to the Observer.
type Event struct {
	SampleID string
	Stage    model.StageKind
	State    model.State
	// Attempt is the attempt the transition belongs to, 0 before the first.
	Attempt int
	Err     string
	At      time.Time
}

// Observer receives every transition of every node, from the sample's loop
// goroutine. It must not block, and it is shared by all samples of a run.
type Observer func(Event)

// Outcome is a sample's terminal status.
type Outcome string

const (
	// OutcomeSuccess means the archive was built and every stage succeeded.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial means the archive was built without some categories.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means no archive was built.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the run stopped before the sample finished.
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what Run reports for one sample.
type Result struct {
	SampleID string
	Outcome  Outcome
	// Archive is the package stage's output location, when it succeeded.
	Archive string
	// Failed and Skipped list the stages that ended that way, in canonical
	// order.
	Failed  []model.StageKind
	Skipped []model.StageKind
	// Cause is the first failed stage of a failed sample, empty when the
	// sample failed before dispatch.
	Cause  model.StageKind
	Reason string
	// Stages is the final state of every node.
	Stages map[model.StageKind]model.State
}
