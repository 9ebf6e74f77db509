package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/rnaflow/internal/jobstore"
	"github.com/vk/rnaflow/internal/model"
)

// RequireRecord fetches the stored record of one node and checks its state.
func RequireRecord(t *testing.T, store *jobstore.Store, sampleID string, kind model.StageKind, want model.State) *model.JobRecord {
	t.Helper()
	rec, found, err := store.Get(context.Background(), jobstore.Key{SampleID: sampleID, Stage: kind})
	require.NoError(t, err)
	require.True(t, found, "no record for %s/%s", sampleID, kind)
	require.Equal(t, want, rec.State, "state of %s/%s (error %q)", sampleID, kind, rec.Error)
	return rec
}

// SucceededStages returns the stages of sampleID whose stored record is
// Succeeded.
func SucceededStages(t *testing.T, store *jobstore.Store, sampleID string) []model.StageKind {
	t.Helper()
	records, err := store.ListByPrefix(context.Background(), jobstore.SamplePrefix(sampleID))
	require.NoError(t, err)
	var kinds []model.StageKind
	for _, rec := range records {
		if rec.State == model.Succeeded {
			kinds = append(kinds, rec.Stage)
		}
	}
	return kinds
}
