package jobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/rnaflow/internal/blob/blobtest"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/model"
)

func TestParseKey(t *testing.T) {
	testCases := []struct {
		raw     string
		want    Key
		wantErr bool
	}{
		{raw: "S1/align", want: Key{SampleID: "S1", Stage: model.StageAlign}},
		{raw: "s-2_x/quantify-method-b", want: Key{SampleID: "s-2_x", Stage: model.StageQuantifyMethodB}},
		{raw: "S1", wantErr: true},
		{raw: "S1/align/extra", wantErr: true},
		{raw: "S1/star", wantErr: true},
		{raw: "_run/manifest", wantErr: true},
		{raw: "/align", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseKey(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, flowerr.Is(err, flowerr.ErrInvalidKey))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.raw, got.String())
		})
	}
}

// backendFactory opens a backend at the same location on every call, so
// calling it twice simulates a process restart.
type backendFactory func(t *testing.T) Backend

func backends(t *testing.T) map[string]backendFactory {
	fileDir := filepath.Join(t.TempDir(), "file")
	pebbleDir := filepath.Join(t.TempDir(), "pebble")
	mem := NewMemory()
	fake := blobtest.New()
	return map[string]backendFactory{
		"file": func(t *testing.T) Backend {
			b, err := Open(context.Background(), "file://"+fileDir)
			require.NoError(t, err)
			return b
		},
		"pebble": func(t *testing.T) Backend {
			b, err := Open(context.Background(), "pebble://"+pebbleDir)
			require.NoError(t, err)
			return b
		},
		"memory": func(t *testing.T) Backend { return mem },
		"s3":     func(t *testing.T) Backend { return NewS3(fake.Bucket("store", "run-1")) },
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mock := clock.NewMock()
			mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

			s := New(open(t), WithClock(mock))
			rec := &model.JobRecord{
				SampleID: "S1",
				Stage:    model.StageAlign,
				State:    model.Succeeded,
				Attempts: 2,
				Outputs:  []model.Output{{Path: "/w/S1/align/out.bam", Tag: model.TagAlignment}},
			}
			require.NoError(t, s.Put(ctx, rec))
			require.NoError(t, s.Put(ctx, &model.JobRecord{SampleID: "S1", Stage: model.StagePackage, State: model.Pending}))
			require.NoError(t, s.Put(ctx, &model.JobRecord{SampleID: "S2", Stage: model.StageAlign, State: model.Failed, Error: "boom"}))
			require.NoError(t, s.PutManifest(ctx, &model.RunManifest{RunID: "r-1", Options: model.DefaultOptions()}))
			require.NoError(t, s.Close())

			reopened := New(open(t))
			defer reopened.Close()

			got, found, err := reopened.Get(ctx, Key{SampleID: "S1", Stage: model.StageAlign})
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, model.Succeeded, got.State)
			assert.Equal(t, 2, got.Attempts)
			assert.Equal(t, rec.Outputs, got.Outputs)
			assert.True(t, mock.Now().Equal(got.UpdatedAt))

			_, found, err = reopened.Get(ctx, Key{SampleID: "S1", Stage: model.StageAlignQC})
			require.NoError(t, err)
			assert.False(t, found)

			list, err := reopened.ListByPrefix(ctx, SamplePrefix("S1"))
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, model.StageAlign, list[0].Stage)
			assert.Equal(t, model.StagePackage, list[1].Stage)

			all, err := reopened.ListByPrefix(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3, "the manifest must not be listed as a record")

			m, found, err := reopened.GetManifest(ctx)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "r-1", m.RunID)
			assert.Equal(t, model.DefaultOptions().RetryLimit, m.Options.RetryLimit)
		})
	}
}

func TestStoreOverwriteIsLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory())
	key := Key{SampleID: "S1", Stage: model.StageQualityCheck}

	for _, st := range []model.State{model.Running, model.Ready, model.Running, model.Succeeded} {
		require.NoError(t, s.Put(ctx, &model.JobRecord{SampleID: key.SampleID, Stage: key.Stage, State: st}))
	}
	got, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.Succeeded, got.State)
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	s := New(mem)
	mem.FailWith(errors.New("disk on fire"))

	err := s.Put(ctx, &model.JobRecord{SampleID: "S1", Stage: model.StageAlign, State: model.Running})
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.ErrStoreUnavailable))
	assert.True(t, flowerr.Fatal(err))

	_, _, err = s.Get(ctx, Key{SampleID: "S1", Stage: model.StageAlign})
	assert.True(t, flowerr.Is(err, flowerr.ErrStoreUnavailable))

	_, err = s.ListByPrefix(ctx, "S1/")
	assert.True(t, flowerr.Is(err, flowerr.ErrStoreUnavailable))
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	s := New(NewMemory())
	err := s.Put(context.Background(), &model.JobRecord{SampleID: "bad/id", Stage: model.StageAlign})
	assert.True(t, flowerr.Is(err, flowerr.ErrInvalidKey))
}

func TestFileBackendConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s, err := OpenURI(ctx, "file://"+t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			for _, kind := range model.StageKinds {
				assert.NoError(t, s.Put(ctx, &model.JobRecord{SampleID: "S1", Stage: kind, State: model.Running, Attempts: attempt}))
			}
		}(i)
	}
	wg.Wait()

	list, err := s.ListByPrefix(ctx, "S1/")
	require.NoError(t, err)
	assert.Len(t, list, len(model.StageKinds))
}

// A failed directory sync after the rename leaves the new file in place and
// reports only the sync error.
func TestFileBackendSyncDirFailure(t *testing.T) {
	orig := syncDir
	t.Cleanup(func() { syncDir = orig })
	syncErr := errors.New("sync failed")
	syncDir = func(string) error { return syncErr }

	root := t.TempDir()
	b, err := openFile(root)
	require.NoError(t, err)
	err = b.Put(context.Background(), "S1/align", []byte(`{}`))
	require.ErrorIs(t, err, syncErr)
	assert.False(t, errors.Is(err, fs.ErrNotExist), "unexpected error: %v", err)

	entries, err := os.ReadDir(filepath.Join(root, "S1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "align.json", entries[0].Name())
}

func TestOpenUnsupportedScheme(t *testing.T) {
	_, err := OpenURI(context.Background(), "gs://bucket/x")
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.ErrStoreUnavailable))
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("S2"), upperBound([]byte("S1")))
	assert.Equal(t, []byte("S10"), upperBound([]byte("S1/")))
	assert.Nil(t, upperBound([]byte{0xff, 0xff}))
	assert.Nil(t, upperBound(nil))
}
