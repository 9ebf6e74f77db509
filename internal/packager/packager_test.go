package packager

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/rnaflow/internal/blob/blobtest"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/model"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// stageOutputs lays out a plausible work dir under root and returns the
// outputs keyed by producer.
func stageOutputs(t *testing.T, root string) map[model.StageKind][]model.Output {
	t.Helper()
	qc := writeFile(t, filepath.Join(root, "quality-check", "R1_fastqc.html"), "qc report")
	align := filepath.Join(root, "align")
	bam := writeFile(t, filepath.Join(align, "rna.Aligned.bam"), "bam bytes")
	bg := writeFile(t, filepath.Join(align, "Signal.bg"), "wiggle")
	logFinal := writeFile(t, filepath.Join(align, "Log.final.out"), "mapped 99%")
	quant := filepath.Join(root, "quantify-method-a", "rsem")
	writeFile(t, filepath.Join(quant, "genes.results"), "gene\t1")
	writeFile(t, filepath.Join(quant, "hugo", "genes.hugo.results"), "TP53\t1")

	return map[model.StageKind][]model.Output{
		model.StageQualityCheck: {{Path: qc}},
		model.StageAlign: {
			{Path: bam, Tag: model.TagAlignment},
			{Path: bg, Tag: model.TagWiggle},
			{Path: logFinal, Tag: model.TagLog},
		},
		model.StageQuantifyMethodA: {{Path: quant}},
	}
}

func listEntries(t *testing.T, data []byte, format model.ArchiveFormat) []string {
	t.Helper()
	var r io.Reader
	switch format {
	case model.ArchiveTarZst:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer zr.Close()
		r = zr
	default:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		r = gz
	}
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
}

func defaultToggles() model.Toggles {
	return model.DefaultOptions().Toggles
}

func TestPackageLayout(t *testing.T) {
	toggles := defaultToggles()
	toggles.SaveWiggle = true

	p, err := New(Options{OutputDir: t.TempDir(), Format: model.ArchiveTarGz})
	require.NoError(t, err)
	loc, err := p.Package(context.Background(), Input{
		SampleID: "S1",
		Toggles:  toggles,
		Outputs:  stageOutputs(t, t.TempDir()),
	})
	require.NoError(t, err)
	assert.Equal(t, "S1.tar.gz", filepath.Base(loc))

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"S1/",
		"S1/qc/",
		"S1/qc/align/",
		"S1/qc/align/Log.final.out",
		"S1/qc/quality-check/",
		"S1/qc/quality-check/R1_fastqc.html",
		"S1/quantification/",
		"S1/quantification/method-a/",
		"S1/quantification/method-a/rsem/",
		"S1/quantification/method-a/rsem/genes.results",
		"S1/quantification/method-a/rsem/hugo/",
		"S1/quantification/method-a/rsem/hugo/genes.hugo.results",
		"S1/wiggle/",
		"S1/wiggle/Signal.bg",
	}, listEntries(t, data, model.ArchiveTarGz))
}

func TestPackageIsByteIdentical(t *testing.T) {
	build := func(format model.ArchiveFormat, touch time.Time) []byte {
		work := t.TempDir()
		outputs := stageOutputs(t, work)
		require.NoError(t, filepath.Walk(work, func(p string, _ os.FileInfo, err error) error {
			require.NoError(t, err)
			return os.Chtimes(p, touch, touch)
		}))
		p, err := New(Options{OutputDir: t.TempDir(), Format: format})
		require.NoError(t, err)
		loc, err := p.Package(context.Background(), Input{SampleID: "S1", Toggles: defaultToggles(), Outputs: outputs})
		require.NoError(t, err)
		data, err := os.ReadFile(loc)
		require.NoError(t, err)
		return data
	}

	for _, format := range []model.ArchiveFormat{model.ArchiveTarGz, model.ArchiveTarZst} {
		t.Run(string(format), func(t *testing.T) {
			first := build(format, time.Unix(1_600_000_000, 0))
			second := build(format, time.Unix(1_700_000_000, 0))
			assert.Equal(t, first, second)
			assert.NotEmpty(t, listEntries(t, first, format))
		})
	}
}

func TestPackageDisabledCategoryPolicy(t *testing.T) {
	toggles := defaultToggles()
	toggles.QualityCheck = false
	toggles.QuantifyMethodB = false
	// Enabled, but produced nothing.
	toggles.AlignQC = true

	testCases := []struct {
		policy model.CategoryPolicy
		want   bool
	}{
		{policy: model.PolicyOmit, want: false},
		{policy: model.PolicyEmpty, want: true},
	}
	for _, tc := range testCases {
		t.Run(string(tc.policy), func(t *testing.T) {
			p, err := New(Options{OutputDir: t.TempDir(), Format: model.ArchiveTarGz, Policy: tc.policy})
			require.NoError(t, err)
			outputs := stageOutputs(t, t.TempDir())
			delete(outputs, model.StageQualityCheck)
			loc, err := p.Package(context.Background(), Input{SampleID: "S1", Toggles: toggles, Outputs: outputs})
			require.NoError(t, err)

			data, err := os.ReadFile(loc)
			require.NoError(t, err)
			names := listEntries(t, data, model.ArchiveTarGz)
			if tc.want {
				assert.Contains(t, names, "S1/qc/quality-check/")
				assert.Contains(t, names, "S1/quantification/method-b/")
			} else {
				assert.NotContains(t, names, "S1/qc/quality-check/")
				assert.NotContains(t, names, "S1/quantification/method-b/")
			}
			// Skipped or failed producers are never padded.
			assert.NotContains(t, names, "S1/qc/align-qc/")
		})
	}
}

func TestPackageSavesAlignmentOnRequest(t *testing.T) {
	toggles := defaultToggles()
	toggles.SaveIntermediateAlignment = true

	p, err := New(Options{OutputDir: t.TempDir(), Format: model.ArchiveTarZst})
	require.NoError(t, err)
	loc, err := p.Package(context.Background(), Input{SampleID: "S1", Toggles: toggles, Outputs: stageOutputs(t, t.TempDir())})
	require.NoError(t, err)
	assert.Equal(t, "S1.tar.zst", filepath.Base(loc))

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	names := listEntries(t, data, model.ArchiveTarZst)
	assert.Contains(t, names, "S1/alignment/rna.Aligned.bam")
	assert.NotContains(t, names, "S1/wiggle/")
}

func TestPackageDuplicateEntry(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, filepath.Join(root, "a", "abundance.tsv"), "a")
	b := writeFile(t, filepath.Join(root, "b", "abundance.tsv"), "b")

	out := t.TempDir()
	p, err := New(Options{OutputDir: out, Format: model.ArchiveTarGz})
	require.NoError(t, err)
	_, err = p.Package(context.Background(), Input{
		SampleID: "S1",
		Toggles:  defaultToggles(),
		Outputs:  map[model.StageKind][]model.Output{model.StageQuantifyMethodB: {{Path: a}, {Path: b}}},
	})
	require.Error(t, err)
	assert.True(t, flowerr.Is(err, flowerr.ErrPackaging))

	// No partial archive is left behind.
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPackageUploadsToS3(t *testing.T) {
	fake := blobtest.New()
	staging := t.TempDir()
	p, err := New(Options{
		OutputDir:  "s3://results/run-1",
		Format:     model.ArchiveTarGz,
		StagingDir: staging,
		Bucket:     fake.Bucket("results", "run-1"),
	})
	require.NoError(t, err)

	loc, err := p.Package(context.Background(), Input{SampleID: "S1", Toggles: defaultToggles(), Outputs: stageOutputs(t, t.TempDir())})
	require.NoError(t, err)
	assert.Equal(t, "s3://results/run-1/S1.tar.gz", loc)

	data, ok := fake.Object("results", "run-1/S1.tar.gz")
	require.True(t, ok)
	assert.Contains(t, listEntries(t, data, model.ArchiveTarGz), "S1/qc/align/Log.final.out")

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(Options{OutputDir: t.TempDir(), Format: "rar"})
	assert.ErrorContains(t, err, `unsupported archive format "rar"`)
}
