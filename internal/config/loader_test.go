package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/rnaflow/internal/dag"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/invoker"
	"github.com/vk/rnaflow/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func load(t *testing.T, hcl string, overrides ...Override) (*model.RunManifest, error) {
	t.Helper()
	return Load(context.Background(), writeFile(t, t.TempDir(), "run.hcl", hcl), overrides...)
}

func TestLoadDefaults(t *testing.T) {
	m, err := load(t, `
sample "S1" {
  format = "paired-fastq"
  inputs = ["S1_R1.fq.gz", "S1_R2.fq.gz"]
}
`)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultOptions(), m.Options)
	assert.Equal(t, DefaultTools(), m.Tools)
	assert.Empty(t, m.Stages)
	require.Len(t, m.Samples, 1)
	assert.Equal(t, model.Sample{
		ID:     "S1",
		Inputs: model.InputDescriptor{Format: model.FormatPairedFastq, Locations: []string{"S1_R1.fq.gz", "S1_R2.fq.gz"}},
	}, m.Samples[0])
}

func TestLoadRunBlock(t *testing.T) {
	m, err := load(t, `
run {
  enable-align-qc          = true
  enable-adapter-trim      = false
  save-wiggle              = true
  max-cores                = 12
  max-memory               = "64G"
  max-disk                 = "500g"
  retry-limit              = 0
  retry-delay              = "250ms"
  job-store-location       = "pebble:///var/lib/rnaflow"
  output-dir               = "s3://results/rnaseq"
  archive-format           = "tar.zst"
  disabled-category-policy = "empty"
  keep-work-dir            = true
}
`)
	require.NoError(t, err)
	o := m.Options
	assert.True(t, o.AlignQC)
	assert.False(t, o.AdapterTrim)
	assert.True(t, o.QualityCheck, "unset toggles keep their defaults")
	assert.True(t, o.SaveWiggle)
	assert.Equal(t, 12, o.MaxCores)
	assert.Equal(t, 12, o.MaxJobs, "worker slots follow max-cores")
	assert.Equal(t, int64(64<<30), o.MaxMemory)
	assert.Equal(t, int64(500<<30), o.MaxDisk)
	assert.Equal(t, 0, o.RetryLimit)
	assert.Equal(t, 250*time.Millisecond, o.RetryDelay)
	assert.Equal(t, "pebble:///var/lib/rnaflow", o.JobStoreLocation)
	assert.Equal(t, "s3://results/rnaseq", o.OutputDir)
	assert.Equal(t, model.ArchiveTarZst, o.ArchiveFormat)
	assert.Equal(t, model.PolicyEmpty, o.DisabledCategoryPolicy)
	assert.True(t, o.KeepWorkDir)
}

func TestLoadOverride(t *testing.T) {
	m, err := load(t, `run { max-cores = 8 }`, func(o *model.Options) {
		o.MaxJobs = 2
		o.Resume = true
	})
	require.NoError(t, err)
	assert.Equal(t, 8, m.Options.MaxCores)
	assert.Equal(t, 2, m.Options.MaxJobs)
	assert.True(t, m.Options.Resume)
}

func TestLoadRejects(t *testing.T) {
	testCases := []struct {
		name    string
		hcl     string
		wantErr string
	}{
		{name: "unknown run key", hcl: `run { max-corez = 4 }`, wantErr: "max-corez"},
		{name: "unknown block", hcl: `pipeline "x" {}`, wantErr: "pipeline"},
		{name: "bad size", hcl: `run { max-memory = "lots" }`, wantErr: "max-memory"},
		{name: "bad duration", hcl: `run { retry-delay = "soon" }`, wantErr: "retry-delay"},
		{name: "bad archive format", hcl: `run { archive-format = "zip" }`, wantErr: "archive-format must satisfy oneof"},
		{name: "bad policy", hcl: `run { disabled-category-policy = "hide" }`, wantErr: "disabled-category-policy"},
		{name: "zero cores", hcl: `run { max-cores = 0 }`, wantErr: "max-cores must satisfy min=1"},
		{name: "bad adapter", hcl: `run { fwd-adapter = "AG-T" }`, wantErr: "fwd-adapter"},
		{name: "unknown stage", hcl: `stage "assemble" { cores = 1 }`, wantErr: `unknown stage kind "assemble"`},
		{name: "duplicate stage", hcl: "stage \"align\" {}\nstage \"align\" {}", wantErr: "duplicate stage block"},
		{name: "package tool", hcl: `stage "package" { tool = "tar" }`, wantErr: "in-process"},
		{name: "zero stage cores", hcl: `stage "align" { cores = 0 }`, wantErr: "stage align"},
		{name: "undefined tool", hcl: `stage "align" { tool = "hisat2" }`, wantErr: `undefined tool "hisat2"`},
		{name: "new tool without command", hcl: `tool "hisat2" {}`, wantErr: `tool "hisat2" needs a command`},
		{name: "output without glob", hcl: "tool \"x\" {\n command = \"x\"\n output \"log\" {}\n}", wantErr: "glob"},
		{name: "unknown override", hcl: `
sample "S1" {
  format    = "single-fastq"
  inputs    = ["a.fq"]
  overrides = { "enable-everything" = true }
}`, wantErr: `unknown override "enable-everything"`},
		{name: "non-bool override", hcl: `
sample "S1" {
  format    = "single-fastq"
  inputs    = ["a.fq"]
  overrides = { "save-wiggle" = [1] }
}`, wantErr: `override "save-wiggle"`},
		{name: "overrides not an object", hcl: `
sample "S1" {
  format    = "single-fastq"
  inputs    = ["a.fq"]
  overrides = "save-wiggle"
}`, wantErr: "must be an object"},
		{name: "syntax", hcl: `run {`, wantErr: "failed to parse"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.hcl)
			require.Error(t, err)
			assert.True(t, flowerr.Is(err, flowerr.ErrInvalidConfig), "got %v", err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadSampleOverrides(t *testing.T) {
	m, err := load(t, `
sample "S1" {
  format    = "tar"
  inputs    = ["s3://bucket/S1.tar"]
  paired    = true
  overrides = {
    "enable-align-qc" = true
    "save-wiggle"     = false
  }
}
`)
	require.NoError(t, err)
	s := m.Samples[0]
	assert.True(t, s.IsPaired())
	assert.Equal(t, model.Overrides{model.OptEnableAlignQC: true, model.OptSaveWiggle: false}, s.Overrides)
}

func TestLoadStageBlocks(t *testing.T) {
	m, err := load(t, `
run {
  max-cores  = 4
  max-memory = "16G"
}

stage "align" {
  memory = "64G"
}

stage "quality-check" {
  cores = 1
  disk  = "10G"
}
`)
	require.NoError(t, err)

	align := m.Stage(model.StageAlign)
	assert.Equal(t, model.Requirement{Cores: 4, Memory: 64 << 30}, align.Requirement, "explicit sizes are not clamped")
	assert.Equal(t, string(model.StageAlign), align.Tool)
	assert.True(t, align.Requirement.Exceeds(m.Options.Capacity()))

	qc := m.Stage(model.StageQualityCheck)
	assert.Equal(t, model.Requirement{Cores: 1, Memory: 2 << 30, Disk: 10 << 30}, qc.Requirement)

	// Kinds without a block use the clamped default.
	assert.Equal(t, 4, m.Stage(model.StageQuantifyMethodA).Requirement.Cores)
}

func TestLoadTools(t *testing.T) {
	m, err := load(t, `
stage "align" {
  tool = "hisat2"
}

tool "hisat2" {
  command = "hisat2 -p {{.Cores}} -x {{.Params.index}} -1 {{.R1}} -2 {{.R2}}"
  params  = { index = "/ref/hisat2" }
  env     = { TMPDIR = "/scratch" }
  output "alignment" {
    glob = "*.bam"
  }
}

tool "quantify-method-a" {
  params = { rsem_ref = "/ref/rsem/hg38" }
}
`)
	require.NoError(t, err)

	hisat := m.Tools["hisat2"]
	assert.Equal(t, "hisat2", hisat.Name)
	assert.Equal(t, map[string]string{"index": "/ref/hisat2"}, hisat.Params)
	assert.Equal(t, map[string]string{"TMPDIR": "/scratch"}, hisat.Env)
	assert.Equal(t, []model.ToolOutput{{Tag: model.TagAlignment, Glob: "*.bam"}}, hisat.Outputs)
	assert.Equal(t, "hisat2", m.Stage(model.StageAlign).Tool)

	// A block without a command amends the built-in tool.
	rsem := m.Tools[string(model.StageQuantifyMethodA)]
	assert.Equal(t, DefaultTools()[string(model.StageQuantifyMethodA)].Command, rsem.Command)
	assert.Equal(t, "/ref/rsem/hg38", rsem.Params["rsem_ref"])
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("RNAFLOW_TEST_BUCKET", "lab-results")
	m, err := load(t, `
run {
  output-dir = "s3://${env.RNAFLOW_TEST_BUCKET}/rnaseq"
}
`)
	require.NoError(t, err)
	assert.Equal(t, "s3://lab-results/rnaseq", m.Options.OutputDir)
}

func TestLoadManifestSheet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "samples.tsv", strings.Join([]string{
		"# filetype\tpaired\tUUID\tURL",
		"tar\tpaired\tT1\tfile:///data/T1.tar",
		"",
		"fq\tpaired\tP1\tfile:///data/P1_R1.fq.gz, file:///data/P1_R2.fq.gz",
		"fq\tsingle\tU1\ts3://bucket/U1.fq",
		"fq\tpaired\tODD\ts3://bucket/a_R1.fq,s3://bucket/a_R2.fq,s3://bucket/b_R1.fq",
	}, "\n"))
	path := writeFile(t, dir, "run.hcl", `
manifest = "samples.tsv"

sample "S0" {
  format = "single-fastq"
  inputs = ["S0.fq"]
}
`)

	m, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, m.Samples, 5)

	var ids []string
	for _, s := range m.Samples {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"S0", "T1", "P1", "U1", "ODD"}, ids)

	assert.Equal(t, model.FormatTar, m.Samples[1].Inputs.Format)
	assert.True(t, m.Samples[1].IsPaired())
	assert.Equal(t, []string{"file:///data/P1_R1.fq.gz", "file:///data/P1_R2.fq.gz"}, m.Samples[2].Inputs.Locations)
	assert.Equal(t, model.FormatSingleFastq, m.Samples[3].Inputs.Format)

	// The odd paired sample loads and fails on its own.
	err = m.Samples[4].Validate()
	assert.True(t, flowerr.Is(err, flowerr.ErrInvalidSample))
}

func TestParseManifestRejects(t *testing.T) {
	testCases := []struct {
		name    string
		sheet   string
		wantErr string
	}{
		{name: "three columns", sheet: "tar\tpaired\tT1", wantErr: "line 1: expected 4 tab separated columns, got 3"},
		{name: "bad file type", sheet: "bam\tpaired\tT1\tx.bam", wantErr: `1st column must be "tar" or "fq"`},
		{name: "bad pairing", sheet: "# header\nfq\tpaired-end\tT1\tx.fq", wantErr: `line 2: 2nd column must be "paired" or "single"`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseManifest("sheet.tsv", strings.NewReader(tc.sheet))
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDefaultToolsRender(t *testing.T) {
	exec := invoker.NewExec(DefaultTools())
	params := map[string]string{
		dag.ParamPaired:        "true",
		dag.ParamInputFormat:   string(model.FormatPairedFastq),
		dag.ParamFwdAdapter:    model.DefaultAdapter,
		dag.ParamRevAdapter:    model.DefaultAdapter,
		dag.ParamSaveAlignment: "false",
		dag.ParamSaveWiggle:    "true",
	}
	reads := []string{"/in/S1_R1.fq.gz", "/in/S1_R2.fq.gz"}
	bams := []string{"/w/align/rna.Aligned.sortedByCoord.out.bam", "/w/align/rna.Aligned.toTranscriptome.out.bam"}

	testCases := []struct {
		kind   model.StageKind
		inputs []string
		want   []string
	}{
		{kind: model.StageUnpack, inputs: []string{"/in/S1.tar"}, want: []string{"tar", "/in/S1.tar"}},
		{kind: model.StageQualityCheck, inputs: reads, want: []string{"fastqc", "/in/S1_R2.fq.gz"}},
		{kind: model.StageAdapterTrim, inputs: reads, want: []string{"cutadapt", "-A", "/w/out/R2_cutadapt.fastq"}},
		{kind: model.StageAlign, inputs: reads, want: []string{"STAR", "--outWigType", "zcat", "/in/S1_R1.fq.gz", "./ref/star"}},
		{kind: model.StageQuantifyMethodA, inputs: bams, want: []string{"rsem-calculate-expression", "--paired-end", bams[1], "/w/out/rsem"}},
		{kind: model.StageQuantifyMethodB, inputs: bams, want: []string{"salmon", bams[1]}},
		{kind: model.StageAlignQC, inputs: bams, want: []string{"sh", "align-qc", bams[0]}},
	}
	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			argv, err := exec.Argv(invoker.Request{
				Tool:      string(tc.kind),
				Stage:     tc.kind,
				Inputs:    tc.inputs,
				OutputDir: "/w/out",
				Limits:    model.Requirement{Cores: 4, Memory: 8 << 30},
				Params:    params,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want[0], argv[0])
			for _, w := range tc.want[1:] {
				assert.Contains(t, argv, w)
			}
		})
	}

	// Single-end reads are joined into one STAR argument.
	single := map[string]string{}
	for k, v := range params {
		single[k] = v
	}
	single[dag.ParamPaired] = "false"
	argv, err := exec.Argv(invoker.Request{
		Tool:   string(model.StageAlign),
		Inputs: []string{"/in/a.fq", "/in/b.fq"},
		Limits: model.Requirement{Cores: 1, Memory: 1 << 30},
		Params: single,
	})
	require.NoError(t, err)
	assert.Equal(t, "/in/a.fq,/in/b.fq", argv[len(argv)-1])
	assert.NotContains(t, argv, "zcat")
}
