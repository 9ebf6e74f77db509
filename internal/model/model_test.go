package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/rnaflow/internal/flowerr"
)

func TestSampleValidate(t *testing.T) {
	testCases := []struct {
		name    string
		sample  Sample
		wantErr string
	}{
		{
			name:   "paired fastq with two pairs",
			sample: Sample{ID: "S1", Inputs: InputDescriptor{Format: FormatPairedFastq, Locations: []string{"a_R1.fq", "a_R2.fq", "b_R1.fq", "b_R2.fq"}}},
		},
		{
			name:   "single fastq",
			sample: Sample{ID: "s-2_b", Inputs: InputDescriptor{Format: FormatSingleFastq, Locations: []string{"x.fq.gz"}}},
		},
		{
			name:   "tar",
			sample: Sample{ID: "T", Inputs: InputDescriptor{Format: FormatTar, Locations: []string{"s3://b/x.tar"}}},
		},
		{
			name:    "odd paired count",
			sample:  Sample{ID: "S1", Inputs: InputDescriptor{Format: FormatPairedFastq, Locations: []string{"a", "b", "c"}}},
			wantErr: "even, non-zero",
		},
		{
			name:    "tar with two files",
			sample:  Sample{ID: "S1", Inputs: InputDescriptor{Format: FormatTar, Locations: []string{"a", "b"}}},
			wantErr: "exactly one location",
		},
		{
			name:    "empty location",
			sample:  Sample{ID: "S1", Inputs: InputDescriptor{Format: FormatSingleFastq, Locations: []string{""}}},
			wantErr: "is empty",
		},
		{
			name:    "unknown format",
			sample:  Sample{ID: "S1", Inputs: InputDescriptor{Format: "bam", Locations: []string{"a"}}},
			wantErr: "unknown input format",
		},
		{
			name:    "id with separator",
			sample:  Sample{ID: "a/b", Inputs: InputDescriptor{Format: FormatSingleFastq, Locations: []string{"a"}}},
			wantErr: "identifier must match",
		},
		{
			name:    "id with dot",
			sample:  Sample{ID: "a.b", Inputs: InputDescriptor{Format: FormatSingleFastq, Locations: []string{"a"}}},
			wantErr: "identifier must match",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sample.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.True(t, flowerr.Is(err, flowerr.ErrInvalidSample))
		})
	}
}

func TestInputDescriptorPairs(t *testing.T) {
	d := InputDescriptor{Format: FormatPairedFastq, Locations: []string{"a1", "a2", "b1", "b2"}}
	assert.Equal(t, [][2]string{{"a1", "a2"}, {"b1", "b2"}}, d.Pairs())
	assert.Nil(t, InputDescriptor{Format: FormatSingleFastq, Locations: []string{"a"}}.Pairs())
}

func TestTogglesApply(t *testing.T) {
	base := DefaultOptions().Toggles

	got, err := base.Apply(Overrides{OptEnableAlignQC: true, OptEnableAdapterTrim: false})
	require.NoError(t, err)
	assert.True(t, got.AlignQC)
	assert.False(t, got.AdapterTrim)
	assert.True(t, base.AdapterTrim, "Apply must not mutate the receiver")

	_, err = base.Apply(Overrides{"enable-bam": true})
	assert.ErrorContains(t, err, `unknown override "enable-bam"`)
}

func TestTogglesEnabled(t *testing.T) {
	tg := Toggles{QualityCheck: true}
	assert.True(t, tg.Enabled(StageQualityCheck))
	assert.False(t, tg.Enabled(StageAlignQC))
	assert.True(t, tg.Enabled(StageAlign))
	assert.True(t, tg.Enabled(StagePackage))
}

func TestDefaultStageSpecsClamped(t *testing.T) {
	capacity := Capacity{Cores: 4, Memory: 16 * gib, Slots: 4}
	specs := DefaultStageSpecs(capacity)

	require.Len(t, specs, len(StageKinds))
	for kind, spec := range specs {
		assert.False(t, spec.Requirement.Exceeds(capacity), "default for %s exceeds capacity", kind)
	}
	assert.Equal(t, Requirement{Cores: 4, Memory: 16 * gib}, specs[StageAlign].Requirement)
	assert.Equal(t, "align", specs[StageAlign].Tool)
	assert.Empty(t, specs[StagePackage].Tool)
}

func TestRequirementExceeds(t *testing.T) {
	c := Capacity{Cores: 2, Memory: gib}
	assert.False(t, Requirement{Cores: 2, Memory: gib, Disk: 100 * gib}.Exceeds(c), "zero disk capacity is unbounded")
	assert.True(t, Requirement{Cores: 3}.Exceeds(c))
	c.Disk = gib
	assert.True(t, Requirement{Disk: 2 * gib}.Exceeds(c))
}

func TestParseRoundTrip(t *testing.T) {
	for _, k := range StageKinds {
		got, err := ParseStageKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseStageKind("fastqc")
	assert.Error(t, err)

	st, err := ParseState("succeeded")
	require.NoError(t, err)
	assert.True(t, st.Terminal())
	assert.False(t, Running.Terminal())
}
