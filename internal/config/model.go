package config

import "github.com/hashicorp/hcl/v2"

// fileRoot is the decoded top level of a run file.
type fileRoot struct {
	// Manifest is a TSV sample sheet, relative to the run file.
	Manifest *string        `hcl:"manifest,optional"`
	Run      *runBlock      `hcl:"run,block"`
	Stages   []*stageBlock  `hcl:"stage,block"`
	Tools    []*toolBlock   `hcl:"tool,block"`
	Samples  []*sampleBlock `hcl:"sample,block"`
}

// runBlock mirrors model.Options. Pointers distinguish unset attributes from
// zero values so that defaults survive.
type runBlock struct {
	EnableAdapterTrim         *bool `hcl:"enable-adapter-trim,optional"`
	EnableQualityCheck        *bool `hcl:"enable-quality-check,optional"`
	EnableAlignQC             *bool `hcl:"enable-align-qc,optional"`
	EnableQuantifyMethodA     *bool `hcl:"enable-quantify-method-a,optional"`
	EnableQuantifyMethodB     *bool `hcl:"enable-quantify-method-b,optional"`
	SaveIntermediateAlignment *bool `hcl:"save-intermediate-alignment,optional"`
	SaveWiggle                *bool `hcl:"save-wiggle,optional"`

	MaxCores   *int    `hcl:"max-cores,optional"`
	MaxMemory  *string `hcl:"max-memory,optional"`
	MaxDisk    *string `hcl:"max-disk,optional"`
	MaxJobs    *int    `hcl:"max-jobs,optional"`
	RetryLimit *int    `hcl:"retry-limit,optional"`
	RetryDelay *string `hcl:"retry-delay,optional"`

	JobStoreLocation *string `hcl:"job-store-location,optional"`
	Resume           *bool   `hcl:"resume,optional"`

	WorkDir     *string `hcl:"work-dir,optional"`
	OutputDir   *string `hcl:"output-dir,optional"`
	KeepWorkDir *bool   `hcl:"keep-work-dir,optional"`

	ArchiveFormat          *string `hcl:"archive-format,optional"`
	DisabledCategoryPolicy *string `hcl:"disabled-category-policy,optional"`

	FwdAdapter *string `hcl:"fwd-adapter,optional"`
	RevAdapter *string `hcl:"rev-adapter,optional"`
}

// stageBlock overrides the built-in settings of one stage kind.
type stageBlock struct {
	Kind   string  `hcl:"kind,label"`
	Cores  *int    `hcl:"cores,optional"`
	Memory *string `hcl:"memory,optional"`
	Disk   *string `hcl:"disk,optional"`
	Tool   *string `hcl:"tool,optional"`
}

// toolBlock defines a tool, or amends the built-in tool of the same name when
// command is left out.
type toolBlock struct {
	Name    string            `hcl:"name,label"`
	Command *string           `hcl:"command,optional"`
	Params  map[string]string `hcl:"params,optional"`
	Env     map[string]string `hcl:"env,optional"`
	Outputs []*outputBlock    `hcl:"output,block"`
}

type outputBlock struct {
	Tag  string `hcl:"tag,label"`
	Glob string `hcl:"glob"`
}

type sampleBlock struct {
	ID     string   `hcl:"id,label"`
	Format string   `hcl:"format"`
	Inputs []string `hcl:"inputs"`
	// Paired sets the pairing of tar inputs.
	Paired    *bool          `hcl:"paired,optional"`
	Overrides hcl.Expression `hcl:"overrides,optional"`
}
