// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the typed run options.
//
// Why a closed struct instead of a map?
//
// Every recognized option is declared, typed and defaulted here. The config
// loader rejects anything it cannot map onto this struct, so a typo in a run
// file is a load error rather than a silently ignored setting.
package model

import (
	"fmt"
	"runtime"
	"sort"
	"time"
)

// ArchiveFormat selects the compression of per-sample archives.
type ArchiveFormat string

const (
	ArchiveTarGz  ArchiveFormat = "tar.gz"
	ArchiveTarZst ArchiveFormat = "tar.zst"
)

// Extension returns the archive file extension, without a leading dot.
func (f ArchiveFormat) Extension() string {
	return string(f)
}

// CategoryPolicy controls how the packager treats output categories of stages
// disabled by configuration.
type CategoryPolicy string

const (
	// PolicyOmit leaves the category's subtree out of the archive.
	PolicyOmit CategoryPolicy = "omit"
	// PolicyEmpty writes the category's subtree as an empty directory.
	PolicyEmpty CategoryPolicy = "empty"
)

// Option names of the overridable toggles, as written in run files.
const (
	OptEnableAdapterTrim         = "enable-adapter-trim"
	OptEnableQualityCheck        = "enable-quality-check"
	OptEnableAlignQC             = "enable-align-qc"
	OptEnableQuantifyMethodA     = "enable-quantify-method-a"
	OptEnableQuantifyMethodB     = "enable-quantify-method-b"
	OptSaveIntermediateAlignment = "save-intermediate-alignment"
	OptSaveWiggle                = "save-wiggle"
)

// Toggles are the boolean options a sample may override.
type Toggles struct {
	AdapterTrim               bool `json:"enable_adapter_trim"`
	QualityCheck              bool `json:"enable_quality_check"`
	AlignQC                   bool `json:"enable_align_qc"`
	QuantifyMethodA           bool `json:"enable_quantify_method_a"`
	QuantifyMethodB           bool `json:"enable_quantify_method_b"`
	SaveIntermediateAlignment bool `json:"save_intermediate_alignment"`
	SaveWiggle                bool `json:"save_wiggle"`
}

// field maps an option name to the toggle it controls.
func (t *Toggles) field(name string) *bool {
	switch name {
	case OptEnableAdapterTrim:
		return &t.AdapterTrim
	case OptEnableQualityCheck:
		return &t.QualityCheck
	case OptEnableAlignQC:
		return &t.AlignQC
	case OptEnableQuantifyMethodA:
		return &t.QuantifyMethodA
	case OptEnableQuantifyMethodB:
		return &t.QuantifyMethodB
	case OptSaveIntermediateAlignment:
		return &t.SaveIntermediateAlignment
	case OptSaveWiggle:
		return &t.SaveWiggle
	}
	return nil
}

// Enabled reports whether a stage kind is switched on. Kinds without a toggle
// are always enabled.
func (t Toggles) Enabled(kind StageKind) bool {
	switch kind {
	case StageAdapterTrim:
		return t.AdapterTrim
	case StageQualityCheck:
		return t.QualityCheck
	case StageAlignQC:
		return t.AlignQC
	case StageQuantifyMethodA:
		return t.QuantifyMethodA
	case StageQuantifyMethodB:
		return t.QuantifyMethodB
	}
	return true
}

// Overrides holds per-sample toggle overrides keyed by option name.
type Overrides map[string]bool

// OverridableKeys returns the option names a sample may override, sorted.
func OverridableKeys() []string {
	keys := []string{
		OptEnableAdapterTrim,
		OptEnableQualityCheck,
		OptEnableAlignQC,
		OptEnableQuantifyMethodA,
		OptEnableQuantifyMethodB,
		OptSaveIntermediateAlignment,
		OptSaveWiggle,
	}
	sort.Strings(keys)
	return keys
}

// Apply returns a copy of t with the overrides applied. An unknown key is an
// error.
func (t Toggles) Apply(o Overrides) (Toggles, error) {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	out := t
	for _, name := range names {
		f := out.field(name)
		if f == nil {
			return t, fmt.Errorf("unknown override %q", name)
		}
		*f = o[name]
	}
	return out, nil
}

// Options is the fixed set of global run options.
type Options struct {
	Toggles

	MaxCores  int   `json:"max_cores" validate:"min=1"`
	MaxMemory int64 `json:"max_memory" validate:"gt=0"`
	// MaxDisk is the scratch disk capacity in bytes. Zero means unbounded.
	MaxDisk int64 `json:"max_disk" validate:"gte=0"`
	// MaxJobs is the number of concurrent worker slots.
	MaxJobs int `json:"max_jobs" validate:"min=1"`

	RetryLimit int           `json:"retry_limit" validate:"gte=0"`
	RetryDelay time.Duration `json:"retry_delay" validate:"gte=0"`

	JobStoreLocation string `json:"job_store_location" validate:"required"`
	Resume           bool   `json:"resume"`

	WorkDir     string `json:"work_dir" validate:"required"`
	OutputDir   string `json:"output_dir" validate:"required"`
	KeepWorkDir bool   `json:"keep_work_dir"`

	ArchiveFormat          ArchiveFormat  `json:"archive_format" validate:"oneof=tar.gz tar.zst"`
	DisabledCategoryPolicy CategoryPolicy `json:"disabled_category_policy" validate:"oneof=omit empty"`

	FwdAdapter string `json:"fwd_adapter" validate:"required,alpha"`
	RevAdapter string `json:"rev_adapter" validate:"required,alpha"`
}

// DefaultAdapter is the Illumina TruSeq adapter prefix used for both reads.
const DefaultAdapter = "AGATCGGAAGAG"

// DefaultOptions returns the options used for every key a run file leaves unset.
func DefaultOptions() Options {
	cores := runtime.NumCPU()
	return Options{
		Toggles: Toggles{
			AdapterTrim:     true,
			QualityCheck:    true,
			QuantifyMethodA: true,
			QuantifyMethodB: true,
		},
		MaxCores:               cores,
		MaxMemory:              8 << 30,
		MaxJobs:                cores,
		RetryLimit:             2,
		RetryDelay:             time.Second,
		JobStoreLocation:       "file://./jobstore",
		WorkDir:                "./work",
		OutputDir:              "./output",
		ArchiveFormat:          ArchiveTarGz,
		DisabledCategoryPolicy: PolicyOmit,
		FwdAdapter:             DefaultAdapter,
		RevAdapter:             DefaultAdapter,
	}
}

// Capacity returns the resource capacity described by the options.
func (o Options) Capacity() Capacity {
	return Capacity{Cores: o.MaxCores, Memory: o.MaxMemory, Disk: o.MaxDisk, Slots: o.MaxJobs}
}
