// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines resource requirements and per-stage settings.
package model

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Requirement is what one stage needs to be admitted.
type Requirement struct {
	Cores  int   `json:"cores" validate:"min=1"`
	Memory int64 `json:"memory" validate:"gte=0"`
	Disk   int64 `json:"disk" validate:"gte=0"`
}

func (r Requirement) String() string {
	return fmt.Sprintf("%d core(s)/%s mem/%s disk", r.Cores, humanize.IBytes(uint64(r.Memory)), humanize.IBytes(uint64(r.Disk)))
}

// Capacity is the total that admitted requirements may add up to.
type Capacity struct {
	Cores  int   `json:"cores"`
	Memory int64 `json:"memory"`
	// Disk of zero disables disk accounting.
	Disk int64 `json:"disk"`
	// Slots is the number of concurrent jobs. Every admitted job takes one.
	Slots int `json:"slots"`
}

func (c Capacity) String() string {
	disk := "unbounded"
	if c.Disk > 0 {
		disk = humanize.IBytes(uint64(c.Disk))
	}
	return fmt.Sprintf("%d core(s)/%s mem/%s disk/%d slot(s)", c.Cores, humanize.IBytes(uint64(c.Memory)), disk, c.Slots)
}

// Exceeds reports whether r can never fit into c.
func (r Requirement) Exceeds(c Capacity) bool {
	return r.Cores > c.Cores || r.Memory > c.Memory || (c.Disk > 0 && r.Disk > c.Disk)
}

// StageSpec is the resolved configuration of one stage kind.
type StageSpec struct {
	Requirement Requirement `json:"requirement"`
	// Tool names the ToolSpec the stage runs. Empty for in-process stages.
	Tool string `json:"tool,omitempty"`
}

const (
	gib = int64(1) << 30
	mib = int64(1) << 20
)

// DefaultStageSpecs returns the built-in settings for every stage kind,
// clamped to the capacity so that defaults alone never make a run oversized.
func DefaultStageSpecs(c Capacity) map[StageKind]StageSpec {
	req := func(cores int, mem int64) Requirement {
		if cores > c.Cores {
			cores = c.Cores
		}
		if cores < 1 {
			cores = 1
		}
		if mem > c.Memory {
			mem = c.Memory
		}
		return Requirement{Cores: cores, Memory: mem}
	}
	specs := map[StageKind]StageSpec{
		StageUnpack:          {Requirement: req(1, gib)},
		StageQualityCheck:    {Requirement: req(2, 2*gib)},
		StageAdapterTrim:     {Requirement: req(1, 2*gib)},
		StageAlign:           {Requirement: req(c.Cores, 40*gib)},
		StageQuantifyMethodA: {Requirement: req(16, 8*gib)},
		StageQuantifyMethodB: {Requirement: req(c.Cores, 8*gib)},
		StageAlignQC:         {Requirement: req(4, 4*gib)},
		StagePackage:         {Requirement: req(1, 512*mib)},
	}
	for kind, spec := range specs {
		if kind != StagePackage {
			spec.Tool = string(kind)
			specs[kind] = spec
		}
	}
	return specs
}

// ToolOutput declares a tagged class of files produced by a tool.
type ToolOutput struct {
	Tag  string `json:"tag" validate:"required"`
	Glob string `json:"glob" validate:"required"`
}

// ToolSpec describes how to run one external tool.
type ToolSpec struct {
	Name string `json:"name" validate:"required"`
	// Command is a template rendered per invocation and split into argv.
	Command string       `json:"command" validate:"required"`
	Outputs []ToolOutput `json:"outputs,omitempty" validate:"dive"`
	// Params are merged over the stage's static params at render time.
	Params map[string]string `json:"params,omitempty"`
	// Env is appended to the process environment as KEY=VALUE pairs.
	Env map[string]string `json:"env,omitempty"`
}
