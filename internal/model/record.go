// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the persisted job record and the run manifest.
package model

import "time"

// Output tags understood by the packager.
const (
	TagAlignment = "alignment"
	TagWiggle    = "wiggle"
	TagLog       = "log"
	// TagArchive marks the package stage's single output.
	TagArchive   = "archive"
)

// Output is one declared output location of a stage.
type Output struct {
	Path string `json:"path"`
	Tag  string `json:"tag,omitempty"`
}

// JobRecord is the durable state of one (sample, stage) node.
type JobRecord struct {
	SampleID  string    `json:"sample_id"`
	Stage     StageKind `json:"stage"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	Outputs   []Output  `json:"outputs,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunManifest is the read-only root of a run.
type RunManifest struct {
	RunID   string                  `json:"run_id"`
	Samples []Sample                `json:"samples"`
	Options Options                 `json:"options"`
	Stages  map[StageKind]StageSpec `json:"stages"`
	Tools   map[string]ToolSpec     `json:"tools"`
}

// Sample returns the sample with the given id.
func (m *RunManifest) Sample(id string) (*Sample, bool) {
	for i := range m.Samples {
		if m.Samples[i].ID == id {
			return &m.Samples[i], true
		}
	}
	return nil, false
}

// Stage returns the settings for kind, falling back to the clamped default.
func (m *RunManifest) Stage(kind StageKind) StageSpec {
	if spec, ok := m.Stages[kind]; ok {
		return spec
	}
	return DefaultStageSpecs(m.Options.Capacity())[kind]
}
