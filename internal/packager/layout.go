package packager

import (
	"path"

	"github.com/vk/rnaflow/internal/model"
)

// Category subtrees inside an archive, relative to the sample root.
const (
	DirQuantMethodA = "quantification/method-a"
	DirQuantMethodB = "quantification/method-b"
	DirQualityCheck = "qc/quality-check"
	DirAlignQC      = "qc/align-qc"
	DirAlignLogs    = "qc/align"
	DirAlignment    = "alignment"
	DirWiggle       = "wiggle"
)

// stageDirs maps stages whose every output lands in one subtree.
var stageDirs = map[model.StageKind]string{
	model.StageQuantifyMethodA: DirQuantMethodA,
	model.StageQuantifyMethodB: DirQuantMethodB,
	model.StageQualityCheck:    DirQualityCheck,
	model.StageAlignQC:         DirAlignQC,
}

// placement is one output placed in the archive.
type placement struct {
	src string
	dst string // archive directory the output is placed under
}

// place returns where each output of kind goes. Align outputs are routed by
// tag; untagged align outputs and alignments or wiggles that were not asked
// for are left out.
func place(sampleID string, kind model.StageKind, outputs []model.Output, t model.Toggles) []placement {
	var out []placement
	for _, o := range outputs {
		var dir string
		if d, ok := stageDirs[kind]; ok {
			dir = d
		} else if kind == model.StageAlign {
			switch {
			case o.Tag == model.TagLog:
				dir = DirAlignLogs
			case o.Tag == model.TagAlignment && t.SaveIntermediateAlignment:
				dir = DirAlignment
			case o.Tag == model.TagWiggle && t.SaveWiggle:
				dir = DirWiggle
			}
		}
		if dir == "" {
			continue
		}
		out = append(out, placement{src: o.Path, dst: path.Join(sampleID, dir)})
	}
	return out
}

// disabledDirs returns the subtrees of stages switched off by configuration.
// Under the empty policy they are written as empty directories.
func disabledDirs(sampleID string, t model.Toggles) []string {
	var dirs []string
	for _, kind := range model.StageKinds {
		if d, ok := stageDirs[kind]; ok && !t.Enabled(kind) {
			dirs = append(dirs, path.Join(sampleID, d))
		}
	}
	return dirs
}
