package dag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/model"
)

// Static parameter names visible to tool command templates.
const (
	ParamPaired        = "paired"
	ParamFwdAdapter    = "fwd_adapter"
	ParamRevAdapter    = "rev_adapter"
	ParamSaveAlignment = "save_alignment"
	ParamSaveWiggle    = "save_wiggle"
	ParamInputFormat   = "input_format"
)

// packageSources are the stages whose outputs the package stage collects.
var packageSources = []model.StageKind{
	model.StageQualityCheck,
	model.StageAlign,
	model.StageQuantifyMethodA,
	model.StageQuantifyMethodB,
	model.StageAlignQC,
}

// Build expands one sample into its stage graph. It is deterministic: the same
// sample and manifest always produce the same Shape, which is what lets a
// resumed run match stored records to nodes by stage kind alone.
//
// Errors are flowerr.ErrInvalidSample and concern this sample only.
func Build(ctx context.Context, sample *model.Sample, m *model.RunManifest) (*Graph, error) {
	logger := ctxlog.FromContext(ctx).With("sample", sample.ID)
	logger.Debug("Build: Starting graph construction.")

	if err := sample.Validate(); err != nil {
		return nil, err
	}
	toggles, err := m.Options.Toggles.Apply(sample.Overrides)
	if err != nil {
		return nil, flowerr.ErrInvalidSample.GenWithStackByArgs(sample.ID, err.Error())
	}

	g := New(sample.ID)
	g.Toggles = toggles
	tar := sample.Inputs.Format == model.FormatTar
	params := baseParams(sample, m.Options, toggles)

	add := func(kind model.StageKind, inputs []string) {
		spec := m.Stage(kind)
		g.AddNode(&Node{
			Kind:        kind,
			Requirement: spec.Requirement,
			Tool:        spec.Tool,
			Inputs:      inputs,
			Params:      params,
		})
	}
	// rootInputs are fed to whichever nodes read the raw reads directly.
	var rootInputs []string
	if tar {
		add(model.StageUnpack, sample.Inputs.Locations)
	} else {
		rootInputs = sample.Inputs.Locations
	}
	// reads is the node producing reads for downstream stages; empty when the
	// raw inputs are read directly.
	var reads model.StageKind
	if tar {
		reads = model.StageUnpack
	}

	if toggles.QualityCheck {
		add(model.StageQualityCheck, rootInputs)
	}
	if toggles.AdapterTrim {
		add(model.StageAdapterTrim, rootInputs)
	}
	alignInputs := rootInputs
	if toggles.AdapterTrim {
		alignInputs = nil
	}
	add(model.StageAlign, alignInputs)
	if toggles.QuantifyMethodA {
		add(model.StageQuantifyMethodA, nil)
	}
	if toggles.QuantifyMethodB {
		add(model.StageQuantifyMethodB, nil)
	}
	if toggles.AlignQC {
		add(model.StageAlignQC, nil)
	}
	add(model.StagePackage, nil)

	link := func(from, to model.StageKind, optional bool) {
		if err == nil && from != "" && g.Has(from) && g.Has(to) {
			err = g.AddEdge(from, to, optional)
		}
	}
	link(reads, model.StageQualityCheck, false)
	if toggles.AdapterTrim {
		link(reads, model.StageAdapterTrim, false)
		link(model.StageAdapterTrim, model.StageAlign, false)
	} else {
		link(reads, model.StageAlign, false)
	}
	link(model.StageAlign, model.StageQuantifyMethodA, false)
	link(model.StageAlign, model.StageQuantifyMethodB, false)
	link(model.StageAlign, model.StageAlignQC, false)
	for _, src := range packageSources {
		link(src, model.StagePackage, true)
	}
	if err != nil {
		return nil, flowerr.ErrInvalidSample.Wrap(err).GenWithStackByArgs(sample.ID, "linking stages")
	}
	logger.Debug("Build: Node linking complete.", "node_count", g.Len())

	if err := g.DetectCycles(); err != nil {
		return nil, flowerr.ErrInvalidSample.Wrap(err).GenWithStackByArgs(sample.ID, "validating dependency graph")
	}
	logger.Debug("Build: Graph construction successful.", "shape", g.Shape())
	return g, nil
}

func baseParams(sample *model.Sample, o model.Options, t model.Toggles) map[string]string {
	return map[string]string{
		ParamPaired:        strconv.FormatBool(sample.IsPaired()),
		ParamInputFormat:   string(sample.Inputs.Format),
		ParamFwdAdapter:    o.FwdAdapter,
		ParamRevAdapter:    o.RevAdapter,
		ParamSaveAlignment: strconv.FormatBool(t.SaveIntermediateAlignment),
		ParamSaveWiggle:    strconv.FormatBool(t.SaveWiggle),
	}
}

// String renders the graph for debug logs.
func (g *Graph) String() string {
	return fmt.Sprintf("dag(%s: %v)", g.SampleID, g.Shape())
}
