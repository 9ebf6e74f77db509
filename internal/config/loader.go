package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/model"
)

// Override adjusts the run options after the run block is applied and
// before stage defaults are resolved. The CLI uses it for its flags.
type Override func(*model.Options)

// Load reads the run file at path. Every error is an ErrInvalidConfig;
// samples with bad input descriptors are returned as-is and fail on their own
// when the run builds their graphs.
func Load(ctx context.Context, path string, overrides ...Override) (*model.RunManifest, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Config loader started.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, invalid(fmt.Errorf("failed to parse run file %s: %w", path, diags))
	}
	evalCtx := evalContext()
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &root); diags.HasErrors() {
		return nil, invalid(fmt.Errorf("failed to decode run file %s: %w", path, diags))
	}

	m := &model.RunManifest{
		Options: model.DefaultOptions(),
		Stages:  make(map[model.StageKind]model.StageSpec),
		Tools:   DefaultTools(),
	}
	if root.Run != nil {
		if err := root.Run.apply(&m.Options); err != nil {
			return nil, invalid(err)
		}
	}
	for _, o := range overrides {
		o(&m.Options)
	}
	if err := translateStages(m, root.Stages); err != nil {
		return nil, invalid(err)
	}
	if err := translateTools(m, root.Tools); err != nil {
		return nil, invalid(err)
	}
	for _, s := range root.Samples {
		sample, err := translateSample(s, evalCtx)
		if err != nil {
			return nil, invalid(err)
		}
		m.Samples = append(m.Samples, sample)
	}
	if root.Manifest != nil {
		sheet := *root.Manifest
		if !filepath.IsAbs(sheet) {
			sheet = filepath.Join(filepath.Dir(path), sheet)
		}
		samples, err := ReadManifest(sheet)
		if err != nil {
			return nil, invalid(err)
		}
		logger.Debug("Read sample manifest.", "path", sheet, "samples", len(samples))
		m.Samples = append(m.Samples, samples...)
	}

	if err := Validate(m); err != nil {
		return nil, err
	}
	logger.Debug("Config loading complete.", "samples", len(m.Samples), "stages", len(m.Stages), "tools", len(m.Tools))
	return m, nil
}

func invalid(err error) error {
	return flowerr.ErrInvalidConfig.Wrap(err).GenWithStackByArgs(err.Error())
}

// evalContext exposes the process environment as the `env` object.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclsyntaxIdent(k) {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": cty.ObjectVal(env)}}
}

// hclsyntaxIdent reports whether k can be used as an attribute name.
func hclsyntaxIdent(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !letter && (i == 0 || r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func (b *runBlock) apply(o *model.Options) error {
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&o.AdapterTrim, b.EnableAdapterTrim)
	setBool(&o.QualityCheck, b.EnableQualityCheck)
	setBool(&o.AlignQC, b.EnableAlignQC)
	setBool(&o.QuantifyMethodA, b.EnableQuantifyMethodA)
	setBool(&o.QuantifyMethodB, b.EnableQuantifyMethodB)
	setBool(&o.SaveIntermediateAlignment, b.SaveIntermediateAlignment)
	setBool(&o.SaveWiggle, b.SaveWiggle)
	setBool(&o.Resume, b.Resume)
	setBool(&o.KeepWorkDir, b.KeepWorkDir)

	if b.MaxCores != nil {
		o.MaxCores = *b.MaxCores
		// Worker slots follow the core count unless set explicitly.
		if b.MaxJobs == nil {
			o.MaxJobs = *b.MaxCores
		}
	}
	if b.MaxJobs != nil {
		o.MaxJobs = *b.MaxJobs
	}
	if b.RetryLimit != nil {
		o.RetryLimit = *b.RetryLimit
	}
	var err error
	if b.MaxMemory != nil {
		if o.MaxMemory, err = parseSize("max-memory", *b.MaxMemory); err != nil {
			return err
		}
	}
	if b.MaxDisk != nil {
		if o.MaxDisk, err = parseSize("max-disk", *b.MaxDisk); err != nil {
			return err
		}
	}
	if b.RetryDelay != nil {
		if o.RetryDelay, err = time.ParseDuration(*b.RetryDelay); err != nil {
			return fmt.Errorf("retry-delay: %w", err)
		}
	}

	setString(&o.JobStoreLocation, b.JobStoreLocation)
	setString(&o.WorkDir, b.WorkDir)
	setString(&o.OutputDir, b.OutputDir)
	setString(&o.FwdAdapter, b.FwdAdapter)
	setString(&o.RevAdapter, b.RevAdapter)
	if b.ArchiveFormat != nil {
		o.ArchiveFormat = model.ArchiveFormat(*b.ArchiveFormat)
	}
	if b.DisabledCategoryPolicy != nil {
		o.DisabledCategoryPolicy = model.CategoryPolicy(*b.DisabledCategoryPolicy)
	}
	return nil
}

// parseSize reads binary sizes such as "64G" or "512m". An empty string is
// zero, which max-disk reads as unbounded.
func parseSize(key, s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// translateStages resolves stage blocks against the clamped defaults. Values
// set explicitly are kept as written, so an explicit size beyond capacity is
// reported when the run starts.
func translateStages(m *model.RunManifest, blocks []*stageBlock) error {
	defaults := model.DefaultStageSpecs(m.Options.Capacity())
	for _, b := range blocks {
		kind, err := model.ParseStageKind(b.Kind)
		if err != nil {
			return err
		}
		if _, dup := m.Stages[kind]; dup {
			return fmt.Errorf("duplicate stage block %q", b.Kind)
		}
		spec := defaults[kind]
		if b.Cores != nil {
			spec.Requirement.Cores = *b.Cores
		}
		if b.Memory != nil {
			if spec.Requirement.Memory, err = parseSize("stage "+b.Kind+" memory", *b.Memory); err != nil {
				return err
			}
		}
		if b.Disk != nil {
			if spec.Requirement.Disk, err = parseSize("stage "+b.Kind+" disk", *b.Disk); err != nil {
				return err
			}
		}
		if b.Tool != nil {
			if kind == model.StagePackage {
				return fmt.Errorf("stage package runs in-process and takes no tool")
			}
			spec.Tool = *b.Tool
		}
		m.Stages[kind] = spec
	}
	return nil
}

func translateTools(m *model.RunManifest, blocks []*toolBlock) error {
	seen := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		if seen[b.Name] {
			return fmt.Errorf("duplicate tool block %q", b.Name)
		}
		seen[b.Name] = true

		spec, builtin := m.Tools[b.Name]
		switch {
		case b.Command != nil:
			spec = model.ToolSpec{Name: b.Name, Command: *b.Command}
		case !builtin:
			return fmt.Errorf("tool %q needs a command", b.Name)
		}
		if len(b.Outputs) > 0 {
			spec.Outputs = nil
			for _, o := range b.Outputs {
				spec.Outputs = append(spec.Outputs, model.ToolOutput{Tag: o.Tag, Glob: o.Glob})
			}
		}
		spec.Params = merge(spec.Params, b.Params)
		spec.Env = merge(spec.Env, b.Env)
		m.Tools[b.Name] = spec
	}
	return nil
}

func merge(base, over map[string]string) map[string]string {
	if len(over) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func translateSample(b *sampleBlock, evalCtx *hcl.EvalContext) (model.Sample, error) {
	s := model.Sample{
		ID:     b.ID,
		Inputs: model.InputDescriptor{Format: model.InputFormat(b.Format), Locations: b.Inputs},
	}
	if b.Paired != nil {
		s.Paired = *b.Paired
	}
	overrides, err := decodeOverrides(b.ID, b.Overrides, evalCtx)
	if err != nil {
		return s, err
	}
	s.Overrides = overrides
	return s, nil
}

// decodeOverrides evaluates a sample's overrides object. Keys must be
// overridable option names and values must convert to bool.
func decodeOverrides(id string, expr hcl.Expression, evalCtx *hcl.EvalContext) (model.Overrides, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("overrides of sample %s: %w", id, diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() || !(val.Type().IsObjectType() || val.Type().IsMapType()) {
		return nil, fmt.Errorf("overrides of sample %s must be an object", id)
	}

	allowed := make(map[string]bool)
	for _, k := range model.OverridableKeys() {
		allowed[k] = true
	}
	out := make(model.Overrides)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		key := k.AsString()
		if !allowed[key] {
			return nil, fmt.Errorf("sample %s: unknown override %q (allowed: %s)", id, key, strings.Join(model.OverridableKeys(), ", "))
		}
		var b bool
		if err := gocty.FromCtyValue(v, &b); err != nil {
			return nil, fmt.Errorf("sample %s: override %q: %w", id, key, err)
		}
		out[key] = b
	}
	return out, nil
}
