package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vk/rnaflow/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields under their run file names: max_cores becomes max-cores.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return strings.ReplaceAll(name, "_", "-")
	})
	return v
}

// Validate checks a manifest's options, stage settings and tool definitions,
// and that every stage names a defined tool. Sample descriptors are not
// checked; an invalid sample fails alone when its graph is built.
func Validate(m *model.RunManifest) error {
	if err := validate.Struct(m.Options); err != nil {
		return invalid(describe("run", err))
	}
	for _, kind := range model.StageKinds {
		spec := m.Stage(kind)
		if err := validate.Struct(spec.Requirement); err != nil {
			return invalid(describe("stage "+string(kind), err))
		}
		if kind == model.StagePackage {
			continue
		}
		if _, ok := m.Tools[spec.Tool]; !ok {
			return invalid(fmt.Errorf("stage %s uses undefined tool %q (defined: %s)", kind, spec.Tool, strings.Join(toolNames(m), ", ")))
		}
	}
	for _, name := range toolNames(m) {
		if err := validate.Struct(m.Tools[name]); err != nil {
			return invalid(describe("tool "+name, err))
		}
	}
	return nil
}

func describe(scope string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%s: %w", scope, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		// Drop the Go type name that leads the namespace.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s (got %v)", field, rule, fe.Value()))
	}
	return fmt.Errorf("%s: %s", scope, strings.Join(msgs, "; "))
}

func toolNames(m *model.RunManifest) []string {
	names := make([]string, 0, len(m.Tools))
	for name := range m.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
