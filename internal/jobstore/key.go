package jobstore

import (
	"strings"

	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/model"
)

// ManifestKey is where the run manifest is stored.
const ManifestKey = "_run/manifest"

// Key identifies one node's record.
type Key struct {
	SampleID string
	Stage    model.StageKind
}

// KeyOf returns the key of a record.
func KeyOf(r *model.JobRecord) Key {
	return Key{SampleID: r.SampleID, Stage: r.Stage}
}

// String serializes the key into its canonical `<sampleId>/<stage>` form.
func (k Key) String() string {
	return k.SampleID + "/" + string(k.Stage)
}

// SamplePrefix returns the ListByPrefix argument matching every record of a sample.
func SamplePrefix(sampleID string) string {
	return sampleID + "/"
}

// ParseKey converts the canonical string form back into a Key.
func ParseKey(raw string) (Key, error) {
	sampleID, stage, ok := strings.Cut(raw, "/")
	if !ok || strings.Contains(stage, "/") {
		return Key{}, flowerr.ErrInvalidKey.GenWithStackByArgs(raw)
	}
	if !model.ValidSampleID(sampleID) {
		return Key{}, flowerr.ErrInvalidKey.GenWithStackByArgs(raw)
	}
	kind, err := model.ParseStageKind(stage)
	if err != nil {
		return Key{}, flowerr.ErrInvalidKey.Wrap(err).GenWithStackByArgs(raw)
	}
	return Key{SampleID: sampleID, Stage: kind}, nil
}

func (k Key) validate() error {
	_, err := ParseKey(k.String())
	return err
}
