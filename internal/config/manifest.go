package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vk/rnaflow/internal/model"
)

// ReadManifest parses a tab separated sample sheet with four columns:
// file type (tar or fq), pairing (paired or single), sample id and a comma
// separated list of input URLs. Blank lines and lines starting with '#' are
// ignored.
//
// The URL count is not checked here. A paired fastq row with an odd count
// yields a sample that fails on its own.
func ReadManifest(path string) ([]model.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseManifest(path, f)
}

func parseManifest(name string, r io.Reader) ([]model.Sample, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var samples []model.Sample
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading manifest %s: %w", name, err)
		}
		line, _ := cr.FieldPos(0)
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) != 4 {
			return nil, fmt.Errorf("manifest %s line %d: expected 4 tab separated columns, got %d", name, line, len(row))
		}
		fileType, pairing, id, urls := strings.TrimSpace(row[0]), strings.TrimSpace(row[1]), strings.TrimSpace(row[2]), row[3]
		if fileType != "tar" && fileType != "fq" {
			return nil, fmt.Errorf("manifest %s line %d: 1st column must be \"tar\" or \"fq\", got %q", name, line, fileType)
		}
		if pairing != "paired" && pairing != "single" {
			return nil, fmt.Errorf("manifest %s line %d: 2nd column must be \"paired\" or \"single\", got %q", name, line, pairing)
		}

		var locations []string
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				locations = append(locations, u)
			}
		}
		s := model.Sample{ID: id, Inputs: model.InputDescriptor{Locations: locations}}
		switch {
		case fileType == "tar":
			s.Inputs.Format = model.FormatTar
			s.Paired = pairing == "paired"
		case pairing == "paired":
			s.Inputs.Format = model.FormatPairedFastq
		default:
			s.Inputs.Format = model.FormatSingleFastq
		}
		samples = append(samples, s)
	}
}
