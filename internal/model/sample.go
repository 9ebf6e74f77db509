// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines samples and their input descriptors.
//
// Why validate here?
//
// A malformed descriptor (odd paired-fastq count, a tar with two files) is a
// build-time graph error that must fail exactly one sample before any stage
// is dispatched. Validation lives on the type so the loader and the graph
// builder agree on the rules.
package model

import (
	"fmt"
	"regexp"

	"github.com/vk/rnaflow/internal/flowerr"
)

// InputFormat tags how a sample's input locations are interpreted.
type InputFormat string

const (
	// FormatTar is a single tarball containing fastq files.
	FormatTar InputFormat = "tar"
	// FormatPairedFastq is an ordered list alternating R1 and R2 files.
	FormatPairedFastq InputFormat = "paired-fastq"
	// FormatSingleFastq is one or more single-end fastq files.
	FormatSingleFastq InputFormat = "single-fastq"
)

// sampleIDPattern excludes every separator used by record keys ("/") and
// archive names (".").
var sampleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidSampleID reports whether id is usable as a sample identifier.
func ValidSampleID(id string) bool {
	return sampleIDPattern.MatchString(id)
}

// InputDescriptor lists where a sample's reads live.
type InputDescriptor struct {
	Format InputFormat `json:"format"`
	// Locations are local paths or URLs, passed to tools unchanged.
	Locations []string `json:"locations"`
}

// Pairs returns the R1/R2 pairs of a paired-fastq descriptor in manifest order.
func (d InputDescriptor) Pairs() [][2]string {
	if d.Format != FormatPairedFastq {
		return nil
	}
	pairs := make([][2]string, 0, len(d.Locations)/2)
	for i := 0; i+1 < len(d.Locations); i += 2 {
		pairs = append(pairs, [2]string{d.Locations[i], d.Locations[i+1]})
	}
	return pairs
}

// Paired reports whether the reads are paired-end. Tar inputs follow the
// manifest's pairing column, carried in Sample.Paired.
func (d InputDescriptor) Paired() bool {
	return d.Format == FormatPairedFastq
}

// Sample is one RNA-seq unit of work.
type Sample struct {
	ID     string          `json:"id"`
	Inputs InputDescriptor `json:"inputs"`
	// Paired overrides pairing detection for tar inputs.
	Paired    bool      `json:"paired,omitempty"`
	Overrides Overrides `json:"overrides,omitempty"`
}

// IsPaired reports whether the sample's reads are paired-end.
func (s *Sample) IsPaired() bool {
	return s.Inputs.Paired() || (s.Inputs.Format == FormatTar && s.Paired)
}

// Validate checks the sample's identifier and input descriptor. Every failure
// is an ErrInvalidSample.
func (s *Sample) Validate() error {
	if !ValidSampleID(s.ID) {
		return flowerr.ErrInvalidSample.GenWithStackByArgs(s.ID, "identifier must match "+sampleIDPattern.String())
	}
	locs := s.Inputs.Locations
	for i, loc := range locs {
		if loc == "" {
			return flowerr.ErrInvalidSample.GenWithStackByArgs(s.ID, fmt.Sprintf("input location %d is empty", i))
		}
	}
	switch s.Inputs.Format {
	case FormatTar:
		if len(locs) != 1 {
			return flowerr.ErrInvalidSample.GenWithStackByArgs(s.ID, fmt.Sprintf("tar input takes exactly one location, got %d", len(locs)))
		}
	case FormatPairedFastq:
		if len(locs) == 0 || len(locs)%2 != 0 {
			return flowerr.ErrInvalidSample.GenWithStackByArgs(s.ID, fmt.Sprintf("paired fastq requires an even, non-zero number of locations, got %d", len(locs)))
		}
	case FormatSingleFastq:
		if len(locs) == 0 {
			return flowerr.ErrInvalidSample.GenWithStackByArgs(s.ID, "single fastq requires at least one location")
		}
	default:
		return flowerr.ErrInvalidSample.GenWithStackByArgs(s.ID, fmt.Sprintf("unknown input format %q", s.Inputs.Format))
	}
	return nil
}
