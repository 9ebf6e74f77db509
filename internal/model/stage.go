// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the stage kinds and node states.
//
// Why string-backed enums?
//
// Both types are persisted inside job records and used to build store keys, so
// their wire form must survive reordering of the constants. Using the string
// itself as the value makes records readable with nothing but `cat`.
package model

import "fmt"

// StageKind identifies one processing step of a sample DAG.
type StageKind string

const (
	// StageUnpack is the implicit step that expands a tar input into fastq files.
	StageUnpack StageKind = "unpack"
	// StageQualityCheck runs read-level quality control on the raw reads.
	StageQualityCheck StageKind = "quality-check"
	// StageAdapterTrim removes adapter sequences from the reads.
	StageAdapterTrim StageKind = "adapter-trim"
	// StageAlign aligns the (trimmed) reads against the reference.
	StageAlign StageKind = "align"
	// StageQuantifyMethodA is the first quantifier. It depends only on Align.
	StageQuantifyMethodA StageKind = "quantify-method-a"
	// StageQuantifyMethodB is the second quantifier, a sibling of method A.
	StageQuantifyMethodB StageKind = "quantify-method-b"
	// StageAlignQC aggregates QC over the alignment.
	StageAlignQC StageKind = "align-qc"
	// StagePackage assembles the per-sample output archive.
	StagePackage StageKind = "package"
)

// StageKinds lists every kind in canonical topological order. Graph iteration,
// record listing and reports all follow this order.
var StageKinds = []StageKind{
	StageUnpack,
	StageQualityCheck,
	StageAdapterTrim,
	StageAlign,
	StageQuantifyMethodA,
	StageQuantifyMethodB,
	StageAlignQC,
	StagePackage,
}

// ParseStageKind converts the persisted form back into a StageKind.
func ParseStageKind(s string) (StageKind, error) {
	for _, k := range StageKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown stage kind %q", s)
}

// Order returns the position of the kind in StageKinds, or -1.
func (k StageKind) Order() int {
	for i, known := range StageKinds {
		if known == k {
			return i
		}
	}
	return -1
}

func (k StageKind) String() string {
	return string(k)
}

// State is the execution state of a stage node.
type State string

const (
	// Pending indicates the node is waiting for its dependencies.
	Pending State = "pending"
	// Ready indicates all dependencies are satisfied and the node awaits admission.
	Ready State = "ready"
	// Running indicates the node has been dispatched.
	Running State = "running"
	// Succeeded indicates the node finished and its outputs are recorded.
	Succeeded State = "succeeded"
	// Failed indicates the node exhausted its retries.
	Failed State = "failed"
	// Skipped indicates the node was never attempted due to an upstream failure.
	Skipped State = "skipped"
)

// Terminal reports whether no further transition is possible within a run.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped
}

// ParseState converts the persisted form back into a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case Pending, Ready, Running, Succeeded, Failed, Skipped:
		return st, nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}
