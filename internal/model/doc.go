// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package model holds the format-agnostic data model shared by every part of
// the orchestrator: samples and their input descriptors, the closed set of
// stage kinds, node states, resource requirements, persisted job records and
// the run manifest.
//
// # Core Concepts
//
//   - RunManifest: the read-only root of a run. It aggregates the ordered
//     samples, the global Options and the per-stage and per-tool settings
//     produced by the config loader.
//
//   - Sample: one unit of RNA-seq work. Its InputDescriptor selects how the
//     stage graph is rooted (tar archive vs. fastq files).
//
//   - StageKind: the closed enumeration of processing steps. Its string form is
//     stable because it is part of every persisted job record key.
//
//   - JobRecord: the durable projection of one (sample, stage) node. Only the
//     job store writes it; everything else reads it through the store.
//
// Why a separate model package?
//
// The loader, the graph builder, the scheduler and the job store all speak
// these types, and none of them should import each other just to share a
// struct. Keeping the model free of behaviour beyond validation and
// formatting keeps that dependency graph a tree.
package model
