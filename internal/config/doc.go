// Package config loads a run file into a validated model.RunManifest.
//
// A run file is HCL. Every block maps onto a closed Go struct decoded with
// gohcl, so an unknown attribute or block is a load error:
//
//	manifest = "samples.tsv"
//
//	run {
//	  max-cores          = 16
//	  max-memory         = "64G"
//	  job-store-location = "pebble://./jobstore"
//	  output-dir         = "s3://bucket/results"
//	}
//
//	stage "align" {
//	  cores  = 16
//	  memory = "48G"
//	}
//
//	tool "align" {
//	  params = { star_index = "/ref/star" }
//	}
//
//	sample "S1" {
//	  format    = "paired-fastq"
//	  inputs    = ["S1_R1.fq.gz", "S1_R2.fq.gz"]
//	  overrides = { "enable-align-qc" = true }
//	}
//
// Expressions may read the process environment through the `env` object,
// e.g. `job-store-location = "s3://${env.RNAFLOW_BUCKET}/jobs"`.
package config
