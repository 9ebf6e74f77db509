// Package app contains the process-level lifecycle of rnaflow: it builds the
// logger, loads the run file, drives a run to completion and serves the
// status endpoints, decoupled from any specific entrypoint like the CLI.
package app
