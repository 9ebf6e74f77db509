// Package flowerr defines the coded errors shared across the orchestrator.
//
// Errors are normalized with an RFC code so that callers can classify a
// failure (fatal to the run, fatal to one sample, absorbed by a retry) no
// matter how many layers wrapped it on the way up.
package flowerr

import (
	perrors "github.com/pingcap/errors"
)

var (
	// ErrStoreUnavailable means the job store could not durably complete an
	// operation. No further progress can be recorded, so the run stops.
	ErrStoreUnavailable = perrors.Normalize(
		"job store unavailable: %s",
		perrors.RFCCodeText("RNAFLOW:ErrStoreUnavailable"),
	)
	// ErrInvalidKey is returned for malformed job record keys.
	ErrInvalidKey = perrors.Normalize(
		"invalid job record key %q",
		perrors.RFCCodeText("RNAFLOW:ErrInvalidKey"),
	)
	// ErrResourceOversized is returned when a requirement can never fit the
	// configured capacity.
	ErrResourceOversized = perrors.Normalize(
		"stage %s requires %s which exceeds total capacity %s",
		perrors.RFCCodeText("RNAFLOW:ErrResourceOversized"),
	)
	// ErrInvalidSample is a build-time graph error. It fails one sample only.
	ErrInvalidSample = perrors.Normalize(
		"invalid sample %q: %s",
		perrors.RFCCodeText("RNAFLOW:ErrInvalidSample"),
	)
	// ErrInvalidConfig is returned by the config loader.
	ErrInvalidConfig = perrors.Normalize(
		"invalid configuration: %s",
		perrors.RFCCodeText("RNAFLOW:ErrInvalidConfig"),
	)
	// ErrToolFailed wraps a failed tool invocation after retries are exhausted.
	ErrToolFailed = perrors.Normalize(
		"stage %s failed after %d attempt(s)",
		perrors.RFCCodeText("RNAFLOW:ErrToolFailed"),
	)
	// ErrPackaging is a sample's terminal error when its archive cannot be built.
	ErrPackaging = perrors.Normalize(
		"packaging sample %q failed",
		perrors.RFCCodeText("RNAFLOW:ErrPackaging"),
	)
	// ErrRunCancelled is returned by a run that was aborted before reaching
	// a terminal state.
	ErrRunCancelled = perrors.Normalize(
		"run cancelled",
		perrors.RFCCodeText("RNAFLOW:ErrRunCancelled"),
	)
)

// Is reports whether any error in err's chain carries the code of target.
// It follows both the standard Unwrap chain and the Cause chain used by
// pingcap/errors.
func Is(err error, target *perrors.Error) bool {
	for err != nil {
		if coded, ok := err.(*perrors.Error); ok && coded.RFCCode() == target.RFCCode() {
			return true
		}
		err = next(err)
	}
	return false
}

func next(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}
	if c, ok := err.(interface{ Cause() error }); ok {
		if cause := c.Cause(); cause != err {
			return cause
		}
	}
	return nil
}

// Fatal reports whether err must terminate the whole run rather than a
// single sample.
func Fatal(err error) bool {
	return Is(err, ErrStoreUnavailable) || Is(err, ErrResourceOversized) || Is(err, ErrInvalidConfig)
}
