package parallelrunner

import "errors"

// Sentinel errors, one per row of spec.md §7's error-handling table. Each is
// wrapped with additional detail at its raise site via fmt.Errorf("%w: ...")
// so callers can still match with errors.Is.
var (
	ErrModelNotFound  = errors.New("model not found")
	ErrModelLoad      = errors.New("model load failed")
	ErrTokenization   = errors.New("tokenization failed")
	ErrSamplerInit    = errors.New("sampler initialization failed")
	ErrModelStep      = errors.New("model step failed")
	ErrDetokenization = errors.New("detokenization failed")
)
