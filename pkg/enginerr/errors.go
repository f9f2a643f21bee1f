// Package enginerr holds the sentinel errors for the error taxonomy
// named in the spec: configuration errors, the "preprocessing
// triggered" interrupt, and the fatal storage/decoder/device error
// kinds that workers do not recover from.
package enginerr

import "errors"

var (
	// ErrConfiguration marks kind (a): missing or malformed CLI/config input.
	ErrConfiguration = errors.New("configuration error")

	// ErrPreprocessingTriggered marks kind (b): a required sidecar was
	// missing, the preprocessor was invoked, and the run must stop so
	// a follow-up invocation can proceed. Not a failure.
	ErrPreprocessingTriggered = errors.New("preprocessing triggered, rerun after it completes")

	// ErrStorage marks kind (c): fatal storage I/O failure.
	ErrStorage = errors.New("storage error")

	// ErrDecoder marks kind (d): fatal decoder failure.
	ErrDecoder = errors.New("decoder error")

	// ErrDevice marks kind (e): fatal GPU/device failure.
	ErrDevice = errors.New("device error")
)
