package safetensors

import "errors"

var (
	// ErrCorruptHeader reports a file that is not a valid checkpoint: a
	// truncated length prefix, an unparsable header, or byte ranges that do
	// not tile the data segment.
	ErrCorruptHeader = errors.New("corrupt safetensors header")

	// ErrUnsupportedDType reports a dtype tag the codec cannot interpret.
	ErrUnsupportedDType = errors.New("unsupported dtype")

	ErrTensorNotFound = errors.New("tensor not found")
	ErrClosed         = errors.New("checkpoint closed")
)
