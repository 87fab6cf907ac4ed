package merge

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/lora"
	"github.com/samcharles93/lorafold/internal/safetensors"
)

var (
	ErrMissingTarget  = errors.New("missing target tensor")
	ErrInvalidRequest = errors.New("invalid merge request")

	// ErrShapeMismatch is shared with the resolver so callers test one value.
	ErrShapeMismatch = lora.ErrShapeMismatch
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindNone              Kind = ""
	KindCorruptHeader     Kind = "corrupt_header"
	KindUnsupportedDType  Kind = "unsupported_dtype"
	KindUnpairedAdapter   Kind = "unpaired_adapter"
	KindNoAdapters        Kind = "no_adapters"
	KindMissingTarget     Kind = "missing_target"
	KindShapeMismatch     Kind = "shape_mismatch"
	KindInvalidAlpha      Kind = "invalid_alpha"
	KindIO                Kind = "io"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindInvalidRequest    Kind = "invalid_request"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal"
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidRequest, KindInvalidRequest},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
	{safetensors.ErrCorruptHeader, KindCorruptHeader},
	{safetensors.ErrUnsupportedDType, KindUnsupportedDType},
	{lora.ErrUnpairedAdapter, KindUnpairedAdapter},
	{lora.ErrNoAdapters, KindNoAdapters},
	{ErrMissingTarget, KindMissingTarget},
	{ErrShapeMismatch, KindShapeMismatch},
	{lora.ErrInvalidAlpha, KindInvalidAlpha},
	{device.ErrUnavailable, KindDeviceUnavailable},
}

// KindOf classifies err. A nil error has KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	var (
		pathErr *fs.PathError
		linkErr *os.LinkError
		sysErr  *os.SyscallError
	)
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.As(err, &sysErr) {
		return KindIO
	}
	return KindInternal
}
