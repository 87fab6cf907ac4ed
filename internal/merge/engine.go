package merge

import (
	"context"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/lora"
	"github.com/samcharles93/lorafold/internal/safetensors"
	"github.com/samcharles93/lorafold/internal/tensor"
)

// Placer moves a matrix onto a device. Merge routes every upload and the
// final download through one.
type Placer interface {
	Place(dev device.Device, m *tensor.Mat) (*tensor.Mat, error)
}

// Engine is the set of operations a merge run is built from.
type Engine interface {
	Placer

	Read(path string) (*safetensors.Checkpoint, error)
	Write(path string, c *safetensors.Checkpoint) error
	Resolve(ctx context.Context, adapter *safetensors.Checkpoint, conv lora.Convention) ([]lora.Pair, []lora.Skip, error)
	Device(selector string, opts device.Options) (device.Device, error)
	Merge(ctx context.Context, base, adapter *safetensors.Checkpoint, pairs []lora.Pair, opts Options) (*safetensors.Checkpoint, Stats, error)
}

// DefaultEngine wires the codec, resolver, device registry and Merge.
type DefaultEngine struct{}

var _ Engine = DefaultEngine{}

func (DefaultEngine) Read(path string) (*safetensors.Checkpoint, error) {
	return safetensors.Read(path)
}

func (DefaultEngine) Write(path string, c *safetensors.Checkpoint) error {
	return safetensors.Write(path, c)
}

func (DefaultEngine) Resolve(ctx context.Context, adapter *safetensors.Checkpoint, conv lora.Convention) ([]lora.Pair, []lora.Skip, error) {
	return lora.Resolve(ctx, adapter, conv)
}

func (DefaultEngine) Device(selector string, opts device.Options) (device.Device, error) {
	return device.Select(selector, opts)
}

func (DefaultEngine) Place(dev device.Device, m *tensor.Mat) (*tensor.Mat, error) {
	return dev.Place(m)
}

func (DefaultEngine) Merge(ctx context.Context, base, adapter *safetensors.Checkpoint, pairs []lora.Pair, opts Options) (*safetensors.Checkpoint, Stats, error) {
	return Merge(ctx, base, adapter, pairs, opts)
}
