package device

import "github.com/samcharles93/lorafold/internal/tensor"

type cpuDevice struct {
	workers int
}

// NewCPU returns the host device.
func NewCPU(opts Options) Device {
	return &cpuDevice{workers: opts.Workers}
}

func (d *cpuDevice) Name() string { return CPU }

func (d *cpuDevice) Place(m *tensor.Mat) (*tensor.Mat, error) {
	switch m.Device {
	case CPU:
		return m, nil
	case "":
		m.Device = CPU
		return m, nil
	default:
		// Accelerators keep a host-visible copy in Data; download it.
		out := tensor.NewMat(m.R, m.C)
		copy(out.Data, m.Data)
		out.Device = CPU
		return out, nil
	}
}

func (d *cpuDevice) GemmAcc(dst, a, b *tensor.Mat, alpha float32) error {
	return tensor.GemmAcc(dst, a, b, alpha, d.workers)
}
