package device

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// HostInfo describes the machine the CPU device runs on.
type HostInfo struct {
	GoVersion string          `json:"go_version"`
	GoOS      string          `json:"go_os"`
	GoArch    string          `json:"go_arch"`
	CPUs      int             `json:"cpus"`
	Brand     string          `json:"brand,omitempty"`
	Cores     int             `json:"physical_cores,omitempty"`
	Features  map[string]bool `json:"features"`
}

// Vector extensions relevant to the float kernels.
var hostFeatures = []struct {
	name string
	id   cpuid.FeatureID
}{
	{"AVX", cpuid.AVX},
	{"AVX2", cpuid.AVX2},
	{"FMA", cpuid.FMA3},
	{"F16C", cpuid.F16C},
	{"AVX512F", cpuid.AVX512F},
	{"AVX512BF16", cpuid.AVX512BF16},
	{"AVX512FP16", cpuid.AVX512FP16},
	{"AVXVNNI", cpuid.AVXVNNI},
	{"ASIMD", cpuid.ASIMD},
	{"FPHP", cpuid.FPHP},
}

// Host reports the runtime and CPU feature set of the current machine.
func Host() HostInfo {
	features := make(map[string]bool, len(hostFeatures))
	for _, f := range hostFeatures {
		features[f.name] = cpuid.CPU.Supports(f.id)
	}
	return HostInfo{
		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		Brand:     cpuid.CPU.BrandName,
		Cores:     cpuid.CPU.PhysicalCores,
		Features:  features,
	}
}

// Supported lists the names of the detected features in a fixed order.
func (h HostInfo) Supported() []string {
	var out []string
	for _, f := range hostFeatures {
		if h.Features[f.name] {
			out = append(out, f.name)
		}
	}
	return out
}
