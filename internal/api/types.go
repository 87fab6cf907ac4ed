package api

import (
	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/merge"
	"github.com/samcharles93/lorafold/internal/safetensors"
)

type MergeRequest struct {
	Base   string `json:"base"`
	LoRA   string `json:"lora"`
	Output string `json:"output"`
	// Alpha defaults to 1 when omitted.
	Alpha   *float64 `json:"alpha,omitempty"`
	Device  string   `json:"device,omitempty"`
	Workers int      `json:"workers,omitempty"`
}

func (m MergeRequest) toRequest(cfg Config) merge.Request {
	req := merge.NewRequest(m.Base, m.LoRA, m.Output)
	if m.Alpha != nil {
		req.Alpha = *m.Alpha
	}
	req.Device = cfg.Device
	if m.Device != "" {
		req.Device = m.Device
	}
	req.Workers = cfg.Workers
	if m.Workers != 0 {
		req.Workers = m.Workers
	}
	return req
}

type InspectRequest struct {
	Path string `json:"path"`
}

type envelope struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type HealthResponse struct {
	OK      bool            `json:"ok"`
	Version string          `json:"version"`
	Devices string          `json:"devices"`
	Host    device.HostInfo `json:"host"`
}

// TensorSummary is one row of a header listing.
type TensorSummary struct {
	Name  string            `json:"name"`
	DType safetensors.DType `json:"dtype"`
	Shape []int             `json:"shape"`
	Bytes int64             `json:"bytes"`
}

// HeaderSummary describes a checkpoint without its payloads.
type HeaderSummary struct {
	Path        string            `json:"path"`
	HeaderBytes int64             `json:"header_bytes"`
	DataBytes   int64             `json:"data_bytes"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tensors     []TensorSummary   `json:"tensors"`
}

// Summarize lists hdr's tensors in name order.
func Summarize(path string, hdr *safetensors.Header) HeaderSummary {
	out := HeaderSummary{
		Path:        path,
		HeaderBytes: hdr.Len,
		DataBytes:   hdr.DataSize,
		Metadata:    hdr.Metadata,
		Tensors:     make([]TensorSummary, 0, len(hdr.Tensors)),
	}
	for _, name := range hdr.Names() {
		t := hdr.Tensors[name]
		out.Tensors = append(out.Tensors, TensorSummary{Name: name, DType: t.DType, Shape: t.Shape, Bytes: t.Size()})
	}
	return out
}
