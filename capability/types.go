package capability

import (
	"fmt"
	"strings"
)

// ComputeAPI identifies a GPU compute interface a device can drive.
type ComputeAPI string

const (
	ComputeCUDA   ComputeAPI = "cuda"
	ComputeROCm   ComputeAPI = "rocm"
	ComputeVulkan ComputeAPI = "vulkan"
	ComputeMetal  ComputeAPI = "metal"
	ComputeOpenCL ComputeAPI = "opencl"
)

// Valid reports whether the compute API is one of the supported values.
func (a ComputeAPI) Valid() bool {
	switch a {
	case ComputeCUDA, ComputeROCm, ComputeVulkan, ComputeMetal, ComputeOpenCL:
		return true
	default:
		return false
	}
}

// NormalizeComputeAPI canonicalises a compute API symbol to its lowercase form.
func NormalizeComputeAPI(symbol string) (ComputeAPI, error) {
	api := ComputeAPI(strings.ToLower(strings.TrimSpace(symbol)))
	if !api.Valid() {
		return "", fmt.Errorf("unsupported compute api: %s", symbol)
	}
	return api, nil
}

// StorageTier orders the storage technologies a node can advertise. The zero
// value means the node did not report a tier and matches only unconstrained
// requirements.
type StorageTier string

const (
	TierHDD  StorageTier = "hdd"
	TierSSD  StorageTier = "ssd"
	TierNVMe StorageTier = "nvme"
)

func (t StorageTier) rank() int {
	switch t {
	case TierHDD:
		return 1
	case TierSSD:
		return 2
	case TierNVMe:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether the tier is at least as fast as the requested one in
// the ordering HDD < SSD < NVMe.
func (t StorageTier) AtLeast(want StorageTier) bool {
	if want == "" {
		return true
	}
	return t.rank() >= want.rank()
}

// GPU describes a single accelerator device.
type GPU struct {
	Vendor string       `json:"vendor"`
	Model  string       `json:"model"`
	VRAMMB int64        `json:"vram_mb"`
	APIs   []ComputeAPI `json:"compute_apis"`
}

// Supports reports whether the device drives every listed compute API.
func (g GPU) Supports(apis []ComputeAPI) bool {
	for _, want := range apis {
		found := false
		for _, have := range g.APIs {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CPU describes the host processor.
type CPU struct {
	Cores        int      `json:"cores"`
	Threads      int      `json:"threads"`
	Architecture string   `json:"architecture"`
	Features     []string `json:"features,omitempty"`
}

// Memory describes host RAM in megabytes.
type Memory struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
}

// Storage describes node scratch space in gigabytes.
type Storage struct {
	TotalGB     int64       `json:"total_gb"`
	AvailableGB int64       `json:"available_gb"`
	Type        StorageTier `json:"type,omitempty"`
}

// Descriptor is the immutable hardware and software advertisement a node sends
// when it registers. A fresh descriptor replaces the old one on reconnect.
type Descriptor struct {
	NodeID      string   `json:"node_id,omitempty"`
	GPUs        []GPU    `json:"gpus,omitempty"`
	CPU         CPU      `json:"cpu"`
	Memory      Memory   `json:"memory"`
	Storage     Storage  `json:"storage"`
	Docker      bool     `json:"docker"`
	MCPAdapters []string `json:"mcp_adapters,omitempty"`
}

// HasAdapter reports whether the node can execute payloads of the named
// adapter. Docker availability is accepted as a universal fallback.
func (d Descriptor) HasAdapter(name string) bool {
	if name == "" {
		return true
	}
	for _, adapter := range d.MCPAdapters {
		if strings.EqualFold(adapter, name) {
			return true
		}
	}
	return d.Docker
}
