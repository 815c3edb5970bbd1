package capability

import (
	"errors"
	"fmt"
)

var errNegative = errors.New("capability: requirement values must be non-negative")

// GPURequirements constrains accelerator selection. PreferredVendor is a soft
// hint consumed by scoring only, never by the match predicate.
type GPURequirements struct {
	Count           int          `json:"count,omitempty"`
	MinVRAMMB       int64        `json:"min_vram_mb,omitempty"`
	Requires        []ComputeAPI `json:"requires,omitempty"`
	PreferredVendor string       `json:"preferred_vendor,omitempty"`
}

// CPURequirements constrains the host processor.
type CPURequirements struct {
	MinCores         int      `json:"min_cores,omitempty"`
	MinThreads       int      `json:"min_threads,omitempty"`
	RequiredFeatures []string `json:"required_features,omitempty"`
}

// MemoryRequirements constrains available RAM.
type MemoryRequirements struct {
	MinMB int64 `json:"min_mb,omitempty"`
}

// StorageRequirements constrains available scratch space.
type StorageRequirements struct {
	MinGB int64       `json:"min_gb,omitempty"`
	Type  StorageTier `json:"type,omitempty"`
}

// Requirements is the job-side half of the matching predicate. Nil sections
// are unconstrained.
type Requirements struct {
	GPU            *GPURequirements     `json:"gpu,omitempty"`
	CPU            *CPURequirements     `json:"cpu,omitempty"`
	Memory         *MemoryRequirements  `json:"memory,omitempty"`
	Storage        *StorageRequirements `json:"storage,omitempty"`
	MCPAdapter     string               `json:"mcp_adapter,omitempty"`
	MaxCostCents   int64                `json:"max_cost_cents"`
	TimeoutSeconds int64                `json:"timeout_seconds,omitempty"`
}

// Validate checks the requirement values against the capability schema. It
// does not mutate the receiver.
func (r Requirements) Validate() error {
	if r.MaxCostCents < 0 || r.TimeoutSeconds < 0 {
		return errNegative
	}
	if gpu := r.GPU; gpu != nil {
		if gpu.Count < 0 || gpu.MinVRAMMB < 0 {
			return errNegative
		}
		for _, api := range gpu.Requires {
			if !api.Valid() {
				return fmt.Errorf("capability: unsupported compute api %q", api)
			}
		}
	}
	if cpu := r.CPU; cpu != nil {
		if cpu.MinCores < 0 || cpu.MinThreads < 0 {
			return errNegative
		}
	}
	if mem := r.Memory; mem != nil && mem.MinMB < 0 {
		return errNegative
	}
	if st := r.Storage; st != nil {
		if st.MinGB < 0 {
			return errNegative
		}
		if st.Type != "" && st.Type.rank() == 0 {
			return fmt.Errorf("capability: unknown storage tier %q", st.Type)
		}
	}
	return nil
}
