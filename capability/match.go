package capability

// Satisfies reports whether the descriptor meets every hard constraint in the
// requirements. Soft hints such as PreferredVendor never affect the outcome.
func (d Descriptor) Satisfies(r Requirements) bool {
	if gpu := r.GPU; gpu != nil {
		count := gpu.Count
		if count == 0 {
			count = 1
		}
		if len(d.GPUs) < count {
			return false
		}
		// VRAM and API support are separate requirements; any device may
		// satisfy each.
		if gpu.MinVRAMMB > 0 {
			enough := false
			for _, device := range d.GPUs {
				if device.VRAMMB >= gpu.MinVRAMMB {
					enough = true
					break
				}
			}
			if !enough {
				return false
			}
		}
		if len(gpu.Requires) > 0 {
			supported := false
			for _, device := range d.GPUs {
				if device.Supports(gpu.Requires) {
					supported = true
					break
				}
			}
			if !supported {
				return false
			}
		}
	}
	if cpu := r.CPU; cpu != nil {
		if d.CPU.Cores < cpu.MinCores {
			return false
		}
		if cpu.MinThreads > 0 && d.CPU.Threads < cpu.MinThreads {
			return false
		}
		for _, feature := range cpu.RequiredFeatures {
			if !hasFeature(d.CPU.Features, feature) {
				return false
			}
		}
	}
	if mem := r.Memory; mem != nil && d.Memory.AvailableMB < mem.MinMB {
		return false
	}
	if st := r.Storage; st != nil {
		if d.Storage.AvailableGB < st.MinGB {
			return false
		}
		if !d.Storage.Type.AtLeast(st.Type) {
			return false
		}
	}
	if r.MCPAdapter != "" && !d.HasAdapter(r.MCPAdapter) {
		return false
	}
	return true
}

// PrefersVendor reports whether the descriptor carries a GPU from the vendor
// hinted at in the requirements. Used only as a scoring input.
func (d Descriptor) PrefersVendor(r Requirements) bool {
	if r.GPU == nil || r.GPU.PreferredVendor == "" {
		return false
	}
	for _, device := range d.GPUs {
		if device.Vendor == r.GPU.PreferredVendor {
			return true
		}
	}
	return false
}

func hasFeature(features []string, want string) bool {
	for _, feature := range features {
		if feature == want {
			return true
		}
	}
	return false
}
