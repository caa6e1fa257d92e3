package accelerator

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"

	"loopforge/internal/tensor"
)

// ToDevice moves the tensor leaves of a nested []any / map[string]any batch
// to d. Containers whose leaves are already on d are returned as is, so a
// batch shared by several optimizers is never copied twice.
func ToDevice(batch any, d tensor.Device) any {
	out, _ := toDevice(batch, d)
	return out
}

func toDevice(batch any, d tensor.Device) (any, bool) {
	switch b := batch.(type) {
	case *tensor.Tensor:
		if b == nil {
			return b, false
		}
		moved := b.To(d)
		return moved, moved != b
	case []any:
		var out []any
		for i, v := range b {
			moved, changed := toDevice(v, d)
			if changed && out == nil {
				out = append([]any(nil), b...)
			}
			if out != nil {
				out[i] = moved
			}
		}
		if out == nil {
			return b, false
		}
		return out, true
	case map[string]any:
		var out map[string]any
		for k, v := range b {
			moved, changed := toDevice(v, d)
			if !changed {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(b))
				for kk, vv := range b {
					out[kk] = vv
				}
			}
			out[k] = moved
		}
		if out == nil {
			return b, false
		}
		return out, true
	default:
		return batch, false
	}
}

// HostInfo describes the host CPU.
type HostInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
}

// DescribeHost inspects the host CPU.
func DescribeHost() HostInfo {
	c := cpuid.CPU
	return HostInfo{
		Brand:         c.BrandName,
		PhysicalCores: c.PhysicalCores,
		LogicalCores:  c.LogicalCores,
		AVX2:          c.Supports(cpuid.AVX2),
		AVX512:        c.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// Workers returns a sensible default number of loader workers.
func (h HostInfo) Workers() int {
	if h.PhysicalCores > 0 {
		return h.PhysicalCores
	}
	return runtime.NumCPU()
}
