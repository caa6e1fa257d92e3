package accelerator

import (
	"log"

	"loopforge/internal/errs"
	"loopforge/internal/model"
	"loopforge/internal/tensor"
)

// CPU runs everything on the host at full precision.
type CPU struct {
	base
}

// NewCPU returns the host backend.
func NewCPU(cfg Config) (*CPU, error) {
	if cfg.Precision == 16 {
		return nil, errs.Configf("16-bit precision needs an accelerator, not the cpu backend")
	}
	return &CPU{base: newBase(cfg, tensor.Host)}, nil
}

func (c *CPU) Name() string { return "cpu" }

func (c *CPU) Setup(m model.Module) error {
	h := DescribeHost()
	log.Printf("backend=cpu host=%q cores=%d threads=%d avx2=%v avx512=%v",
		h.Brand, h.PhysicalCores, h.LogicalCores, h.AVX2, h.AVX512)
	return c.base.Setup(m)
}
