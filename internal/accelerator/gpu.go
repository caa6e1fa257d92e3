package accelerator

import (
	"fmt"
	"log"

	"loopforge/internal/errs"
	"loopforge/internal/model"
	"loopforge/internal/tensor"
)

// GPU runs on a single accelerator device. Kernels execute on the host;
// the backend owns placement and mixed precision.
type GPU struct {
	base
}

// NewGPU returns a single-device backend.
func NewGPU(cfg Config) (*GPU, error) {
	if cfg.Devices > 1 {
		return nil, errs.Configf("gpu backend drives one device, use dp or ddp for %d", cfg.Devices)
	}
	return &GPU{base: newBase(cfg, tensor.GPU(0))}, nil
}

func (g *GPU) Name() string { return fmt.Sprintf("gpu(%s)", g.device) }

func (g *GPU) Setup(m model.Module) error {
	log.Printf("backend=gpu device=%s precision=%d", g.device, g.precision)
	return g.base.Setup(m)
}
