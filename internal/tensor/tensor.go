package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DeviceKind identifies the class of compute target a tensor lives on.
type DeviceKind int

const (
	KindCPU DeviceKind = iota
	KindGPU
)

// Device is a compute target. GPU devices are logical: placement is tracked,
// kernels run on the host.
type Device struct {
	Kind  DeviceKind
	Index int
}

// Host is the CPU device.
var Host = Device{Kind: KindCPU}

// GPU returns the logical accelerator device with the given index.
func GPU(index int) Device {
	return Device{Kind: KindGPU, Index: index}
}

func (d Device) String() string {
	if d.Kind == KindGPU {
		return fmt.Sprintf("gpu:%d", d.Index)
	}
	return "cpu"
}

// Tensor is a dense float64 array that records the operations producing it
// so gradients can be propagated back to the leaf parameters.
type Tensor struct {
	name         string
	data         []float64
	shape        []int
	device       Device
	requiresGrad bool
	leaf         bool
	grad         []float64

	parents  []*Tensor
	backward func(g []float64) [][]float64
}

// New wraps data with the given shape. The tensor takes ownership of data.
func New(shape []int, data []float64) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: shape %v does not match %d values", shape, len(data)))
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...), leaf: true, device: Host}
}

// Scalar returns a 0-d tensor holding v.
func Scalar(v float64) *Tensor {
	return New(nil, []float64{v})
}

// Zeros returns a tensor of the given shape filled with zeros.
func Zeros(shape ...int) *Tensor {
	return New(shape, make([]float64, numel(shape)))
}

// NewParameter returns a named leaf tensor that accumulates gradients.
func NewParameter(name string, shape []int, data []float64) *Tensor {
	t := New(shape, data)
	t.name = name
	t.requiresGrad = true
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Name returns the parameter name, empty for intermediate tensors.
func (t *Tensor) Name() string { return t.name }

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data exposes the underlying values. Mutating it bypasses autodiff.
func (t *Tensor) Data() []float64 { return t.data }

// Device returns the device the tensor is placed on.
func (t *Tensor) Device() Device { return t.device }

// RequiresGrad reports whether operations on t are recorded.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// IsLeaf reports whether t was created directly rather than by an operation.
func (t *Tensor) IsLeaf() bool { return t.leaf }

// SetRequiresGrad toggles gradient tracking on a leaf tensor.
func (t *Tensor) SetRequiresGrad(v bool) {
	if !t.leaf {
		panic("tensor: requires_grad can only be changed on leaf tensors")
	}
	t.requiresGrad = v
}

// Grad returns the accumulated gradient, nil before the first backward pass.
func (t *Tensor) Grad() []float64 { return t.grad }

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item called on tensor with %d elements", len(t.data)))
	}
	return t.data[0]
}

// Detach returns a tensor sharing t's values with no gradient history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{name: t.name, data: t.data, shape: t.shape, device: t.device, leaf: true}
}

// Clone returns a detached deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		name:   t.name,
		data:   append([]float64(nil), t.data...),
		shape:  append([]int(nil), t.shape...),
		device: t.device,
		leaf:   true,
	}
}

// To returns t placed on d. A tensor already on d is returned as is; a
// transfer keeps the gradient history.
func (t *Tensor) To(d Device) *Tensor {
	if t.device == d {
		return t
	}
	out := derive(t.shape, append([]float64(nil), t.data...), t)
	out.device = d
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 { return [][]float64{g} }
	}
	return out
}

// MoveTo places a leaf tensor on d in place, keeping its identity so
// optimizers holding it stay valid.
func (t *Tensor) MoveTo(d Device) {
	t.device = d
}

// Backward propagates gradients from a one-element tensor to every leaf that
// requires them.
func (t *Tensor) Backward() error {
	if len(t.data) != 1 {
		return errors.Errorf("backward requires a scalar, got shape %v", t.shape)
	}
	if !t.requiresGrad {
		return errors.New("backward called on a tensor that does not require grad")
	}
	order := topo(t)
	grads := map[*Tensor][]float64{t: {1}}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		g := grads[n]
		if g == nil {
			continue
		}
		if n.leaf {
			if n.requiresGrad {
				if n.grad == nil {
					n.grad = make([]float64, len(n.data))
				}
				floats.Add(n.grad, g)
			}
			continue
		}
		pg := n.backward(g)
		for j, p := range n.parents {
			if pg[j] == nil || !p.requiresGrad {
				continue
			}
			if grads[p] == nil {
				grads[p] = make([]float64, len(p.data))
			}
			floats.Add(grads[p], pg[j])
		}
	}
	return nil
}

func topo(root *Tensor) []*Tensor {
	var order []*Tensor
	seen := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if seen[n] || !n.requiresGrad {
			return
		}
		seen[n] = true
		for _, p := range n.parents {
			visit(p)
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

// derive builds an operation result. The result only records its parents
// when at least one of them requires grad.
func derive(shape []int, data []float64, parents ...*Tensor) *Tensor {
	out := &Tensor{data: data, shape: append([]int(nil), shape...)}
	if len(parents) > 0 {
		out.device = parents[0].device
	}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.parents = parents
	} else {
		out.leaf = true
	}
	return out
}
