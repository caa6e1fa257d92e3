package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func sameShape(op string, a, b *Tensor) {
	if len(a.data) != len(b.data) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.shape, b.shape))
	}
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	sameShape("add", a, b)
	data := make([]float64, len(a.data))
	floats.AddTo(data, a.data, b.data)
	out := derive(a.shape, data, a, b)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 { return [][]float64{g, g} }
	}
	return out
}

// Sub returns a - b elementwise.
func Sub(a, b *Tensor) *Tensor {
	sameShape("sub", a, b)
	data := make([]float64, len(a.data))
	floats.SubTo(data, a.data, b.data)
	out := derive(a.shape, data, a, b)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			neg := make([]float64, len(g))
			floats.ScaleTo(neg, -1, g)
			return [][]float64{g, neg}
		}
	}
	return out
}

// Mul returns a * b elementwise.
func Mul(a, b *Tensor) *Tensor {
	sameShape("mul", a, b)
	data := make([]float64, len(a.data))
	floats.MulTo(data, a.data, b.data)
	out := derive(a.shape, data, a, b)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			ga := make([]float64, len(g))
			gb := make([]float64, len(g))
			floats.MulTo(ga, g, b.data)
			floats.MulTo(gb, g, a.data)
			return [][]float64{ga, gb}
		}
	}
	return out
}

// MulScalar returns a * s.
func MulScalar(a *Tensor, s float64) *Tensor {
	data := make([]float64, len(a.data))
	floats.ScaleTo(data, s, a.data)
	out := derive(a.shape, data, a)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			ga := make([]float64, len(g))
			floats.ScaleTo(ga, s, g)
			return [][]float64{ga}
		}
	}
	return out
}

// AddScalar returns a + s.
func AddScalar(a *Tensor, s float64) *Tensor {
	data := append([]float64(nil), a.data...)
	floats.AddConst(s, data)
	out := derive(a.shape, data, a)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 { return [][]float64{g} }
	}
	return out
}

// Square returns a * a elementwise.
func Square(a *Tensor) *Tensor {
	return Mul(a, a)
}

// Tanh applies tanh elementwise.
func Tanh(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = math.Tanh(v)
	}
	out := derive(a.shape, data, a)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			ga := make([]float64, len(g))
			for i, y := range data {
				ga[i] = g[i] * (1 - y*y)
			}
			return [][]float64{ga}
		}
	}
	return out
}

// Sum reduces a to a scalar.
func Sum(a *Tensor) *Tensor {
	out := derive(nil, []float64{floats.Sum(a.data)}, a)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			ga := make([]float64, len(a.data))
			floats.AddConst(g[0], ga)
			return [][]float64{ga}
		}
	}
	return out
}

// Mean reduces a to its scalar mean.
func Mean(a *Tensor) *Tensor {
	if len(a.data) == 0 {
		panic("tensor: mean of empty tensor")
	}
	return MulScalar(Sum(a), 1/float64(len(a.data)))
}

// MeanOf averages one-element tensors, keeping every input in the graph.
func MeanOf(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: MeanOf needs at least one tensor")
	}
	var sum float64
	for _, t := range ts {
		sum += t.Item()
	}
	n := float64(len(ts))
	out := derive(nil, []float64{sum / n}, ts...)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			gs := make([][]float64, len(ts))
			for i := range ts {
				gs[i] = []float64{g[0] / n}
			}
			return gs
		}
	}
	return out
}

func dense(t *Tensor) *mat.Dense {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: expected a matrix, got shape %v", t.shape))
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}

// MatMul multiplies a [m,k] by b [k,n].
func MatMul(a, b *Tensor) *Tensor {
	am, bm := dense(a), dense(b)
	var c mat.Dense
	c.Mul(am, bm)
	r, cols := c.Dims()
	out := derive([]int{r, cols}, c.RawMatrix().Data, a, b)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			gm := mat.NewDense(r, cols, g)
			var ga, gb mat.Dense
			ga.Mul(gm, bm.T())
			gb.Mul(am.T(), gm)
			return [][]float64{ga.RawMatrix().Data, gb.RawMatrix().Data}
		}
	}
	return out
}

// AddRow adds the vector v [n] to every row of a [m,n].
func AddRow(a, v *Tensor) *Tensor {
	if len(a.shape) != 2 || a.shape[1] != len(v.data) {
		panic(fmt.Sprintf("tensor: cannot broadcast %v over rows of %v", v.shape, a.shape))
	}
	m, n := a.shape[0], a.shape[1]
	data := append([]float64(nil), a.data...)
	for i := 0; i < m; i++ {
		floats.Add(data[i*n:(i+1)*n], v.data)
	}
	out := derive(a.shape, data, a, v)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			gv := make([]float64, n)
			for i := 0; i < m; i++ {
				floats.Add(gv, g[i*n:(i+1)*n])
			}
			return [][]float64{g, gv}
		}
	}
	return out
}

// SoftmaxCrossEntropy returns the mean negative log-likelihood of labels
// under the row-wise softmax of logits [m,c].
func SoftmaxCrossEntropy(logits *Tensor, labels []int) *Tensor {
	if len(logits.shape) != 2 || logits.shape[0] != len(labels) {
		panic(fmt.Sprintf("tensor: logits %v do not match %d labels", logits.shape, len(labels)))
	}
	m, c := logits.shape[0], logits.shape[1]
	probs := make([]float64, len(logits.data))
	var loss float64
	for i := 0; i < m; i++ {
		row := logits.data[i*c : (i+1)*c]
		p := probs[i*c : (i+1)*c]
		maxLogit := floats.Max(row)
		for j, v := range row {
			p[j] = math.Exp(v - maxLogit)
		}
		floats.Scale(1/floats.Sum(p), p)
		label := ((labels[i] % c) + c) % c
		loss -= math.Log(math.Max(p[label], 1e-12))
	}
	out := derive(nil, []float64{loss / float64(m)}, logits)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			gl := append([]float64(nil), probs...)
			for i := 0; i < m; i++ {
				label := ((labels[i] % c) + c) % c
				gl[i*c+label] -= 1
			}
			floats.Scale(g[0]/float64(m), gl)
			return [][]float64{gl}
		}
	}
	return out
}

// Narrow returns length entries of a starting at start along axis.
func Narrow(a *Tensor, axis, start, length int) *Tensor {
	if axis < 0 || axis >= len(a.shape) || start < 0 || start+length > a.shape[axis] {
		panic(fmt.Sprintf("tensor: narrow(%d, %d, %d) out of range for %v", axis, start, length, a.shape))
	}
	outer := numel(a.shape[:axis])
	inner := numel(a.shape[axis+1:])
	dim := a.shape[axis]
	shape := a.Shape()
	shape[axis] = length
	data := make([]float64, outer*length*inner)
	for o := 0; o < outer; o++ {
		src := a.data[(o*dim+start)*inner : (o*dim+start+length)*inner]
		copy(data[o*length*inner:(o+1)*length*inner], src)
	}
	out := derive(shape, data, a)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			ga := make([]float64, len(a.data))
			for o := 0; o < outer; o++ {
				copy(ga[(o*dim+start)*inner:(o*dim+start+length)*inner], g[o*length*inner:(o+1)*length*inner])
			}
			return [][]float64{ga}
		}
	}
	return out
}

// Chunks splits a along axis into consecutive pieces of at most size entries.
func Chunks(a *Tensor, axis, size int) []*Tensor {
	if size <= 0 {
		panic("tensor: chunk size must be positive")
	}
	dim := a.shape[axis]
	var out []*Tensor
	for start := 0; start < dim; start += size {
		n := size
		if start+n > dim {
			n = dim - start
		}
		out = append(out, Narrow(a, axis, start, n))
	}
	return out
}

// ConcatRows stacks tensors along axis 0. Every input must have the same
// trailing shape.
func ConcatRows(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatRows needs at least one tensor")
	}
	trailing := ts[0].shape[1:]
	rows := 0
	var data []float64
	for _, t := range ts {
		if len(t.shape) == 0 || !equalShape(t.shape[1:], trailing) {
			panic(fmt.Sprintf("tensor: concat shape mismatch %v vs %v", ts[0].shape, t.shape))
		}
		rows += t.shape[0]
		data = append(data, t.data...)
	}
	shape := append([]int{rows}, trailing...)
	out := derive(shape, data, ts...)
	if out.requiresGrad {
		out.backward = func(g []float64) [][]float64 {
			gs := make([][]float64, len(ts))
			off := 0
			for i, t := range ts {
				gs[i] = g[off : off+len(t.data)]
				off += len(t.data)
			}
			return gs
		}
	}
	return out
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
