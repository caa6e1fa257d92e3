package metrics

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Similarity selects the pairwise score used by EmbeddingSimilarity.
type Similarity int

const (
	Cosine Similarity = iota
	Dot
)

// Reduction selects how EmbeddingSimilarity reduces each row.
type Reduction int

const (
	ReduceNone Reduction = iota
	ReduceMean
	ReduceSum
)

// SimilarityOptions configures EmbeddingSimilarity.
type SimilarityOptions struct {
	Similarity   Similarity
	Reduction    Reduction
	ZeroDiagonal bool
}

// EmbeddingSimilarity scores every pair of rows of batch [n,d]. It returns an
// n×n matrix, or an n×1 column when a row reduction is requested.
func EmbeddingSimilarity(batch *mat.Dense, opts SimilarityOptions) (*mat.Dense, error) {
	n, d := batch.Dims()
	if n == 0 || d == 0 {
		return nil, errors.New("embedding similarity: empty batch")
	}
	x := mat.DenseCopyOf(batch)
	if opts.Similarity == Cosine {
		for i := 0; i < n; i++ {
			row := x.RawRowView(i)
			norm := floats.Norm(row, 2)
			if norm == 0 {
				return nil, errors.Errorf("embedding similarity: row %d has zero norm", i)
			}
			floats.Scale(1/norm, row)
		}
	}
	var sq mat.Dense
	sq.Mul(x, x.T())
	if opts.ZeroDiagonal {
		for i := 0; i < n; i++ {
			sq.Set(i, i, 0)
		}
	}
	switch opts.Reduction {
	case ReduceNone:
		return &sq, nil
	case ReduceMean, ReduceSum:
		out := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			v := floats.Sum(sq.RawRowView(i))
			if opts.Reduction == ReduceMean {
				v /= float64(n)
			}
			out.Set(i, 0, v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("embedding similarity: unknown reduction %d", opts.Reduction)
	}
}
