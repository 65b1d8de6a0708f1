// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"math"

	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
	"gonum.org/v1/gonum/mat"
)

// HyperplaneSampler draws the values of one space from a bounded hyperplane (a parallelotope): each item
// is `origin + axes·latent`, where latent is drawn uniformly from `[0, 1)^intrinsic`. Every equation is given
// the same weight, 1/#equations.
//
// E.g.: to sample the segment from (0, 0) to (0, 2) of a 2D space, use origin `{0, 0}` and axes `{{0}, {2}}`.
type HyperplaneSampler struct {
	*base
	space  *variables.Variable
	origin *mat.VecDense
	axes   *mat.Dense // ambient x intrinsic.
}

var _ Sampler = (*HyperplaneSampler)(nil)

// NewHyperplaneSampler creates a HyperplaneSampler for space, which must be a scalar or a vector space of
// dimension "ambient". origin must have ambient values, and axes must be a matrix with ambient rows and
// "intrinsic" columns (the dimension of the hyperplane), with 0 < intrinsic <= ambient.
func NewHyperplaneSampler(space *variables.Variable, origin []float64, axes [][]float64, equations []*variables.Variable,
	opts ...Option) (*HyperplaneSampler, error) {
	const what = "NewHyperplaneSampler()"
	if space == nil {
		return nil, errs.Configurationf("%s: nil space", what)
	}
	b, err := newBase(what, []*variables.Variable{space}, equations, opts)
	if err != nil {
		return nil, err
	}
	if len(b.equations) == 0 {
		return nil, errs.Configurationf("%s: no equations given", what)
	}
	if space.Rank() > 1 {
		return nil, errs.Configurationf("%s: space %s must be a scalar or a vector", what, space)
	}
	ambient := space.Size()
	if len(origin) != ambient {
		return nil, errs.Configurationf("%s: origin has %d values, space %s has dimension %d", what, len(origin), space, ambient)
	}
	if len(axes) != ambient {
		return nil, errs.Configurationf("%s: axes has %d rows, space %s has dimension %d", what, len(axes), space, ambient)
	}
	intrinsic := len(axes[0])
	if intrinsic == 0 || intrinsic > ambient {
		return nil, errs.Configurationf("%s: axes must have between 1 and %d columns, got %d", what, ambient, intrinsic)
	}
	axesMat := mat.NewDense(ambient, intrinsic, nil)
	for row, values := range axes {
		if len(values) != intrinsic {
			return nil, errs.Configurationf("%s: axes row #%d has %d columns, row #0 has %d", what, row, len(values), intrinsic)
		}
		for col, value := range values {
			if math.IsNaN(value) || math.IsInf(value, 0) {
				return nil, errs.Configurationf("%s: axes must be finite, got %g at (%d, %d)", what, value, row, col)
			}
		}
		axesMat.SetRow(row, values)
	}
	for _, value := range origin {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, errs.Configurationf("%s: origin must be finite, got %v", what, origin)
		}
	}
	return &HyperplaneSampler{
		base:   b,
		space:  space,
		origin: mat.NewVecDense(ambient, append([]float64(nil), origin...)),
		axes:   axesMat,
	}, nil
}

// Intrinsic returns the dimension of the hyperplane.
func (s *HyperplaneSampler) Intrinsic() int {
	_, cols := s.axes.Dims()
	return cols
}

// Sample implements Sampler.
func (s *HyperplaneSampler) Sample(size int) (*Sample, error) {
	if err := s.checkSize("HyperplaneSampler", size); err != nil {
		return nil, err
	}
	ambient, intrinsic := s.axes.Dims()
	latent := mat.NewDense(size, intrinsic, nil)
	for ii := range size {
		for jj := range intrinsic {
			latent.Set(ii, jj, s.rng.Float64())
		}
	}

	// points = latent · axesᵀ + origin, one row per item.
	points := mat.NewDense(size, ambient, nil)
	points.Mul(latent, s.axes.T())
	for ii := range size {
		row := points.RowView(ii).(*mat.VecDense)
		row.AddVec(row, s.origin)
	}

	sample := newSample()
	sample.Values[s.space.ID()] = tensors.FromFlatDataAndDimensions(points.RawMatrix().Data, batchShape(s.space, size)...)
	s.equalWeights(sample, size)
	return sample, nil
}
