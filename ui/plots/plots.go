// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots draws exported variables of a system, and the losses recorded during training, to image
// files using gonum.org/v1/plot.
//
//	uFn := must.M1(sys.Export(u))
//	p := must.M1(plots.LineGraph(uFn, 0, 1, 200))
//	must.M(plots.Save(p, "u.png"))
package plots

import (
	"fmt"

	"github.com/gomlx/puddle/system"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var (
	// Width and Height of the images created by Save.
	Width, Height = 8 * vg.Inch, 6 * vg.Inch

	// HeatMapColors is the number of colors in the palette of heat maps.
	HeatMapColors = 255
)

// Save the plot to filePath. The format is taken from the extension of the file: e.g. ".png", ".svg" or ".pdf".
func Save(p *plot.Plot, filePath string) error {
	if err := p.Save(Width, Height, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot %q to %q", p.Title.Text, filePath)
	}
	return nil
}

// linspace returns n values evenly spaced in [lower, upper].
func linspace(lower, upper float64, n int) []float64 {
	values := make([]float64, n)
	if n == 1 {
		values[0] = lower
		return values
	}
	step := (upper - lower) / float64(n-1)
	for ii := range values {
		values[ii] = lower + step*float64(ii)
	}
	values[n-1] = upper
	return values
}

// checkScalarArguments returns an error if fn doesn't have exactly n scalar arguments.
func checkScalarArguments(what string, fn *system.Exported, n int) error {
	if fn == nil {
		return errors.Errorf("%s: nil function", what)
	}
	args := fn.Arguments()
	if len(args) != n {
		return errors.Errorf("%s: %s must have %d argument(s), it has %d", what, fn, n, len(args))
	}
	for _, arg := range args {
		if arg.Rank() != 0 {
			return errors.Errorf("%s: argument %s of %s must be a scalar, it has shape %s", what, arg, fn, arg.Shape())
		}
	}
	return nil
}

// components returns the number of components of each item of the value of fn.
func components(value *tensors.Tensor) int {
	if value.Rank() == 1 {
		return 1
	}
	return value.Shape().Size() / value.BatchSize()
}

// LineGraph plots fn, a function of one scalar argument, over numPoints points evenly spaced in
// [lower, upper]. Each component of a vector valued fn is a separate line.
func LineGraph(fn *system.Exported, lower, upper float64, numPoints int) (*plot.Plot, error) {
	const what = "plots.LineGraph()"
	if err := checkScalarArguments(what, fn, 1); err != nil {
		return nil, err
	}
	if numPoints < 2 || lower >= upper {
		return nil, errors.Errorf("%s: invalid range [%g, %g] with %d points", what, lower, upper, numPoints)
	}
	xs := linspace(lower, upper, numPoints)
	value, err := fn.Eval(xs)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: evaluating %s", what, fn)
	}

	p := plot.New()
	p.Title.Text = fn.String()
	p.X.Label.Text = fn.Arguments()[0].Name()
	p.Y.Label.Text = fn.Variable().Name()
	p.Legend.Top = true
	numComponents := components(value)
	flat := value.Flat()
	for component := range numComponents {
		points := make(plotter.XYs, numPoints)
		for ii, x := range xs {
			points[ii].X = x
			points[ii].Y = flat[ii*numComponents+component]
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: component %d of %s", what, component, fn)
		}
		line.Color = plotutil.Color(component)
		p.Add(line)
		if numComponents > 1 {
			p.Legend.Add(fmt.Sprintf("%s[%d]", fn.Variable().Name(), component), line)
		}
	}
	return p, nil
}

// grid of values of a function of two arguments, implements plotter.GridXYZ.
type grid struct {
	xs, ys []float64

	// z values indexed by [row*len(xs)+column].
	z []float64

	// components of the function evaluated, of which z holds one.
	components int
}

var _ plotter.GridXYZ = (*grid)(nil)

func (g *grid) Dims() (c, r int)           { return len(g.xs), len(g.ys) }
func (g *grid) Z(c, r int) float64         { return g.z[r*len(g.xs)+c] }
func (g *grid) X(c int) float64            { return g.xs[c] }
func (g *grid) Y(r int) float64            { return g.ys[r] }
func (g *grid) at(c, r int) (x, y float64) { return g.xs[c], g.ys[r] }

// evalGrid evaluates the component of fn over a grid of resolution[0] x resolution[1] points over the
// rectangle [xRange[0], xRange[1]] x [yRange[0], yRange[1]].
func evalGrid(fn *system.Exported, component int, xRange, yRange [2]float64, resolution [2]int) (*grid, error) {
	g := &grid{
		xs: linspace(xRange[0], xRange[1], resolution[0]),
		ys: linspace(yRange[0], yRange[1], resolution[1]),
	}
	numItems := len(g.xs) * len(g.ys)
	xColumn, yColumn := make([]float64, numItems), make([]float64, numItems)
	for r := range g.ys {
		for c := range g.xs {
			xColumn[r*len(g.xs)+c], yColumn[r*len(g.xs)+c] = g.at(c, r)
		}
	}
	value, err := fn.Eval(xColumn, yColumn)
	if err != nil {
		return nil, err
	}
	g.components = components(value)
	if component < 0 || component >= g.components {
		return nil, errors.Errorf("component %d out of range, %s has %d component(s)", component, fn, g.components)
	}
	flat := value.Flat()
	g.z = make([]float64, numItems)
	for ii := range g.z {
		g.z[ii] = flat[ii*g.components+component]
	}
	return g, nil
}

// HeatMap plots one component of fn, a function of two scalar arguments, over the rectangle
// xRange x yRange, evaluated on a grid of resolution[0] x resolution[1] points. For a scalar fn
// component must be 0.
func HeatMap(fn *system.Exported, component int, xRange, yRange [2]float64, resolution [2]int) (*plot.Plot, error) {
	const what = "plots.HeatMap()"
	if err := checkScalarArguments(what, fn, 2); err != nil {
		return nil, err
	}
	if xRange[0] >= xRange[1] || yRange[0] >= yRange[1] || resolution[0] < 2 || resolution[1] < 2 {
		return nil, errors.Errorf("%s: invalid ranges %v x %v with resolution %v", what, xRange, yRange, resolution)
	}
	g, err := evalGrid(fn, component, xRange, yRange, resolution)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", what)
	}
	args := fn.Arguments()
	p := plot.New()
	p.Title.Text = fn.String()
	if g.components > 1 {
		p.Title.Text = fmt.Sprintf("%s[%d]", p.Title.Text, component)
	}
	p.X.Label.Text = args[0].Name()
	p.Y.Label.Text = args[1].Name()
	p.Add(plotter.NewHeatMap(g, moreland.SmoothBlueRed().Palette(HeatMapColors)))
	return p, nil
}
