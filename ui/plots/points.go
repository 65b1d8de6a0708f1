// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/puddle/ml/train"
	"github.com/gomlx/puddle/pkg/support/sets"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// TrainingPointsFileName is the default file name, within a checkpoint directory, of the points
// recorded during training.
const TrainingPointsFileName = "training_points.json"

// Point is the value of one training metric at one step.
type Point struct {
	// MetricName and Short name of the metric.
	MetricName, Short string

	// MetricType is used to draw metrics with the same type (e.g.: "loss") in the same plot.
	MetricType string

	// Step of the training loop when the metric was measured.
	Step float64

	// Value of the metric.
	Value float64
}

// Points is a collection of Point organized by their Step.
type Points map[float64][]Point

// NewPoints organizes the raw points by step.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, sorted.
func (points Points) Steps() []float64 {
	return slices.Sorted(maps.Keys(points))
}

// Extract the points back to a list, sorted by step.
func (points Points) Extract() []Point {
	var rawPoints []Point
	for _, step := range points.Steps() {
		rawPoints = append(rawPoints, points[step]...)
	}
	return rawPoints
}

// MetricsNames returns the names of the metrics in the collection, sorted by their type and then by name.
func (points Points) MetricsNames() []string {
	names := sets.Make[string]()
	nameToType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			names.Insert(p.MetricName)
			nameToType[p.MetricName] = p.MetricType
		}
	}
	sorted := slices.Sorted(maps.Keys(names))
	sort.SliceStable(sorted, func(i, j int) bool {
		return nameToType[sorted[i]] < nameToType[sorted[j]]
	})
	return sorted
}

// TableForMetrics returns a table with the steps in the first column, followed by a column per metric.
// If no metrics are given, all are included.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// Recorder collects the training metrics of a loop as Points.
type Recorder struct {
	points Points
}

// AttachRecorder records the training metrics of the loop every n steps. The batch loss is skipped, since
// it fluctuates too much, in favor of its moving average and median.
func AttachRecorder(loop *train.Loop, n int) *Recorder {
	r := &Recorder{points: make(Points)}
	train.EveryNSteps(loop, n, "plots.Recorder", 0, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		r.record(loop, stepMetrics)
		return nil
	})
	return r
}

func (r *Recorder) record(loop *train.Loop, stepMetrics []*tensors.Tensor) {
	step := float64(loop.LoopStep)
	for ii, desc := range loop.Trainer.TrainMetrics() {
		if ii == 0 || ii >= len(stepMetrics) {
			continue
		}
		value := stepMetrics[ii].Scalar()
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		r.points[step] = append(r.points[step], Point{
			MetricName: desc.Name(),
			Short:      desc.ShortName(),
			MetricType: desc.MetricType(),
			Step:       step,
			Value:      value,
		})
	}
}

// Points recorded so far. The returned collection is owned by the Recorder.
func (r *Recorder) Points() Points { return r.points }

// WritePoints encodes the points as a stream of JSON objects, in step order.
func WritePoints(w io.Writer, points Points) error {
	enc := json.NewEncoder(w)
	for _, p := range points.Extract() {
		if err := enc.Encode(p); err != nil {
			return errors.Wrapf(err, "failed to encode point %+v", p)
		}
	}
	return nil
}

// SavePoints writes the points to filePath, see WritePoints.
func SavePoints(filePath string, points Points) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create points file %q", filePath)
	}
	if err = WritePoints(f, points); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing points file %q", filePath)
}

// LoadPoints reads the points saved by SavePoints.
func LoadPoints(filePath string) (Points, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read points file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var rawPoints []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding points file %q", filePath)
		}
		rawPoints = append(rawPoints, point)
	}
	return NewPoints(rawPoints), nil
}

// LossCurves plots the metrics of the given type (e.g.: metrics.LossMetricType) over the training steps,
// one line per metric, with a logarithmic y-axis.
func LossCurves(points Points, metricType string) (*plot.Plot, error) {
	byName := make(map[string]plotter.XYs)
	for _, p := range points.Extract() {
		if p.MetricType != metricType || p.Value <= 0 {
			continue
		}
		byName[p.MetricName] = append(byName[p.MetricName], plotter.XY{X: p.Step, Y: p.Value})
	}
	if len(byName) == 0 {
		return nil, errors.Errorf("plots.LossCurves(): no positive points of type %q", metricType)
	}
	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "step"
	p.Y.Label.Text = metricType
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Legend.Top = true
	for ii, name := range slices.Sorted(maps.Keys(byName)) {
		line, err := plotter.NewLine(byName[name])
		if err != nil {
			return nil, errors.Wrapf(err, "plots.LossCurves(): metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	return p, nil
}
