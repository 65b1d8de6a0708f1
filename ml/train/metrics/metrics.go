// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds host-side training metrics: they are updated with the loss values
// returned by each training step, and reported by the progress bar and the training summaries.
//
// The loss itself is computed in the graph (see package compiler), so the metrics here only
// aggregate scalars over time.
package metrics

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/puddle/types/tensors"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in
	// progress bars or similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics, used for instance
	// to plot them together.
	MetricType() string

	// Update the metric with new values (typically one batch loss per step), and returns its
	// current value.
	Update(values ...float64) float64

	// Value returns the current value of the metric.
	Value() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value *tensors.Tensor) string

	// Reset metrics internal counters, when starting a new run.
	Reset()
}

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value *tensors.Tensor) string

const (
	// LossMetricType is the MetricType of loss metrics.
	LossMetricType = "loss"

	// BatchLossName is the name of the batch loss metric, always the first metric returned by a training step.
	BatchLossName = "Batch Loss"
)

// base implements the naming and printing part of Interface.
type base struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn
}

func (m *base) Name() string       { return m.name }
func (m *base) ShortName() string  { return m.shortName }
func (m *base) MetricType() string { return m.metricType }

func (m *base) PrettyPrint(value *tensors.Tensor) string {
	if m.pPrintFn != nil {
		return m.pPrintFn(value)
	}
	return prettyPrint(value)
}

// prettyPrint is the default metric pretty-printer.
func prettyPrint(value *tensors.Tensor) string {
	if value == nil {
		return "<nil>"
	}
	if !value.IsScalar() {
		return value.String()
	}
	v := value.Scalar()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprintf("%f", v)
	}
	if v != 0 && math.Abs(v) < 1e-3 {
		return fmt.Sprintf("%.3e", v)
	}
	return humanize.FormatFloat("#,###.####", v)
}

// Last is a metric that simply reports the last value given: it is used for the batch loss.
type Last struct {
	base
	value float64
}

// NewBatchLoss returns the metric that reports the loss of the last batch.
func NewBatchLoss() *Last {
	return &Last{base: base{name: BatchLossName, shortName: "batch", metricType: LossMetricType}}
}

// Update implements Interface.
func (m *Last) Update(values ...float64) float64 {
	if len(values) > 0 {
		m.value = values[len(values)-1]
	}
	return m.value
}

// Value implements Interface.
func (m *Last) Value() float64 { return m.value }

// Reset implements Interface.
func (m *Last) Reset() { m.value = 0 }

// MovingAverage keeps an exponential moving average of the values given to Update.
//
// While fewer than 1/(1-decay) values were seen it uses the plain mean, so the first values are
// not biased towards 0.
type MovingAverage struct {
	base
	decay float64
	count int
	value float64
}

// NewMovingAverage creates a MovingAverage metric with the given decay, a value in (0, 1).
// Larger decays average over longer periods.
func NewMovingAverage(name, shortName, metricType string, decay float64, prettyPrintFn PrettyPrintFn) *MovingAverage {
	if decay <= 0 || decay >= 1 {
		panic(fmt.Sprintf("metrics.NewMovingAverage(%q): decay must be in (0, 1), got %g", name, decay))
	}
	return &MovingAverage{
		base:  base{name: name, shortName: shortName, metricType: metricType, pPrintFn: prettyPrintFn},
		decay: decay,
	}
}

// NewMovingAverageLoss returns the default moving average of the batch loss, used by the trainer.
func NewMovingAverageLoss() *MovingAverage {
	return NewMovingAverage("Moving Average Loss", "~loss", LossMetricType, 0.99, nil)
}

// Update implements Interface.
func (m *MovingAverage) Update(values ...float64) float64 {
	for _, v := range values {
		m.count++
		weight := max(m.decay, 1-1/float64(m.count))
		m.value = weight*m.value + (1-weight)*v
	}
	return m.value
}

// Value implements Interface.
func (m *MovingAverage) Value() float64 { return m.value }

// Reset implements Interface.
func (m *MovingAverage) Reset() {
	m.count = 0
	m.value = 0
}
