// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

// StreamingMedian implements a metric that keeps an approximate median of a metric from a streaming
// input.
type StreamingMedian struct {
	base

	markers  [5]float64
	counters [5]int64
}

// NewStreamingMedian creates a streaming median metric over the per-step values given to Update.
//
// If Update is given batch losses (the mean over a batch), this will return a median of the
// batch means. This may be a reasonable approximation, but something to be mindful.
//
// It uses the P^2 algorithm, described in the paper https://dl.acm.org/doi/abs/10.1145/4372.4378,
// and in a more friendly way in the post in: https://www.baeldung.com/cs/streaming-median
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewStreamingMedian(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *StreamingMedian {
	return &StreamingMedian{
		base: base{name: name, shortName: shortName, metricType: metricType, pPrintFn: prettyPrintFn},
	}
}

// Update implements Interface.
func (m *StreamingMedian) Update(values ...float64) float64 {
	for _, x := range values {
		if m.counters[4] == 0 {
			// This is the very first element:
			for i := range 5 {
				m.markers[i] = x
				if i > 0 {
					m.counters[i] = 1
				}
			}
			continue
		}

		// Update the first and last markers and counters:
		m.markers[0] = min(x, m.markers[0])
		m.markers[4] = max(x, m.markers[4])
		// m.counter[0] is always 0.
		m.counters[4]++ // Always incremented.
		for i := 1; i < 4; i++ {
			if x <= m.markers[i] {
				m.counters[i]++
			}
		}

		// Find inner ideal counters:
		var idealCounters [5]float64
		currentN := float64(m.counters[4])
		p2quantiles := [5]float64{0, 0.25, 0.5, 0.75, 1}
		for i := 1; i < 4; i++ {
			idealCounters[i] = p2quantiles[i] * (currentN - 1)
		}

		// Adjust counts and markers where needed:
		for i := 1; i < 4; i++ {
			d := idealCounters[i] - float64(m.counters[i])
			if d >= 1 {
				d = 1
				if m.counters[i] >= m.counters[i+1] || m.markers[i] >= m.markers[i+1] {
					// No margin to adjust markers[i] or counters[i].
					continue
				}
			} else if d <= -1 {
				d = -1
				if m.counters[i] <= m.counters[i-1] || m.markers[i] <= m.markers[i-1] {
					// No margin to adjust markers[i] or counters[i].
					continue
				}
			} else {
				// The difference is not large enough that we need to adjust counts.
				continue
			}

			// Update the counter by d_i
			nCurrent := float64(m.counters[i])
			nPrevious := float64(m.counters[i-1])
			nNext := float64(m.counters[i+1])
			qPrevious := m.markers[i-1]
			qCurrent := m.markers[i]
			qNext := m.markers[i+1]

			deltaNPrevious := nCurrent - nPrevious
			deltaNNext := nNext - nCurrent
			deltaNOuter := nNext - nPrevious

			deltaQPrevious := qCurrent - qPrevious
			deltaQNext := qNext - qCurrent
			deltaQOuter := qNext - qPrevious

			qNew := m.markers[i] // Default to no change if interpolation fails

			// Attempt Parabolic Interpolation
			if deltaNPrevious > 0 && deltaNNext > 0 && deltaNOuter > 0 {
				adjustmentAmount := d / deltaNOuter
				term1 := (deltaNPrevious + d) * deltaQNext / deltaNNext
				term2 := (deltaNNext - d) * deltaQPrevious / deltaNPrevious
				qNew = qCurrent + adjustmentAmount*(term1+term2)

			} else if deltaNOuter > 0 {
				// Linear interpolation between neighbor markers:
				qNew = qPrevious + (deltaNPrevious+d)*deltaQOuter/deltaNOuter

			} else {
				// All markers are at the same rank (clumped), cannot interpolate.
				qNew = m.markers[i]
			}
			m.markers[i] = qNew // Commit the new marker value
			m.counters[i] += int64(d)
		}
	}
	return m.markers[2]
}

// Value returns the current median estimate.
func (m *StreamingMedian) Value() float64 { return m.markers[2] }

// Reset implements Interface.
func (m *StreamingMedian) Reset() {
	m.markers = [5]float64{0, 0, 0, 0, 0}
	m.counters = [5]int64{0, 0, 0, 0, 0}
}
