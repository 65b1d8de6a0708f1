// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamingMedian(t *testing.T) {
	// Create an asymmetric sequence with known median:
	metric := NewStreamingMedian("median", "med", LossMetricType, nil)

	// Sample from 0.01 < r < 1.0 randomly (so median r is expected to be 0.99/2 = 0.495),
	// and then feed StreamingMedian values of 1/r (so median is expected to be 1/0.495 = 2.0202020...).
	const numExamples = 100_001
	rng := rand.New(rand.NewPCG(42, 0))
	var median float64
	values := make([]float64, 0, numExamples)
	for range numExamples {
		r := rng.Float64()*0.99 + 0.01
		r = 1 / r
		values = append(values, r)
		median = metric.Update(r)
	}
	slices.Sort(values)
	want := values[numExamples/2]
	fmt.Printf("\tgot median=%.5g, wanted median=%.5g\n", median, want)
	require.InDelta(t, want, median, 0.01)
	require.Equal(t, median, metric.Value())

	metric.Reset()
	require.Equal(t, 3.0, metric.Update(3))
}
