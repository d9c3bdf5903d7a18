// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stats

import (
	"fmt"
	"math"

	"github.com/mlnoga/ifglight/internal/raster"
	"gonum.org/v1/gonum/stat"
)

// Added to the denominator of the contrast improvement index
const ciiEpsilon = 1e-9

// Returns the contrast of a channel, i.e. the population standard deviation of its intensities
func Contrast(ch raster.Channel) (float64, error) {
	if err := ch.Validate(); err != nil {
		return 0, err
	}
	return contrastOf(ch.Data), nil
}

func contrastOf(data []uint8) float64 {
	h := NewHistogram(data)
	_, variance := h.meanVariance()
	return math.Sqrt(variance)
}

// Population mean and variance of the intensities, weighting each bin by its count
func (h *Histogram) meanVariance() (mean, variance float64) {
	x, w := make([]float64, NumBins), make([]float64, NumBins)
	for i, c := range h {
		x[i], w[i] = float64(i), float64(c)
	}
	return stat.PopMeanVariance(x, w)
}

// Returns the contrast improvement index contrast(enhanced) / (contrast(original) + eps).
// Both channels must have the same dimensions
func ContrastImprovementIndex(original, enhanced raster.Channel) (float64, error) {
	if err := original.Validate(); err != nil {
		return 0, fmt.Errorf("original: %w", err)
	}
	if err := enhanced.Validate(); err != nil {
		return 0, fmt.Errorf("enhanced: %w", err)
	}
	if original.Width != enhanced.Width || original.Height != enhanced.Height {
		return 0, fmt.Errorf("dimension mismatch %dx%d vs %dx%d", original.Width, original.Height, enhanced.Width, enhanced.Height)
	}
	co, ce := contrastOf(original.Data), contrastOf(enhanced.Data)
	if co == ce {
		return 1, nil // identical spread, including the flat case
	}
	return ce / (co + ciiEpsilon), nil
}

// Basic statistics of a channel, for log output
type Basic struct {
	Min    uint8   `json:"min"`
	Max    uint8   `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Bits   float64 `json:"entropy"`
}

// Calculate basic statistics of an 8-bit channel
func CalcBasic(ch raster.Channel) (*Basic, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	h := NewHistogram(ch.Data)
	lo, hi := h.Range()
	mean, variance := h.meanVariance()
	return &Basic{
		Min:    uint8(lo),
		Max:    uint8(hi),
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Bits:   h.Entropy(),
	}, nil
}

// Pretty print basic stats to string
func (b *Basic) String() string {
	return fmt.Sprintf("Min %d Max %d Mean %.4g StdDev %.4g Entropy %.4g bits", b.Min, b.Max, b.Mean, b.StdDev, b.Bits)
}
