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
	"math"

	"github.com/mlnoga/ifglight/internal/raster"
	"gonum.org/v1/gonum/stat"
)

// Number of bins of an 8-bit intensity histogram
const NumBins = 256

// Frequency histogram of 8-bit intensities. Sum over all bins equals the number of samples
type Histogram [NumBins]int

// Calculate histogram of 8-bit data
func NewHistogram(data []uint8) (h Histogram) {
	for _, d := range data {
		h[d]++
	}
	return h
}

// Returns the number of samples in the histogram
func (h *Histogram) Total() (sum int) {
	for _, v := range h {
		sum += v
	}
	return sum
}

// Returns the histogram as a probability distribution, with zero bins dropped
func (h *Histogram) Probabilities() []float64 {
	total := float64(h.Total())
	p := make([]float64, 0, NumBins)
	if total == 0 {
		return p
	}
	for _, v := range h {
		if v > 0 {
			p = append(p, float64(v)/total)
		}
	}
	return p
}

// Returns the Shannon entropy of the histogram in bits
func (h *Histogram) Entropy() float64 {
	p := h.Probabilities()
	if len(p) <= 1 {
		return 0 // a single intensity carries no information
	}
	return stat.Entropy(p) / math.Ln2
}

// Returns the Shannon entropy in bits of the intensity histogram of the given channel
func Entropy(ch raster.Channel) (float64, error) {
	if err := ch.Validate(); err != nil {
		return 0, err
	}
	return EntropyOf(ch.Data), nil
}

// Returns the Shannon entropy in bits of the intensity histogram of the given samples
func EntropyOf(data []uint8) float64 {
	h := NewHistogram(data)
	return h.Entropy()
}

// Returns the lowest and highest occupied bin, or -1,-1 for an empty histogram
func (h *Histogram) Range() (lo, hi int) {
	lo, hi = -1, -1
	for i, v := range h {
		if v == 0 {
			continue
		}
		if lo < 0 {
			lo = i
		}
		hi = i
	}
	return lo, hi
}
