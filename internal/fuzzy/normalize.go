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

// Package fuzzy implements the intuitionistic fuzzy intensity model: normalization
// of a channel to [0,1], membership/non-membership/hesitancy generation, entropy-driven
// selection of the generator parameter k, and defuzzification back to intensities.
package fuzzy

import (
	"math"

	"github.com/mlnoga/ifglight/internal/raster"
	"gonum.org/v1/gonum/floats"
)

// Rescales data to [0,1] via (x-min)/(max-min). A constant input yields all zeros
func Normalize(data []float64) []float64 {
	res := make([]float64, len(data))
	normalizeTo(res, data)
	return res
}

// Writes the rescaled data into res, which may alias data
func normalizeTo(res, data []float64) {
	if len(data) == 0 {
		return
	}
	mn, mx := floats.Min(data), floats.Max(data)
	denom := mx - mn
	if denom == 0 {
		denom = 1
	}
	for i, d := range data {
		res[i] = (d - mn) / denom
	}
}

// Rescales a plane to [0,1]
func NormalizePlane(p raster.Plane) raster.Plane {
	return raster.Plane{Width: p.Width, Height: p.Height, Data: Normalize(p.Data)}
}

// Converts an 8-bit channel to floating point and rescales it to [0,1]
func NormalizeChannel(ch raster.Channel) raster.Plane {
	p := ch.ToPlane()
	normalizeTo(p.Data, p.Data)
	return p
}

// Quantizes a [0,1] plane to 8 bits via round(x*255), clamping out of range values
func Quantize(p raster.Plane) raster.Channel {
	ch := raster.NewChannel(p.Width, p.Height)
	for i, d := range p.Data {
		ch.Data[i] = toUint8(d)
	}
	return ch
}

func toUint8(d float64) uint8 {
	v := math.Round(clamp01(d) * 255)
	return uint8(v)
}

func clamp01(d float64) float64 {
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}
