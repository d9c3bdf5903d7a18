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

package fuzzy

import (
	"github.com/mlnoga/ifglight/internal/raster"
)

// Maps an equalized fuzzy field back to intensities, subtracting the hesitancy as a
// correction: clamp((eq*(mx-mn)+mn) - pi*(mx-mn), 0, 1), quantized to 8 bits.
// mn and mx are the [0,1]-scaled extrema of the field before normalization
func Defuzzify(eq raster.Plane, mn, mx float64, pi raster.Plane) raster.Channel {
	scale := mx - mn
	ch := raster.NewChannel(eq.Width, eq.Height)
	for i, h := range eq.Data {
		ch.Data[i] = toUint8(h*scale + mn - pi.Data[i]*scale)
	}
	return ch
}
