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

package clahe

// Partition of one image axis into near-equal tiles. The last tile absorbs the remainder
type axis struct {
	starts  []int     // tile start offsets, plus the axis length as sentinel
	centers []float64 // tile centers in pixel coordinates
}

func newAxis(size, n int) axis {
	if n > size {
		n = size
	}
	tile := size / n
	a := axis{starts: make([]int, n+1), centers: make([]float64, n)}
	for i := 0; i < n; i++ {
		a.starts[i] = i * tile
	}
	a.starts[n] = size
	for i := 0; i < n; i++ {
		a.centers[i] = 0.5 * float64(a.starts[i]+a.starts[i+1]-1)
	}
	return a
}

func (a axis) tiles() int { return len(a.centers) }

// Returns the half-open pixel range of tile i
func (a axis) bounds(i int) (from, to int) {
	return a.starts[i], a.starts[i+1]
}

// Returns for every pixel the tiles whose centers bracket it, and the weight of the second one.
// Pixels before the first or after the last center use that tile alone
func (a axis) neighbors() (lo, hi []int, w []float64) {
	size := a.starts[len(a.starts)-1]
	lo, hi, w = make([]int, size), make([]int, size), make([]float64, size)
	last := a.tiles() - 1
	j := 0
	for p := 0; p < size; p++ {
		fp := float64(p)
		switch {
		case fp <= a.centers[0]:
			lo[p], hi[p], w[p] = 0, 0, 0
		case fp >= a.centers[last]:
			lo[p], hi[p], w[p] = last, last, 0
		default:
			for a.centers[j+1] <= fp {
				j++
			}
			lo[p], hi[p] = j, j+1
			w[p] = (fp - a.centers[j]) / (a.centers[j+1] - a.centers[j])
		}
	}
	return lo, hi, w
}
