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
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/mlnoga/ifglight/internal/stats"
)

var ErrKGrid = errors.New("invalid k search grid")

// A discrete grid of candidate values for k: Start, Start+Step, ..., Start+(Count-1)*Step
type KGrid struct {
	Start float64 `json:"start"`
	Step  float64 `json:"step"`
	Count int     `json:"count"`
}

// Returns the default grid 0.00, 0.05, ..., 0.95
func DefaultKGrid() KGrid {
	return KGrid{Start: 0, Step: 0.05, Count: 20}
}

func (g KGrid) Validate() error {
	if g.Count < 1 {
		return fmt.Errorf("%w: count %d", ErrKGrid, g.Count)
	}
	if g.Count > 1 && !(g.Step > 0) {
		return fmt.Errorf("%w: step %g", ErrKGrid, g.Step)
	}
	if math.IsNaN(g.Start) || math.IsInf(g.Start, 0) || g.Start < 0 {
		return fmt.Errorf("%w: start %g", ErrKGrid, g.Start)
	}
	if last := g.Last(); !(last < 1) {
		return fmt.Errorf("%w: last candidate %g outside [0,1)", ErrKGrid, last)
	}
	return nil
}

// Grid values are rounded to this resolution, so 19*0.05 reads as 0.95
const kResolution = 1e9

// Returns the i-th candidate, computed without accumulating rounding errors
func (g KGrid) At(i int) float64 {
	return math.Round((g.Start+float64(i)*g.Step)*kResolution) / kResolution
}

// Returns the last candidate
func (g KGrid) Last() float64 {
	return g.At(g.Count - 1)
}

// Returns all candidates in ascending order
func (g KGrid) Values() []float64 {
	res := make([]float64, g.Count)
	for i := range res {
		res[i] = g.At(i)
	}
	return res
}

// A k candidate and the entropy of its quantized fuzzy intensity field
type Candidate struct {
	K       float64 `json:"k"`
	Entropy float64 `json:"entropy"`
}

// Result of a k search
type Selection struct {
	K          float64     // the winning k
	Entropy    float64     // entropy of the winning field, in bits
	Triple     Triple      // memberships for the winning k
	Candidates []Candidate // all evaluated candidates, in grid order
}

// Searches the whole grid for the k maximizing the entropy of the quantized fuzzy
// intensity field. The first candidate with strictly greatest entropy wins, so ties
// keep the lowest k. Entropy is not unimodal in k, so there is no early exit.
// Candidates are scored on a single reused H buffer; the full triple is
// computed once for the winner
func Search(x raster.Plane, g Generator, grid KGrid) (*Selection, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if len(x.Data) == 0 {
		return nil, raster.ErrEmpty
	}
	sel := &Selection{Entropy: -1, Candidates: make([]Candidate, 0, grid.Count)}
	h := raster.NewPlane(x.Width, x.Height)
	for i := 0; i < grid.Count; i++ {
		k := grid.At(i)
		g.Combined(x, k, h)
		e := quantizedEntropy(h)
		sel.Candidates = append(sel.Candidates, Candidate{K: k, Entropy: e})
		if e > sel.Entropy {
			sel.K, sel.Entropy = k, e
		}
	}
	sel.Triple = g.Memberships(x, sel.K)
	return sel, nil
}

// Entropy of a [0,1] plane after quantization to 8 bits, without materializing the channel
func quantizedEntropy(p raster.Plane) float64 {
	var hist stats.Histogram
	for _, d := range p.Data {
		hist[toUint8(d)]++
	}
	return hist.Entropy()
}

// Returns the k from the grid maximizing the entropy of the fuzzy intensity field
func SelectK(x raster.Plane, g Generator, grid KGrid) (float64, error) {
	sel, err := Search(x, g, grid)
	if err != nil {
		return 0, err
	}
	return sel.K, nil
}
