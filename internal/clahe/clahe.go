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

// Package clahe implements contrast limited adaptive histogram equalization
// of 8-bit channels on a rectangular tile grid.
package clahe

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/mlnoga/ifglight/internal/stats"
)

var (
	ErrClipLimit = errors.New("clip limit must be a positive finite number")
	ErrTileGrid  = errors.New("tile grid dimensions must be positive")
)

// Default clip limit, in multiples of the average bin count of a tile histogram
const DefaultClipLimit = 2.0

// Number of tile rows and columns
type Grid struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func DefaultGrid() Grid { return Grid{Rows: 8, Cols: 8} }

func (g Grid) Validate() error {
	if g.Rows <= 0 || g.Cols <= 0 {
		return fmt.Errorf("%w: got %s", ErrTileGrid, g)
	}
	return nil
}

// Formats the grid as rows x cols, e.g. "8x8"
func (g Grid) String() string {
	return fmt.Sprintf("%dx%d", g.Rows, g.Cols)
}

// Parses a grid from "RxC", or from a single number "N" for a square grid
func ParseGrid(s string) (Grid, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) == 1 {
		parts = append(parts, parts[0])
	}
	if len(parts) != 2 {
		return Grid{}, fmt.Errorf("%w: cannot parse '%s'", ErrTileGrid, s)
	}
	rows, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Grid{}, fmt.Errorf("%w: cannot parse '%s'", ErrTileGrid, s)
	}
	cols, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Grid{}, fmt.Errorf("%w: cannot parse '%s'", ErrTileGrid, s)
	}
	g := Grid{Rows: rows, Cols: cols}
	return g, g.Validate()
}

func ValidateClipLimit(clipLimit float64) error {
	if !(clipLimit > 0) || math.IsInf(clipLimit, 0) {
		return fmt.Errorf("%w: got %g", ErrClipLimit, clipLimit)
	}
	return nil
}

// Applies contrast limited adaptive histogram equalization to an 8-bit channel.
// The channel is partitioned into grid.Rows x grid.Cols tiles, each tile histogram is
// clipped at clipLimit times its average bin count, and the resulting per-tile
// mappings are bilinearly interpolated between tile centers. The grid is reduced
// to the channel dimensions if it is finer than the channel.
func Equalize(ch raster.Channel, clipLimit float64, grid Grid) (raster.Channel, error) {
	if err := ch.Validate(); err != nil {
		return raster.Channel{}, err
	}
	if err := ValidateClipLimit(clipLimit); err != nil {
		return raster.Channel{}, err
	}
	if err := grid.Validate(); err != nil {
		return raster.Channel{}, err
	}

	ys, xs := newAxis(ch.Height, grid.Rows), newAxis(ch.Width, grid.Cols)
	luts := tileMappings(ch, ys, xs, clipLimit)
	return interpolate(ch, ys, xs, luts), nil
}

// Calculates the clipped histogram equalization mapping for every tile, row-major
func tileMappings(ch raster.Channel, ys, xs axis, clipLimit float64) []lut {
	luts := make([]lut, ys.tiles()*xs.tiles())
	for ty := 0; ty < ys.tiles(); ty++ {
		y0, y1 := ys.bounds(ty)
		for tx := 0; tx < xs.tiles(); tx++ {
			x0, x1 := xs.bounds(tx)

			var hist stats.Histogram
			for y := y0; y < y1; y++ {
				for _, d := range ch.Data[y*ch.Width+x0 : y*ch.Width+x1] {
					hist[d]++
				}
			}
			area := (y1 - y0) * (x1 - x0)
			ClipHistogram(&hist, ClipCount(clipLimit, area))
			luts[ty*xs.tiles()+tx] = newLUT(&hist, area)
		}
	}
	return luts
}

// Returns the maximum bin count for a tile of the given area: clipLimit*area/256, at least 1
func ClipCount(clipLimit float64, area int) int {
	limit := int(clipLimit * float64(area) / stats.NumBins)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Clips histogram bins at the given limit, and redistributes the clipped counts
// uniformly over all bins. Counts that do not divide evenly are spread with a
// fixed stride from the lowest bin. The total count is unchanged
func ClipHistogram(hist *stats.Histogram, limit int) {
	excess := 0
	for i, v := range hist {
		if v > limit {
			excess += v - limit
			hist[i] = limit
		}
	}
	if excess == 0 {
		return
	}

	batch := excess / stats.NumBins
	residual := excess - batch*stats.NumBins
	for i := range hist {
		hist[i] += batch
	}
	if residual > 0 {
		step := stats.NumBins / residual
		if step < 1 {
			step = 1
		}
		for i := 0; i < stats.NumBins && residual > 0; i += step {
			hist[i]++
			residual--
		}
	}
}

// An intensity mapping
type lut [stats.NumBins]uint8

// Builds the mapping from the cumulative distribution of a histogram over the given area
func newLUT(hist *stats.Histogram, area int) (l lut) {
	scale := float64(stats.NumBins-1) / float64(area)
	sum := 0
	for i, v := range hist {
		sum += v
		l[i] = saturate(float64(sum) * scale)
	}
	return l
}

// Maps every pixel through the four tile mappings around it, weighted by the
// distance to their tile centers
func interpolate(ch raster.Channel, ys, xs axis, luts []lut) raster.Channel {
	out := raster.NewChannel(ch.Width, ch.Height)
	xLo, xHi, xW := xs.neighbors()
	yLo, yHi, yW := ys.neighbors()
	cols := xs.tiles()

	for y := 0; y < ch.Height; y++ {
		top, bottom, wy := luts[yLo[y]*cols:(yLo[y]+1)*cols], luts[yHi[y]*cols:(yHi[y]+1)*cols], yW[y]
		row := ch.Data[y*ch.Width : (y+1)*ch.Width]
		outRow := out.Data[y*ch.Width : (y+1)*ch.Width]
		for x, d := range row {
			l, r, wx := xLo[x], xHi[x], xW[x]
			vt := (1-wx)*float64(top[l][d]) + wx*float64(top[r][d])
			vb := (1-wx)*float64(bottom[l][d]) + wx*float64(bottom[r][d])
			outRow[x] = saturate((1-wy)*vt + wy*vb)
		}
	}
	return out
}

// Rounds to the nearest 8-bit value, saturating at 0 and 255
func saturate(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
