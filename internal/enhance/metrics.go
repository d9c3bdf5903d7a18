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

package enhance

import (
	"fmt"

	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/mlnoga/ifglight/internal/stats"
)

// Quality metrics of an enhanced image relative to its original, measured on luma
type Report struct {
	EntropyOriginal float64 `json:"entropyOriginal"`
	EntropyEnhanced float64 `json:"entropyEnhanced"`
	CII             float64 `json:"cii"`
}

func (r Report) String() string {
	return fmt.Sprintf("entropy %.4f -> %.4f bits, CII %.4f", r.EntropyOriginal, r.EntropyEnhanced, r.CII)
}

// Measures entropy before and after, and the contrast improvement index
func Evaluate(original, enhanced *raster.Image) (Report, error) {
	if err := original.Validate(); err != nil {
		return Report{}, fmt.Errorf("original: %w", err)
	}
	if err := enhanced.Validate(); err != nil {
		return Report{}, fmt.Errorf("enhanced: %w", err)
	}
	lo, le := raster.Luma(original), raster.Luma(enhanced)
	cii, err := stats.ContrastImprovementIndex(lo, le)
	if err != nil {
		return Report{}, err
	}
	return Report{
		EntropyOriginal: stats.EntropyOf(lo.Data),
		EntropyEnhanced: stats.EntropyOf(le.Data),
		CII:             cii,
	}, nil
}

// Outputs of both transforms on the same input, with their metrics
type Comparison struct {
	CLAHE       *raster.Image
	CLAHEReport Report
	IFG         *Result
	IFGReport   Report
}

// Runs the CLAHE baseline and the IFG + CLAHE enhancement on the same image
func Compare(img *raster.Image, cfg Config) (*Comparison, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := ApplyCLAHE(img, cfg.ClipLimit, cfg.Grid)
	if err != nil {
		return nil, err
	}
	ifg, err := EnhanceDetailed(img, cfg)
	if err != nil {
		return nil, err
	}
	c := &Comparison{CLAHE: base, IFG: ifg}
	if c.CLAHEReport, err = Evaluate(img, base); err != nil {
		return nil, err
	}
	if c.IFGReport, err = Evaluate(img, ifg.Image); err != nil {
		return nil, err
	}
	return c, nil
}
