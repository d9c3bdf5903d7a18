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

// Package enhance composes the fuzzy and CLAHE stages into the two public
// transforms: a CLAHE-only baseline, and the full IFG + CLAHE enhancement.
// Both only touch the HSV value channel; hue and saturation pass through.
// All functions are synchronous and keep no state between calls.
package enhance

import (
	"fmt"

	"github.com/mlnoga/ifglight/internal/clahe"
	"github.com/mlnoga/ifglight/internal/fuzzy"
	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/mlnoga/ifglight/internal/stats"
)

// Upper bound on the bytes Enhance allocates per input pixel, including the HSV
// planes, the fuzzy field of the selected k and the output image.
// Callers size their concurrency from it
const BytesPerPixel = 96

// Upper bound on the bytes Compare allocates per input pixel: an enhancement plus
// a CLAHE pass, whose output is kept
const CompareBytesPerPixel = BytesPerPixel + 24

// Parameters of the enhancement
type Config struct {
	ClipLimit float64     `json:"clipLimit"`
	Grid      clahe.Grid  `json:"grid"`
	Generator string      `json:"generator"`
	KGrid     fuzzy.KGrid `json:"kGrid"`
}

func DefaultConfig() Config {
	return Config{
		ClipLimit: clahe.DefaultClipLimit,
		Grid:      clahe.DefaultGrid(),
		Generator: fuzzy.DefaultGenerator,
		KGrid:     fuzzy.DefaultKGrid(),
	}
}

func (c Config) Validate() error {
	if err := clahe.ValidateClipLimit(c.ClipLimit); err != nil {
		return err
	}
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if err := c.KGrid.Validate(); err != nil {
		return err
	}
	_, err := fuzzy.GeneratorByName(c.Generator)
	return err
}

// Result of an enhancement, with the search details for log output
type Result struct {
	Image      *raster.Image
	K          float64
	Entropy    float64 // entropy of the fuzzy intensity field at K
	Generator  string
	Candidates []fuzzy.Candidate
}

// Applies CLAHE to the value channel of an image
func ApplyCLAHE(img *raster.Image, clipLimit float64, grid clahe.Grid) (*raster.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	hsv := raster.SplitHSV(img)
	v, err := clahe.Equalize(hsv.Value, clipLimit, grid)
	if err != nil {
		return nil, err
	}
	hsv.Value = v
	return merge(img, hsv), nil
}

// Merges the channels into a new image carrying the identity of the source
func merge(src *raster.Image, hsv raster.HSV) *raster.Image {
	out := raster.MergeHSV(hsv)
	out.ID, out.FileName = src.ID, src.FileName
	return out
}

// Enhances an image with the IFG + CLAHE method. Returns the enhanced image and the selected k
func Enhance(img *raster.Image, cfg Config) (*raster.Image, float64, error) {
	res, err := EnhanceDetailed(img, cfg)
	if err != nil {
		return nil, 0, err
	}
	return res.Image, res.K, nil
}

// Enhances an image with the IFG + CLAHE method, returning the search details as well
func EnhanceDetailed(img *raster.Image, cfg Config) (*Result, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hsv := raster.SplitHSV(img)
	v, sel, err := EnhanceValue(hsv.Value, cfg)
	if err != nil {
		return nil, err
	}
	hsv.Value = v
	return &Result{
		Image:      merge(img, hsv),
		K:          sel.K,
		Entropy:    sel.Entropy,
		Generator:  cfg.generatorName(),
		Candidates: sel.Candidates,
	}, nil
}

// Enhances a single luminance-like channel: normalize, select k, equalize the
// quantized fuzzy field, and defuzzify back into the channel's original range
func EnhanceValue(v raster.Channel, cfg Config) (raster.Channel, *fuzzy.Selection, error) {
	if err := v.Validate(); err != nil {
		return raster.Channel{}, nil, err
	}
	g, err := fuzzy.GeneratorByName(cfg.Generator)
	if err != nil {
		return raster.Channel{}, nil, err
	}

	norm := fuzzy.NormalizeChannel(v)
	sel, err := fuzzy.Search(norm, g, cfg.KGrid)
	if err != nil {
		return raster.Channel{}, nil, err
	}

	eq, err := clahe.Equalize(fuzzy.Quantize(sel.Triple.H), cfg.ClipLimit, cfg.Grid)
	if err != nil {
		return raster.Channel{}, nil, fmt.Errorf("equalizing fuzzy field: %w", err)
	}

	hist := stats.NewHistogram(v.Data)
	lo, hi := hist.Range()
	mn, mx := float64(lo)/255, float64(hi)/255
	out := fuzzy.Defuzzify(fuzzy.NormalizeChannel(eq), mn, mx, sel.Triple.Pi)
	return out, sel, nil
}

func (c Config) generatorName() string {
	if c.Generator == "" {
		return fuzzy.DefaultGenerator
	}
	return c.Generator
}
