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

package stretch

import (
	"encoding/json"
	"fmt"

	"github.com/mlnoga/ifglight/internal/clahe"
	"github.com/mlnoga/ifglight/internal/enhance"
	"github.com/mlnoga/ifglight/internal/fuzzy"
	"github.com/mlnoga/ifglight/internal/ops"
	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/mlnoga/ifglight/internal/stats"
)

// Builds the standard per-image pipeline: optional metrics of the input,
// either plain CLAHE or IFG enhancement, and saving the result
func NewOpStretch(opMetrics *OpMetrics, opCLAHE *OpCLAHE, opEnhance *OpEnhance, opSave *ops.OpSave) *ops.OpSequence {
	return ops.NewOpSequence(opMetrics, opCLAHE, opEnhance, opSave)
}

// Contrast limited adaptive histogram equalization of the value channel.
// Takes one input, produces one output
type OpCLAHE struct {
	ops.OpUnaryBase
	ClipLimit float64    `json:"clipLimit"`
	Grid      clahe.Grid `json:"grid"`
	Metrics   bool       `json:"metrics"`
}

var _ ops.Operator = (*OpCLAHE)(nil) // this type is an Operator
func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpCLAHEDefault() }) } // register the operator for JSON decoding

func NewOpCLAHEDefault() *OpCLAHE {
	return NewOpCLAHE(true, clahe.DefaultClipLimit, clahe.DefaultGrid(), false)
}

func NewOpCLAHE(active bool, clipLimit float64, grid clahe.Grid, metrics bool) *OpCLAHE {
	op := &OpCLAHE{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "clahe", Active: active}},
		ClipLimit:   clipLimit,
		Grid:        grid,
		Metrics:     metrics,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpCLAHE) UnmarshalJSON(data []byte) error {
	type defaults OpCLAHE
	def := defaults(*NewOpCLAHEDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpCLAHE(def)
	op.OpUnaryBase.Apply = op.Apply
	return nil
}

func (op *OpCLAHE) Apply(img *raster.Image, c *ops.Context) (result *raster.Image, err error) {
	fmt.Fprintf(c.Log, "%d: Applying CLAHE with clip limit %.2f on a %v grid\n", img.ID, op.ClipLimit, op.Grid)
	result, err = enhance.ApplyCLAHE(img, op.ClipLimit, op.Grid)
	if err != nil {
		return nil, fmt.Errorf("%d: %w", img.ID, err)
	}
	if op.Metrics {
		logReport(img, result, c)
	}
	return result, nil
}

// Intuitionistic fuzzy enhancement followed by CLAHE, with the exponent k
// chosen by maximum fuzzy entropy. Takes one input, produces one output
type OpEnhance struct {
	ops.OpUnaryBase
	ClipLimit float64     `json:"clipLimit"`
	Grid      clahe.Grid  `json:"grid"`
	Generator string      `json:"generator"`
	KGrid     fuzzy.KGrid `json:"kGrid"`
	Metrics   bool        `json:"metrics"`
}

var _ ops.Operator = (*OpEnhance)(nil) // this type is an Operator
func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpEnhanceDefault() }) } // register the operator for JSON decoding

func NewOpEnhanceDefault() *OpEnhance { return NewOpEnhance(true, enhance.DefaultConfig(), false) }

func NewOpEnhance(active bool, cfg enhance.Config, metrics bool) *OpEnhance {
	op := &OpEnhance{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "enhance", Active: active}},
		ClipLimit:   cfg.ClipLimit,
		Grid:        cfg.Grid,
		Generator:   cfg.Generator,
		KGrid:       cfg.KGrid,
		Metrics:     metrics,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpEnhance) UnmarshalJSON(data []byte) error {
	type defaults OpEnhance
	def := defaults(*NewOpEnhanceDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpEnhance(def)
	op.OpUnaryBase.Apply = op.Apply
	return nil
}

// Returns the enhancement configuration held by the operator
func (op *OpEnhance) Config() enhance.Config {
	return enhance.Config{
		ClipLimit: op.ClipLimit,
		Grid:      op.Grid,
		Generator: op.Generator,
		KGrid:     op.KGrid,
	}
}

func (op *OpEnhance) Apply(img *raster.Image, c *ops.Context) (result *raster.Image, err error) {
	res, err := enhance.EnhanceDetailed(img, op.Config())
	if err != nil {
		return nil, fmt.Errorf("%d: %w", img.ID, err)
	}
	fmt.Fprintf(c.Log, "%d: IFG %s membership selected k=%.2f with fuzzy entropy %.4f, CLAHE clip %.2f grid %v\n",
		img.ID, res.Generator, res.K, res.Entropy, op.ClipLimit, op.Grid)
	if op.Metrics {
		logReport(img, res.Image, c)
	}
	return res.Image, nil
}

func logReport(orig, enh *raster.Image, c *ops.Context) {
	r, err := enhance.Evaluate(orig, enh)
	if err != nil {
		fmt.Fprintf(c.Log, "%d: Warning: cannot evaluate metrics: %s\n", orig.ID, err)
		return
	}
	fmt.Fprintf(c.Log, "%d: %v\n", orig.ID, r)
}

// Logs luma statistics and entropy of the image. Takes one input, produces the same unchanged output
type OpMetrics struct {
	ops.OpUnaryBase
}

var _ ops.Operator = (*OpMetrics)(nil) // this type is an Operator
func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpMetricsDefault() }) } // register the operator for JSON decoding

func NewOpMetricsDefault() *OpMetrics { return NewOpMetrics(true) }

func NewOpMetrics(active bool) *OpMetrics {
	op := &OpMetrics{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "metrics", Active: active}},
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpMetrics) UnmarshalJSON(data []byte) error {
	type defaults OpMetrics
	def := defaults(*NewOpMetricsDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpMetrics(def)
	op.OpUnaryBase.Apply = op.Apply
	return nil
}

func (op *OpMetrics) Apply(img *raster.Image, c *ops.Context) (result *raster.Image, err error) {
	luma := raster.Luma(img)
	basic, err := stats.CalcBasic(luma)
	if err != nil {
		return nil, fmt.Errorf("%d: %w", img.ID, err)
	}
	fmt.Fprintf(c.Log, "%d: Luma %v\n", img.ID, basic)
	return img, nil
}
