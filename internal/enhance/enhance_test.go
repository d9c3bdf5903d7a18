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
	"bytes"
	"errors"
	"math"
	"runtime"
	"testing"

	"github.com/mlnoga/ifglight/internal/clahe"
	"github.com/mlnoga/ifglight/internal/fuzzy"
	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/valyala/fastrand"
)

// Creates a smooth color gradient with some noise, with values in [lo, hi)
func testImage(rng *fastrand.RNG, width, height int, lo, hi uint32) *raster.Image {
	img := raster.NewImage(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := 3 * (y*width + x)
			base := lo + uint32(x*int(hi-lo-8)/width)
			img.Pix[i] = uint8(base + rng.Uint32n(8))
			img.Pix[i+1] = uint8(lo + uint32(y*int(hi-lo-8)/height) + rng.Uint32n(8))
			img.Pix[i+2] = uint8(lo + rng.Uint32n(hi-lo))
		}
	}
	return img
}

func grayImage(width, height int, v uint8) *raster.Image {
	img := raster.NewImage(width, height)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestEnhanceGray(t *testing.T) {
	img := grayImage(32, 24, 128)
	for _, gen := range fuzzy.GeneratorNames() {
		cfg := DefaultConfig()
		cfg.Generator = gen
		out, k, err := Enhance(img, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if k != cfg.KGrid.At(0) {
			t.Errorf("%s: k=%g; want lowest grid value %g", gen, k, cfg.KGrid.At(0))
		}
		if !bytes.Equal(out.Pix, img.Pix) {
			t.Errorf("%s: gray image changed", gen)
		}
	}
}

func TestEnhanceShapeAndK(t *testing.T) {
	rng := fastrand.RNG{}
	img := testImage(&rng, 80, 60, 40, 140)
	for _, gen := range fuzzy.GeneratorNames() {
		cfg := DefaultConfig()
		cfg.Generator = gen
		res, err := EnhanceDetailed(img, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if res.Image.Width != img.Width || res.Image.Height != img.Height || len(res.Image.Pix) != len(img.Pix) {
			t.Errorf("%s: output %s; want %s", gen, res.Image.DimensionsToString(), img.DimensionsToString())
		}
		onGrid := false
		for _, k := range cfg.KGrid.Values() {
			if k == res.K {
				onGrid = true
			}
		}
		if !onGrid {
			t.Errorf("%s: k=%g not on the grid", gen, res.K)
		}
		for _, c := range res.Candidates {
			if c.Entropy > res.Entropy {
				t.Errorf("%s: candidate %v beats selection k=%g entropy %f", gen, c, res.K, res.Entropy)
			}
		}
		if res.Generator != gen {
			t.Errorf("generator=%s; want %s", res.Generator, gen)
		}
	}
}

func TestEnhanceIsDeterministic(t *testing.T) {
	rng := fastrand.RNG{}
	img := testImage(&rng, 50, 40, 0, 256)
	a, ka, err := Enhance(img, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, kb, _ := Enhance(img, DefaultConfig())
	if ka != kb || !bytes.Equal(a.Pix, b.Pix) {
		t.Errorf("repeated enhancement differs")
	}
}

func TestApplyCLAHEDeterministicAndShape(t *testing.T) {
	rng := fastrand.RNG{}
	img := testImage(&rng, 70, 45, 20, 200)
	orig := img.Clone()
	a, err := ApplyCLAHE(img, 2, clahe.DefaultGrid())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ApplyCLAHE(img, 2, clahe.DefaultGrid())
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Errorf("repeated CLAHE differs")
	}
	if a.Width != img.Width || a.Height != img.Height {
		t.Errorf("output %s; want %s", a.DimensionsToString(), img.DimensionsToString())
	}
	if !bytes.Equal(img.Pix, orig.Pix) {
		t.Errorf("input was modified")
	}
}

// Hue and saturation of the output match the input wherever the pixel is bright
// enough for 8-bit RGB rounding not to dominate
func checkChroma(t *testing.T, name string, in, out *raster.Image) {
	hsvIn, hsvOut := raster.SplitHSV(in), raster.SplitHSV(out)
	for i := range hsvIn.Value.Data {
		if hsvIn.Value.Data[i] < 96 || hsvOut.Value.Data[i] < 96 || hsvIn.Saturation.Data[i] < 0.3 {
			continue
		}
		ds := math.Abs(hsvIn.Saturation.Data[i] - hsvOut.Saturation.Data[i])
		dh := math.Abs(hsvIn.Hue.Data[i] - hsvOut.Hue.Data[i])
		if dh > 180 {
			dh = 360 - dh
		}
		if ds > 0.05 || dh > 6 {
			t.Errorf("%s: pixel %d hue %f->%f sat %f->%f", name, i, hsvIn.Hue.Data[i], hsvOut.Hue.Data[i], hsvIn.Saturation.Data[i], hsvOut.Saturation.Data[i])
			return
		}
	}
}

func TestChromaInvariance(t *testing.T) {
	rng := fastrand.RNG{}
	img := testImage(&rng, 64, 64, 60, 250)
	base, err := ApplyCLAHE(img, 2, clahe.DefaultGrid())
	if err != nil {
		t.Fatal(err)
	}
	checkChroma(t, "clahe", img, base)
	ifg, _, err := Enhance(img, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	checkChroma(t, "ifg", img, ifg)

	// gray stays gray
	gray := raster.Luma(img)
	grayImg := raster.NewImage(64, 64)
	for i, d := range gray.Data {
		grayImg.Pix[3*i], grayImg.Pix[3*i+1], grayImg.Pix[3*i+2] = d, d, d
	}
	out, _, err := Enhance(grayImg, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(out.Pix); i += 3 {
		if out.Pix[i] != out.Pix[i+1] || out.Pix[i] != out.Pix[i+2] {
			t.Fatalf("pixel %d became colored: %v", i/3, out.Pix[i:i+3])
		}
	}
}

func TestEnhanceValueStaysInRange(t *testing.T) {
	rng := fastrand.RNG{}
	v := raster.NewChannel(40, 40)
	for i := range v.Data {
		v.Data[i] = uint8(50 + rng.Uint32n(100))
	}
	out, sel, err := EnhanceValue(v, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if sel == nil || len(sel.Candidates) != DefaultConfig().KGrid.Count {
		t.Fatalf("selection=%v; want %d candidates", sel, DefaultConfig().KGrid.Count)
	}
	for i, d := range out.Data {
		if d < 50 || d > 149 {
			t.Fatalf("out[%d]=%d outside input range [50,149]", i, d)
		}
	}
}

func TestEnhanceRejectsInvalidInput(t *testing.T) {
	var nilImg *raster.Image
	if _, _, err := Enhance(nilImg, DefaultConfig()); !errors.Is(err, raster.ErrEmpty) {
		t.Errorf("nil image: err=%v; want ErrEmpty", err)
	}
	if _, err := ApplyCLAHE(&raster.Image{}, 2, clahe.DefaultGrid()); !errors.Is(err, raster.ErrEmpty) {
		t.Errorf("empty image: err=%v; want ErrEmpty", err)
	}

	img := grayImage(4, 4, 10)
	cfg := DefaultConfig()
	cfg.ClipLimit = 0
	if _, _, err := Enhance(img, cfg); !errors.Is(err, clahe.ErrClipLimit) {
		t.Errorf("clip 0: err=%v; want ErrClipLimit", err)
	}
	cfg = DefaultConfig()
	cfg.Grid = clahe.Grid{Rows: 0, Cols: 8}
	if _, _, err := Enhance(img, cfg); !errors.Is(err, clahe.ErrTileGrid) {
		t.Errorf("grid 0x8: err=%v; want ErrTileGrid", err)
	}
	if _, err := ApplyCLAHE(img, -1, clahe.DefaultGrid()); !errors.Is(err, clahe.ErrClipLimit) {
		t.Errorf("clip -1: err=%v; want ErrClipLimit", err)
	}
	cfg = DefaultConfig()
	cfg.Generator = "nope"
	if _, _, err := Enhance(img, cfg); !errors.Is(err, fuzzy.ErrUnknownGenerator) {
		t.Errorf("unknown generator: err=%v; want ErrUnknownGenerator", err)
	}
}

func TestEvaluateAndCompare(t *testing.T) {
	rng := fastrand.RNG{}
	img := testImage(&rng, 64, 48, 90, 150)
	r, err := Evaluate(img, img)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(r.CII-1) > 1e-9 || r.EntropyOriginal != r.EntropyEnhanced {
		t.Errorf("self evaluation %v; want CII 1 and equal entropies", r)
	}

	c, err := Compare(img, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if c.CLAHE == nil || c.IFG == nil || c.IFG.Image == nil {
		t.Fatalf("comparison is missing outputs")
	}
	if c.CLAHEReport.CII <= 1 {
		t.Errorf("CLAHE CII=%f; want >1 on a low contrast input", c.CLAHEReport.CII)
	}
	if c.IFGReport.EntropyOriginal != c.CLAHEReport.EntropyOriginal {
		t.Errorf("original entropy differs between reports")
	}
}

func TestOutputKeepsIdentity(t *testing.T) {
	img := grayImage(6, 4, 77)
	img.ID, img.FileName = 12, "frame.png"
	c, err := ApplyCLAHE(img, 2, clahe.DefaultGrid())
	if err != nil {
		t.Fatal(err)
	}
	e, _, err := Enhance(img, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, out := range []*raster.Image{c, e} {
		if out.ID != 12 || out.FileName != "frame.png" {
			t.Errorf("id=%d file=%s; want 12 frame.png", out.ID, out.FileName)
		}
	}
}

func allocatedPerPixel(t *testing.T, pixels int, f func() error) float64 {
	t.Helper()
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	if err := f(); err != nil {
		t.Fatal(err)
	}
	runtime.ReadMemStats(&after)
	return float64(after.TotalAlloc-before.TotalAlloc) / float64(pixels)
}

func TestAllocationsPerPixel(t *testing.T) {
	rng := fastrand.RNG{}
	img := testImage(&rng, 400, 300, 20, 230)
	pixels := img.Width * img.Height
	cfg := DefaultConfig()

	got := allocatedPerPixel(t, pixels, func() error {
		_, _, err := Enhance(img, cfg)
		return err
	})
	if got > BytesPerPixel {
		t.Errorf("Enhance allocated %.1f bytes per pixel; want at most %d", got, BytesPerPixel)
	}
	got = allocatedPerPixel(t, pixels, func() error {
		_, err := Compare(img, cfg)
		return err
	})
	if got > CompareBytesPerPixel {
		t.Errorf("Compare allocated %.1f bytes per pixel; want at most %d", got, CompareBytesPerPixel)
	}
}
