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

package raster

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// An image split into hue, saturation and value. Hue and saturation are kept
// at full floating point precision, so they survive a split/merge round trip
// up to the final 8-bit rounding of the RGB samples. Value is the 8-bit
// maximum of R,G and B, which is exact for 8-bit inputs.
type HSV struct {
	Hue        Plane   // degrees in [0,360)
	Saturation Plane   // [0,1]
	Value      Channel // [0,255]
}

// Splits an image into hue, saturation and value
func SplitHSV(img *Image) HSV {
	w, h := img.Width, img.Height
	res := HSV{
		Hue:        NewPlane(w, h),
		Saturation: NewPlane(w, h),
		Value:      NewChannel(w, h),
	}
	for i := range res.Value.Data {
		r, g, b := img.Pix[3*i], img.Pix[3*i+1], img.Pix[3*i+2]
		col := colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
		hue, sat, _ := col.Hsv()
		res.Hue.Data[i] = hue
		res.Saturation.Data[i] = sat
		res.Value.Data[i] = maxUint8(r, g, b)
	}
	return res
}

// Merges hue, saturation and value back into an 8-bit RGB image
func MergeHSV(hsv HSV) *Image {
	img := NewImage(hsv.Value.Width, hsv.Value.Height)
	for i, v := range hsv.Value.Data {
		if hsv.Saturation.Data[i] == 0 {
			img.Pix[3*i], img.Pix[3*i+1], img.Pix[3*i+2] = v, v, v // achromatic, skip the round trip
			continue
		}
		hue := math.Mod(hsv.Hue.Data[i], 360)
		col := colorful.Hsv(hue, hsv.Saturation.Data[i], float64(v)/255)
		img.Pix[3*i], img.Pix[3*i+1], img.Pix[3*i+2] = col.Clamped().RGB255()
	}
	return img
}

// Returns the Rec. 601 luma of the image as a gray channel
func Luma(img *Image) Channel {
	ch := NewChannel(img.Width, img.Height)
	for i := range ch.Data {
		r, g, b := float64(img.Pix[3*i]), float64(img.Pix[3*i+1]), float64(img.Pix[3*i+2])
		y := 0.299*r + 0.587*g + 0.114*b
		ch.Data[i] = uint8(math.Min(math.Round(y), 255))
	}
	return ch
}

func maxUint8(a, b, c uint8) uint8 {
	if b > a {
		a = b
	}
	if c > a {
		a = c
	}
	return a
}
