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

// Package raster holds the 8-bit color images and the single-channel planes
// the enhancement pipeline operates on, together with color space and file conversions.
package raster

import (
	"errors"
	"fmt"
)

// Returned for nil images or images with zero width or height
var ErrEmpty = errors.New("empty image")

// An 8-bit color image with interleaved R,G,B samples, row-major
type Image struct {
	ID       int     // Sequential ID number, for log output
	FileName string  // Original file name, if any, for log output
	Width    int
	Height   int
	Pix      []uint8 // len(Pix)==3*Width*Height
}

// Creates a black image of the given dimensions
func NewImage(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, 3*width*height),
	}
}

// Returns ErrEmpty if the image is nil, has no pixels, or its buffer does not match its dimensions
func (img *Image) Validate() error {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return ErrEmpty
	}
	if len(img.Pix) != 3*img.Width*img.Height {
		return fmt.Errorf("%w: buffer holds %d samples for %dx%d pixels", ErrEmpty, len(img.Pix), img.Width, img.Height)
	}
	return nil
}

// Returns a deep copy of the image
func (img *Image) Clone() *Image {
	return &Image{
		ID:       img.ID,
		FileName: img.FileName,
		Width:    img.Width,
		Height:   img.Height,
		Pix:      append([]uint8(nil), img.Pix...),
	}
}

func (img *Image) DimensionsToString() string {
	return fmt.Sprintf("%dx%dx3", img.Width, img.Height)
}

// A single 8-bit channel, row-major
type Channel struct {
	Width  int
	Height int
	Data   []uint8
}

func NewChannel(width, height int) Channel {
	return Channel{Width: width, Height: height, Data: make([]uint8, width*height)}
}

func (ch Channel) Validate() error {
	if ch.Width <= 0 || ch.Height <= 0 || len(ch.Data) != ch.Width*ch.Height {
		return ErrEmpty
	}
	return nil
}

// Converts the channel to a floating point plane without rescaling
func (ch Channel) ToPlane() Plane {
	p := NewPlane(ch.Width, ch.Height)
	for i, d := range ch.Data {
		p.Data[i] = float64(d)
	}
	return p
}

// A single floating point plane, row-major
type Plane struct {
	Width  int
	Height int
	Data   []float64
}

func NewPlane(width, height int) Plane {
	return Plane{Width: width, Height: height, Data: make([]float64, width*height)}
}

// Creates a plane of the given size with a copy of the given values
func NewPlaneFromData(width, height int, data []float64) Plane {
	return Plane{Width: width, Height: height, Data: append([]float64(nil), data...)}
}

func (p Plane) SameShape(o Plane) bool {
	return p.Width == o.Width && p.Height == o.Height && len(p.Data) == len(o.Data)
}
