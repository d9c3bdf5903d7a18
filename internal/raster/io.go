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
	"bufio"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"
)

// Loads an image from a file, honoring EXIF orientation. Supports JPEG, PNG, GIF, TIFF and BMP
func Load(fileName string, id int) (*Image, error) {
	src, err := imaging.Open(fileName, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	img, err := fromDecoded(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	img.ID, img.FileName = id, fileName
	return img, nil
}

// Reads the pixel dimensions of an image file from its header, without decoding the pixels
func ReadDimensions(fileName string) (width, height int, err error) {
	file, err := os.Open(fileName)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()
	width, height, err = DecodeDimensions(bufio.NewReader(file))
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", fileName, err)
	}
	return width, height, nil
}

// Decodes the pixel dimensions from an image header. EXIF orientation is not
// applied, so width and height may be swapped relative to Decode
func DecodeDimensions(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Decodes an image from a reader, honoring EXIF orientation
func Decode(r io.Reader) (*Image, error) {
	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	return fromDecoded(src)
}

// Converts a decoded image, rejecting images without pixels
func fromDecoded(src image.Image) (*Image, error) {
	img := FromImage(src)
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// Converts any Go image into an 8-bit RGB image. Alpha is dropped
func FromImage(src image.Image) *Image {
	nrgba := imaging.Clone(src) // normalizes bounds to (0,0) and pixel format to NRGBA
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	img := NewImage(w, h)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*w]
		out := img.Pix[3*y*w : 3*(y+1)*w]
		for x := 0; x < w; x++ {
			out[3*x], out[3*x+1], out[3*x+2] = row[4*x], row[4*x+1], row[4*x+2]
		}
	}
	return img
}

// Converts the image into an opaque Go NRGBA image
func (img *Image) ToNRGBA() *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i := 0; i < img.Width*img.Height; i++ {
		dst.Pix[4*i], dst.Pix[4*i+1], dst.Pix[4*i+2], dst.Pix[4*i+3] = img.Pix[3*i], img.Pix[3*i+1], img.Pix[3*i+2], 255
	}
	return dst
}

// Returns the image format for a file name or extension like ".png" or "jpg"
func FormatFromName(name string) (imaging.Format, error) {
	if f, err := imaging.FormatFromFilename(name); err == nil {
		return f, nil
	}
	return imaging.FormatFromExtension(name)
}

// Returns the MIME type for a supported format
func ContentType(format imaging.Format) string {
	switch format {
	case imaging.JPEG:
		return "image/jpeg"
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	}
	return "application/octet-stream"
}

// Writes the image to a file, with the format derived from the suffix
func (img *Image) WriteFile(fileName string, quality int) (err error) {
	format, err := imaging.FormatFromFilename(fileName)
	if err != nil {
		return fmt.Errorf("%s: %w", fileName, err)
	}
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	writer := bufio.NewWriter(file)
	if err = img.Encode(writer, format, quality); err != nil {
		return err
	}
	return writer.Flush()
}

// Encodes the image in the given format. JPEG uses the given quality, TIFF is deflate-compressed
func (img *Image) Encode(writer io.Writer, format imaging.Format, quality int) error {
	if format == imaging.TIFF {
		return tiff.Encode(writer, img.ToNRGBA(), &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	}
	return imaging.Encode(writer, img.ToNRGBA(), format, imaging.JPEGQuality(quality))
}
