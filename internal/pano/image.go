package pano

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Image is a decoded RGBA raster. It is never mutated after construction, so it
// can be handed from one pipeline stage to the next without copying.
type Image struct {
	rgba *image.RGBA
}

// Wrap takes ownership of rgba. The caller must not write to it afterwards.
func Wrap(rgba *image.RGBA) *Image {
	if rgba == nil {
		return nil
	}
	if rgba.Rect.Min != (image.Point{}) {
		// normalise the origin so every consumer can index from (0,0)
		out := image.NewRGBA(image.Rect(0, 0, rgba.Rect.Dx(), rgba.Rect.Dy()))
		draw.Draw(out, out.Rect, rgba, rgba.Rect.Min, draw.Src)
		rgba = out
	}
	return &Image{rgba: rgba}
}

// FromImage copies any image.Image into an owned RGBA buffer.
func FromImage(src image.Image) *Image {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, src, b.Min, draw.Src)
	return &Image{rgba: out}
}

// Width in pixels.
func (im *Image) Width() int { return im.rgba.Rect.Dx() }

// Height in pixels.
func (im *Image) Height() int { return im.rgba.Rect.Dy() }

// Pix exposes the underlying pixel bytes for read-only access.
func (im *Image) Pix() []uint8 { return im.rgba.Pix }

// Stride is the byte distance between vertically adjacent pixels.
func (im *Image) Stride() int { return im.rgba.Stride }

// Empty reports whether the image has no pixels.
func (im *Image) Empty() bool {
	return im == nil || im.rgba == nil || im.Width() == 0 || im.Height() == 0
}

// ColorModel implements image.Image.
func (im *Image) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (im *Image) Bounds() image.Rectangle { return im.rgba.Rect }

// At implements image.Image.
func (im *Image) At(x, y int) color.Color { return im.rgba.RGBAAt(x, y) }

// RGBAAt returns the pixel at (x, y) without interface boxing.
func (im *Image) RGBAAt(x, y int) color.RGBA { return im.rgba.RGBAAt(x, y) }

// Clone returns a writable deep copy.
func (im *Image) Clone() *image.RGBA {
	out := image.NewRGBA(im.rgba.Rect)
	copy(out.Pix, im.rgba.Pix)
	return out
}

// RGBA exposes the backing buffer for read-only pixel access.
func (im *Image) RGBA() *image.RGBA { return im.rgba }
