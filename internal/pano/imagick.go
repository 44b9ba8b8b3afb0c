//go:build imagick

package pano

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var imagickOnce sync.Once

// RAW and HEIC frames are routed through ImageMagick and re-read as PNG.
func init() {
	RegisterFileDecoder(decodeWithImageMagick,
		".dng", ".nef", ".cr2", ".cr3", ".arw", ".rw2", ".orf", ".raf", ".heic", ".heif")
}

func decodeWithImageMagick(path string) (image.Image, error) {
	imagickOnce.Do(imagick.Initialize)

	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagick read: %w", err)
	}
	if err := wand.SetImageDepth(8); err != nil {
		return nil, fmt.Errorf("imagick depth: %w", err)
	}
	if err := wand.SetImageFormat("PNG"); err != nil {
		return nil, fmt.Errorf("imagick format: %w", err)
	}
	blob, err := wand.GetImageBlob()
	if err != nil {
		return nil, fmt.Errorf("imagick blob: %w", err)
	}
	return png.Decode(bytes.NewReader(blob))
}
