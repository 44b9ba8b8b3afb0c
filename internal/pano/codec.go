package pano

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// FileDecoder decodes formats the image package registry cannot sniff (RAW, HEIC).
type FileDecoder func(path string) (image.Image, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]FileDecoder{}
)

// RegisterFileDecoder routes files with the given extensions to fn.
func RegisterFileDecoder(fn FileDecoder, exts ...string) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	for _, ext := range exts {
		decoders[strings.ToLower(ext)] = fn
	}
}

// DecoderFor reports whether an extension-specific decoder is registered.
func DecoderFor(ext string) (FileDecoder, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	fn, ok := decoders[strings.ToLower(ext)]
	return fn, ok
}

// Decode reads any registered image format into an owned raster.
func Decode(r io.Reader) (*Image, error) {
	img, _, err := image.Decode(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(img), nil
}

// DecodeFile loads a frame from disk.
func DecodeFile(path string) (*Image, error) {
	if fn, ok := DecoderFor(filepath.Ext(path)); ok {
		img, err := fn(path)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return FromImage(img), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// EncodePNG writes img losslessly. Any failure is reported as EncodingFailed.
func EncodePNG(w io.Writer, img *Image) error {
	if img.Empty() {
		return Errorf(KindEncodingFailed, "encode png", "empty image")
	}
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(w, img.rgba); err != nil {
		return &Error{Kind: KindEncodingFailed, Op: "encode png", Err: err}
	}
	return nil
}

// WritePNG encodes img to path, creating parent directories.
func WritePNG(path string, img *Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Error{Kind: KindEncodingFailed, Op: "write png", Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return &Error{Kind: KindEncodingFailed, Op: "write png", Err: err}
	}
	w := bufio.NewWriter(f)
	if err := EncodePNG(w, img); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return &Error{Kind: KindEncodingFailed, Op: "write png", Err: err}
	}
	if err := f.Close(); err != nil {
		return &Error{Kind: KindEncodingFailed, Op: "write png", Err: err}
	}
	return nil
}
