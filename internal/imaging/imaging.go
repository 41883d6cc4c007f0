// Package imaging prepares captured photos for upload.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"

	"golang.org/x/image/draw"
)

// MaxDimension is the longest edge of an uploaded photo.
const MaxDimension = 1600

// JPEGQuality is the compression quality for JPEG output.
const JPEGQuality = 85

// ErrUnsupported is returned by Compress for payloads it cannot decode.
var ErrUnsupported = errors.New("unsupported image format")

var compressible = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Result is an upload-ready payload.
type Result struct {
	Data          []byte
	MIME          string
	Width, Height int
	// OriginalSize is the size of the payload before compression.
	OriginalSize int
	Compressed   bool
}

// Compress sniffs data, downscales it to MaxDimension and re-encodes it as
// JPEG. A JPEG that is already small enough and would only grow is returned
// as is.
func Compress(data []byte) (*Result, error) {
	detected := http.DetectContentType(data)
	if !compressible[detected] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, detected)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	scaled := downscale(img, MaxDimension)
	b := scaled.Bounds()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}

	if detected == "image/jpeg" && scaled == img && buf.Len() >= len(data) {
		return &Result{
			Data:         data,
			MIME:         detected,
			Width:        b.Dx(),
			Height:       b.Dy(),
			OriginalSize: len(data),
		}, nil
	}

	return &Result{
		Data:         buf.Bytes(),
		MIME:         "image/jpeg",
		Width:        b.Dx(),
		Height:       b.Dy(),
		OriginalSize: len(data),
		Compressed:   true,
	}, nil
}

// Prepare compresses data when it can and otherwise passes it through with
// its sniffed MIME type, so formats like HEIC still upload.
func Prepare(data []byte) *Result {
	res, err := Compress(data)
	if err == nil {
		return res
	}
	return &Result{
		Data:         data,
		MIME:         http.DetectContentType(data),
		OriginalSize: len(data),
	}
}

// downscale resizes the image so neither dimension exceeds maxDim, using
// Catmull-Rom interpolation. Images within bounds are returned unchanged.
func downscale(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	if w <= maxDim && h <= maxDim {
		return img
	}

	newW, newH := w, h
	if w > h {
		newW = maxDim
		newH = int(float64(h) * float64(maxDim) / float64(w))
	} else {
		newH = maxDim
		newW = int(float64(w) * float64(maxDim) / float64(h))
	}
	newW = max(newW, 1)
	newH = max(newH, 1)

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func init() {
	image.RegisterFormat("jpeg", "\xff\xd8", jpeg.Decode, jpeg.DecodeConfig)
	image.RegisterFormat("png", "\x89PNG", png.Decode, png.DecodeConfig)
}
