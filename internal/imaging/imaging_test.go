package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func createTestJPEG(w, h, quality int) []byte {
	var buf bytes.Buffer
	jpeg.Encode(&buf, solid(w, h, color.RGBA{255, 0, 0, 255}), &jpeg.Options{Quality: quality})
	return buf.Bytes()
}

func createTestPNG(w, h int) []byte {
	var buf bytes.Buffer
	png.Encode(&buf, solid(w, h, color.RGBA{0, 0, 255, 255}))
	return buf.Bytes()
}

func TestCompressPNGBecomesJPEG(t *testing.T) {
	data := createTestPNG(100, 80)
	res, err := Compress(data)
	if err != nil {
		t.Fatalf("Compress PNG: %v", err)
	}
	if res.MIME != "image/jpeg" || !res.Compressed {
		t.Errorf("expected compressed image/jpeg, got %s (compressed=%v)", res.MIME, res.Compressed)
	}
	if res.Width != 100 || res.Height != 80 {
		t.Errorf("dimensions = %dx%d, want 100x80", res.Width, res.Height)
	}
	if res.OriginalSize != len(data) {
		t.Errorf("OriginalSize = %d, want %d", res.OriginalSize, len(data))
	}
}

func TestCompressDownscale(t *testing.T) {
	data := createTestJPEG(3200, 1600, 90)
	res, err := Compress(data)
	if err != nil {
		t.Fatalf("Compress large image: %v", err)
	}

	img, _, err := image.Decode(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != MaxDimension || b.Dy() != MaxDimension/2 {
		t.Errorf("expected %dx%d, got %dx%d", MaxDimension, MaxDimension/2, b.Dx(), b.Dy())
	}
	if !res.Compressed {
		t.Error("downscaled image not marked compressed")
	}
}

func TestCompressSmallImageNotUpscaled(t *testing.T) {
	data := createTestJPEG(50, 50, 90)
	res, err := Compress(data)
	if err != nil {
		t.Fatalf("Compress small image: %v", err)
	}

	img, _, err := image.Decode(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 50 || b.Dy() != 50 {
		t.Errorf("small image should not be resized: got %dx%d", b.Dx(), b.Dy())
	}
}

func TestCompressKeepsSmallerOriginal(t *testing.T) {
	data := createTestJPEG(64, 64, 10)
	res, err := Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(res.Data) > len(data) {
		t.Errorf("result (%d bytes) larger than input (%d bytes)", len(res.Data), len(data))
	}
}

func TestCompressUnsupported(t *testing.T) {
	for _, data := range [][]byte{[]byte("not an image"), []byte("GIF89a...")} {
		if _, err := Compress(data); !errors.Is(err, ErrUnsupported) {
			t.Errorf("Compress(%q) error = %v, want ErrUnsupported", data, err)
		}
	}
}

func TestPreparePassesThroughUnsupported(t *testing.T) {
	data := []byte("GIF89a rest of a gif")
	res := Prepare(data)
	if !bytes.Equal(res.Data, data) || res.Compressed {
		t.Error("unsupported payload was altered")
	}
	if res.MIME != "image/gif" {
		t.Errorf("MIME = %s, want image/gif", res.MIME)
	}
}
