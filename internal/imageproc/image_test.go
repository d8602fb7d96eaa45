package imageproc

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestIsAllowedContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"image/jpeg", true},
		{"image/png", true},
		{"image/webp", true},
		{"image/gif", true},
		{"IMAGE/PNG", true},
		{"image/png; charset=binary", true},
		{"text/plain", false},
		{"image/bmp", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAllowedContentType(tt.ct); got != tt.want {
			t.Errorf("IsAllowedContentType(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func TestContentTypeForPath(t *testing.T) {
	tests := map[string]string{
		"a.jpg":  "image/jpeg",
		"a.JPEG": "image/jpeg",
		"b.png":  "image/png",
		"c.webp": "image/webp",
		"d.gif":  "image/gif",
		"e.txt":  "application/octet-stream",
	}
	for path, want := range tests {
		if got := ContentTypeForPath(path); got != want {
			t.Errorf("ContentTypeForPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestDecode_Formats(t *testing.T) {
	img := solid(4, 3, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	var jpg, gf bytes.Buffer
	if err := jpeg.Encode(&jpg, img, nil); err != nil {
		t.Fatal(err)
	}
	if err := gif.Encode(&gf, img, nil); err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string][]byte{
		"png":  encodePNG(t, img),
		"jpeg": jpg.Bytes(),
		"gif":  gf.Bytes(),
	} {
		got, format, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", name, err)
		}
		if format != name {
			t.Errorf("format = %q, want %q", format, name)
		}
		if got.Bounds().Dx() != 4 || got.Bounds().Dy() != 3 {
			t.Errorf("%s bounds = %v", name, got.Bounds())
		}
	}
}

func TestDecode_Corrupt(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("definitely not an image"), {0x89, 'P', 'N', 'G'}} {
		if _, _, err := Decode(data); !errors.Is(err, ErrDecode) {
			t.Errorf("Decode(%q) error = %v, want ErrDecode", data, err)
		}
	}
}

func TestPreprocess_ScaleAndLayout(t *testing.T) {
	white := solid(5, 5, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	out := Preprocess(white, 7)
	if len(out) != 7*7*Channels {
		t.Fatalf("len = %d, want %d", len(out), 7*7*Channels)
	}
	for i, v := range out {
		if math.Abs(float64(v)-1.0) > 1e-6 {
			t.Fatalf("out[%d] = %v, want 1.0", i, v)
		}
	}

	black := solid(3, 3, color.NRGBA{A: 255})
	for i, v := range Preprocess(black, 2) {
		if v != -1.0 {
			t.Fatalf("out[%d] = %v, want -1.0", i, v)
		}
	}

	// NHWC: channel is the fastest-moving axis.
	red := solid(2, 2, color.NRGBA{R: 255, A: 255})
	px := Preprocess(red, 2)
	if px[0] != 1 || px[1] != -1 || px[2] != -1 {
		t.Errorf("first pixel = %v, want [1 -1 -1]", px[:3])
	}
}

func TestToRGB_DropsAlpha(t *testing.T) {
	img := solid(1, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 0x40})
	rgb := ToRGB(img)
	got := rgb.NRGBAAt(0, 0)
	if got.A != 0xff {
		t.Errorf("alpha = %d, want 255", got.A)
	}
	if got.R != 200 || got.G != 100 || got.B != 50 {
		t.Errorf("color = %+v, want R=200 G=100 B=50", got)
	}
}

func TestDecodeAndPreprocess_OnePixelPNG(t *testing.T) {
	data := encodePNG(t, solid(1, 1, color.NRGBA{R: 0, G: 255, B: 0, A: 255}))
	prep, err := DecodeAndPreprocess(data, 299)
	if err != nil {
		t.Fatal(err)
	}
	if prep.Format != "png" || prep.Image.Bounds().Dx() != 1 {
		t.Errorf("format = %q bounds = %v", prep.Format, prep.Image.Bounds())
	}
	out := prep.Pixels
	if len(out) != 299*299*3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0] != -1 || out[1] != 1 || out[2] != -1 {
		t.Errorf("first pixel = %v", out[:3])
	}
}

func TestDecodeAndPreprocess_Corrupt(t *testing.T) {
	if _, err := DecodeAndPreprocess([]byte("not an image"), 8); !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
}
