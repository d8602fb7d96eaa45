package imageproc

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"golang.org/x/image/font/basicfont"
)

func TestRenderOverlay(t *testing.T) {
	img := solid(50, 40, color.NRGBA{R: 30, G: 60, B: 90, A: 255})
	var buf bytes.Buffer
	caption := "a dog runs through the grass with a ball in its mouth while another dog watches"
	if err := RenderOverlay(&buf, img, caption, "model_9"); err != nil {
		t.Fatal(err)
	}
	out, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("overlay is not a PNG: %v", err)
	}
	if out.Bounds().Dx() != overlayMinWidth {
		t.Errorf("width = %d, want %d", out.Bounds().Dx(), overlayMinWidth)
	}
	if out.Bounds().Dy() <= 40 {
		t.Errorf("height = %d, want caption band below the image", out.Bounds().Dy())
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText(basicfont.Face7x13, "one two three four five six seven", 70)
	if len(lines) < 2 {
		t.Errorf("expected wrapping, got %q", lines)
	}
	if wrapText(basicfont.Face7x13, "   ", 70) != nil {
		t.Error("blank text should produce no lines")
	}
}
