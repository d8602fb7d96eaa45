package imageproc

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	overlayPadding   = 8
	overlayMinWidth  = 240
	overlayMaxWidth  = 1024
	overlayLineSpace = 4
)

// RenderOverlay writes a PNG of img scaled to at most overlayMaxWidth wide with the caption
// and an optional label drawn in a band below it.
func RenderOverlay(w io.Writer, img image.Image, caption, label string) error {
	face := basicfont.Face7x13
	src := img
	b := img.Bounds()
	width := b.Dx()
	if width > overlayMaxWidth {
		h := b.Dy() * overlayMaxWidth / width
		scaled := image.NewNRGBA(image.Rect(0, 0, overlayMaxWidth, h))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)
		src = scaled
		width = overlayMaxWidth
	}
	if width < overlayMinWidth {
		width = overlayMinWidth
	}
	srcH := src.Bounds().Dy()

	lines := wrapText(face, "Caption: "+caption, width-2*overlayPadding)
	if label != "" {
		lines = append(lines, wrapText(face, label, width-2*overlayPadding)...)
	}
	lineHeight := face.Metrics().Height.Ceil() + overlayLineSpace
	bandHeight := len(lines)*lineHeight + 2*overlayPadding

	canvas := image.NewRGBA(image.Rect(0, 0, width, srcH+bandHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(0, 0, src.Bounds().Dx(), srcH), src, src.Bounds().Min, draw.Over)

	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	ascent := face.Metrics().Ascent.Ceil()
	for i, line := range lines {
		d.Dot = fixed.P(overlayPadding, srcH+overlayPadding+ascent+i*lineHeight)
		d.DrawString(line)
	}
	return png.Encode(w, canvas)
}

// wrapText breaks s into lines no wider than maxWidth pixels. A single word wider than
// maxWidth gets its own line.
func wrapText(face font.Face, s string, maxWidth int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		candidate := current + " " + word
		if font.MeasureString(face, candidate).Ceil() > maxWidth {
			lines = append(lines, current)
			current = word
			continue
		}
		current = candidate
	}
	return append(lines, current)
}
