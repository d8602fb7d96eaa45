// Package imageproc decodes uploaded images and turns them into backbone input tensors.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color channels fed to the backbone (RGB).
const Channels = 3

// ErrDecode is returned when image bytes cannot be decoded.
var ErrDecode = errors.New("cannot decode image")

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// AllowedContentTypes returns the accepted upload content types in a stable order.
func AllowedContentTypes() []string {
	return []string{"image/jpeg", "image/png", "image/webp", "image/gif"}
}

// NormalizeContentType lowercases ct and strips media type parameters.
func NormalizeContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

// IsAllowedContentType reports whether ct names an accepted image type.
func IsAllowedContentType(ct string) bool {
	return allowedContentTypes[NormalizeContentType(ct)]
}

// ContentTypeForPath guesses the content type of a file from its extension.
func ContentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	}
	return "application/octet-stream"
}

// Decode decodes JPEG, PNG, GIF or WEBP bytes. The returned format is the registered decoder name.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty data", ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: empty bounds %v", ErrDecode, b)
	}
	return img, format, nil
}

// ToRGB returns an opaque copy of img. Alpha is discarded rather than composited, so a
// semi-transparent pixel keeps its color values.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return out
}

// Resize scales img to size x size with bicubic (Catmull-Rom) interpolation.
func Resize(img image.Image, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Preprocess converts img into a [1,size,size,3] NHWC float32 tensor with every channel
// scaled from [0,255] to [-1,1] via x/127.5 - 1.
func Preprocess(img image.Image, size int) []float32 {
	resized := Resize(ToRGB(img), size)
	out := make([]float32, size*size*Channels)
	i := 0
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < Channels; c++ {
				out[i] = float32(px[c])/127.5 - 1.0
				i++
			}
		}
	}
	return out
}

// Prepared is a decoded image together with its backbone input tensor.
type Prepared struct {
	Image  image.Image
	Format string
	Pixels []float32
}

// DecodeAndPreprocess decodes data and builds the backbone input tensor for it.
func DecodeAndPreprocess(data []byte, size int) (*Prepared, error) {
	img, format, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &Prepared{Image: img, Format: format, Pixels: Preprocess(img, size)}, nil
}
