// Package imagedecode turns client-submitted image payloads into RGB bitmaps.
package imagedecode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	// Registered decoders. Format is picked from the magic bytes.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color channels in a decoded Bitmap.
const Channels = 3

var (
	// ErrBadEncoding is returned when the payload is not valid base64.
	ErrBadEncoding = errors.New("payload is not valid base64")
	// ErrUnsupportedImage is returned when the decoded bytes are not a known image format.
	ErrUnsupportedImage = errors.New("unsupported or corrupt image")
)

// DecodeError records which stage of decoding failed.
type DecodeError struct {
	Kind error
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Is lets errors.Is match against the Kind sentinel.
func (e *DecodeError) Is(target error) bool {
	return target == e.Kind
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Bitmap is a row-major, 8-bit, 3-channel RGB image.
type Bitmap struct {
	Width  int
	Height int
	// Format is the container format detected from the payload ("jpeg", "png", ...).
	Format string
	Pix    []byte
}

// Stride returns the number of bytes per row.
func (b *Bitmap) Stride() int {
	return b.Width * Channels
}

// At returns the RGB triple at (x, y).
func (b *Bitmap) At(x, y int) (r, g, bl uint8) {
	i := y*b.Stride() + x*Channels
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2]
}

// Decode parses raw into a Bitmap. raw may carry a data-URL style header
// ("data:image/jpeg;base64,"); everything after the first comma is the payload.
func Decode(raw string) (*Bitmap, error) {
	data, err := DecodeBytes(raw)
	if err != nil {
		return nil, err
	}
	return DecodeImage(data)
}

// DecodeBytes extracts and base64-decodes the payload part of raw.
func DecodeBytes(raw string) ([]byte, error) {
	payload := Payload(raw)
	if payload == "" {
		return nil, &DecodeError{Kind: ErrBadEncoding, Err: errors.New("empty payload")}
	}

	var firstErr error
	for _, enc := range encodings(payload) {
		data, err := enc.DecodeString(payload)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, &DecodeError{Kind: ErrBadEncoding, Err: firstErr}
}

// DecodeImage decodes compressed image bytes into an RGB Bitmap.
func DecodeImage(data []byte) (*Bitmap, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Kind: ErrUnsupportedImage, Err: err}
	}
	bm := FromImage(img)
	bm.Format = format
	return bm, nil
}

// FromImage converts any image.Image into an RGB Bitmap. Alpha is dropped
// without premultiplying, so transparent pixels keep their color.
func FromImage(img image.Image) *Bitmap {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]byte, w*h*Channels)

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			off := nrgba.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			src := nrgba.Pix[off : off+w*4]
			dst := pix[y*w*Channels : (y+1)*w*Channels]
			for x := 0; x < w; x++ {
				dst[x*3] = src[x*4]
				dst[x*3+1] = src[x*4+1]
				dst[x*3+2] = src[x*4+2]
			}
		}
		return &Bitmap{Width: w, Height: h, Pix: pix}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * Channels
			pix[i], pix[i+1], pix[i+2] = straightRGB(img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return &Bitmap{Width: w, Height: h, Pix: pix}
}

// straightRGB returns the color channels of c before alpha is applied.
func straightRGB(c color.Color) (r, g, b uint8) {
	switch c := c.(type) {
	case color.NRGBA:
		return c.R, c.G, c.B
	case color.NRGBA64:
		return uint8(c.R >> 8), uint8(c.G >> 8), uint8(c.B >> 8)
	case color.NYCbCrA:
		return color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return n.R, n.G, n.B
}

// Payload returns the encoded part of raw: the text after the first comma,
// or all of raw when there is none. Whitespace and line breaks are removed.
func Payload(raw string) string {
	if _, data, found := strings.Cut(raw, ","); found {
		raw = data
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, raw)
}

// Header returns the text before the first comma, or "" when raw has no header.
func Header(raw string) string {
	header, _, found := strings.Cut(raw, ",")
	if !found {
		return ""
	}
	return strings.TrimSpace(header)
}

func encodings(payload string) []*base64.Encoding {
	if strings.ContainsAny(payload, "-_") {
		return []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding}
	}
	if strings.HasSuffix(payload, "=") || len(payload)%4 == 0 {
		return []*base64.Encoding{base64.StdEncoding}
	}
	return []*base64.Encoding{base64.RawStdEncoding}
}
