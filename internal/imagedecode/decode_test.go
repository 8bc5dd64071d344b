package imagedecode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	return img
}

func TestDecodeJPEGDataURL(t *testing.T) {
	data, err := EncodeJPEG(FromImage(testImage(16, 9)), 90)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}

	bm, err := Decode(DataURL("image/jpeg", data))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if bm.Width != 16 || bm.Height != 9 {
		t.Errorf("Expected 16x9, got %dx%d", bm.Width, bm.Height)
	}
	if bm.Format != "jpeg" {
		t.Errorf("Expected format jpeg, got %q", bm.Format)
	}
	if len(bm.Pix) != 16*9*Channels {
		t.Errorf("Expected %d pixel bytes, got %d", 16*9*Channels, len(bm.Pix))
	}
}

func TestDecodePNGWithoutHeaderIsExact(t *testing.T) {
	src := FromImage(testImage(5, 4))
	data, err := EncodePNG(src)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}

	bm, err := Decode(base64.StdEncoding.EncodeToString(data))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	r, g, b := bm.At(3, 2)
	if r != 30 || g != 20 || b != 128 {
		t.Errorf("Expected (30,20,128) at (3,2), got (%d,%d,%d)", r, g, b)
	}
}

func TestDecodeRoundTripKeepsDimensions(t *testing.T) {
	sizes := [][2]int{{1, 1}, {7, 3}, {32, 32}, {64, 17}}
	for _, size := range sizes {
		first, err := EncodeJPEG(FromImage(testImage(size[0], size[1])), 75)
		if err != nil {
			t.Fatalf("EncodeJPEG failed: %v", err)
		}
		bm, err := Decode(DataURL("image/jpeg", first))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		second, err := EncodeJPEG(bm, 75)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		again, err := Decode(base64.StdEncoding.EncodeToString(second))
		if err != nil {
			t.Fatalf("second Decode failed: %v", err)
		}
		if again.Width != bm.Width || again.Height != bm.Height {
			t.Errorf("Dimensions changed: %dx%d -> %dx%d", bm.Width, bm.Height, again.Width, again.Height)
		}
	}
}

func TestDecodeOnlyUsesTextAfterFirstComma(t *testing.T) {
	data, err := EncodePNG(FromImage(testImage(2, 2)))
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	if got := Payload("a,b,c"); got != "b,c" {
		t.Errorf("Expected payload %q, got %q", "b,c", got)
	}
	if got := Header("data:image/png;base64," + encoded); got != "data:image/png;base64" {
		t.Errorf("Unexpected header %q", got)
	}
	if got := Header(encoded); got != "" {
		t.Errorf("Expected empty header, got %q", got)
	}

	// A second comma belongs to the payload and makes it invalid base64.
	_, err = Decode("hdr," + encoded + ",extra")
	if !errors.Is(err, ErrBadEncoding) {
		t.Errorf("Expected ErrBadEncoding, got %v", err)
	}
}

func TestDecodeMalformedBase64(t *testing.T) {
	inputs := []string{
		"not-valid-base64!!",
		"data:image/jpeg;base64,@@@@",
		"",
		"data:image/png;base64,",
		"a",
	}
	for _, in := range inputs {
		_, err := Decode(in)
		if !errors.Is(err, ErrBadEncoding) {
			t.Errorf("Decode(%q): expected ErrBadEncoding, got %v", in, err)
		}
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Errorf("Decode(%q): expected *DecodeError, got %T", in, err)
		}
	}
}

func TestDecodeUnsupportedImage(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("definitely not an image"))
	_, err := Decode(raw)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("Expected ErrUnsupportedImage, got %v", err)
	}
	if errors.Is(err, ErrBadEncoding) {
		t.Error("Unsupported image must not match ErrBadEncoding")
	}
}

func TestDecodeAcceptsUnpaddedAndWrappedBase64(t *testing.T) {
	data, err := EncodePNG(FromImage(testImage(3, 3)))
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}

	raw := base64.RawStdEncoding.EncodeToString(data)
	if len(raw)%4 == 0 {
		raw = base64.StdEncoding.EncodeToString(data)
	}
	if _, err := Decode(raw); err != nil {
		t.Errorf("unpadded payload: %v", err)
	}

	wrapped := base64.StdEncoding.EncodeToString(data)
	wrapped = wrapped[:10] + "\r\n" + wrapped[10:]
	if _, err := Decode(" data:image/png;base64, " + wrapped); err != nil {
		t.Errorf("wrapped payload: %v", err)
	}
}

func TestFromImageDropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	img.Set(1, 0, color.NRGBA{R: 255, G: 0, B: 0, A: 0})
	img.Set(2, 0, color.NRGBA{R: 10, G: 200, B: 30, A: 128})

	bm := FromImage(img)
	want := [][3]uint8{{255, 0, 0}, {255, 0, 0}, {10, 200, 30}}
	for x, w := range want {
		r, g, b := bm.At(x, 0)
		if r != w[0] || g != w[1] || b != w[2] {
			t.Errorf("Pixel %d: expected %v, got (%d,%d,%d)", x, w, r, g, b)
		}
	}
	if bm.Stride() != 9 {
		t.Errorf("Expected stride 9, got %d", bm.Stride())
	}
}

func TestFromImageTransparentPNG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.Set(1, 1, color.NRGBA{R: 255, G: 128, B: 0, A: 0})
	src.Set(2, 1, color.NRGBA{R: 0, G: 0, B: 255, A: 128})

	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	bm, err := DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if r, g, b := bm.At(1, 1); r != 255 || g != 128 || b != 0 {
		t.Errorf("Expected (255,128,0), got (%d,%d,%d)", r, g, b)
	}
	if r, g, b := bm.At(2, 1); r != 0 || g != 0 || b != 255 {
		t.Errorf("Expected (0,0,255), got (%d,%d,%d)", r, g, b)
	}

	// Sub-images start away from the origin.
	sub := FromImage(src.SubImage(image.Rect(1, 1, 3, 2)))
	if sub.Width != 2 || sub.Height != 1 {
		t.Fatalf("Expected 2x1, got %dx%d", sub.Width, sub.Height)
	}
	if r, g, b := sub.At(0, 0); r != 255 || g != 128 || b != 0 {
		t.Errorf("Sub-image: expected (255,128,0), got (%d,%d,%d)", r, g, b)
	}
}

func TestStraightRGB(t *testing.T) {
	cases := []struct {
		in      color.Color
		r, g, b uint8
	}{
		{color.NRGBA64{R: 0xffff, G: 0x8000, A: 0}, 255, 128, 0},
		{color.RGBA{R: 40, G: 50, B: 60, A: 255}, 40, 50, 60},
		{color.Gray{Y: 90}, 90, 90, 90},
	}
	for _, tc := range cases {
		if r, g, b := straightRGB(tc.in); r != tc.r || g != tc.g || b != tc.b {
			t.Errorf("straightRGB(%v): expected (%d,%d,%d), got (%d,%d,%d)", tc.in, tc.r, tc.g, tc.b, r, g, b)
		}
	}
}
