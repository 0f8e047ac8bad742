package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// withOrientation splices an APP1/EXIF segment carrying only the orientation
// tag right after the SOI marker.
func withOrientation(jpg []byte, o byte) []byte {
	tiff := []byte{
		'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00,
		0x01, 0x00,
		0x12, 0x01, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, o, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	payload := append([]byte("Exif\x00\x00"), tiff...)
	size := len(payload) + 2

	out := []byte{0xFF, 0xD8, 0xFF, 0xE1, byte(size >> 8), byte(size)}
	out = append(out, payload...)
	return append(out, jpg[2:]...)
}

func decode(t *testing.T, data []byte) (image.Image, string) {
	t.Helper()
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return img, format
}

func TestImageBackendReencodesJPEG(t *testing.T) {
	src := encodeJPEG(t, gradient(256, 128), 100)
	b := NewImageBackend(ImageOptions{}, testLogger())

	var reports []float64
	out, err := b.Compress(context.Background(), src, Params{Quality: 0.5, Format: "jpeg"}, func(p float64) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Format != "jpeg" || out.MIME != "image/jpeg" {
		t.Errorf("output = %s %s, want jpeg image/jpeg", out.Format, out.MIME)
	}
	if len(out.Data) >= len(src) {
		t.Errorf("quality 0.5 output %d bytes, source %d bytes", len(out.Data), len(src))
	}
	if len(reports) == 0 || reports[len(reports)-1] != 1 {
		t.Errorf("progress reports = %v, want to end at 1", reports)
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] < reports[i-1] {
			t.Fatalf("progress decreased: %v", reports)
		}
	}
}

func TestImageBackendAppliesOrientation(t *testing.T) {
	src := withOrientation(encodeJPEG(t, gradient(16, 8), 90), 6)
	b := NewImageBackend(ImageOptions{}, testLogger())

	out, err := b.Compress(context.Background(), src, Params{Quality: 0.9, Format: "jpeg"}, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	img, _ := decode(t, out.Data)
	if got := img.Bounds().Size(); got != image.Pt(8, 16) {
		t.Fatalf("size = %v, want rotated 8x16", got)
	}
}

func TestImageBackendFitsMaxDimension(t *testing.T) {
	src := encodePNG(t, gradient(64, 32))
	b := NewImageBackend(ImageOptions{MaxDimension: 16}, testLogger())

	out, err := b.Compress(context.Background(), src, Params{Quality: 1, Format: "png"}, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	img, _ := decode(t, out.Data)
	if got := img.Bounds().Size(); got != image.Pt(16, 8) {
		t.Fatalf("size = %v, want 16x8", got)
	}
}

func TestImageBackendAlphaHandling(t *testing.T) {
	src := gradient(8, 8)
	src.Set(0, 0, color.NRGBA{A: 0})
	data := encodePNG(t, src)
	b := NewImageBackend(ImageOptions{}, testLogger())

	t.Run("png keeps alpha", func(t *testing.T) {
		out, err := b.Compress(context.Background(), data, Params{Quality: 0.8, Format: "png"}, nil)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		img, format := decode(t, out.Data)
		if format != "png" {
			t.Fatalf("format = %s, want png", format)
		}
		if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
			t.Errorf("alpha at transparent pixel = %d, want 0", a)
		}
	})

	t.Run("jpeg target flattens onto white", func(t *testing.T) {
		out, err := b.Compress(context.Background(), data, Params{Quality: 1, Format: "png", TargetFormat: "jpg"}, nil)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		img, format := decode(t, out.Data)
		if format != "jpeg" {
			t.Fatalf("format = %s, want jpeg", format)
		}
		r, g, bl, _ := img.At(0, 0).RGBA()
		if r>>8 < 230 || g>>8 < 230 || bl>>8 < 230 {
			t.Errorf("flattened pixel = (%d,%d,%d), want near white", r>>8, g>>8, bl>>8)
		}
	})
}

func TestImageBackendKeepsColorDepth(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i)
	}
	pal := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.Black, color.White})
	for i := range pal.Pix {
		pal.Pix[i] = uint8(i % 2)
	}
	b := NewImageBackend(ImageOptions{}, testLogger())

	tests := []struct {
		name  string
		data  []byte
		check func(image.Image) bool
	}{
		{"gray png", encodePNG(t, gray), func(img image.Image) bool { _, ok := img.(*image.Gray); return ok }},
		{"gray jpeg", encodeJPEG(t, gray, 95), func(img image.Image) bool { _, ok := img.(*image.Gray); return ok }},
		{"paletted png", encodePNG(t, pal), func(img image.Image) bool { _, ok := img.(*image.Paletted); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, format, _ := image.DecodeConfig(bytes.NewReader(tt.data))
			out, err := b.Compress(context.Background(), tt.data, Params{Quality: 0.7, Format: format}, nil)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			img, _ := decode(t, out.Data)
			if !tt.check(img) {
				t.Errorf("output colour model %T widened the source", img)
			}
		})
	}
}

func TestImageBackendRejectsCorruptInput(t *testing.T) {
	data := encodePNG(t, gradient(8, 8))
	corrupt := append([]byte{}, data[:30]...)
	b := NewImageBackend(ImageOptions{}, testLogger())

	_, err := b.Compress(context.Background(), corrupt, Params{Quality: 0.8, Format: "png"}, nil)
	if !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("err = %v, want unsupported input", err)
	}
}

func TestImageBackendRejectsOversizedPixelCount(t *testing.T) {
	data := encodePNG(t, gradient(64, 64))
	b := NewImageBackend(ImageOptions{MaxPixels: 100}, testLogger())

	_, err := b.Compress(context.Background(), data, Params{Quality: 0.8, Format: "png"}, nil)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
}

func TestImageBackendRejectsUnknownTarget(t *testing.T) {
	data := encodePNG(t, gradient(8, 8))
	b := NewImageBackend(ImageOptions{}, testLogger())

	_, err := b.Compress(context.Background(), data, Params{Quality: 0.8, Format: "png", TargetFormat: "heic"}, nil)
	if !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("err = %v, want unsupported input", err)
	}
}

func TestImageBackendHonoursCancellation(t *testing.T) {
	data := encodePNG(t, gradient(32, 32))
	b := NewImageBackend(ImageOptions{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := b.Compress(ctx, data, Params{Quality: 0.8, Format: "png"}, nil)
	if !errors.Is(err, context.Canceled) || out != nil {
		t.Fatalf("Compress = %v, %v; want nil, context.Canceled", out, err)
	}
}

// animatedGIF draws a square moving across n frames.
func animatedGIF(t *testing.T, n, size int) []byte {
	t.Helper()
	anim := &gif.GIF{LoopCount: 2}
	for i := 0; i < n; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, size, size), palette.Plan9)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				frame.SetColorIndex(x, y, uint8((x+y+i*8)%200))
			}
		}
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 5+i)
		anim.Disposal = append(anim.Disposal, gif.DisposalBackground)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func TestImageBackendKeepsAnimationFrames(t *testing.T) {
	const frames = 10
	src := animatedGIF(t, frames, 64)
	b := NewImageBackend(ImageOptions{}, testLogger())

	out, err := b.Compress(context.Background(), src, Params{Quality: 0.8, Format: "gif"}, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Format != "gif" || out.MIME != "image/gif" {
		t.Errorf("output = %s %s, want gif image/gif", out.Format, out.MIME)
	}
	got, err := gif.DecodeAll(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(got.Image) != frames {
		t.Fatalf("output has %d frames, want %d", len(got.Image), frames)
	}
	if got.LoopCount != 2 {
		t.Errorf("loop count = %d, want 2", got.LoopCount)
	}
	for i := range got.Image {
		if got.Delay[i] != 5+i || got.Disposal[i] != gif.DisposalBackground {
			t.Errorf("frame %d: delay %d disposal %d", i, got.Delay[i], got.Disposal[i])
		}
	}
}

func TestImageBackendRefusesToFlattenAnimation(t *testing.T) {
	src := animatedGIF(t, 3, 16)
	b := NewImageBackend(ImageOptions{}, testLogger())

	for _, target := range []string{"png", "jpg", "pdf"} {
		out, err := b.Compress(context.Background(), src, Params{Quality: 0.8, Format: "gif", TargetFormat: target}, nil)
		if out != nil || !errors.Is(err, ErrUnsupportedInput) {
			t.Errorf("target %s: Compress = %v, %v; want unsupported input", target, out, err)
		}
	}

	small := NewImageBackend(ImageOptions{MaxPixels: 16 * 16 * 2}, testLogger())
	if _, err := small.Compress(context.Background(), src, Params{Quality: 0.8, Format: "gif"}, nil); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("frames over the pixel budget: err = %v, want resource exhausted", err)
	}
}

// twoPageTIFF appends a copy of the first image directory and links it as
// the second page.
func twoPageTIFF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gradient(8, 8), imaging.TIFF); err != nil {
		t.Fatalf("encode tiff: %v", err)
	}
	data := buf.Bytes()
	order := binary.LittleEndian
	if string(data[:2]) == "MM" {
		t.Fatal("expected a little-endian TIFF")
	}
	ifd := int(order.Uint32(data[4:8]))
	end := ifd + 2 + 12*int(order.Uint16(data[ifd:]))
	if len(data)%2 == 1 {
		data = append(data, 0)
	}
	second := len(data)
	data = append(data, data[ifd:end]...)
	data = append(data, 0, 0, 0, 0)
	order.PutUint32(data[end:], uint32(second))
	return data
}

func TestImageBackendRefusesMultiPageTIFF(t *testing.T) {
	var single bytes.Buffer
	if err := imaging.Encode(&single, gradient(8, 8), imaging.TIFF); err != nil {
		t.Fatal(err)
	}
	multi := twoPageTIFF(t)
	if n := tiffPages(single.Bytes(), 2); n != 1 {
		t.Fatalf("tiffPages(single) = %d, want 1", n)
	}
	if n := tiffPages(multi, 5); n != 2 {
		t.Fatalf("tiffPages(multi) = %d, want 2", n)
	}

	b := NewImageBackend(ImageOptions{}, testLogger())
	if _, err := b.Compress(context.Background(), single.Bytes(), Params{Quality: 0.8, Format: "tiff"}, nil); err != nil {
		t.Fatalf("single page: %v", err)
	}
	out, err := b.Compress(context.Background(), multi, Params{Quality: 0.8, Format: "tiff"}, nil)
	if out != nil || !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("multi page: Compress = %v, %v; want unsupported input", out, err)
	}
}

func TestImageBackendWritesPDFPage(t *testing.T) {
	src := encodePNG(t, gradient(200, 100))
	b := NewImageBackend(ImageOptions{}, testLogger())

	out, err := b.Compress(context.Background(), src, Params{Quality: 0.7, Format: "png", TargetFormat: "pdf"}, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Format != "pdf" || out.MIME != "application/pdf" {
		t.Errorf("output = %s %s, want pdf application/pdf", out.Format, out.MIME)
	}
	pages, err := inspectPDF(out.Data)
	if err != nil {
		t.Fatalf("output is not a readable PDF: %v", err)
	}
	if pages != 1 {
		t.Errorf("pages = %d, want 1", pages)
	}
	doc := string(out.Data)
	for _, want := range []string{"/Filter /DCTDecode", "/Width 200 /Height 100", "/ColorSpace /DeviceRGB", "startxref"} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q", want)
		}
	}
}

func TestBuildPDFOnePagePerImage(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 40, 80))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i)
	}
	sources := [][]byte{
		encodeJPEG(t, gradient(120, 60), 90),
		encodePNG(t, gray),
		encodePNG(t, gradient(30, 30)),
	}
	b := NewImageBackend(ImageOptions{}, testLogger())

	doc, err := b.BuildPDF(context.Background(), sources, 0.8)
	if err != nil {
		t.Fatalf("BuildPDF: %v", err)
	}
	pages, err := inspectPDF(doc)
	if err != nil || pages != len(sources) {
		t.Fatalf("pages = %d, %v; want %d", pages, err, len(sources))
	}
	if !strings.Contains(string(doc), "/ColorSpace /DeviceGray") {
		t.Error("grayscale image not embedded as DeviceGray")
	}
	if !strings.Contains(string(doc), "/Count 3") {
		t.Error("page tree does not count 3 pages")
	}

	if _, err := b.BuildPDF(context.Background(), [][]byte{[]byte("%PDF-1.4 not an image")}, 0.8); !errors.Is(err, ErrUnsupportedInput) {
		t.Errorf("non-image input: err = %v, want unsupported input", err)
	}
	if _, err := b.BuildPDF(context.Background(), nil, 0.8); !errors.Is(err, ErrUnsupportedInput) {
		t.Errorf("no input: err = %v, want unsupported input", err)
	}
}

func TestFitOnPage(t *testing.T) {
	tests := []struct {
		w, h  int
		wantW bool // width is the limiting side
	}{
		{2000, 500, true},
		{500, 2000, false},
	}
	for _, tt := range tests {
		w, h := fitOnPage(tt.w, tt.h)
		if tt.wantW && w != a4Width-2*pageMargin {
			t.Errorf("fitOnPage(%d, %d) width = %.2f, want full width", tt.w, tt.h, w)
		}
		if !tt.wantW && h != a4Height-2*pageMargin {
			t.Errorf("fitOnPage(%d, %d) height = %.2f, want full height", tt.w, tt.h, h)
		}
		if r := w / h; r < float64(tt.w)/float64(tt.h)-0.01 || r > float64(tt.w)/float64(tt.h)+0.01 {
			t.Errorf("fitOnPage(%d, %d) ratio = %.3f", tt.w, tt.h, r)
		}
	}
}
