package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"snapfile-go/internal/extractor"
	"snapfile-go/internal/sniffer"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/webp"
)

const (
	// DefaultMaxDimension caps the longest side of re-encoded images.
	DefaultMaxDimension = 1920
	// DefaultMaxPixels rejects decompression bombs before decoding.
	DefaultMaxPixels = 100_000_000

	imageQualityFloor = 0.1
)

// ImageOptions configures the raster backend.
type ImageOptions struct {
	MaxDimension int
	MaxPixels    int
}

// ImageBackend re-encodes raster images at a quality derived from the job.
type ImageBackend struct {
	opts   ImageOptions
	logger *logrus.Logger
}

// NewImageBackend creates the raster backend.
func NewImageBackend(opts ImageOptions, logger *logrus.Logger) *ImageBackend {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &ImageBackend{opts: opts, logger: logger}
}

// Kind implements Backend.
func (b *ImageBackend) Kind() sniffer.Kind { return sniffer.KindImage }

// Close implements io.Closer. The image backend holds no resources.
func (b *ImageBackend) Close() error { return nil }

type imageFormat struct {
	encode imaging.Format
	name   string
	mime   string
	alpha  bool
}

var imageFormats = map[string]imageFormat{
	"jpeg": {imaging.JPEG, "jpeg", "image/jpeg", false},
	"png":  {imaging.PNG, "png", "image/png", true},
	"gif":  {imaging.GIF, "gif", "image/gif", true},
	"bmp":  {imaging.BMP, "bmp", "image/bmp", true},
	"tiff": {imaging.TIFF, "tiff", "image/tiff", true},
}

// Compress implements Backend. A TargetFormat of "pdf" places the image on a
// single A4 page. Animated GIFs keep every frame.
func (b *ImageBackend) Compress(ctx context.Context, src []byte, p Params, progress ProgressFunc) (*Output, error) {
	q := clampQuality(p.Quality, imageQualityFloor)
	report(progress, 0.05)

	orig, anim, err := b.decode(src, p.Format)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if anim != nil {
		return b.compressAnimation(ctx, anim, p, progress)
	}
	report(progress, 0.4)

	img := b.prepare(orig, src, p, q)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(progress, 0.6)

	if formatName(p.TargetFormat) == "pdf" {
		page, err := encodePDFPage(orig, img, q)
		if err != nil {
			return nil, err
		}
		report(progress, 1)
		return &Output{Data: buildPDF([]pdfPage{page}), Format: "pdf", MIME: "application/pdf"}, nil
	}

	target, err := chooseImageFormat(p, hasAlpha(img))
	if err != nil {
		return nil, err
	}
	if !target.alpha && hasAlpha(img) {
		img = flatten(img)
	}
	img = matchDepth(orig, img, target)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, target.encode, encodeOptions(target, q)...); err != nil {
		return nil, Fault("encode image", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(progress, 1)

	return &Output{Data: buf.Bytes(), Format: target.name, MIME: target.mime}, nil
}

// BuildPDF places each image on its own A4 page of a new document, in the
// order given. Every image is re-encoded as JPEG at quality.
func (b *ImageBackend) BuildPDF(ctx context.Context, sources [][]byte, quality float64) ([]byte, error) {
	if len(sources) == 0 {
		return nil, Unsupported("build pdf", errors.New("no images"))
	}
	q := clampQuality(quality, imageQualityFloor)
	pages := make([]pdfPage, 0, len(sources))
	for i, src := range sources {
		sig := sniffer.Detect(src)
		if sig.Kind != sniffer.KindImage {
			return nil, Unsupported("build pdf", fmt.Errorf("input %d is %s, not an image", i+1, sig.Kind))
		}
		orig, anim, err := b.decode(src, sig.Format)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i+1, err)
		}
		if anim != nil {
			return nil, Unsupported("build pdf", fmt.Errorf("input %d is an animated GIF with %d frames", i+1, len(anim.Image)))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := encodePDFPage(orig, b.prepare(orig, src, Params{Format: sig.Format}, q), q)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i+1, err)
		}
		pages = append(pages, page)
	}
	return buildPDF(pages), nil
}

// decode checks the header limits and decodes src. Animated GIFs come back
// whole as anim with a nil image. Multi-page TIFFs are refused since only the
// first page would survive.
func (b *ImageBackend) decode(src []byte, format string) (image.Image, *gif.GIF, error) {
	cfg, err := decodeConfig(src, format)
	if err != nil {
		return nil, nil, Unsupported("decode image header", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, nil, Unsupported("decode image header", fmt.Errorf("empty image %dx%d", cfg.Width, cfg.Height))
	}
	if cfg.Width*cfg.Height > b.opts.MaxPixels {
		return nil, nil, Exhausted("decode image", fmt.Errorf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, b.opts.MaxPixels))
	}

	switch format {
	case "gif":
		anim, err := gif.DecodeAll(bytes.NewReader(src))
		if err != nil {
			return nil, nil, Unsupported("decode image", err)
		}
		switch len(anim.Image) {
		case 0:
			return nil, nil, Unsupported("decode image", errors.New("gif has no frames"))
		case 1:
			return anim.Image[0], nil, nil
		}
		return nil, anim, nil
	case "tiff":
		if n := tiffPages(src, 2); n > 1 {
			return nil, nil, Unsupported("decode image", errors.New("multi-page TIFF is not supported"))
		}
	}

	img, err := decodeImage(src, format)
	if err != nil {
		return nil, nil, Unsupported("decode image", err)
	}
	return img, nil, nil
}

// prepare applies the EXIF orientation and fits the image inside the
// dimension limit for quality q.
func (b *ImageBackend) prepare(orig image.Image, src []byte, p Params, q float64) image.Image {
	img := orig
	if p.Format == "jpeg" || p.Format == "tiff" {
		if o, err := extractor.ReadOrientation(src); err == nil && o.NeedsTransform() {
			img = applyOrientation(img, o)
		} else if err != nil {
			b.logger.WithField("job_id", p.JobID).Debugf("Ignoring unreadable EXIF: %v", err)
		}
	}

	limit := int(float64(b.opts.MaxDimension) * math.Min(1, q+0.5))
	if bounds := img.Bounds(); max(bounds.Dx(), bounds.Dy()) > limit {
		img = imaging.Fit(img, limit, limit, imaging.Lanczos)
	}
	return img
}

// compressAnimation re-encodes an animated GIF frame by frame. Delays,
// disposal methods and the loop count are kept; frames are not resampled.
func (b *ImageBackend) compressAnimation(ctx context.Context, anim *gif.GIF, p Params, progress ProgressFunc) (*Output, error) {
	if t := formatName(p.TargetFormat); t != "" && t != "gif" {
		return nil, Unsupported("convert animation", fmt.Errorf("animated GIF with %d frames cannot be written as %s", len(anim.Image), t))
	}
	pixels := 0
	for _, frame := range anim.Image {
		pixels += frame.Bounds().Dx() * frame.Bounds().Dy()
	}
	if pixels > b.opts.MaxPixels {
		return nil, Exhausted("decode image", fmt.Errorf("%d frames with %d pixels exceed %d", len(anim.Image), pixels, b.opts.MaxPixels))
	}
	b.logger.WithFields(logrus.Fields{
		"job_id": p.JobID,
		"frames": len(anim.Image),
	}).Debug("Re-encoding animated GIF")
	report(progress, 0.5)

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, Fault("encode animation", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(progress, 1)

	return &Output{Data: buf.Bytes(), Format: "gif", MIME: "image/gif"}, nil
}

// tiffPages counts the image directories chained from a classic TIFF header,
// stopping at limit. Damaged chains count the pages read so far.
func tiffPages(src []byte, limit int) int {
	if len(src) < 8 {
		return 0
	}
	var order binary.ByteOrder
	switch string(src[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0
	}
	if order.Uint16(src[2:4]) != 42 {
		return 0
	}

	pages := 0
	seen := make(map[uint32]bool)
	for off := order.Uint32(src[4:8]); off != 0 && pages < limit && !seen[off]; {
		seen[off] = true
		if uint64(off)+2 > uint64(len(src)) {
			break
		}
		pages++
		next := uint64(off) + 2 + 12*uint64(order.Uint16(src[off:]))
		if next+4 > uint64(len(src)) {
			break
		}
		off = order.Uint32(src[next:])
	}
	return pages
}

func decodeConfig(src []byte, format string) (image.Config, error) {
	if format == "webp" {
		return webp.DecodeConfig(bytes.NewReader(src))
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	return cfg, err
}

func decodeImage(src []byte, format string) (image.Image, error) {
	if format == "webp" {
		return webp.Decode(bytes.NewReader(src))
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	return img, err
}

// encodePDFPage turns a prepared image into a JPEG page. Transparency is
// flattened onto white and grayscale sources stay grayscale.
func encodePDFPage(orig, img image.Image, q float64) (pdfPage, error) {
	target := imageFormats["jpeg"]
	if hasAlpha(img) {
		img = flatten(img)
	}
	img = matchDepth(orig, img, target)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, target.encode, encodeOptions(target, q)...); err != nil {
		return pdfPage{}, Fault("encode pdf page", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return pdfPage{}, Fault("encode pdf page", err)
	}
	return pdfPage{
		jpeg:   buf.Bytes(),
		width:  cfg.Width,
		height: cfg.Height,
		gray:   cfg.ColorModel == color.GrayModel,
	}, nil
}

func formatName(target string) string {
	name := strings.ToLower(strings.TrimPrefix(target, "."))
	switch name {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return name
}

// chooseImageFormat keeps the source container unless the caller asked for
// another one. WebP has no encoder, so it becomes PNG when it carries alpha
// and JPEG otherwise.
func chooseImageFormat(p Params, alpha bool) (imageFormat, error) {
	name := formatName(p.TargetFormat)
	if name == "" {
		name = p.Format
		if name == "webp" {
			name = "jpeg"
			if alpha {
				name = "png"
			}
		}
	}
	f, ok := imageFormats[name]
	if !ok {
		return imageFormat{}, Unsupported("choose image format", fmt.Errorf("unsupported output format %q", name))
	}
	return f, nil
}

func encodeOptions(f imageFormat, q float64) []imaging.EncodeOption {
	switch f.encode {
	case imaging.JPEG:
		return []imaging.EncodeOption{imaging.JPEGQuality(max(10, int(math.Round(q*100))))}
	case imaging.PNG:
		level := png.BestCompression
		if q >= 0.9 {
			level = png.DefaultCompression
		}
		return []imaging.EncodeOption{imaging.PNGCompressionLevel(level)}
	case imaging.GIF:
		return []imaging.EncodeOption{imaging.GIFNumColors(max(16, min(256, int(256*q))))}
	default:
		return nil
	}
}

func applyOrientation(img image.Image, o extractor.Orientation) image.Image {
	switch o {
	case extractor.OrientationFlipH:
		return imaging.FlipH(img)
	case extractor.OrientationRotate180:
		return imaging.Rotate180(img)
	case extractor.OrientationFlipV:
		return imaging.FlipV(img)
	case extractor.OrientationTranspose:
		return imaging.Transpose(img)
	case extractor.OrientationRotate90:
		return imaging.Rotate270(img)
	case extractor.OrientationTransverse:
		return imaging.Transverse(img)
	case extractor.OrientationRotate270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}

// flatten composites img onto a white background for formats without alpha.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// matchDepth converts the processed image back to the colour model of the
// source where the processing pipeline widened it.
func matchDepth(orig, img image.Image, target imageFormat) image.Image {
	switch src := orig.(type) {
	case *image.Gray, *image.Gray16:
		if _, ok := img.(*image.Gray); ok {
			return img
		}
		dst := image.NewGray(img.Bounds())
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst
	case *image.Paletted:
		if target.encode != imaging.PNG && target.encode != imaging.GIF {
			return img
		}
		if p, ok := img.(*image.Paletted); ok && len(p.Palette) <= len(src.Palette) {
			return img
		}
		dst := image.NewPaletted(img.Bounds(), src.Palette)
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst
	}
	return img
}
