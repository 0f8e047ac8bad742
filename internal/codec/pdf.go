package codec

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"snapfile-go/internal/sniffer"

	"github.com/sirupsen/logrus"
)

const pdfQualityFloor = 0.05

// docInfoReset blanks the descriptive metadata pdfwrite would otherwise carry
// over from the source document.
const docInfoReset = "[ /Title () /Author () /Subject () /Keywords () /Creator () /Producer () /DOCINFO pdfmark"

var (
	pdfPageRe     = regexp.MustCompile(`/Type\s*/Page([^s]|$)`)
	gsPageLineRe  = regexp.MustCompile(`^Page (\d+)$`)
	gsErrorMarker = []string{"Error:", "Unrecoverable error", "**** ", "Could not"}
)

// PDFOptions configures the PDF backend.
type PDFOptions struct {
	GhostscriptPath string
	TempDir         string
}

// PDFBackend rewrites documents through Ghostscript's pdfwrite device.
type PDFBackend struct {
	opts   PDFOptions
	runner CommandRunner
	logger *logrus.Logger
}

// NewPDFBackend locates Ghostscript and returns a ready backend. A missing
// binary is reported here rather than on the first job.
func NewPDFBackend(opts PDFOptions, logger *logrus.Logger) (*PDFBackend, error) {
	candidates := []string{opts.GhostscriptPath}
	if opts.GhostscriptPath == "" {
		candidates = []string{"gs", "gswin64c", "gswin32c"}
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			opts.GhostscriptPath = path
			return newPDFBackend(opts, &ExecRunner{}, logger), nil
		}
	}
	return nil, fmt.Errorf("ghostscript not found (tried %s)", strings.Join(candidates, ", "))
}

func newPDFBackend(opts PDFOptions, runner CommandRunner, logger *logrus.Logger) *PDFBackend {
	return &PDFBackend{opts: opts, runner: runner, logger: logger}
}

// Kind implements Backend.
func (b *PDFBackend) Kind() sniffer.Kind { return sniffer.KindPDF }

// Close implements io.Closer.
func (b *PDFBackend) Close() error { return nil }

// Compress implements Backend. A TargetFormat of png or jpeg renders the
// pages instead: one page comes back as a single image and longer documents
// as a ZIP archive of page images. Other targets leave the document a PDF.
func (b *PDFBackend) Compress(ctx context.Context, src []byte, p Params, progress ProgressFunc) (*Output, error) {
	pages, err := inspectPDF(src)
	if err != nil {
		return nil, err
	}
	q := clampQuality(p.Quality, pdfQualityFloor)
	report(progress, 0.02)

	ws, err := newWorkspace(b.opts.TempDir, "snapfile-pdf-*")
	if err != nil {
		return nil, Fault("create workspace", err)
	}
	defer ws.cleanup()

	in := ws.path("input.pdf")
	if err := os.WriteFile(in, src, 0o600); err != nil {
		return nil, Fault("write input", err)
	}

	if raster, ok := rasterFormats[formatName(p.TargetFormat)]; ok {
		return b.render(ctx, ws, in, raster, q, pages, p, progress)
	}

	out := ws.path("output.pdf")
	if err := b.run(ctx, "rewrite pdf", pdfArgs(q, in, out), pages, p, progress); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, Fault("read output", err)
	}
	if len(data) == 0 {
		return nil, Fault("read output", errors.New("ghostscript produced an empty document"))
	}
	report(progress, 1)

	return &Output{Data: data, Format: "pdf", MIME: "application/pdf"}, nil
}

type rasterFormat struct {
	device string
	name   string
	ext    string
	mime   string
}

var rasterFormats = map[string]rasterFormat{
	"png":  {"png16m", "png", ".png", "image/png"},
	"jpeg": {"jpeg", "jpeg", ".jpg", "image/jpeg"},
}

// render rasterizes every page through Ghostscript's image devices.
func (b *PDFBackend) render(ctx context.Context, ws *workspace, in string, f rasterFormat, q float64, pages int, p Params, progress ProgressFunc) (*Output, error) {
	pattern := ws.path("page-%03d" + f.ext)
	if err := b.run(ctx, "render pdf", rasterArgs(q, f.device, in, pattern), pages, p, progress); err != nil {
		return nil, err
	}

	files, err := filepath.Glob(ws.path("page-*" + f.ext))
	if err != nil {
		return nil, Fault("read output", err)
	}
	if len(files) == 0 {
		return nil, Fault("read output", errors.New("ghostscript rendered no pages"))
	}
	sort.Strings(files)

	if len(files) == 1 {
		data, err := os.ReadFile(files[0])
		if err != nil {
			return nil, Fault("read output", err)
		}
		report(progress, 1)
		return &Output{Data: data, Format: f.name, MIME: f.mime}, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, Fault("read output", err)
		}
		// Page images are already compressed.
		w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(file), Method: zip.Store, Modified: time.Now()})
		if err != nil {
			return nil, Fault("archive pages", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, Fault("archive pages", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, Fault("archive pages", err)
	}
	report(progress, 1)

	return &Output{Data: buf.Bytes(), Format: "zip", MIME: "application/zip"}, nil
}

// run invokes Ghostscript, mapping its per-page output onto progress and its
// failures onto the error taxonomy.
func (b *PDFBackend) run(ctx context.Context, op string, args []string, pages int, p Params, progress ProgressFunc) error {
	onLine := func(line string) {
		m := gsPageLineRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		n, _ := strconv.Atoi(m[1])
		report(progress, math.Min(0.95, float64(n)/float64(pages)))
	}

	res, err := b.runner.Run(ctx, b.opts.GhostscriptPath, args, onLine)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"job_id":    p.JobID,
			"op":        op,
			"exit_code": res.ExitCode,
			"stderr":    res.Stderr,
		}).Warn("Ghostscript failed")
		if looksLikeInputError(res.Stderr) {
			return Unsupported(op, fmt.Errorf("ghostscript rejected document: %w", err))
		}
		return Fault(op, err)
	}
	return nil
}

// inspectPDF refuses documents that cannot be rewritten safely and returns
// an estimate of the page count for progress reporting.
func inspectPDF(src []byte) (int, error) {
	head := src[:min(len(src), sniffer.PrefixLen)]
	if !bytes.Contains(head, []byte("%PDF-")) {
		return 0, Unsupported("inspect pdf", errors.New("missing %PDF header"))
	}
	tail := src[max(0, len(src)-2048):]
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return 0, Unsupported("inspect pdf", errors.New("truncated document: no %%EOF marker"))
	}
	if bytes.Contains(src, []byte("/Encrypt")) {
		return 0, Unsupported("inspect pdf", errors.New("encrypted documents are not supported"))
	}
	return max(1, len(pdfPageRe.FindAllIndex(src, -1))), nil
}

// pdfArgs maps quality onto a pdfwrite preset, an image resolution between 72
// and 300 DPI and a JPEG quality for re-encoded images.
func pdfArgs(q float64, in, out string) []string {
	preset := "/printer"
	switch {
	case q < 0.4:
		preset = "/screen"
	case q < 0.75:
		preset = "/ebook"
	}
	dpi := 72 + int(math.Round(q*228))
	jpegQ := max(10, int(math.Round(q*100)))

	return []string{
		"-sDEVICE=pdfwrite",
		"-dPDFSETTINGS=" + preset,
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dBATCH",
		"-dSAFER",
		"-dAutoRotatePages=/None",
		"-dDetectDuplicateImages=true",
		"-dCompressFonts=true",
		"-dSubsetFonts=true",
		"-dPreserveAnnots=true",
		"-dPreserveMarkedContent=true",
		"-dDownsampleColorImages=true",
		"-dDownsampleGrayImages=true",
		"-dDownsampleMonoImages=true",
		"-dColorImageDownsampleType=/Bicubic",
		"-dGrayImageDownsampleType=/Bicubic",
		fmt.Sprintf("-dColorImageResolution=%d", dpi),
		fmt.Sprintf("-dGrayImageResolution=%d", dpi),
		fmt.Sprintf("-dMonoImageResolution=%d", max(dpi, 150)),
		fmt.Sprintf("-dJPEGQ=%d", jpegQ),
		"-sOutputFile=" + out,
		"-f", in,
		"-c", docInfoReset,
	}
}

// rasterArgs renders at 72 to 300 DPI following quality, with antialiased
// text and graphics.
func rasterArgs(q float64, device, in, pattern string) []string {
	dpi := 72 + int(math.Round(q*228))
	return []string{
		"-sDEVICE=" + device,
		"-dNOPAUSE",
		"-dBATCH",
		"-dSAFER",
		fmt.Sprintf("-r%d", dpi),
		"-dTextAlphaBits=4",
		"-dGraphicsAlphaBits=4",
		fmt.Sprintf("-dJPEGQ=%d", max(10, int(math.Round(q*100)))),
		"-sOutputFile=" + pattern,
		"-f", in,
	}
}

func looksLikeInputError(stderr string) bool {
	for _, marker := range gsErrorMarker {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}
