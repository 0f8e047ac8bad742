package codec

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"
	"time"
)

func samplePDF(pages int) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	b.WriteString("1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n")
	b.WriteString("2 0 obj << /Type /Pages /Count ")
	fmt.Fprintf(&b, "%d >> endobj\n", pages)
	for i := 0; i < pages; i++ {
		fmt.Fprintf(&b, "%d 0 obj << /Type /Page /Parent 2 0 R >> endobj\n", i+3)
	}
	b.WriteString(strings.Repeat("stream filler ", 200))
	b.WriteString("\ntrailer << /Root 1 0 R >>\n%%EOF\n")
	return []byte(b.String())
}

func TestInspectPDF(t *testing.T) {
	good := samplePDF(3)
	tests := []struct {
		name      string
		data      []byte
		wantPages int
		wantErr   bool
	}{
		{"valid", good, 3, false},
		{"no header", []byte("hello world %%EOF"), 0, true},
		{"truncated", good[:len(good)/2], 0, true},
		{"encrypted", bytes.Replace(good, []byte("/Root 1 0 R"), []byte("/Root 1 0 R /Encrypt 9 0 R"), 1), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages, err := inspectPDF(tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedInput) {
					t.Fatalf("err = %v, want unsupported input", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("inspectPDF: %v", err)
			}
			if pages != tt.wantPages {
				t.Errorf("pages = %d, want %d", pages, tt.wantPages)
			}
		})
	}
}

func TestPDFArgsFollowQuality(t *testing.T) {
	low := strings.Join(pdfArgs(0.1, "in.pdf", "out.pdf"), " ")
	high := strings.Join(pdfArgs(1, "in.pdf", "out.pdf"), " ")

	for _, want := range []string{"-dPDFSETTINGS=/screen", "-dColorImageResolution=95", "-dJPEGQ=10"} {
		if !strings.Contains(low, want) {
			t.Errorf("low quality args missing %q", want)
		}
	}
	for _, want := range []string{"-dPDFSETTINGS=/printer", "-dColorImageResolution=300", "-dJPEGQ=100"} {
		if !strings.Contains(high, want) {
			t.Errorf("high quality args missing %q", want)
		}
	}
	args := pdfArgs(0.5, "in.pdf", "out.pdf")
	if args[len(args)-1] != docInfoReset || !slices.Contains(args, "-sOutputFile=out.pdf") {
		t.Errorf("args = %v, want output file and metadata reset", args)
	}
}

func TestPDFBackendCompress(t *testing.T) {
	runner := newFakeRunner().on("gs", fakeStep{
		lines:  []string{"GPL Ghostscript 10.02", "Processing pages 1 through 2.", "Page 1", "Page 2"},
		output: []byte("%PDF-1.5 small %%EOF"),
	})
	b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

	var reports []float64
	out, err := b.Compress(context.Background(), samplePDF(2), Params{JobID: "j1", Quality: 0.5}, func(p float64) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if string(out.Data) != "%PDF-1.5 small %%EOF" || out.MIME != "application/pdf" {
		t.Errorf("output = %q %s", out.Data, out.MIME)
	}
	if !slices.Contains(runner.argsOf("gs"), "-dPDFSETTINGS=/ebook") {
		t.Errorf("gs args = %v, want /ebook preset", runner.argsOf("gs"))
	}
	want := []float64{0.02, 0.5, 0.95, 1}
	if !slices.Equal(reports, want) {
		t.Errorf("progress = %v, want %v", reports, want)
	}
}

func TestPDFBackendClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"malformed document", "**** Error: Cannot find a 'startxref' anywhere in the file.", ErrUnsupportedInput},
		{"tool crash", "segmentation fault", ErrInternalBackendFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner().on("gs", fakeStep{stderr: tt.stderr, err: errors.New("exit status 1")})
			b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

			out, err := b.Compress(context.Background(), samplePDF(1), Params{Quality: 0.5}, nil)
			if out != nil || !errors.Is(err, tt.want) {
				t.Fatalf("Compress = %v, %v; want %v", out, err, tt.want)
			}
		})
	}
}

func TestPDFBackendRejectsBeforeRunning(t *testing.T) {
	runner := newFakeRunner()
	b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

	_, err := b.Compress(context.Background(), []byte("%PDF-1.4 cut off"), Params{Quality: 0.5}, nil)
	if !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("err = %v, want unsupported input", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("Ghostscript invoked for a rejected document")
	}
}

func TestPDFBackendCancellation(t *testing.T) {
	runner := newFakeRunner().on("gs", fakeStep{lines: []string{"Page 1"}, block: true})
	b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := b.Compress(ctx, samplePDF(4), Params{Quality: 0.5}, nil)
	if out != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Compress = %v, %v; want nil, context.Canceled", out, err)
	}
}

func TestPDFBackendRendersPagesAsArchive(t *testing.T) {
	pages := [][]byte{[]byte("png page one"), []byte("png page two"), []byte("png page three")}
	runner := newFakeRunner().on("gs", fakeStep{lines: []string{"Page 1", "Page 2", "Page 3"}, pages: pages})
	b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

	out, err := b.Compress(context.Background(), samplePDF(3), Params{Quality: 0.5, TargetFormat: "png"}, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Format != "zip" || out.MIME != "application/zip" {
		t.Fatalf("output = %s %s, want zip application/zip", out.Format, out.MIME)
	}
	args := runner.argsOf("gs")
	for _, want := range []string{"-sDEVICE=png16m", "-r186"} {
		if !slices.Contains(args, want) {
			t.Errorf("gs args = %v, missing %q", args, want)
		}
	}

	zr, err := zip.NewReader(bytes.NewReader(out.Data), int64(len(out.Data)))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(zr.File) != len(pages) {
		t.Fatalf("archive has %d entries, want %d", len(zr.File), len(pages))
	}
	for i, f := range zr.File {
		if want := fmt.Sprintf("page-%03d.png", i+1); f.Name != want {
			t.Errorf("entry %d = %s, want %s", i, f.Name, want)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if !bytes.Equal(data, pages[i]) {
			t.Errorf("entry %s = %q, want %q", f.Name, data, pages[i])
		}
	}
}

func TestPDFBackendRendersSinglePage(t *testing.T) {
	runner := newFakeRunner().on("gs", fakeStep{pages: [][]byte{[]byte("jpeg page")}})
	b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

	out, err := b.Compress(context.Background(), samplePDF(1), Params{Quality: 1, TargetFormat: ".JPG"}, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if string(out.Data) != "jpeg page" || out.Format != "jpeg" || out.MIME != "image/jpeg" {
		t.Errorf("output = %q %s %s", out.Data, out.Format, out.MIME)
	}
	args := runner.argsOf("gs")
	if !slices.Contains(args, "-sDEVICE=jpeg") || !slices.Contains(args, "-dJPEGQ=100") || !slices.Contains(args, "-r300") {
		t.Errorf("gs args = %v", args)
	}
}

func TestPDFBackendRenderWithoutPagesFails(t *testing.T) {
	runner := newFakeRunner().on("gs", fakeStep{})
	b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

	out, err := b.Compress(context.Background(), samplePDF(2), Params{Quality: 0.5, TargetFormat: "png"}, nil)
	if out != nil || !errors.Is(err, ErrInternalBackendFault) {
		t.Fatalf("Compress = %v, %v; want internal backend fault", out, err)
	}
}

func TestPDFBackendIgnoresOtherTargets(t *testing.T) {
	runner := newFakeRunner().on("gs", fakeStep{output: []byte("%PDF-1.5 small %%EOF")})
	b := newPDFBackend(PDFOptions{GhostscriptPath: "gs", TempDir: t.TempDir()}, runner, testLogger())

	out, err := b.Compress(context.Background(), samplePDF(1), Params{Quality: 0.5, TargetFormat: "gif"}, nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Format != "pdf" || !slices.Contains(runner.argsOf("gs"), "-sDEVICE=pdfwrite") {
		t.Errorf("output format = %s, args = %v; want pdfwrite", out.Format, runner.argsOf("gs"))
	}
}
