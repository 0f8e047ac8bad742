package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/config"
	"snapfile-go/internal/engine"
	"snapfile-go/internal/job"
	"snapfile-go/internal/logger"
	"snapfile-go/internal/sink"
	"snapfile-go/internal/sniffer"
)

type halvingBackend struct{}

func (halvingBackend) Kind() sniffer.Kind { return sniffer.KindImage }

func (halvingBackend) Compress(_ context.Context, src []byte, p codec.Params, _ codec.ProgressFunc) (*codec.Output, error) {
	return &codec.Output{Data: bytes.Clone(src[:len(src)/2]), Format: p.Format, MIME: "image/jpeg"}, nil
}

func jpegData(n int) []byte {
	b := make([]byte, n)
	copy(b, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return b
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name, output, want string
	}{
		{"a.jpeg", "a.jpg", "a.jpg"},
		{"sub/deep/b.png", "b.jpg", "sub/deep/b.jpg"},
		{"/c.png", "c.png", "c.png"},
	}
	for _, tt := range tests {
		got := outputPath(job.Snapshot{Name: tt.name, OutputName: tt.output})
		if got != tt.want {
			t.Errorf("outputPath(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWriteOutputs(t *testing.T) {
	eng, err := engine.New(engine.Options{Workers: 2, Logger: logger.Discard()}, halvingBackend{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer eng.Close(context.Background())

	b, err := eng.Submit(context.Background(), engine.BatchSubmission{Items: []engine.Item{
		{Name: "x/a.jpeg", Data: jpegData(100)},
		{Name: "x/a.jpg", Data: jpegData(200)},
		{Name: "notes.txt", Data: []byte("plain text")},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	dir := t.TempDir()
	out, err := sink.NewDirSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	n, err := writeOutputs(context.Background(), b, out, 2, logger.Discard())
	if err != nil {
		t.Fatalf("writeOutputs: %v", err)
	}
	if n != 2 {
		t.Fatalf("written = %d, want 2", n)
	}
	for name, size := range map[string]int{"x/a.jpg": 50, "x/a_1.jpg": 100} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil || len(data) != size {
			t.Errorf("%s: len = %d, err = %v, want %d bytes", name, len(data), err, size)
		}
	}
}

func TestRunSniff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.bin")
	if err := os.WriteFile(path, []byte("%PDF-1.7\n%%EOF\n"), 0644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := runSniff(&out, []string{path}, logger.Discard()); err != nil {
		t.Fatalf("runSniff: %v", err)
	}
	if !strings.Contains(out.String(), "application/pdf") {
		t.Errorf("output = %q", out.String())
	}
	if err := runSniff(&out, []string{filepath.Join(dir, "missing")}, logger.Discard()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuildBackendsSkipsDisabledTools(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PDF.Enabled = false
	cfg.Video.Enabled = true
	cfg.Video.FFmpegPath = filepath.Join(t.TempDir(), "no-ffmpeg")

	backends := buildBackends(cfg, logger.Discard())
	if len(backends) != 1 || backends[0].Kind() != sniffer.KindImage {
		t.Errorf("backends = %v, want image only", backends)
	}
}

func TestRunToPDF(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"a.png", "b.png"} {
		img := image.NewRGBA(image.Rect(0, 0, 40+i*10, 30))
		for p := range img.Pix {
			img.Pix[p] = uint8(p * (i + 3))
		}
		img.Set(0, 0, color.RGBA{A: 255})
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.DefaultConfig()
	out := filepath.Join(t.TempDir(), "album.pdf")

	if err := runToPDF(context.Background(), cfg, logger.Discard(), []string{dir}, out, 0.6); err != nil {
		t.Fatalf("runToPDF: %v", err)
	}
	doc, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(doc, []byte("%PDF-")) || !bytes.Contains(doc, []byte("/Count 2")) {
		t.Errorf("output is not a two-page PDF: %q", doc[:min(len(doc), 64)])
	}

	if err := runToPDF(context.Background(), cfg, logger.Discard(), []string{t.TempDir()}, out, 0.6); err == nil {
		t.Error("expected error for a directory without images")
	}
}

func TestRunHistory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.History.Enabled = false
	if err := runHistory(io.Discard, nil, cfg, logger.Discard()); err == nil {
		t.Error("expected error while history is disabled")
	}

	cfg.History.Enabled = true
	cfg.History.DBPath = filepath.Join(t.TempDir(), "history.db")
	var out bytes.Buffer
	if err := runHistory(&out, nil, cfg, logger.Discard()); err != nil {
		t.Fatalf("runHistory: %v", err)
	}
	if !strings.Contains(out.String(), "0 batches") {
		t.Errorf("output = %q", out.String())
	}
}
