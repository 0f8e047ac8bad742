package codec

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestVideoQualityMapping(t *testing.T) {
	if got := CRF(0.1); got != 35 {
		t.Errorf("CRF(0.1) = %d, want 35", got)
	}
	if got := CRF(1); got != 23 {
		t.Errorf("CRF(1) = %d, want 23", got)
	}
	if got := AudioBitrate(0.1); got != 64 {
		t.Errorf("AudioBitrate(0.1) = %d, want 64", got)
	}
	if got := AudioBitrate(1); got != 192 {
		t.Errorf("AudioBitrate(1) = %d, want 192", got)
	}
	if CRF(0.01) != CRF(0.1) {
		t.Error("quality below the floor must clamp")
	}

	prevCRF, prevBitrate := CRF(0.1), AudioBitrate(0.1)
	for q := 0.15; q <= 1.0; q += 0.05 {
		crf, br := CRF(q), AudioBitrate(q)
		if crf > prevCRF || br < prevBitrate {
			t.Fatalf("q=%.2f: crf %d (prev %d), bitrate %d (prev %d)", q, crf, prevCRF, br, prevBitrate)
		}
		prevCRF, prevBitrate = crf, br
	}
}

func videoRunner(ffmpeg fakeStep) *fakeRunner {
	return newFakeRunner().
		on("ffprobe", fakeStep{lines: []string{"video", "audio", "10.000000"}}).
		on("ffmpeg", ffmpeg)
}

func TestVideoBackendCompress(t *testing.T) {
	runner := videoRunner(fakeStep{
		lines: []string{
			"frame=10", "out_time_us=2500000", "progress=continue",
			"out_time_us=7500000", "progress=end",
		},
		output: []byte("mp4 bytes"),
	})
	b := newVideoBackend(VideoOptions{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", TempDir: t.TempDir()}, runner, testLogger())

	var reports []float64
	out, err := b.Compress(context.Background(), []byte("source"), Params{Quality: 1, Format: "webm"}, func(p float64) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out.Format != "mp4" || string(out.Data) != "mp4 bytes" {
		t.Errorf("output = %s %q", out.Format, out.Data)
	}
	want := []float64{0.02, 0.25, 0.75, 1, 1}
	if !slices.Equal(reports, want) {
		t.Errorf("progress = %v, want %v", reports, want)
	}

	args := runner.argsOf("ffmpeg")
	for _, pair := range [][2]string{{"-crf", "23"}, {"-b:a", "192k"}, {"-preset", DefaultVideoPreset}, {"-c:v", "libx264"}} {
		i := slices.Index(args, pair[0])
		if i < 0 || i+1 >= len(args) || args[i+1] != pair[1] {
			t.Errorf("ffmpeg args missing %s %s: %v", pair[0], pair[1], args)
		}
	}
}

func TestVideoBackendRejectsUnreadableInput(t *testing.T) {
	tests := []struct {
		name  string
		probe fakeStep
	}{
		{"probe fails", fakeStep{stderr: "Invalid data found when processing input", err: errors.New("exit status 1")}},
		{"audio only", fakeStep{lines: []string{"audio", "3.5"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner().on("ffprobe", tt.probe)
			b := newVideoBackend(VideoOptions{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", TempDir: t.TempDir()}, runner, testLogger())

			_, err := b.Compress(context.Background(), []byte("junk"), Params{Quality: 0.5}, nil)
			if !errors.Is(err, ErrUnsupportedInput) {
				t.Fatalf("err = %v, want unsupported input", err)
			}
			if runner.argsOf("ffmpeg") != nil {
				t.Error("ffmpeg ran for an unreadable input")
			}
		})
	}
}

func TestVideoBackendClassifiesTranscodeFailures(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"Invalid data found when processing input", ErrUnsupportedInput},
		{"Cannot allocate memory", ErrResourceExhausted},
		{"Conversion failed!", ErrInternalBackendFault},
	}
	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			runner := videoRunner(fakeStep{stderr: tt.stderr, err: errors.New("exit status 1")})
			b := newVideoBackend(VideoOptions{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", TempDir: t.TempDir()}, runner, testLogger())

			_, err := b.Compress(context.Background(), []byte("src"), Params{Quality: 0.5}, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVideoBackendCancellation(t *testing.T) {
	runner := videoRunner(fakeStep{lines: []string{"out_time_us=1000000"}, block: true})
	b := newVideoBackend(VideoOptions{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", TempDir: t.TempDir()}, runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := b.Compress(ctx, []byte("src"), Params{Quality: 0.5}, nil)
	if out != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Compress = %v, %v; want nil, context.Canceled", out, err)
	}
}
