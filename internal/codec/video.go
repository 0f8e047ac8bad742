package codec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"snapfile-go/internal/sniffer"

	"github.com/sirupsen/logrus"
)

const (
	videoQualityFloor = 0.1
	// DefaultVideoPreset trades encoder efficiency for speed.
	DefaultVideoPreset = "superfast"
)

// VideoOptions configures the video backend.
type VideoOptions struct {
	FFmpegPath  string
	FFprobePath string
	Preset      string
	TempDir     string
}

// VideoBackend transcodes to H.264/AAC MP4 with ffmpeg.
type VideoBackend struct {
	opts   VideoOptions
	runner CommandRunner
	logger *logrus.Logger
}

// NewVideoBackend locates ffmpeg and ffprobe. Missing binaries are reported
// at construction.
func NewVideoBackend(opts VideoOptions, logger *logrus.Logger) (*VideoBackend, error) {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	var err error
	if opts.FFmpegPath, err = exec.LookPath(opts.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	if opts.FFprobePath, err = exec.LookPath(opts.FFprobePath); err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	return newVideoBackend(opts, &ExecRunner{}, logger), nil
}

func newVideoBackend(opts VideoOptions, runner CommandRunner, logger *logrus.Logger) *VideoBackend {
	if opts.Preset == "" {
		opts.Preset = DefaultVideoPreset
	}
	return &VideoBackend{opts: opts, runner: runner, logger: logger}
}

// Kind implements Backend.
func (b *VideoBackend) Kind() sniffer.Kind { return sniffer.KindVideo }

// Close implements io.Closer.
func (b *VideoBackend) Close() error { return nil }

// CRF maps quality onto x264's constant rate factor: 0.1 → 35, 1.0 → 23.
// Higher quality always yields a lower (or equal) CRF.
func CRF(q float64) int {
	q = clampQuality(q, videoQualityFloor)
	return int(math.Floor(35 - (q-0.1)*(12/0.9)))
}

// AudioBitrate maps quality onto an AAC bitrate in kbps between 64 and 192.
func AudioBitrate(q float64) int {
	q = clampQuality(q, videoQualityFloor)
	return 64 + int(math.Round((q-0.1)/0.9*128))
}

type probeResult struct {
	duration float64
	hasVideo bool
}

// Compress implements Backend.
func (b *VideoBackend) Compress(ctx context.Context, src []byte, p Params, progress ProgressFunc) (*Output, error) {
	q := clampQuality(p.Quality, videoQualityFloor)
	log := b.logger.WithField("job_id", p.JobID)

	ws, err := newWorkspace(b.opts.TempDir, "snapfile-video-*")
	if err != nil {
		return nil, Fault("create workspace", err)
	}
	defer ws.cleanup()

	ext := p.Format
	if ext == "" {
		ext = "bin"
	}
	in, out := ws.path("input."+ext), ws.path("output.mp4")
	if err := os.WriteFile(in, src, 0o600); err != nil {
		return nil, Fault("write input", err)
	}

	probe, err := b.probe(ctx, in)
	if err != nil {
		return nil, err
	}
	report(progress, 0.02)

	onLine := func(line string) {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// ffmpeg reports microseconds under both keys.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || probe.duration <= 0 {
				return
			}
			report(progress, math.Min(0.99, float64(us)/1e6/probe.duration))
		case "progress":
			if value == "end" {
				report(progress, 1)
			}
		}
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-map", "0:v:0", "-map", "0:a?",
		"-c:v", "libx264",
		"-preset", b.opts.Preset,
		"-crf", strconv.Itoa(CRF(q)),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", AudioBitrate(q)),
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		out,
	}
	res, err := b.runner.Run(ctx, b.opts.FFmpegPath, args, onLine)
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Debug("Transcode interrupted")
		return nil, ctxErr
	}
	if err != nil {
		log.WithFields(logrus.Fields{"exit_code": res.ExitCode, "stderr": res.Stderr}).Warn("ffmpeg failed")
		if strings.Contains(res.Stderr, "Invalid data found") || strings.Contains(res.Stderr, "could not find codec") {
			return nil, Unsupported("transcode video", err)
		}
		if strings.Contains(res.Stderr, "Cannot allocate memory") {
			return nil, Exhausted("transcode video", err)
		}
		return nil, Fault("transcode video", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, Fault("read output", err)
	}
	if len(data) == 0 {
		return nil, Fault("read output", errors.New("ffmpeg produced an empty file"))
	}
	report(progress, 1)

	return &Output{Data: data, Format: "mp4", MIME: "video/mp4"}, nil
}

// probe checks the container is readable and carries a video stream.
func (b *VideoBackend) probe(ctx context.Context, in string) (probeResult, error) {
	var pr probeResult
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type",
		"-of", "default=noprint_wrappers=1:nokey=1",
		in,
	}
	onLine := func(line string) {
		switch line {
		case "video":
			pr.hasVideo = true
		case "audio", "subtitle", "data", "":
		default:
			if d, err := strconv.ParseFloat(line, 64); err == nil {
				pr.duration = d
			}
		}
	}

	res, err := b.runner.Run(ctx, b.opts.FFprobePath, args, onLine)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pr, ctxErr
	}
	if err != nil {
		return pr, Unsupported("probe video", fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Stderr)))
	}
	if !pr.hasVideo {
		return pr, Unsupported("probe video", errors.New("no video stream"))
	}
	return pr, nil
}
