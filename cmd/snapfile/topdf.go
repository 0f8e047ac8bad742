package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/collector"
	"snapfile-go/internal/config"
	"snapfile-go/internal/logger"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	pdfOutput  string
	pdfQuality float64
)

// toPDFCmd combines images into one PDF document.
var toPDFCmd = &cobra.Command{
	Use:   "topdf <image|directory>...",
	Short: "Combine images into a single PDF",
	Long: `Places each image on its own A4 page, in the order given, scaled to fit
inside a 10 mm margin. Directories contribute their images in name order.
Images are re-encoded as JPEG at --quality.

To turn a PDF into images, use compress --format png or --format jpeg.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runToPDF(ctx, cfg, setupLogger(cfg), args, pdfOutput, pdfQuality)
	},
}

func init() {
	toPDFCmd.Flags().StringVarP(&pdfOutput, "output", "o", "", "output file (default converted_<n>_images.pdf)")
	toPDFCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into subdirectories")
	toPDFCmd.Flags().Float64Var(&pdfQuality, "quality", 0, "JPEG quality ratio in (0, 1]; 0 uses the default")
}

func runToPDF(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string, output string, quality float64) error {
	c := collector.New(collector.Options{
		Recursive:  recursive || cfg.Collector.Recursive,
		Extensions: cfg.Collector.Extensions,
	}, log)
	files, err := c.Collect(args)
	if err != nil {
		return fmt.Errorf("failed to collect files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no images found")
	}
	data, err := collector.ReadAll(ctx, files, cfg.Engine.Workers)
	if err != nil {
		return err
	}

	backend := codec.NewImageBackend(codec.ImageOptions{
		MaxDimension: cfg.Image.MaxDimension,
		MaxPixels:    cfg.Image.MaxPixels,
	}, log)
	doc, err := backend.BuildPDF(ctx, data, quality)
	if err != nil {
		return err
	}

	if output == "" {
		output = fmt.Sprintf("converted_%d_images.pdf", len(files))
	}
	if err := os.WriteFile(output, doc, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	var original int64
	for _, f := range files {
		original += f.Size
	}
	logger.WithFields(log, logrus.Fields{
		"operation": "topdf",
		"pages":     len(files),
		"output":    output,
	}).Info("PDF written")
	if !quiet {
		fmt.Printf("Wrote %s: %d pages, %s (images %s)\n", output, len(files),
			humanize.IBytes(uint64(len(doc))), humanize.IBytes(uint64(original)))
	}
	return nil
}
