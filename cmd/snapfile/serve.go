package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snapfile-go/internal/engine"
	"snapfile-go/internal/web"

	"github.com/spf13/cobra"
)

var port int

// serveCmd starts the HTTP API server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts an HTTP server that accepts batches as multipart uploads and
exposes their progress and outputs. The API allows you to:
- Submit files under a tier with a quality and optional image format
- Follow job progress live over a WebSocket (/ws?batch=<id>)
- Download outputs, original files and XLSX reports
- Cancel jobs or whole batches
- Browse the batch history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on (default from config)")
}

// runServe starts the server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	log := setupLogger(cfg)

	store := openHistory(cfg, log)
	if store != nil {
		defer store.Close()
	}

	eng, err := newEngine(cfg, log, func(b *engine.Batch) {
		recordBatch(store, log, b)
	})
	if err != nil {
		return err
	}

	server, err := web.NewServer(cfg, log, eng, store)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	if !quiet {
		fmt.Printf("Snapfile API listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("Press Ctrl+C to stop the server\n\n")
	}

	select {
	case <-sigChan:
		log.Info("Shutting down server")
	case err := <-errChan:
		log.Errorf("Server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := eng.Close(ctx); err != nil {
		return fmt.Errorf("engine shutdown failed: %w", err)
	}

	log.Info("Server stopped gracefully")
	return nil
}
