package config

import (
	"fmt"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"snapfile-go/internal/engine"
	"snapfile-go/internal/logger"
	"snapfile-go/internal/sniffer"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	DefaultTier string                `mapstructure:"default_tier"`
	Tiers       map[string]TierConfig `mapstructure:"tiers"`
	Engine      EngineConfig          `mapstructure:"engine"`
	Image       ImageConfig           `mapstructure:"image"`
	PDF         PDFConfig             `mapstructure:"pdf"`
	Video       VideoConfig           `mapstructure:"video"`
	Collector   CollectorConfig       `mapstructure:"collector"`
	Server      ServerConfig          `mapstructure:"server"`
	History     HistoryConfig         `mapstructure:"history"`
	Sink        SinkConfig            `mapstructure:"sink"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// TierConfig is the file form of an engine tier. Sizes accept human units
// such as "5MiB" or "500 MB".
type TierConfig struct {
	MaxFileSize    string        `mapstructure:"max_file_size"`
	MaxBatchCount  int           `mapstructure:"max_batch_count"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	AllowedKinds   []string      `mapstructure:"allowed_kinds"`
	PerJobTimeout  time.Duration `mapstructure:"per_job_timeout"`
}

// EngineConfig contains worker pool settings
type EngineConfig struct {
	Workers          int           `mapstructure:"workers"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	Retention        time.Duration `mapstructure:"retention"`
}

// ImageConfig contains raster backend settings
type ImageConfig struct {
	MaxDimension int `mapstructure:"max_dimension"`
	MaxPixels    int `mapstructure:"max_pixels"`
}

// PDFConfig contains Ghostscript settings
type PDFConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	GhostscriptPath string `mapstructure:"ghostscript_path"`
	TempDir         string `mapstructure:"temp_dir"`
}

// VideoConfig contains ffmpeg settings
type VideoConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
	Preset      string `mapstructure:"preset"`
	TempDir     string `mapstructure:"temp_dir"`
}

// CollectorConfig controls which files the CLI picks up from directories
type CollectorConfig struct {
	Recursive bool `mapstructure:"recursive"`
	// Extensions limits directory scans; empty means every regular file.
	Extensions []string `mapstructure:"extensions"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	MaxUploadSize string `mapstructure:"max_upload_size"`
}

// HistoryConfig controls the batch history database
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// SinkConfig selects where CLI outputs are written
type SinkConfig struct {
	Type string   `mapstructure:"type"` // dir, s3
	Dir  string   `mapstructure:"dir"`
	S3   S3Config `mapstructure:"s3"`
}

// S3Config contains bucket settings for the s3 sink
type S3Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

func loggingDefaults() LoggingConfig {
	d := logger.DefaultConfig()
	return LoggingConfig{
		Level:      d.Level,
		FilePath:   d.FilePath,
		MaxSize:    d.MaxSize,
		MaxBackups: d.MaxBackups,
		MaxAge:     d.MaxAge,
		Compress:   d.Compress,
		Console:    d.Console,
	}
}

// LoggerConfig converts the settings for logger.NewLogger.
func (l LoggingConfig) LoggerConfig() logger.LoggerConfig {
	return logger.LoggerConfig{
		Level:      l.Level,
		FilePath:   l.FilePath,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
		Compress:   l.Compress,
		Console:    l.Console,
	}
}

// BuiltinTiers returns the free and pro presets.
func BuiltinTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"free": {
			MaxFileSize:    "5MiB",
			MaxBatchCount:  5,
			MaxConcurrency: 2,
			AllowedKinds:   []string{"image", "pdf", "video"},
			PerJobTimeout:  5 * time.Minute,
		},
		"pro": {
			MaxFileSize:    "500MiB",
			MaxBatchCount:  50,
			MaxConcurrency: 8,
			AllowedKinds:   []string{"image", "pdf", "video"},
			PerJobTimeout:  30 * time.Minute,
		},
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		DefaultTier: "free",
		Tiers:       BuiltinTiers(),
		Engine: EngineConfig{
			Workers:          max(runtime.NumCPU(), 2),
			ProgressInterval: engine.DefaultProgressInterval,
			EventBuffer:      engine.DefaultEventBuffer,
			Retention:        30 * time.Minute,
		},
		Image: ImageConfig{
			MaxDimension: 1920,
			MaxPixels:    100_000_000,
		},
		PDF: PDFConfig{
			Enabled: true,
		},
		Video: VideoConfig{
			Enabled:     true,
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Preset:      "superfast",
		},
		Collector: CollectorConfig{
			Recursive: true,
		},
		Server: ServerConfig{
			Port:          8080,
			MaxUploadSize: "1GiB",
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "snapfile.db",
		},
		Sink: SinkConfig{
			Type: "dir",
			Dir:  "compressed",
		},
		Logging: loggingDefaults(),
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.snapfile")
		v.AddConfigPath("/etc/snapfile")
	}

	// Enable environment variable support
	v.SetEnvPrefix("SNAPFILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvDefaults(v, config)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnvDefaults registers scalar keys so AutomaticEnv can override them
// without a config file.
func bindEnvDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]any{
		"default_tier":             c.DefaultTier,
		"engine.workers":           c.Engine.Workers,
		"engine.progress_interval": c.Engine.ProgressInterval,
		"engine.event_buffer":      c.Engine.EventBuffer,
		"engine.retention":         c.Engine.Retention,
		"image.max_dimension":      c.Image.MaxDimension,
		"image.max_pixels":         c.Image.MaxPixels,
		"pdf.enabled":              c.PDF.Enabled,
		"pdf.ghostscript_path":     c.PDF.GhostscriptPath,
		"pdf.temp_dir":             c.PDF.TempDir,
		"video.enabled":            c.Video.Enabled,
		"video.ffmpeg_path":        c.Video.FFmpegPath,
		"video.ffprobe_path":       c.Video.FFprobePath,
		"video.preset":             c.Video.Preset,
		"video.temp_dir":           c.Video.TempDir,
		"collector.recursive":      c.Collector.Recursive,
		"server.host":              c.Server.Host,
		"server.port":              c.Server.Port,
		"server.max_upload_size":   c.Server.MaxUploadSize,
		"history.enabled":          c.History.Enabled,
		"history.db_path":          c.History.DBPath,
		"sink.type":                c.Sink.Type,
		"sink.dir":                 c.Sink.Dir,
		"sink.s3.bucket":           c.Sink.S3.Bucket,
		"sink.s3.prefix":           c.Sink.S3.Prefix,
		"sink.s3.region":           c.Sink.S3.Region,
		"logging.level":            c.Logging.Level,
		"logging.file_path":        c.Logging.FilePath,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		c.Tiers = BuiltinTiers()
	}
	if c.DefaultTier == "" {
		c.DefaultTier = "free"
	}
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		return fmt.Errorf("default_tier %q is not defined (available: %s)", c.DefaultTier, strings.Join(c.TierNames(), ", "))
	}
	for name := range c.Tiers {
		if _, err := c.Tier(name); err != nil {
			return err
		}
	}

	// Validate engine settings
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = max(runtime.NumCPU(), 2)
	}
	if c.Engine.ProgressInterval <= 0 {
		c.Engine.ProgressInterval = engine.DefaultProgressInterval
	}
	if c.Engine.EventBuffer <= 0 {
		c.Engine.EventBuffer = engine.DefaultEventBuffer
	}
	if c.Engine.Retention < 0 {
		c.Engine.Retention = 0
	}

	if c.Image.MaxDimension <= 0 {
		c.Image.MaxDimension = 1920
	}
	if c.Video.Preset == "" {
		c.Video.Preset = "superfast"
	}
	c.Collector.Extensions = normalizeExtensions(c.Collector.Extensions)

	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Sink.Type {
	case "", "dir":
		c.Sink.Type = "dir"
		if c.Sink.Dir == "" {
			c.Sink.Dir = "compressed"
		}
	case "s3":
		if c.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("invalid sink type: %s (valid: dir, s3)", c.Sink.Type)
	}

	if c.History.Enabled && c.History.DBPath == "" {
		c.History.DBPath = "snapfile.db"
	}

	// Validate logging settings
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// Tier converts the named tier to its engine form.
func (c *Config) Tier(name string) (engine.TierConfig, error) {
	if name == "" {
		name = c.DefaultTier
	}
	t, ok := c.Tiers[name]
	if !ok {
		return engine.TierConfig{}, fmt.Errorf("unknown tier %q (available: %s)", name, strings.Join(c.TierNames(), ", "))
	}

	out := engine.TierConfig{
		Name:           name,
		MaxBatchCount:  t.MaxBatchCount,
		MaxConcurrency: t.MaxConcurrency,
		PerJobTimeout:  t.PerJobTimeout,
	}
	if t.MaxFileSize != "" {
		size, err := humanize.ParseBytes(t.MaxFileSize)
		if err != nil {
			return engine.TierConfig{}, fmt.Errorf("tier %s: invalid max_file_size %q: %w", name, t.MaxFileSize, err)
		}
		out.MaxFileSizeBytes = int64(size)
	}
	if t.MaxBatchCount < 0 || t.MaxConcurrency < 0 || t.PerJobTimeout < 0 {
		return engine.TierConfig{}, fmt.Errorf("tier %s: limits must not be negative", name)
	}
	for _, k := range t.AllowedKinds {
		kind, ok := sniffer.ParseKind(strings.ToLower(strings.TrimSpace(k)))
		if !ok {
			return engine.TierConfig{}, fmt.Errorf("tier %s: unknown kind %q", name, k)
		}
		if !slices.Contains(out.AllowedKinds, kind) {
			out.AllowedKinds = append(out.AllowedKinds, kind)
		}
	}
	return out, nil
}

// TierNames returns the configured tier names, sorted.
func (c *Config) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxUploadBytes parses the server upload limit.
func (c *Config) MaxUploadBytes() (int64, error) {
	if c.Server.MaxUploadSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Server.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid server.max_upload_size %q: %w", c.Server.MaxUploadSize, err)
	}
	return int64(n), nil
}

// Helper functions

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
