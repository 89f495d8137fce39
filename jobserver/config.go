package jobserver

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/interp/horosafe"
	"github.com/hazyhaar/interp/jobapi"
	"github.com/hazyhaar/interp/shield"
)

// Config holds the full interpd configuration.
type Config struct {
	Listen string `yaml:"listen"`
	// PublicURL prefixes result URLs. Empty derives it from each request.
	PublicURL   string   `yaml:"public_url"`
	DBPath      string   `yaml:"db_path"`
	UploadDir   string   `yaml:"upload_dir"`
	OutputDir   string   `yaml:"output_dir"`
	MaxUploadMB int      `yaml:"max_upload_mb"`
	AllowedExts []string `yaml:"allowed_exts"`

	ResultTTL     time.Duration `yaml:"result_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Workers     int           `yaml:"workers"`
	MaxConns    int           `yaml:"max_conns"`
	Visibility  time.Duration `yaml:"visibility"`
	MaxAttempts int           `yaml:"max_attempts"`

	Processor  ProcessorConfig                   `yaml:"processor"`
	Presets    map[string]PresetValues           `yaml:"presets"`
	RateLimits map[string]shield.RateLimitConfig `yaml:"rate_limits"`
}

// ProcessorConfig selects the video processor.
type ProcessorConfig struct {
	Kind    string `yaml:"kind"` // ffmpeg | copy
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
}

// PresetValues are the parameters a preset fills in.
type PresetValues struct {
	Multi     int     `yaml:"multi"`
	FPS       int     `yaml:"fps_alvo"`
	Downscale float64 `yaml:"downscale"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	presets := make(map[string]PresetValues, len(jobapi.Presets))
	for _, p := range jobapi.Presets {
		presets[p.Name] = PresetValues{Multi: p.Params.Multiplier, FPS: p.Params.TargetFPS, Downscale: p.Params.Downscale}
	}
	return &Config{
		Listen:        ":8090",
		DBPath:        "data/interpd.db",
		UploadDir:     "var/uploads",
		OutputDir:     "var/outputs",
		MaxUploadMB:   1024,
		AllowedExts:   []string{".mp4", ".avi"},
		ResultTTL:     24 * time.Hour,
		SweepInterval: 30 * time.Second,
		Workers:       1,
		MaxConns:      256,
		Visibility:    2 * time.Minute,
		MaxAttempts:   3,
		Processor: ProcessorConfig{
			Kind:    "ffmpeg",
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
		},
		Presets: presets,
		RateLimits: map[string]shield.RateLimitConfig{
			"POST /upload":      {MaxRequests: 20, Window: time.Minute},
			"POST /api/jobs":    {MaxRequests: 20, Window: time.Minute},
			"POST /interpolate": {MaxRequests: 5, Window: time.Minute},
		},
	}
}

const maxConfigBytes = 1 << 20

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
// An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	defer f.Close()
	data, err := horosafe.LimitedReadAll(f, maxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from INTERPD_* variables. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("INTERPD_LISTEN", &c.Listen)
	str("INTERPD_PUBLIC_URL", &c.PublicURL)
	str("INTERPD_DB_PATH", &c.DBPath)
	str("INTERPD_UPLOAD_DIR", &c.UploadDir)
	str("INTERPD_OUTPUT_DIR", &c.OutputDir)
	str("INTERPD_PROCESSOR", &c.Processor.Kind)
	str("INTERPD_FFMPEG", &c.Processor.FFmpeg)
	str("INTERPD_FFPROBE", &c.Processor.FFprobe)
	if err := num("INTERPD_MAX_UPLOAD_MB", &c.MaxUploadMB); err != nil {
		return err
	}
	if err := num("INTERPD_WORKERS", &c.Workers); err != nil {
		return err
	}
	if err := num("INTERPD_MAX_CONNS", &c.MaxConns); err != nil {
		return err
	}
	if v, ok := lookup("INTERPD_RESULT_TTL"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("INTERPD_RESULT_TTL: %w", err)
		}
		c.ResultTTL = d
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.UploadDir == "" || c.OutputDir == "" {
		return fmt.Errorf("upload_dir and output_dir are required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if len(c.AllowedExts) == 0 {
		return fmt.Errorf("allowed_exts must not be empty")
	}
	for i, ext := range c.AllowedExts {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("allowed_exts[%d]: %q must start with a dot", i, ext)
		}
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("result_ttl must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.Visibility <= 0 {
		return fmt.Errorf("visibility must be > 0")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must be >= 0")
	}
	switch c.Processor.Kind {
	case "ffmpeg":
		if c.Processor.FFmpeg == "" || c.Processor.FFprobe == "" {
			return fmt.Errorf("processor: ffmpeg and ffprobe paths are required")
		}
	case "copy":
	default:
		return fmt.Errorf("processor: unsupported kind %q (use ffmpeg or copy)", c.Processor.Kind)
	}
	for name, p := range c.Presets {
		if err := checkParams(p.Multi, p.FPS, p.Downscale); err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
	}
	for key, rl := range c.RateLimits {
		if rl.MaxRequests <= 0 || rl.Window <= 0 {
			return fmt.Errorf("rate_limits[%s]: max_requests and window must be > 0", key)
		}
	}
	return nil
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) * 1024 * 1024 }

// allowedExt reports whether ext is an accepted upload extension.
func (c *Config) allowedExt(ext string) bool {
	ext = strings.ToLower(ext)
	for _, a := range c.AllowedExts {
		if strings.ToLower(a) == ext {
			return true
		}
	}
	return false
}

// checkParams enforces the accepted parameter ranges. fps 0 means absent.
func checkParams(multi, fps int, downscale float64) error {
	if multi < jobapi.MinMultiplier || multi > jobapi.MaxMultiplier {
		return fmt.Errorf("multi deve estar entre %d e %d", jobapi.MinMultiplier, jobapi.MaxMultiplier)
	}
	if fps != 0 && (fps < jobapi.MinTargetFPS || fps > jobapi.MaxTargetFPS) {
		return fmt.Errorf("fps_alvo deve estar entre %d e %d", jobapi.MinTargetFPS, jobapi.MaxTargetFPS)
	}
	if !(downscale >= jobapi.MinDownscale && downscale <= jobapi.MaxDownscale) {
		return fmt.Errorf("downscale deve estar entre 0.25 e 1")
	}
	return nil
}
