package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

const MiB = 1024 * 1024

type Config struct {
	Headers             map[string]string `json:"headers"`
	DataDir             string            `json:"data_dir"`
	ListenPort          int               `json:"listen_port"`
	ManifestURLTemplate string            `json:"manifest_url_template"`
	VideoAPIBase        string            `json:"video_api_base"`
	ContentBaseURL      string            `json:"content_base_url"`
	QuotaBytes          int64             `json:"quota_bytes"`
	EvictionThreshold   float64           `json:"eviction_threshold"`
	WarningThreshold    float64           `json:"warning_threshold"`
	Retention           Duration          `json:"retention"`
	SegmentTimeout      Duration          `json:"segment_timeout"`
	CleanupInterval     Duration          `json:"cleanup_interval"`
	SegmentExtension    string            `json:"segment_extension"`
	SegmentMarker       string            `json:"segment_marker"`
	FetchRate           float64           `json:"fetch_rate"`
	FetchBurst          int               `json:"fetch_burst"`
	LogLevel            string            `json:"log_level"`
	LogFormat           string            `json:"log_format"`
}

// Default returns the built-in configuration. Every field can be
// overridden from the config file or the command line.
func Default() Config {
	return Config{
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		DataDir:           "./offline-data",
		ListenPort:        8085,
		QuotaBytes:        5000 * MiB,
		EvictionThreshold: 0.9,
		WarningThreshold:  0.8,
		Retention:         Duration(30 * 24 * time.Hour),
		SegmentTimeout:    Duration(30 * time.Second),
		CleanupInterval:   Duration(24 * time.Hour),
		SegmentExtension:  ".ts",
		SegmentMarker:     "segment",
		FetchBurst:        1,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.QuotaBytes <= 0 {
		errs = append(errs, fmt.Errorf("quota_bytes must be positive, got %d", c.QuotaBytes))
	}
	if c.EvictionThreshold <= 0 || c.EvictionThreshold > 1 {
		errs = append(errs, fmt.Errorf("eviction_threshold must be in (0,1], got %v", c.EvictionThreshold))
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		errs = append(errs, fmt.Errorf("warning_threshold must be in (0,1], got %v", c.WarningThreshold))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	if c.SegmentTimeout <= 0 {
		errs = append(errs, errors.New("segment_timeout must be positive"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup_interval must be positive"))
	}
	if c.SegmentExtension == "" {
		errs = append(errs, errors.New("segment_extension must not be empty"))
	}
	if c.ManifestURLTemplate == "" && c.VideoAPIBase == "" {
		errs = append(errs, errors.New("one of manifest_url_template or video_api_base is required"))
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration that reads and writes JSON as "30s", "24h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain numbers are nanoseconds
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
