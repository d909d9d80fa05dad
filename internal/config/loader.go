package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"source": {"pulse", "wavfile", "mock"},
	"stt":    {"deepgram", "whisper", "whisper-native", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Decoding starts from [Default], so fields absent from the document keep
// their default values. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Audio
	if cfg.Audio.Source == "" {
		errs = append(errs, errors.New("audio.source is required"))
	}
	validateProviderName("source", cfg.Audio.Source)
	if cfg.Audio.Source == "wavfile" && cfg.Audio.Path == "" {
		errs = append(errs, errors.New("audio.path is required when audio.source is wavfile"))
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BufferFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames %d is invalid; must be positive", cfg.Audio.BufferFrames))
	}
	if cfg.Audio.Pool.Initial < 0 {
		errs = append(errs, fmt.Errorf("audio.pool.initial %d is invalid; must not be negative", cfg.Audio.Pool.Initial))
	}
	if cfg.Audio.Pool.Max <= 0 {
		errs = append(errs, fmt.Errorf("audio.pool.max %d is invalid; must be positive", cfg.Audio.Pool.Max))
	} else if cfg.Audio.Pool.Max < cfg.Audio.Pool.Initial {
		errs = append(errs, fmt.Errorf("audio.pool.max %d is below audio.pool.initial %d", cfg.Audio.Pool.Max, cfg.Audio.Pool.Initial))
	}
	if cfg.Audio.Backpressure != "" && !cfg.Audio.Backpressure.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backpressure %q is invalid; valid values: drop, block", cfg.Audio.Backpressure))
	}
	if cfg.Audio.Backpressure == BackpressureBlock && cfg.Audio.BlockTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_timeout_ms %d is invalid; must be positive when audio.backpressure is block", cfg.Audio.BlockTimeoutMS))
	}

	// STT
	if cfg.STT.Provider == "" {
		errs = append(errs, errors.New("stt.provider is required"))
	}
	validateProviderName("stt", cfg.STT.Provider)
	if cfg.STT.Encoding != "" && !cfg.STT.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("stt.encoding %q is invalid; valid values: linear16, opus", cfg.STT.Encoding))
	}

	// Backend availability warnings
	switch cfg.STT.Provider {
	case "deepgram":
		if cfg.STT.ResolveAPIKey() == "" {
			slog.Warn("deepgram is configured without a credential; set stt.api_key or export the stt.api_key_env variable",
				"api_key_env", cfg.STT.APIKeyEnv)
		}
	case "whisper":
		if cfg.STT.ServerURL == "" {
			slog.Warn("whisper is configured without stt.server_url; the default endpoint will be used")
		}
	case "whisper-native":
		if cfg.STT.ModelPath == "" {
			slog.Warn("whisper-native is configured without stt.model_path; recognition will fail to start")
		}
	}
	if cfg.STT.Offline != "" {
		validateProviderName("stt", cfg.STT.Offline)
		if cfg.STT.Offline == cfg.STT.Provider {
			slog.Warn("stt.offline matches the primary provider; fallback will hit the same backend",
				"provider", cfg.STT.Provider)
		}
	}

	// Context
	if cfg.Context.Initial != "" && !cfg.Context.Initial.IsValid() {
		errs = append(errs, fmt.Errorf("context.initial %q is invalid; valid values: general, coding, email, chat, meeting, notes, document", cfg.Context.Initial))
	}

	// Recovery
	if cfg.Recovery.RetryDelayMS < 0 {
		errs = append(errs, fmt.Errorf("recovery.retry_delay_ms %d is invalid; must not be negative", cfg.Recovery.RetryDelayMS))
	}
	if cfg.Recovery.MaxBackoffMS < 0 {
		errs = append(errs, fmt.Errorf("recovery.max_backoff_ms %d is invalid; must not be negative", cfg.Recovery.MaxBackoffMS))
	}
	if cfg.Recovery.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("recovery.max_retries %d is invalid; must not be negative", cfg.Recovery.MaxRetries))
	}

	// Perf
	if cfg.Perf.RingSize <= 0 {
		errs = append(errs, fmt.Errorf("perf.ring_size %d is invalid; must be positive", cfg.Perf.RingSize))
	}
	if t := cfg.Perf.Targets; t != nil {
		if t.P50MS <= 0 || t.P95MS <= 0 || t.P99MS <= 0 {
			errs = append(errs, fmt.Errorf("perf.targets %d/%d/%d are invalid; all must be positive", t.P50MS, t.P95MS, t.P99MS))
		} else if t.P50MS > t.P95MS || t.P95MS > t.P99MS {
			errs = append(errs, fmt.Errorf("perf.targets %d/%d/%d are invalid; must be ordered p50 <= p95 <= p99", t.P50MS, t.P95MS, t.P99MS))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Watcher
	if cfg.Watcher.PollIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("watcher.poll_interval_ms %d is invalid; must be positive", cfg.Watcher.PollIntervalMS))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
