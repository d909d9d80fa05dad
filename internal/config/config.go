// Package config provides the configuration schema, loader, hot-reload
// watcher, and provider registry for the echolex transcription daemon.
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/echolex/internal/perf"
	"github.com/MrWong99/echolex/pkg/types"
)

// LogLevel controls log verbosity for the echolex daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the corresponding [slog.Level]. Unknown values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler for daemon output.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Backpressure selects what the capture source does when the buffer pool is
// exhausted.
type Backpressure string

const (
	// BackpressureDrop discards the frame immediately. The default; the
	// capture callback never waits.
	BackpressureDrop Backpressure = "drop"

	// BackpressureBlock waits up to audio.block_timeout_ms for a buffer to
	// free before dropping. Only safe for non-realtime sources such as file
	// replay.
	BackpressureBlock Backpressure = "block"
)

// IsValid reports whether b is a recognised backpressure policy.
func (b Backpressure) IsValid() bool {
	return b == BackpressureDrop || b == BackpressureBlock
}

// Encoding selects the codec for audio sent to a streaming backend.
type Encoding string

const (
	EncodingLinear16 Encoding = "linear16"
	EncodingOpus     Encoding = "opus"
)

// IsValid reports whether e is a recognised upstream encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingLinear16 || e == EncodingOpus
}

// Config is the root configuration structure for echolex.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// absent fields keep the [Default] values.
type Config struct {
	Audio    AudioConfig    `yaml:"audio"`
	STT      STTConfig      `yaml:"stt"`
	Context  ContextConfig  `yaml:"context"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Perf     PerfConfig     `yaml:"perf"`
	Server   ServerConfig   `yaml:"server"`
	Watcher  WatcherConfig  `yaml:"watcher"`
}

// AudioConfig selects and tunes the capture source.
type AudioConfig struct {
	// Source selects the registered capture implementation
	// (e.g., "pulse", "wavfile", "mock").
	Source string `yaml:"source"`

	// Device narrows PulseAudio device selection by a case-insensitive
	// substring of the source name or description. Empty uses the server
	// default input.
	Device string `yaml:"device"`

	// Path is the WAV file replayed when Source is "wavfile".
	Path string `yaml:"path"`

	// Loop restarts file replay from the beginning when the file ends.
	Loop bool `yaml:"loop"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BufferFrames is the per-buffer frame count. 1600 frames at 16 kHz is
	// a 100 ms buffer.
	BufferFrames int `yaml:"buffer_frames"`

	// Pool sizes the shared buffer pool.
	Pool PoolConfig `yaml:"pool"`

	// Backpressure selects the pool-exhaustion policy.
	Backpressure Backpressure `yaml:"backpressure"`

	// BlockTimeoutMS bounds the wait when Backpressure is "block".
	BlockTimeoutMS int `yaml:"block_timeout_ms"`
}

// BlockTimeout returns BlockTimeoutMS as a duration.
func (a AudioConfig) BlockTimeout() time.Duration {
	return time.Duration(a.BlockTimeoutMS) * time.Millisecond
}

// PoolConfig sizes the audio buffer pool.
type PoolConfig struct {
	// Initial is the number of buffers allocated up front.
	Initial int `yaml:"initial"`

	// Max caps pool growth. Acquire fails rather than allocating past it.
	Max int `yaml:"max"`
}

// STTConfig selects and tunes the recognition backend.
type STTConfig struct {
	// Provider selects the registered recognition backend
	// (e.g., "deepgram", "whisper", "whisper-native", "mock").
	Provider string `yaml:"provider"`

	// APIKey is the backend credential. Prefer APIKeyEnv so the key stays
	// out of the config file.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable holding the credential.
	// Consulted when APIKey is empty.
	APIKeyEnv string `yaml:"api_key_env"`

	// ServerURL is the whisper.cpp server endpoint used by the "whisper"
	// provider (e.g., "http://localhost:8178").
	ServerURL string `yaml:"server_url"`

	// ModelPath is the GGML model file loaded by the "whisper-native"
	// provider.
	ModelPath string `yaml:"model_path"`

	// Model selects a model within the provider (e.g., "nova-3",
	// "base.en").
	Model string `yaml:"model"`

	// Language is the initial BCP-47 recognition language. Empty lets the
	// backend auto-detect.
	Language string `yaml:"language"`

	// Encoding selects the upstream codec for streaming backends.
	Encoding Encoding `yaml:"encoding"`

	// InterimResults requests partial hypotheses from the backend.
	InterimResults bool `yaml:"interim_results"`

	// Offline names a registered offline-capable backend used as the
	// network-failure fallback. Empty disables offline fallback.
	Offline string `yaml:"offline"`
}

// ResolveAPIKey returns the backend credential: APIKey when set, otherwise
// the value of the APIKeyEnv environment variable, otherwise "".
func (c STTConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

// ContextConfig seeds the transcript corrector.
type ContextConfig struct {
	// Initial is the starting usage context (general, coding, email, chat,
	// meeting, notes, document).
	Initial types.ContextKind `yaml:"initial"`

	// Detail refines the context (e.g., a language name for coding, "formal"
	// for chat).
	Detail string `yaml:"detail"`

	// Vocabulary lists custom terms registered with the corrector at start.
	Vocabulary []string `yaml:"vocabulary"`
}

// AppContext converts the block into the corrector's context value. An empty
// Initial maps to the general context.
func (c ContextConfig) AppContext() types.AppContext {
	kind := c.Initial
	if kind == "" {
		kind = types.ContextGeneral
	}
	return types.AppContext{Kind: kind, Detail: c.Detail}
}

// RecoveryConfig tunes the session's recovery coordinator.
type RecoveryConfig struct {
	// RetryDelayMS is the initial wait before a restart attempt.
	RetryDelayMS int `yaml:"retry_delay_ms"`

	// MaxBackoffMS caps the exponential backoff between failed restarts.
	MaxBackoffMS int `yaml:"max_backoff_ms"`

	// MaxRetries bounds restart attempts before recovery gives up.
	MaxRetries int `yaml:"max_retries"`
}

// RetryDelay returns RetryDelayMS as a duration.
func (r RecoveryConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMS) * time.Millisecond
}

// MaxBackoff returns MaxBackoffMS as a duration.
func (r RecoveryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

// PerfConfig tunes the latency monitor.
type PerfConfig struct {
	// RingSize is the per-operation sample window.
	RingSize int `yaml:"ring_size"`

	// Targets overrides the built-in latency objectives. Nil keeps the
	// defaults.
	Targets *TargetsConfig `yaml:"targets"`
}

// TargetsConfig overrides the latency objectives checked by the monitor.
type TargetsConfig struct {
	P50MS int `yaml:"p50_ms"`
	P95MS int `yaml:"p95_ms"`
	P99MS int `yaml:"p99_ms"`
}

// Resolve returns the configured targets, or the monitor defaults when t is
// nil.
func (t *TargetsConfig) Resolve() perf.Targets {
	if t == nil {
		return perf.DefaultTargets
	}
	return perf.Targets{
		P50: time.Duration(t.P50MS) * time.Millisecond,
		P95: time.Duration(t.P95MS) * time.Millisecond,
		P99: time.Duration(t.P99MS) * time.Millisecond,
	}
}

// ServerConfig holds network and logging settings for the admin endpoint.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin HTTP server
	// (health, metrics). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`
}

// WatcherConfig tunes the config file watcher.
type WatcherConfig struct {
	// PollIntervalMS is the file polling interval.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// PollInterval returns PollIntervalMS as a duration.
func (w WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// Default returns the baseline configuration. [Load] decodes on top of it,
// so absent YAML fields keep these values.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Source:         "pulse",
			SampleRate:     16000,
			BufferFrames:   1600,
			Pool:           PoolConfig{Initial: 8, Max: 32},
			Backpressure:   BackpressureDrop,
			BlockTimeoutMS: 20,
		},
		STT: STTConfig{
			Provider:       "deepgram",
			APIKeyEnv:      "DEEPGRAM_API_KEY",
			Encoding:       EncodingLinear16,
			InterimResults: true,
		},
		Context: ContextConfig{
			Initial: types.ContextGeneral,
		},
		Recovery: RecoveryConfig{
			RetryDelayMS: 1000,
			MaxBackoffMS: 30000,
			MaxRetries:   10,
		},
		Perf: PerfConfig{
			RingSize: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
			LogFormat:  LogText,
		},
		Watcher: WatcherConfig{
			PollIntervalMS: 5000,
		},
	}
}
