// Package config provides the configuration schema, loader, and provider
// registry for the Aura live voice service.
package config

import (
	"log/slog"
	"time"

	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
)

// LogLevel controls log verbosity for the Aura server.
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

// Level returns the slog level for l. Unknown values map to info.
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

// LogFormat selects the slog handler used by the server.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":8080"
	DefaultTransport   = "gemini-live"
	DefaultAudio       = "portaudio"
	DefaultServiceName = "aura"
)

// Config is the root configuration structure for Aura.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Live      LiveConfig      `yaml:"live"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the Aura server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`
}

// LiveConfig selects and configures the transport to the remote voice agent.
// The Name field is used to look up the constructor in the [Registry].
type LiveConfig struct {
	// Name selects the registered transport ("gemini-live" or "genai").
	Name string `yaml:"name"`

	// APIKey authenticates against the agent's API. Usually supplied as
	// ${GEMINI_API_KEY} and expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the transport's default endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model is the agent model identifier. Empty selects [live.DefaultModel].
	Model string `yaml:"model"`

	// Voice is one of the prebuilt voice names. Empty selects Zephyr.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction sent at setup.
	Instructions string `yaml:"instructions"`

	// Transcribe requests transcripts of both sides of the conversation.
	Transcribe bool `yaml:"transcribe"`

	// SendQueue bounds the number of outbound chunks waiting to be written.
	// Zero selects the transport default.
	SendQueue int `yaml:"send_queue"`

	// Keepalive is the ping interval of the raw WebSocket transport. Zero
	// selects the default; a negative value disables pings.
	Keepalive time.Duration `yaml:"keepalive"`
}

// Agent returns the agent configuration handed to [live.Transport.Open].
func (c LiveConfig) Agent() live.Config {
	voice, err := live.ParseVoice(c.Voice)
	if err != nil {
		voice = live.Voice(c.Voice)
	}
	return live.Config{
		Model:        c.Model,
		Voice:        voice,
		Instructions: c.Instructions,
		Transcribe:   c.Transcribe,
	}.WithDefaults()
}

// AudioConfig selects and configures the audio device.
type AudioConfig struct {
	// Name selects the registered audio device ("portaudio").
	Name string `yaml:"name"`

	// FramesPerBuffer is the capture window in samples.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// InputSampleRate is the microphone rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the speaker rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// StallTimeout is how long the input callback may stay silent before the
	// device is reported as unavailable. Zero selects the device default.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// InputFormat returns the capture format.
func (c AudioConfig) InputFormat() audio.Format {
	return audio.Format{SampleRate: c.InputSampleRate, Channels: 1}
}

// OutputFormat returns the playback format.
func (c AudioConfig) OutputFormat() audio.Format {
	return audio.Format{SampleRate: c.OutputSampleRate, Channels: 1}
}

// SessionConfig holds per-session behaviour.
type SessionConfig struct {
	// Autostart starts a session as soon as the server is up.
	Autostart bool `yaml:"autostart"`

	// StartMuted starts every session with the mic disabled.
	StartMuted bool `yaml:"start_muted"`

	// KeepQueueOnInterrupt leaves queued playback in place when the agent
	// signals an interruption instead of cancelling it.
	KeepQueueOnInterrupt bool `yaml:"keep_queue_on_interrupt"`
}

// TelemetryConfig holds OpenTelemetry resource settings.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

// ApplyDefaults fills empty fields of cfg with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Live.Name == "" {
		cfg.Live.Name = DefaultTransport
	}
	if cfg.Audio.Name == "" {
		cfg.Audio.Name = DefaultAudio
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = audio.DefaultFramesPerBuffer
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = audio.InputFormat.SampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = audio.OutputFormat.SampleRate
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
