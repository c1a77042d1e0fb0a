// Package appconfig loads the settings shared by the example programs and
// configures their logger.
package appconfig

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drgolem/go-pastream/portaudio"
)

// EnvPrefix is prepended to every key looked up in the environment,
// e.g. PASTREAM_SAMPLERATE.
const EnvPrefix = "PASTREAM"

// Config holds the example program settings.
type Config struct {
	LogLevel        string
	LogFile         string
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
	Format          portaudio.PaSampleFormat
	// Latency is the suggested latency in seconds; 0 uses the device default.
	Latency  portaudio.PaTime
	Duration time.Duration
	Output   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("loglevel", "info")
	v.SetDefault("logfile", "")
	v.SetDefault("samplerate", 48000)
	v.SetDefault("channels", 2)
	v.SetDefault("framesperbuffer", 512)
	v.SetDefault("format", "float32")
	v.SetDefault("latency", 0.0)
	v.SetDefault("duration", "3s")
	v.SetDefault("output", "")
}

// Load reads the configuration. configFilePath may be empty; a path that
// does not exist is logged and the defaults are used. Environment variables
// override both.
func Load(configFilePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", configFilePath, err)
			}
			slog.Info("no config file found", "configFilePath", configFilePath)
		}
	}

	format, err := ParseSampleFormat(v.GetString("format"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:        v.GetString("loglevel"),
		LogFile:         v.GetString("logfile"),
		SampleRate:      v.GetFloat64("samplerate"),
		Channels:        v.GetInt("channels"),
		FramesPerBuffer: v.GetInt("framesperbuffer"),
		Format:          format,
		Latency:         portaudio.PaTime(v.GetFloat64("latency")),
		Duration:        v.GetDuration("duration"),
		Output:          v.GetString("output"),
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("samplerate %v: %w", cfg.SampleRate, portaudio.ErrInvalidSampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("channels %d: %w", cfg.Channels, portaudio.ErrInvalidChannelCount)
	}
	if cfg.FramesPerBuffer < 0 {
		return nil, fmt.Errorf("framesperbuffer must not be negative, got %d", cfg.FramesPerBuffer)
	}
	if cfg.Latency < 0 {
		return nil, fmt.Errorf("latency must not be negative, got %v", cfg.Latency)
	}
	return cfg, nil
}

var formatNames = map[string]portaudio.PaSampleFormat{
	"float32": portaudio.SampleFmtFloat32,
	"int32":   portaudio.SampleFmtInt32,
	"int24":   portaudio.SampleFmtInt24,
	"int16":   portaudio.SampleFmtInt16,
	"int8":    portaudio.SampleFmtInt8,
	"uint8":   portaudio.SampleFmtUInt8,
}

// ParseSampleFormat accepts the names produced by PaSampleFormat.String,
// e.g. "int16" or "float32|non-interleaved".
func ParseSampleFormat(name string) (portaudio.PaSampleFormat, error) {
	base, layout, planar := strings.Cut(strings.ToLower(strings.TrimSpace(name)), "|")
	format, ok := formatNames[base]
	if !ok {
		return 0, fmt.Errorf("%w: %q", portaudio.ErrSampleFormatNotSupported, name)
	}
	if planar {
		if layout != "non-interleaved" {
			return 0, fmt.Errorf("unknown sample layout %q", layout)
		}
		format |= portaudio.NonInterleaved
	}
	return format, nil
}

// ConfigureDefaultLogger sets the slog default logger.
//
// Valid log levels are "none", "error", "warn", "info", "debug". logFile is
// either empty, in which case text goes to stdout, or a path that receives
// JSON records. The returned file must be closed by the caller when non-nil.
func ConfigureDefaultLogger(logLevel string, logFile string, loggerOptions slog.HandlerOptions) (*os.File, error) {
	switch logLevel {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		loggerOptions.Level = slog.LevelError
	case "warn":
		loggerOptions.Level = slog.LevelWarn
	case "info":
		loggerOptions.Level = slog.LevelInfo
	case "debug":
		loggerOptions.Level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unexpected log level %q", logLevel)
	}

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &loggerOptions)))
		return nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &loggerOptions)))
	return f, nil
}
