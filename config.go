package capture

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// VideoStreamConfig configures the video stream of a Recorder.
type VideoStreamConfig struct {
	VideoEncoderConfig `yaml:",inline" mapstructure:",squash"`

	// MaxTasks caps concurrent conversion and encode tasks. <= 0 uses
	// GOMAXPROCS.
	MaxTasks int `yaml:"max_tasks" mapstructure:"max_tasks"`

	// Encoder, when set, is used instead of one created from the registry.
	// The Recorder takes ownership and closes it.
	Encoder VideoEncoder `yaml:"-" mapstructure:"-"`
}

// AudioStreamConfig configures the audio stream of a Recorder.
type AudioStreamConfig struct {
	AudioEncoderConfig `yaml:",inline" mapstructure:",squash"`

	MaxTasks int `yaml:"max_tasks" mapstructure:"max_tasks"`

	Encoder AudioEncoder `yaml:"-" mapstructure:"-"`
}

// RecorderConfig configures a Recorder. At least one of Video and Audio
// must be set.
type RecorderConfig struct {
	Video *VideoStreamConfig `yaml:"video" mapstructure:"video"`
	Audio *AudioStreamConfig `yaml:"audio" mapstructure:"audio"`
	Sync  SyncConfig         `yaml:"sync" mapstructure:"sync"`

	TextureReader TextureReader      `yaml:"-" mapstructure:"-"`
	Log           logrus.FieldLogger `yaml:"-" mapstructure:"-"`
}

// ImageConfig configures the still-image contexts.
type ImageConfig struct {
	MaxTasks int `yaml:"max_tasks" mapstructure:"max_tasks"`

	// Pixels selects the stored pixel type of layered images.
	Pixels      PixelPolicy    `yaml:"pixels" mapstructure:"pixels"`
	Compression ExrCompression `yaml:"compression" mapstructure:"compression"`

	// DedupSources lets a layered image reuse the converted pixels when the
	// same source slice is added for several layers of one frame. Callers
	// that enable it must not reuse a slice for different content within a
	// frame.
	DedupSources bool `yaml:"dedup_sources" mapstructure:"dedup_sources"`

	PNGDepth PNGDepth `yaml:"png_depth" mapstructure:"png_depth"`

	TextureReader TextureReader      `yaml:"-" mapstructure:"-"`
	Log           logrus.FieldLogger `yaml:"-" mapstructure:"-"`
}

// Config is the file form of the library settings.
type Config struct {
	Recorder RecorderConfig `yaml:"recorder"`
	Images   ImageConfig    `yaml:"images"`

	LogLevel  string `yaml:"log_level"`  // logrus level name (default: info)
	LogFormat string `yaml:"log_format"` // text or json (default: text)
}

// LoadConfig reads a YAML configuration file. Environment variables in the
// file are expanded and unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	decoder.KnownFields(true) // Reject unknown fields

	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", ErrInvalidConfig, err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); cfg.LogLevel != "" && err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text", "json":
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, cfg.LogFormat)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// setDefaults applies explicit default values to unset fields.
func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Recorder.setDefaults()
}

func (c *RecorderConfig) setDefaults() {
	if v := c.Video; v != nil {
		if v.FPS <= 0 {
			v.FPS = 30
		}
		if v.BitrateBps <= 0 {
			v.BitrateBps = 8_000_000
		}
		if v.Codec == VideoCodecUnknown {
			v.Codec = VideoCodecH264
		}
	}
	if a := c.Audio; a != nil {
		if a.SampleRate <= 0 {
			a.SampleRate = 48000
		}
		if a.Channels <= 0 {
			a.Channels = 2
		}
		if a.Codec == AudioCodecUnknown {
			a.Codec = AudioCodecPCM
		}
		if a.BitrateBps <= 0 {
			a.BitrateBps = 128000
		}
		if a.FrameSizeMs <= 0 {
			a.FrameSizeMs = 20
		}
	}
	if c.Sync.FlushEveryFrames <= 0 {
		c.Sync.FlushEveryFrames = DefaultFlushEveryFrames
	}
}

// NewLogger builds a logger from the log settings.
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	if strings.EqualFold(c.LogFormat, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// DecodeOptions decodes loosely typed options, such as those passed from a
// host application or a command line, into out. Enum fields accept their
// names and durations accept strings like "500ms".
func DecodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
