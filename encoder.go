package capture

import (
	"fmt"
	"io"
	"sync"
)

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec    VideoCodec `yaml:"codec" mapstructure:"codec"`       // Codec type (H264, PNG)
	Provider Provider   `yaml:"provider" mapstructure:"provider"` // Provider to use (ProviderAuto = library chooses)

	Width  int `yaml:"width" mapstructure:"width"`   // Frame width
	Height int `yaml:"height" mapstructure:"height"` // Frame height
	FPS    int `yaml:"fps" mapstructure:"fps"`       // Target framerate

	BitrateBps       int             `yaml:"bitrate" mapstructure:"bitrate"`                     // Target bitrate in bits per second
	RateControlMode  RateControlMode `yaml:"rate_control" mapstructure:"rate_control"`           // CBR or VBR
	KeyframeInterval int             `yaml:"keyframe_interval" mapstructure:"keyframe_interval"` // Frames between forced keyframes (0 = encoder default)
	Threads          int             `yaml:"threads" mapstructure:"threads"`                     // Encoder threads (0 = auto)
	H264Profile      H264Profile     `yaml:"profile" mapstructure:"profile"`                     // H.264 profile

	PNGDepth PNGDepth `yaml:"png_depth" mapstructure:"png_depth"` // PNG bit depth
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:            codec,
		Provider:         ProviderAuto,
		Width:            width,
		Height:           height,
		FPS:              30,
		BitrateBps:       8_000_000,
		RateControlMode:  RateControlVBR,
		KeyframeInterval: 0,
	}
}

// AudioEncoderConfig configures an audio encoder.
type AudioEncoderConfig struct {
	Codec    AudioCodec `yaml:"codec" mapstructure:"codec"`       // Codec type (Opus, PCM)
	Provider Provider   `yaml:"provider" mapstructure:"provider"` // Provider to use (ProviderAuto = library chooses)

	SampleRate      int             `yaml:"sample_rate" mapstructure:"sample_rate"`   // Sample rate (e.g., 48000)
	Channels        int             `yaml:"channels" mapstructure:"channels"`         // Number of channels
	BitrateBps      int             `yaml:"bitrate" mapstructure:"bitrate"`           // Target bitrate in bps
	RateControlMode RateControlMode `yaml:"rate_control" mapstructure:"rate_control"` // CBR or VBR

	// PCM output depth: 16, 24 or 32 bits, or 32-bit float when Float is set.
	BitsPerSample int  `yaml:"bits_per_sample" mapstructure:"bits_per_sample"`
	Float         bool `yaml:"float" mapstructure:"float"`

	// Opus-specific options
	FrameSizeMs int `yaml:"frame_size_ms" mapstructure:"frame_size_ms"` // Frame size in milliseconds
	Application int `yaml:"application" mapstructure:"application"`     // Opus application (0=VOIP, 1=Audio, 2=LowDelay)
	Complexity  int `yaml:"complexity" mapstructure:"complexity"`       // Opus complexity (0-10)
}

// DefaultAudioEncoderConfig returns a default audio encoder configuration.
func DefaultAudioEncoderConfig(codec AudioCodec) AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:           codec,
		Provider:        ProviderAuto,
		SampleRate:      48000,
		Channels:        2,
		BitrateBps:      128000,
		RateControlMode: RateControlVBR,
		BitsPerSample:   16,
		FrameSizeMs:     20,
		Application:     1,
		Complexity:      10,
	}
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Total frames or sample blocks encoded
	KeyframesEncoded uint64 // Total keyframes encoded
	BytesEncoded     uint64 // Total bytes of encoded data
}

// VideoEncoder turns raw frames into packets. The capture pipeline calls an
// instance from one goroutine at a time, in frame order.
type VideoEncoder interface {
	io.Closer

	// Info returns a human readable description of the backend.
	Info() string

	Codec() VideoCodec
	Provider() Provider

	// InputFormat returns the format the encoder wants for frames submitted
	// in src format.
	InputFormat(src PixelFormat) PixelFormat

	// Encode appends zero or more packets for frame to dst.
	Encode(dst *EncodedFrame, frame *Frame, forceKeyframe bool) error

	// Flush drains delayed packets into dst. more reports whether another
	// call may yield further packets.
	Flush(dst *EncodedFrame) (more bool, err error)

	Stats() EncoderStats
}

// AudioEncoder turns sample blocks into packets, under the same calling rules
// as VideoEncoder.
type AudioEncoder interface {
	io.Closer

	Info() string
	Codec() AudioCodec
	Provider() Provider

	// InputFormat returns the sample layout Encode expects.
	InputFormat() SampleFormat

	// BlockSize returns the required granularity of Encode input in
	// interleaved samples, or 0 for any size.
	BlockSize() int

	Encode(dst *EncodedFrame, block *SampleBlock) error
	Flush(dst *EncodedFrame) (more bool, err error)

	Stats() EncoderStats
}

// Stateless is implemented by encoders whose output depends on one input
// only. The pipeline may run their Encode calls concurrently.
type Stateless interface {
	Stateless() bool
}

func isStateless(enc any) bool {
	s, ok := enc.(Stateless)
	return ok && s.Stateless()
}

// --- Registry ---

type videoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)
type audioEncoderFactory func(AudioEncoderConfig) (AudioEncoder, error)

type encoderRegistry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	videoProviders map[VideoCodec]map[Provider]videoEncoderFactory
	audioProviders map[AudioCodec]map[Provider]audioEncoderFactory

	// Default provider per codec
	videoDefaults map[VideoCodec]Provider
	audioDefaults map[AudioCodec]Provider
}

var globalEncoderRegistry = &encoderRegistry{
	videoProviders: make(map[VideoCodec]map[Provider]videoEncoderFactory),
	audioProviders: make(map[AudioCodec]map[Provider]audioEncoderFactory),
	videoDefaults:  make(map[VideoCodec]Provider),
	audioDefaults:  make(map[AudioCodec]Provider),
}

// registerVideoEncoder registers a video encoder factory for a codec+provider.
func registerVideoEncoder(codec VideoCodec, provider Provider, factory videoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.videoProviders[codec] == nil {
		globalEncoderRegistry.videoProviders[codec] = make(map[Provider]videoEncoderFactory)
	}
	globalEncoderRegistry.videoProviders[codec][provider] = factory

	// Set default: prefer BSD (permissive) license providers
	current, exists := globalEncoderRegistry.videoDefaults[codec]
	if !exists || (provider.License().Permissive() && !current.License().Permissive()) {
		globalEncoderRegistry.videoDefaults[codec] = provider
	}
}

// registerAudioEncoder registers an audio encoder factory for a codec+provider.
func registerAudioEncoder(codec AudioCodec, provider Provider, factory audioEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.audioProviders[codec] == nil {
		globalEncoderRegistry.audioProviders[codec] = make(map[Provider]audioEncoderFactory)
	}
	globalEncoderRegistry.audioProviders[codec][provider] = factory

	// Set default: prefer BSD license
	current, exists := globalEncoderRegistry.audioDefaults[codec]
	if !exists || (provider.License().Permissive() && !current.License().Permissive()) {
		globalEncoderRegistry.audioDefaults[codec] = provider
	}
}

// SetDefaultVideoEncoderProvider sets the default provider for a video codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.videoDefaults[codec] = provider
}

// SetDefaultAudioEncoderProvider sets the default provider for an audio codec.
func SetDefaultAudioEncoderProvider(codec AudioCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.audioDefaults[codec] = provider
}

// NewVideoEncoder creates a video encoder, loading native libraries first.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	initErr := EnsureInitialized()
	if initErr != nil {
		Logger().WithError(initErr).WithField("codec", config.Codec).Debug("native codec libraries unavailable")
	}

	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}

	// Resolve provider
	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.videoDefaults[config.Codec]
		if !p.Available() {
			p = firstAvailable(providers)
		}
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, providerNotFound(p, config.Codec, initErr)
	}

	return factory(config)
}

// NewAudioEncoder creates an audio encoder, loading native libraries first.
func NewAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error) {
	initErr := EnsureInitialized()
	if initErr != nil {
		Logger().WithError(initErr).WithField("codec", config.Codec).Debug("native codec libraries unavailable")
	}

	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.audioProviders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}

	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.audioDefaults[config.Codec]
		if !p.Available() {
			p = firstAvailable(providers)
		}
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, providerNotFound(p, config.Codec, initErr)
	}

	return factory(config)
}

// providerNotFound carries the native load failure, if any, as the cause.
func providerNotFound(p Provider, codec fmt.Stringer, initErr error) error {
	if initErr != nil {
		return fmt.Errorf("%w: %s for %s: %w", ErrProviderNotFound, p, codec, initErr)
	}
	return fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, codec)
}

func firstAvailable[F any](providers map[Provider]F) Provider {
	for p := ProviderSoftware; p < providerCount; p++ {
		if _, ok := providers[p]; ok && p.Available() {
			return p
		}
	}
	return ProviderAuto
}

// VideoEncoderProviders returns available providers for a video codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}

// AudioEncoderProviders returns available providers for an audio codec.
func AudioEncoderProviders(codec AudioCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.audioProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
