package capture

import (
	"fmt"
	"sync"
	"time"
)

// PCMEncoder passes converted samples through as uncompressed packets.
type PCMEncoder struct {
	config  AudioEncoderConfig
	format  SampleFormat
	encoded uint64 // sample frames

	stats   EncoderStats
	statsMu sync.Mutex
}

// NewPCMEncoder creates a PCM encoder for 16, 24 or 32-bit integer or 32-bit
// float output.
func NewPCMEncoder(config AudioEncoderConfig) (*PCMEncoder, error) {
	if config.SampleRate <= 0 || config.Channels <= 0 {
		return nil, fmt.Errorf("%w: pcm needs sample rate and channels", ErrResource)
	}
	bits := config.BitsPerSample
	if bits == 0 {
		bits = 16
	}
	format := SampleFormatForBits(bits, config.Float)
	if format == SampleFormatUnknown {
		return nil, fmt.Errorf("%w: pcm bit depth %d", ErrResource, config.BitsPerSample)
	}
	return &PCMEncoder{config: config, format: format}, nil
}

func (e *PCMEncoder) Info() string {
	return fmt.Sprintf("pcm (software) %dHz %dch %s", e.config.SampleRate, e.config.Channels, e.format)
}

func (e *PCMEncoder) Codec() AudioCodec         { return AudioCodecPCM }
func (e *PCMEncoder) Provider() Provider        { return ProviderSoftware }
func (e *PCMEncoder) InputFormat() SampleFormat { return e.format }
func (e *PCMEncoder) BlockSize() int            { return 0 }
func (e *PCMEncoder) Close() error              { return nil }

// Encode implements AudioEncoder.
func (e *PCMEncoder) Encode(dst *EncodedFrame, block *SampleBlock) error {
	if block.Format != e.format {
		return fmt.Errorf("%w: pcm input %s, want %s", ErrConversion, block.Format, e.format)
	}
	frames := block.Frames()
	if frames == 0 {
		return nil
	}
	rate := time.Duration(e.config.SampleRate)
	dst.Append(block.Data, PacketInfo{
		Timestamp: time.Duration(e.encoded) * time.Second / rate,
		Duration:  time.Duration(frames) * time.Second / rate,
		Keyframe:  true,
	})
	e.encoded += uint64(frames)

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(len(block.Data))
	e.statsMu.Unlock()
	return nil
}

// Flush implements AudioEncoder.
func (e *PCMEncoder) Flush(*EncodedFrame) (bool, error) { return false, nil }

// Stats implements AudioEncoder.
func (e *PCMEncoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func init() {
	registerAudioEncoder(AudioCodecPCM, ProviderSoftware, func(c AudioEncoderConfig) (AudioEncoder, error) {
		return NewPCMEncoder(c)
	})
}
