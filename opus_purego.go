//go:build (darwin || linux) && !noopus

// Opus encoding via libstream_opus, a thin primitive-only wrapper around
// libopus loaded at runtime with purego.

package capture

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var streamOpusHandle uintptr

// libstream_opus function pointers
var (
	streamOpusEncoderCreate        func(sampleRate, channels, application int32) uint64
	streamOpusEncoderEncodeFloat   func(encoder uint64, pcm uintptr, frameSize int32, outData uintptr, outCapacity int32) int32
	streamOpusEncoderSetBitrate    func(encoder uint64, bitrate int32) int32
	streamOpusEncoderSetComplexity func(encoder uint64, complexity int32) int32
	streamOpusEncoderDestroy       func(encoder uint64)

	streamOpusGetError   func() uintptr
	streamOpusGetVersion func() uintptr
)

// Constants from stream_opus.h
const (
	streamOpusApplicationVOIP     = 2048
	streamOpusApplicationAudio    = 2049
	streamOpusApplicationLowDelay = 2051

	opusMaxPacket = 4000
)

var opusLibrary = &nativeLibrary{
	name:     "libstream_opus",
	provider: ProviderLibopus,
	load:     loadStreamOpus,
	unload: func() {
		purego.Dlclose(streamOpusHandle)
		streamOpusHandle = 0
	},
}

func loadStreamOpus() error {
	paths := nativeLibPaths("libstream_opus", "STREAM_OPUS_LIB_PATH", "STREAM_SDK_LIB_PATH")
	handle, err := dlopenFirst("libstream_opus", paths, func(h uintptr) error {
		purego.RegisterLibFunc(&streamOpusEncoderCreate, h, "stream_opus_encoder_create")
		purego.RegisterLibFunc(&streamOpusEncoderEncodeFloat, h, "stream_opus_encoder_encode_float")
		purego.RegisterLibFunc(&streamOpusEncoderSetBitrate, h, "stream_opus_encoder_set_bitrate")
		purego.RegisterLibFunc(&streamOpusEncoderSetComplexity, h, "stream_opus_encoder_set_complexity")
		purego.RegisterLibFunc(&streamOpusEncoderDestroy, h, "stream_opus_encoder_destroy")
		purego.RegisterLibFunc(&streamOpusGetError, h, "stream_opus_get_error")
		purego.RegisterLibFunc(&streamOpusGetVersion, h, "stream_opus_get_version")
		return nil
	})
	if err != nil {
		return err
	}
	streamOpusHandle = handle
	return nil
}

// IsOpusAvailable checks if libstream_opus is available.
func IsOpusAvailable() bool {
	return ensureNative(opusLibrary) == nil
}

// GetOpusVersion returns the libopus version string.
func GetOpusVersion() string {
	if !IsOpusAvailable() {
		return ""
	}
	return goStringFromPtr(streamOpusGetVersion())
}

func getOpusError() string {
	ptr := streamOpusGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

func opusApplication(app int) int32 {
	switch app {
	case 1:
		return streamOpusApplicationAudio
	case 2:
		return streamOpusApplicationLowDelay
	default:
		return streamOpusApplicationVOIP
	}
}

// OpusEncoder implements AudioEncoder for Opus. Input must be whole frames
// of FrameSizeMs; the pipeline guarantees this through BlockSize.
type OpusEncoder struct {
	config AudioEncoderConfig

	handle    uint64
	frameSize int // samples per channel per packet
	outputBuf []byte
	pcm       []float32
	encoded   uint64 // sample frames encoded

	stats   EncoderStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

// NewOpusEncoder creates a new Opus encoder.
func NewOpusEncoder(config AudioEncoderConfig) (*OpusEncoder, error) {
	if err := ensureNative(opusLibrary); err != nil {
		return nil, fmt.Errorf("%w: Opus encoder: %v", ErrResource, err)
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.Channels > 2 {
		return nil, fmt.Errorf("%w: Opus supports max 2 channels, got %d", ErrResource, config.Channels)
	}
	if config.FrameSizeMs <= 0 {
		config.FrameSizeMs = 20
	}

	handle := streamOpusEncoderCreate(int32(config.SampleRate), int32(config.Channels), opusApplication(config.Application))
	if handle == 0 {
		return nil, fmt.Errorf("%w: failed to create Opus encoder: %s", ErrResource, getOpusError())
	}
	if config.BitrateBps > 0 {
		streamOpusEncoderSetBitrate(handle, int32(config.BitrateBps))
	}
	if config.Complexity > 0 {
		streamOpusEncoderSetComplexity(handle, int32(config.Complexity))
	}

	return &OpusEncoder{
		config:    config,
		handle:    handle,
		frameSize: config.SampleRate * config.FrameSizeMs / 1000,
		outputBuf: make([]byte, opusMaxPacket),
	}, nil
}

func (e *OpusEncoder) Info() string {
	return fmt.Sprintf("libopus %s %dHz %dch %s %dkbps", GetOpusVersion(),
		e.config.SampleRate, e.config.Channels, e.config.RateControlMode, e.config.BitrateBps/1000)
}

func (e *OpusEncoder) Codec() AudioCodec         { return AudioCodecOpus }
func (e *OpusEncoder) Provider() Provider        { return ProviderLibopus }
func (e *OpusEncoder) InputFormat() SampleFormat { return SampleFormatF32 }
func (e *OpusEncoder) BlockSize() int            { return e.frameSize * e.config.Channels }

// Encode implements AudioEncoder.
func (e *OpusEncoder) Encode(dst *EncodedFrame, block *SampleBlock) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return fmt.Errorf("%w: encoder closed", ErrEncode)
	}
	if block.Format != SampleFormatF32 {
		return fmt.Errorf("%w: opus input %s", ErrConversion, block.Format)
	}

	n := len(block.Data) / 4
	if cap(e.pcm) < n {
		e.pcm = make([]float32, n)
	}
	e.pcm = e.pcm[:n]
	copy(unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(e.pcm))), n*4), block.Data)

	step := e.BlockSize()
	frameDur := time.Duration(e.frameSize) * time.Second / time.Duration(e.config.SampleRate)
	for off := 0; off+step <= n; off += step {
		result := streamOpusEncoderEncodeFloat(
			e.handle,
			uintptr(unsafe.Pointer(&e.pcm[off])),
			int32(e.frameSize),
			uintptr(unsafe.Pointer(&e.outputBuf[0])),
			int32(len(e.outputBuf)),
		)
		if result < 0 {
			return fmt.Errorf("%w: %s", ErrEncode, getOpusError())
		}
		ts := time.Duration(e.encoded) * time.Second / time.Duration(e.config.SampleRate)
		e.encoded += uint64(e.frameSize)
		dst.Append(e.outputBuf[:result], PacketInfo{Timestamp: ts, Duration: frameDur, Keyframe: true})

		e.statsMu.Lock()
		e.stats.FramesEncoded++
		e.stats.BytesEncoded += uint64(result)
		e.statsMu.Unlock()
	}
	return nil
}

// Flush implements AudioEncoder.
func (e *OpusEncoder) Flush(*EncodedFrame) (bool, error) { return false, nil }

// Stats implements AudioEncoder.
func (e *OpusEncoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close implements AudioEncoder.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		streamOpusEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	registerNativeLibrary(opusLibrary)
	registerAudioEncoder(AudioCodecOpus, ProviderLibopus, func(c AudioEncoderConfig) (AudioEncoder, error) {
		return NewOpusEncoder(c)
	})
}
