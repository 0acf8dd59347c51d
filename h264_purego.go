//go:build (darwin || linux) && !noh264

// H.264 encoding via libmedia_h264 (x264) loaded at runtime with purego.

package capture

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var mediaH264Handle uintptr

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderSetBitrate    func(encoder uint64, bitrateKbps int32) int32
	mediaH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66
	mediaH264ProfileMain     = 77
	mediaH264ProfileHigh     = 100

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3
)

var h264Library = &nativeLibrary{
	name:     "libmedia_h264",
	provider: ProviderX264,
	load:     loadMediaH264,
	unload: func() {
		purego.Dlclose(mediaH264Handle)
		mediaH264Handle = 0
	},
}

func h264ProfileToNative(p H264Profile) int32 {
	switch p {
	case H264ProfileMain:
		return mediaH264ProfileMain
	case H264ProfileHigh:
		return mediaH264ProfileHigh
	default:
		return mediaH264ProfileBaseline
	}
}

func loadMediaH264() error {
	paths := nativeLibPaths("libmedia_h264", "MEDIA_H264_LIB_PATH", "MEDIA_SDK_LIB_PATH")
	handle, err := dlopenFirst("libmedia_h264", paths, func(h uintptr) error {
		purego.RegisterLibFunc(&mediaH264EncoderCreate, h, "media_h264_encoder_create")
		purego.RegisterLibFunc(&mediaH264EncoderEncode, h, "media_h264_encoder_encode")
		purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, h, "media_h264_encoder_max_output_size")
		purego.RegisterLibFunc(&mediaH264EncoderSetBitrate, h, "media_h264_encoder_set_bitrate")
		purego.RegisterLibFunc(&mediaH264EncoderGetSPSPPS, h, "media_h264_encoder_get_sps_pps")
		purego.RegisterLibFunc(&mediaH264EncoderDestroy, h, "media_h264_encoder_destroy")
		purego.RegisterLibFunc(&mediaH264GetError, h, "media_h264_get_error")
		purego.RegisterLibFunc(&mediaH264EncoderAvailable, h, "media_h264_encoder_available")
		return nil
	})
	if err != nil {
		return err
	}
	mediaH264Handle = handle
	if mediaH264EncoderAvailable() == 0 {
		return fmt.Errorf("x264 not compiled into libmedia_h264")
	}
	return nil
}

// IsH264Available checks if the x264 backend can be used.
func IsH264Available() bool {
	return ensureNative(h264Library) == nil
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// H264Encoder implements VideoEncoder for H.264 (x264). Input is I420 and
// output is Annex-B.
type H264Encoder struct {
	config VideoEncoderConfig

	handle    uint64
	outputBuf []byte
	frames    uint64

	stats   EncoderStats
	statsMu sync.Mutex
	mu      sync.Mutex

	// Cached SPS/PPS
	sps []byte
	pps []byte
}

// NewH264Encoder creates a new H.264 encoder.
func NewH264Encoder(config VideoEncoderConfig) (*H264Encoder, error) {
	if err := ensureNative(h264Library); err != nil {
		return nil, fmt.Errorf("%w: H.264 encoder: %v", ErrResource, err)
	}
	if config.Width <= 0 || config.Height <= 0 || config.Width%2 != 0 || config.Height%2 != 0 {
		return nil, fmt.Errorf("%w: H.264 needs even dimensions, got %dx%d", ErrResource, config.Width, config.Height)
	}

	threads := config.Threads
	if threads <= 0 {
		threads = 4
	}
	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}
	fps := config.FPS
	if fps <= 0 {
		fps = 30
	}

	handle := mediaH264EncoderCreate(
		int32(config.Width),
		int32(config.Height),
		int32(fps),
		int32(bitrateKbps),
		h264ProfileToNative(config.H264Profile),
		int32(threads),
	)
	if handle == 0 {
		return nil, fmt.Errorf("%w: failed to create H.264 encoder: %s", ErrResource, getH264Error())
	}

	maxOutput := mediaH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(config.Width * config.Height * 3 / 2)
	}

	config.FPS = fps
	enc := &H264Encoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
	}
	enc.extractSPSPPS()
	return enc, nil
}

func (e *H264Encoder) extractSPSPPS() {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	var spsLen, ppsLen int32

	mediaH264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&spsLen)),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&ppsLen)),
	)

	if spsLen > 0 {
		e.sps = append([]byte(nil), spsOut[:spsLen]...)
	}
	if ppsLen > 0 {
		e.pps = append([]byte(nil), ppsOut[:ppsLen]...)
	}
}

// CodecPrivate returns SPS and PPS as Annex-B.
func (e *H264Encoder) CodecPrivate() []byte {
	if e.sps == nil || e.pps == nil {
		return nil
	}
	out := append([]byte{0, 0, 0, 1}, e.sps...)
	out = append(out, 0, 0, 0, 1)
	return append(out, e.pps...)
}

func (e *H264Encoder) Info() string {
	return fmt.Sprintf("x264 (libmedia_h264) %dx%d@%d %s %s %dkbps",
		e.config.Width, e.config.Height, e.config.FPS, e.config.H264Profile,
		e.config.RateControlMode, e.config.BitrateBps/1000)
}

func (e *H264Encoder) Codec() VideoCodec                   { return VideoCodecH264 }
func (e *H264Encoder) Provider() Provider                  { return ProviderX264 }
func (e *H264Encoder) InputFormat(PixelFormat) PixelFormat { return PixelFormatI420 }

// Encode implements VideoEncoder.
func (e *H264Encoder) Encode(dst *EncodedFrame, frame *Frame, forceKeyframe bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return fmt.Errorf("%w: encoder closed", ErrEncode)
	}
	if frame.Format != PixelFormatI420 || frame.Width != e.config.Width || frame.Height != e.config.Height {
		return fmt.Errorf("%w: got %s %dx%d", ErrConversion, frame.Format, frame.Width, frame.Height)
	}

	w, h := frame.Width, frame.Height
	cw, ch := w/2, h/2
	force := int32(0)
	if forceKeyframe || (e.config.KeyframeInterval > 0 && e.frames%uint64(e.config.KeyframeInterval) == 0) {
		force = 1
	}
	e.frames++

	var frameType int32
	var pts, dts int64
	result := mediaH264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0])),
		uintptr(unsafe.Pointer(&frame.Data[w*h])),
		uintptr(unsafe.Pointer(&frame.Data[w*h+cw*ch])),
		int32(w),
		int32(cw),
		force,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
		uintptr(unsafe.Pointer(&dts)),
	)
	if result < 0 {
		return fmt.Errorf("%w: %s", ErrEncode, getH264Error())
	}
	if result == 0 {
		return nil
	}

	key := frameType == mediaH264FrameIDR || frameType == mediaH264FrameI
	dst.Append(e.outputBuf[:result], PacketInfo{
		Timestamp: frame.Timestamp,
		Duration:  frame.Duration,
		Keyframe:  key,
	})

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	if key {
		e.stats.KeyframesEncoded++
	}
	e.stats.BytesEncoded += uint64(result)
	e.statsMu.Unlock()
	return nil
}

// Flush implements VideoEncoder. libmedia_h264 runs x264 without lookahead,
// so nothing is held back.
func (e *H264Encoder) Flush(*EncodedFrame) (bool, error) { return false, nil }

// SetBitrate updates the target bitrate.
func (e *H264Encoder) SetBitrate(bitrateBps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return ErrClosed
	}
	if mediaH264EncoderSetBitrate(e.handle, int32(bitrateBps/1000)) != 0 {
		return fmt.Errorf("%w: set bitrate: %s", ErrEncode, getH264Error())
	}
	e.config.BitrateBps = bitrateBps
	return nil
}

// Stats implements VideoEncoder.
func (e *H264Encoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close implements VideoEncoder.
func (e *H264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	registerNativeLibrary(h264Library)
	registerVideoEncoder(VideoCodecH264, ProviderX264, func(c VideoEncoderConfig) (VideoEncoder, error) {
		return NewH264Encoder(c)
	})
}
