package capture

import (
	"fmt"
	"strings"
)

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecPNG
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecPNG:
		return "PNG"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecPNG:
		return "image/png"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecH264:
		return 102
	default:
		return 96
	}
}

// UnmarshalText parses a codec name such as "h264".
func (c *VideoCodec) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "h264", "avc":
		*c = VideoCodecH264
	case "png":
		*c = VideoCodecPNG
	case "", "none":
		*c = VideoCodecUnknown
	default:
		return fmt.Errorf("%w: video codec %q", ErrInvalidConfig, text)
	}
	return nil
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecOpus
	AudioCodecPCM
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecOpus:
		return "Opus"
	case AudioCodecPCM:
		return "PCM"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecOpus:
		return "audio/opus"
	case AudioCodecPCM:
		return "audio/L16"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c AudioCodec) ClockRate() uint32 {
	return 48000
}

// DefaultPayloadType returns a typical payload type for this codec.
func (c AudioCodec) DefaultPayloadType() uint8 {
	switch c {
	case AudioCodecOpus:
		return 111
	default:
		return 97
	}
}

// UnmarshalText parses a codec name such as "opus".
func (c *AudioCodec) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "opus":
		*c = AudioCodecOpus
	case "pcm", "wav":
		*c = AudioCodecPCM
	case "", "none":
		*c = AudioCodecUnknown
	default:
		return fmt.Errorf("%w: audio codec %q", ErrInvalidConfig, text)
	}
	return nil
}

// RateControlMode defines the encoder rate control mode.
type RateControlMode int

const (
	RateControlVBR RateControlMode = iota // Variable bitrate
	RateControlCBR                        // Constant bitrate
)

func (r RateControlMode) String() string {
	switch r {
	case RateControlVBR:
		return "VBR"
	case RateControlCBR:
		return "CBR"
	default:
		return "Unknown"
	}
}

// UnmarshalText parses "cbr" or "vbr".
func (r *RateControlMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "vbr", "":
		*r = RateControlVBR
	case "cbr":
		*r = RateControlCBR
	default:
		return fmt.Errorf("%w: bitrate mode %q", ErrInvalidConfig, text)
	}
	return nil
}

// H264Profile defines H.264 encoding profiles.
type H264Profile int

const (
	H264ProfileBaseline H264Profile = iota
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// UnmarshalText parses "baseline", "main" or "high".
func (p *H264Profile) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "baseline", "":
		*p = H264ProfileBaseline
	case "main":
		*p = H264ProfileMain
	case "high":
		*p = H264ProfileHigh
	default:
		return fmt.Errorf("%w: h264 profile %q", ErrInvalidConfig, text)
	}
	return nil
}

// PixelPolicy selects the stored pixel type for image exporters.
type PixelPolicy int

const (
	// PixelAuto keeps float and 32-bit sources, widens u8 to half and i16
	// to float: the smallest type that holds the source without loss.
	PixelAuto PixelPolicy = iota
	PixelHalf
	PixelFloat
	PixelInt
)

func (p PixelPolicy) String() string {
	switch p {
	case PixelAuto:
		return "auto"
	case PixelHalf:
		return "half"
	case PixelFloat:
		return "float"
	case PixelInt:
		return "int"
	default:
		return "unknown"
	}
}

// UnmarshalText parses a policy name.
func (p *PixelPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "auto", "":
		*p = PixelAuto
	case "half":
		*p = PixelHalf
	case "float":
		*p = PixelFloat
	case "int":
		*p = PixelInt
	default:
		return fmt.Errorf("%w: pixel policy %q", ErrInvalidConfig, text)
	}
	return nil
}

// Resolve returns the stored pixel type for a source type.
func (p PixelPolicy) Resolve(src PixelType) PixelType {
	switch p {
	case PixelHalf:
		return PixelTypeF16
	case PixelFloat:
		return PixelTypeF32
	case PixelInt:
		return PixelTypeI32
	}
	switch src {
	case PixelTypeU8:
		return PixelTypeF16
	case PixelTypeI16:
		return PixelTypeF32
	default:
		return src
	}
}
