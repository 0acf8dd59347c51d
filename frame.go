// Core frame, sample and packet types used across the capture package.
package capture

import (
	"fmt"
	"time"
)

// PixelType is the storage type of one channel of a pixel.
type PixelType int

const (
	PixelTypeUnknown PixelType = iota
	PixelTypeF16               // IEEE 754 half float
	PixelTypeF32               // IEEE 754 float
	PixelTypeU8                // unsigned 8-bit, normalized to [0,1]
	PixelTypeI16               // signed 16-bit, normalized to [-1,1]
	PixelTypeI32               // signed 32-bit, normalized to [-1,1]
)

func (t PixelType) String() string {
	switch t {
	case PixelTypeF16:
		return "f16"
	case PixelTypeF32:
		return "f32"
	case PixelTypeU8:
		return "u8"
	case PixelTypeI16:
		return "i16"
	case PixelTypeI32:
		return "i32"
	default:
		return "unknown"
	}
}

// Size returns the number of bytes per channel.
func (t PixelType) Size() int {
	switch t {
	case PixelTypeU8:
		return 1
	case PixelTypeF16, PixelTypeI16:
		return 2
	case PixelTypeF32, PixelTypeI32:
		return 4
	default:
		return 0
	}
}

// PixelFormat packs a channel type and a channel count as type<<4 | channels.
// The planar encoder formats I420 and NV12 live outside that grid.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = 0

	PixelFormatR8    = PixelFormat(int(PixelTypeU8)<<4 | 1)
	PixelFormatRG8   = PixelFormat(int(PixelTypeU8)<<4 | 2)
	PixelFormatRGB8  = PixelFormat(int(PixelTypeU8)<<4 | 3)
	PixelFormatRGBA8 = PixelFormat(int(PixelTypeU8)<<4 | 4)

	PixelFormatRGBAi16 = PixelFormat(int(PixelTypeI16)<<4 | 4)
	PixelFormatRGBAi32 = PixelFormat(int(PixelTypeI32)<<4 | 4)

	PixelFormatRHalf    = PixelFormat(int(PixelTypeF16)<<4 | 1)
	PixelFormatRGBHalf  = PixelFormat(int(PixelTypeF16)<<4 | 3)
	PixelFormatRGBAHalf = PixelFormat(int(PixelTypeF16)<<4 | 4)

	PixelFormatRFloat    = PixelFormat(int(PixelTypeF32)<<4 | 1)
	PixelFormatRGBFloat  = PixelFormat(int(PixelTypeF32)<<4 | 3)
	PixelFormatRGBAFloat = PixelFormat(int(PixelTypeF32)<<4 | 4)

	PixelFormatI420 PixelFormat = 0x10 << 4 // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12 PixelFormat = 0x11 << 4 // YUV 4:2:0 semi-planar (Y + interleaved UV)
)

// MakePixelFormat builds an interleaved format from a type and channel count.
func MakePixelFormat(t PixelType, channels int) PixelFormat {
	return PixelFormat(int(t)<<4 | channels)
}

// Type returns the channel storage type. Planar formats report u8.
func (p PixelFormat) Type() PixelType {
	if p.Planar() {
		return PixelTypeU8
	}
	return PixelType(int(p) >> 4)
}

// Channels returns the channel count of an interleaved format.
func (p PixelFormat) Channels() int {
	if p.Planar() {
		return 3
	}
	return int(p) & 0x0F
}

// Planar reports whether the format is one of the YUV 4:2:0 encoder formats.
func (p PixelFormat) Planar() bool {
	return p == PixelFormatI420 || p == PixelFormatNV12
}

// Valid reports whether the format is part of the supported set.
func (p PixelFormat) Valid() bool {
	if p.Planar() {
		return true
	}
	c := p.Channels()
	return c >= 1 && c <= 4 && p.Type().Size() > 0
}

// PixelSize returns the number of bytes per pixel of an interleaved format.
func (p PixelFormat) PixelSize() int {
	if p.Planar() {
		return 0
	}
	return p.Type().Size() * p.Channels()
}

// FrameSize returns the tightly packed buffer size for width x height.
func (p PixelFormat) FrameSize(width, height int) int {
	switch p {
	case PixelFormatI420, PixelFormatNV12:
		return I420Size(width, height)
	default:
		return p.PixelSize() * width * height
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	default:
		return 1
	}
}

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	}
	if !p.Valid() {
		return "Unknown"
	}
	return fmt.Sprintf("%s%dx", p.Type(), p.Channels())
}

// I420Size returns the total buffer size needed for an I420 or NV12 frame.
// Odd dimensions round the chroma planes up.
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + cw*ch*2
}

// SampleFormat is the encoder-side audio sample layout.
type SampleFormat int

const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatF32                  // 32-bit float, little endian
	SampleFormatS16                  // signed 16-bit, little endian
	SampleFormatS24                  // signed 24-bit packed, little endian
	SampleFormatS32                  // signed 32-bit, little endian
)

func (a SampleFormat) String() string {
	switch a {
	case SampleFormatF32:
		return "F32"
	case SampleFormatS16:
		return "S16"
	case SampleFormatS24:
		return "S24"
	case SampleFormatS32:
		return "S32"
	default:
		return "Unknown"
	}
}

// BytesPerSample returns the number of bytes per sample for this format.
func (a SampleFormat) BytesPerSample() int {
	switch a {
	case SampleFormatS16:
		return 2
	case SampleFormatS24:
		return 3
	case SampleFormatF32, SampleFormatS32:
		return 4
	default:
		return 0
	}
}

// BitsPerSample returns the bit depth of the format.
func (a SampleFormat) BitsPerSample() int { return a.BytesPerSample() * 8 }

// SampleFormatForBits maps a bit depth to an integer sample format.
// Zero and 32-bit float requests map to F32 when float is set.
func SampleFormatForBits(bits int, float bool) SampleFormat {
	if float {
		return SampleFormatF32
	}
	switch bits {
	case 16:
		return SampleFormatS16
	case 24:
		return SampleFormatS24
	case 32:
		return SampleFormatS32
	default:
		return SampleFormatUnknown
	}
}

// Frame is a raw video frame. Data holds rows of Pitch bytes; Pitch of zero
// means tightly packed.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Pitch     int
	Format    PixelFormat
	Timestamp time.Duration
	Duration  time.Duration
}

// RowPitch returns the effective row pitch.
func (f *Frame) RowPitch() int {
	if f.Pitch > 0 {
		return f.Pitch
	}
	return f.Width * f.Format.PixelSize()
}

// Clone creates a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	clone := *f
	clone.Data = make([]byte, len(f.Data))
	copy(clone.Data, f.Data)
	return &clone
}

// SampleBlock is an encoder-ready block of interleaved audio samples.
type SampleBlock struct {
	Data       []byte
	Format     SampleFormat
	Channels   int
	SampleRate int
	Timestamp  time.Duration
}

// Samples returns the interleaved sample count (frames x channels).
func (b *SampleBlock) Samples() int {
	bps := b.Format.BytesPerSample()
	if bps == 0 {
		return 0
	}
	return len(b.Data) / bps
}

// Frames returns the number of sample frames in the block.
func (b *SampleBlock) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return b.Samples() / b.Channels
}

// PacketInfo describes one packet inside an EncodedFrame.
type PacketInfo struct {
	Size      int
	Timestamp time.Duration
	Duration  time.Duration
	Keyframe  bool
}

// EncodedFrame collects the packets produced by one encoder call. Packet
// payloads are stored back to back in Data.
type EncodedFrame struct {
	Data    []byte
	Packets []PacketInfo
}

// Append adds one packet.
func (f *EncodedFrame) Append(data []byte, info PacketInfo) {
	info.Size = len(data)
	f.Data = append(f.Data, data...)
	f.Packets = append(f.Packets, info)
}

// Reset empties the frame but keeps its storage.
func (f *EncodedFrame) Reset() {
	f.Data = f.Data[:0]
	f.Packets = f.Packets[:0]
}

// Empty reports whether no packet was produced.
func (f *EncodedFrame) Empty() bool { return len(f.Packets) == 0 }

// EachPacket calls fn for every packet in order and stops at the first error.
func (f *EncodedFrame) EachPacket(fn func(data []byte, info PacketInfo) error) error {
	off := 0
	for _, p := range f.Packets {
		if err := fn(f.Data[off:off+p.Size], p); err != nil {
			return err
		}
		off += p.Size
	}
	return nil
}
