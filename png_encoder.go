package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"sync"
)

// PNGDepth selects the bit depth of PNG output.
type PNGDepth int

const (
	PNGDepthAuto PNGDepth = iota // 8-bit for u8 sources, 16-bit otherwise
	PNGDepth8
	PNGDepth16
)

func (d PNGDepth) String() string {
	switch d {
	case PNGDepth8:
		return "8"
	case PNGDepth16:
		return "16"
	default:
		return "auto"
	}
}

// UnmarshalText parses "auto", "8" or "16".
func (d *PNGDepth) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "auto", "":
		*d = PNGDepthAuto
	case "8", "uint8":
		*d = PNGDepth8
	case "16", "uint16":
		*d = PNGDepth16
	default:
		return fmt.Errorf("%w: png depth %q", ErrInvalidConfig, text)
	}
	return nil
}

type pngBufferPool struct{ pool sync.Pool }

func (p *pngBufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *pngBufferPool) Put(b *png.EncoderBuffer) { p.pool.Put(b) }

// PNGEncoder is a pure Go still-image encoder. Each frame becomes one
// self-contained PNG packet, so calls may run concurrently.
type PNGEncoder struct {
	config VideoEncoderConfig
	enc    png.Encoder
	bufs   sync.Pool

	stats   EncoderStats
	statsMu sync.Mutex
}

// NewPNGEncoder creates a PNG encoder.
func NewPNGEncoder(config VideoEncoderConfig) (*PNGEncoder, error) {
	e := &PNGEncoder{config: config}
	e.enc.CompressionLevel = png.DefaultCompression
	e.enc.BufferPool = &pngBufferPool{}
	e.bufs.New = func() any { return new(bytes.Buffer) }
	return e, nil
}

func (e *PNGEncoder) Info() string {
	return fmt.Sprintf("png (software, depth %s)", e.config.PNGDepth)
}

func (e *PNGEncoder) Codec() VideoCodec   { return VideoCodecPNG }
func (e *PNGEncoder) Provider() Provider  { return ProviderSoftware }
func (e *PNGEncoder) Stateless() bool     { return true }
func (e *PNGEncoder) Close() error        { return nil }
func (e *PNGEncoder) Stats() EncoderStats { e.statsMu.Lock(); defer e.statsMu.Unlock(); return e.stats }

// InputFormat keeps the channel count and picks u8 or f32 by depth.
func (e *PNGEncoder) InputFormat(src PixelFormat) PixelFormat {
	channels := src.Channels()
	if src.Planar() {
		channels = 3
	}
	switch e.config.PNGDepth {
	case PNGDepth8:
		return MakePixelFormat(PixelTypeU8, channels)
	case PNGDepth16:
		return MakePixelFormat(PixelTypeF32, channels)
	}
	if src.Type() == PixelTypeU8 {
		return MakePixelFormat(PixelTypeU8, channels)
	}
	return MakePixelFormat(PixelTypeF32, channels)
}

// Encode writes frame as one PNG image.
func (e *PNGEncoder) Encode(dst *EncodedFrame, frame *Frame, _ bool) error {
	img, err := pngImage(frame)
	if err != nil {
		return err
	}
	buf := e.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.bufs.Put(buf)

	if err := e.enc.Encode(buf, img); err != nil {
		return fmt.Errorf("%w: png: %v", ErrEncode, err)
	}
	dst.Append(buf.Bytes(), PacketInfo{
		Timestamp: frame.Timestamp,
		Duration:  frame.Duration,
		Keyframe:  true,
	})

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.stats.KeyframesEncoded++
	e.stats.BytesEncoded += uint64(buf.Len())
	e.statsMu.Unlock()
	return nil
}

// Flush implements VideoEncoder. PNG has no delayed output.
func (e *PNGEncoder) Flush(*EncodedFrame) (bool, error) { return false, nil }

// pngImage wraps a u8 or f32 raster of 1-4 channels as an image.Image.
func pngImage(f *Frame) (image.Image, error) {
	w, h, c := f.Width, f.Height, f.Format.Channels()
	rect := image.Rect(0, 0, w, h)

	switch f.Format.Type() {
	case PixelTypeU8:
		if c == 1 {
			return &image.Gray{Pix: f.Data[:w*h], Stride: w, Rect: rect}, nil
		}
		if c == 4 {
			return &image.NRGBA{Pix: f.Data[:w*h*4], Stride: w * 4, Rect: rect}, nil
		}
		img := image.NewNRGBA(rect)
		for i := 0; i < w*h; i++ {
			px := f.Data[i*c : i*c+c]
			img.Pix[i*4+3] = 255
			if c == 2 {
				img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = px[0], px[0], px[0], px[1]
				continue
			}
			copy(img.Pix[i*4:], px[:3])
		}
		return img, nil

	case PixelTypeF32:
		to16 := func(i int) uint16 {
			v := math.Float32frombits(binary.LittleEndian.Uint32(f.Data[i*4:]))
			return uint16(math.Round(clamp(float64(v), 0, 1) * 65535))
		}
		if c == 1 {
			img := image.NewGray16(rect)
			for i := 0; i < w*h; i++ {
				img.SetGray16(i%w, i/w, color.Gray16{Y: to16(i)})
			}
			return img, nil
		}
		img := image.NewNRGBA64(rect)
		for i := 0; i < w*h; i++ {
			px := color.NRGBA64{A: 65535}
			switch c {
			case 2:
				g := to16(i * 2)
				px.R, px.G, px.B, px.A = g, g, g, to16(i*2+1)
			case 3:
				px.R, px.G, px.B = to16(i*3), to16(i*3+1), to16(i*3+2)
			case 4:
				px.R, px.G, px.B, px.A = to16(i*4), to16(i*4+1), to16(i*4+2), to16(i*4+3)
			}
			img.SetNRGBA64(i%w, i/w, px)
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: png input %s", ErrConversion, f.Format)
}

func init() {
	registerVideoEncoder(VideoCodecPNG, ProviderSoftware, func(c VideoEncoderConfig) (VideoEncoder, error) {
		return NewPNGEncoder(c)
	})
}
