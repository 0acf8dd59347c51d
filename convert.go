package capture

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Lookup tables for the u8 widening fast paths.
var (
	u8ToHalf  [256]uint16
	u8ToFloat [256]uint32
)

func init() {
	for i := range u8ToHalf {
		v := float32(i) / 255
		u8ToHalf[i] = float16.Fromfloat32(v).Bits()
		u8ToFloat[i] = math.Float32bits(v)
	}
}

// CheckConversion reports whether ConvertPixels supports srcFmt -> dstFmt.
func CheckConversion(srcFmt, dstFmt PixelFormat) error {
	switch {
	case !srcFmt.Valid() || !dstFmt.Valid():
		return fmt.Errorf("%w: %s -> %s", ErrConversion, srcFmt, dstFmt)
	case srcFmt == dstFmt:
		return nil
	case srcFmt.Planar():
		return fmt.Errorf("%w: planar source %s", ErrConversion, srcFmt)
	case dstFmt.Planar():
		return checkYUVSource(srcFmt)
	case srcFmt.Channels() != dstFmt.Channels():
		return fmt.Errorf("%w: %d -> %d channels", ErrConversion, srcFmt.Channels(), dstFmt.Channels())
	}
	return nil
}

// ConvertPixels converts a tightly packed width x height raster from srcFmt to
// dstFmt. Equal formats are copied. Interleaved formats must have the same
// channel count; channel order is never changed. Planar destinations (I420,
// NV12) accept 3 or 4 channel sources.
func ConvertPixels(dst []byte, dstFmt PixelFormat, src []byte, srcFmt PixelFormat, width, height int) error {
	if err := CheckConversion(srcFmt, dstFmt); err != nil {
		return err
	}
	srcSize := srcFmt.FrameSize(width, height)
	dstSize := dstFmt.FrameSize(width, height)
	if len(src) < srcSize {
		return fmt.Errorf("%w: source has %d bytes, need %d", ErrBufferTooSmall, len(src), srcSize)
	}
	if len(dst) < dstSize {
		return fmt.Errorf("%w: destination has %d bytes, need %d", ErrBufferTooSmall, len(dst), dstSize)
	}

	switch {
	case srcFmt == dstFmt:
		copy(dst[:dstSize], src[:srcSize])
		return nil
	case dstFmt == PixelFormatI420:
		return ToI420(dst, src, srcFmt, width, height)
	case dstFmt == PixelFormatNV12:
		return ToNV12(dst, src, srcFmt, width, height)
	}

	n := width * height * srcFmt.Channels()
	st, dt := srcFmt.Type(), dstFmt.Type()
	switch {
	case st == PixelTypeU8 && dt == PixelTypeF16:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(dst[i*2:], u8ToHalf[src[i]])
		}
	case st == PixelTypeU8 && dt == PixelTypeF32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], u8ToFloat[src[i]])
		}
	default:
		ss, ds := st.Size(), dt.Size()
		for i := 0; i < n; i++ {
			writeChannel(dst[i*ds:], dt, readChannel(src[i*ss:], st))
		}
	}
	return nil
}

// readChannel decodes one channel into the normalized float domain.
func readChannel(b []byte, t PixelType) float64 {
	switch t {
	case PixelTypeU8:
		return float64(b[0]) / 255
	case PixelTypeI16:
		return float64(int16(binary.LittleEndian.Uint16(b))) / math.MaxInt16
	case PixelTypeI32:
		return float64(int32(binary.LittleEndian.Uint32(b))) / math.MaxInt32
	case PixelTypeF16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case PixelTypeF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

// writeChannel encodes a normalized value. Integer targets are clamped.
func writeChannel(b []byte, t PixelType, v float64) {
	switch t {
	case PixelTypeU8:
		b[0] = uint8(math.Round(clamp(v, 0, 1) * 255))
	case PixelTypeI16:
		binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(clamp(v, -1, 1)*math.MaxInt16))))
	case PixelTypeI32:
		binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(clamp(v, -1, 1)*math.MaxInt32))))
	case PixelTypeF16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case PixelTypeF32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rgbAt returns the 8-bit RGB value of pixel (x, y).
func rgbAt(src []byte, f PixelFormat, width, x, y int) (r, g, b int) {
	ps := f.PixelSize()
	off := (y*width + x) * ps
	if f.Type() == PixelTypeU8 {
		return int(src[off]), int(src[off+1]), int(src[off+2])
	}
	cs := f.Type().Size()
	to8 := func(v float64) int { return int(math.Round(clamp(v, 0, 1) * 255)) }
	return to8(readChannel(src[off:], f.Type())),
		to8(readChannel(src[off+cs:], f.Type())),
		to8(readChannel(src[off+2*cs:], f.Type()))
}

// BT.601 limited range.
func rgbToY(r, g, b int) byte { return byte(((66*r + 129*g + 25*b + 128) >> 8) + 16) }
func rgbToU(r, g, b int) byte { return byte(((-38*r - 74*g + 112*b + 128) >> 8) + 128) }
func rgbToV(r, g, b int) byte { return byte(((112*r - 94*g - 18*b + 128) >> 8) + 128) }

// chromaAt averages the 2x2 block whose top-left corner is (x, y). Samples
// past the right or bottom edge repeat the last row or column.
func chromaAt(src []byte, f PixelFormat, width, height, x, y int) (u, v byte) {
	x1, y1 := min(x+1, width-1), min(y+1, height-1)
	var sr, sg, sb int
	for _, p := range [4][2]int{{x, y}, {x1, y}, {x, y1}, {x1, y1}} {
		r, g, b := rgbAt(src, f, width, p[0], p[1])
		sr += r
		sg += g
		sb += b
	}
	r, g, b := (sr+2)/4, (sg+2)/4, (sb+2)/4
	return rgbToU(r, g, b), rgbToV(r, g, b)
}

func checkYUVSource(srcFmt PixelFormat) error {
	if srcFmt.Planar() || srcFmt.Channels() < 3 {
		return fmt.Errorf("%w: %s -> YUV 4:2:0", ErrConversion, srcFmt)
	}
	return nil
}

// ToI420 converts a 3 or 4 channel raster to planar YUV 4:2:0. Chroma is the
// rounded average of each 2x2 block.
func ToI420(dst, src []byte, srcFmt PixelFormat, width, height int) error {
	if err := checkYUVSource(srcFmt); err != nil {
		return err
	}
	cw, ch := (width+1)/2, (height+1)/2
	yPlane := dst[:width*height]
	uPlane := dst[width*height : width*height+cw*ch]
	vPlane := dst[width*height+cw*ch : width*height+2*cw*ch]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b := rgbAt(src, srcFmt, width, x, y)
			yPlane[y*width+x] = rgbToY(r, g, b)
		}
	}
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			u, v := chromaAt(src, srcFmt, width, height, cx*2, cy*2)
			uPlane[cy*cw+cx] = u
			vPlane[cy*cw+cx] = v
		}
	}
	return nil
}

// ToNV12 converts a 3 or 4 channel raster to semi-planar YUV 4:2:0.
func ToNV12(dst, src []byte, srcFmt PixelFormat, width, height int) error {
	if err := checkYUVSource(srcFmt); err != nil {
		return err
	}
	cw, ch := (width+1)/2, (height+1)/2
	yPlane := dst[:width*height]
	uv := dst[width*height : width*height+2*cw*ch]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b := rgbAt(src, srcFmt, width, x, y)
			yPlane[y*width+x] = rgbToY(r, g, b)
		}
	}
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			u, v := chromaAt(src, srcFmt, width, height, cx*2, cy*2)
			uv[(cy*cw+cx)*2] = u
			uv[(cy*cw+cx)*2+1] = v
		}
	}
	return nil
}

// PackRows copies height rows of rowBytes each from a pitched source into a
// tightly packed destination.
func PackRows(dst, src []byte, rowBytes, pitch, height int) error {
	if pitch < rowBytes {
		return fmt.Errorf("%w: pitch %d < row %d", ErrBufferTooSmall, pitch, rowBytes)
	}
	if len(dst) < rowBytes*height || len(src) < pitch*(height-1)+rowBytes {
		return ErrBufferTooSmall
	}
	if pitch == rowBytes {
		copy(dst, src[:rowBytes*height])
		return nil
	}
	for y := 0; y < height; y++ {
		copy(dst[y*rowBytes:(y+1)*rowBytes], src[y*pitch:])
	}
	return nil
}

// ConvertSamples converts interleaved float samples in [-1,1] to dstFmt.
// Integer targets are clamped.
func ConvertSamples(dst []byte, dstFmt SampleFormat, src []float32) error {
	bps := dstFmt.BytesPerSample()
	if bps == 0 {
		return fmt.Errorf("%w: sample format %s", ErrConversion, dstFmt)
	}
	if len(dst) < len(src)*bps {
		return fmt.Errorf("%w: destination has %d bytes, need %d", ErrBufferTooSmall, len(dst), len(src)*bps)
	}
	switch dstFmt {
	case SampleFormatF32:
		for i, s := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
		}
	case SampleFormatS16:
		for i, s := range src {
			v := int16(math.Round(clamp(float64(s), -1, 1) * math.MaxInt16))
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
		}
	case SampleFormatS24:
		const max24 = 1<<23 - 1
		for i, s := range src {
			v := int32(math.Round(clamp(float64(s), -1, 1) * max24))
			dst[i*3] = byte(v)
			dst[i*3+1] = byte(v >> 8)
			dst[i*3+2] = byte(v >> 16)
		}
	case SampleFormatS32:
		for i, s := range src {
			v := int32(math.Round(clamp(float64(s), -1, 1) * math.MaxInt32))
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(v))
		}
	}
	return nil
}
