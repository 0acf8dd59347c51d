package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// ExrCompression selects the OpenEXR scanline compression.
type ExrCompression int

const (
	ExrCompressionZIP  ExrCompression = iota // zlib, 16 scanlines per chunk
	ExrCompressionZIPS                       // zlib, one scanline per chunk
	ExrCompressionNone
)

func (c ExrCompression) String() string {
	switch c {
	case ExrCompressionZIP:
		return "zip"
	case ExrCompressionZIPS:
		return "zips"
	case ExrCompressionNone:
		return "none"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "none", "zips" or "zip".
func (c *ExrCompression) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "zip", "":
		*c = ExrCompressionZIP
	case "zips":
		*c = ExrCompressionZIPS
	case "none":
		*c = ExrCompressionNone
	default:
		return fmt.Errorf("%w: exr compression %q", ErrInvalidConfig, text)
	}
	return nil
}

// code returns the compression id stored in the file header.
func (c ExrCompression) code() byte {
	switch c {
	case ExrCompressionZIPS:
		return 2
	case ExrCompressionZIP:
		return 3
	default:
		return 0
	}
}

func (c ExrCompression) linesPerChunk() int {
	if c == ExrCompressionZIP {
		return 16
	}
	return 1
}

// ImageLayer is one named channel of a layered image, read out of an
// interleaved raster.
type ImageLayer struct {
	Name string
	Type PixelType // f16, f32 or i32

	// Data is an interleaved raster; the layer's value for pixel i starts at
	// i*PixelStride + Offset.
	Data        []byte
	PixelStride int
	Offset      int
}

// LayeredImage is a frame of named single-channel layers sharing one size.
type LayeredImage struct {
	Width  int
	Height int
	Layers []ImageLayer
}

// LayerWriter serializes a layered image.
type LayerWriter interface {
	WriteLayers(w io.Writer, img *LayeredImage) error
}

// ExrWriter writes single-part scanline OpenEXR files.
type ExrWriter struct {
	Compression ExrCompression

	zw *zlib.Writer
}

var exrMagic = []byte{0x76, 0x2f, 0x31, 0x01}

func exrPixelType(t PixelType) (int32, error) {
	switch t {
	case PixelTypeI32:
		return 0, nil // UINT
	case PixelTypeF16:
		return 1, nil
	case PixelTypeF32:
		return 2, nil
	}
	return 0, fmt.Errorf("%w: exr cannot store %s", ErrConversion, t)
}

// WriteLayers writes img. Layers are stored sorted by name. An ExrWriter is
// not safe for concurrent use.
func (e *ExrWriter) WriteLayers(w io.Writer, img *LayeredImage) error {
	if img.Width <= 0 || img.Height <= 0 || len(img.Layers) == 0 {
		return fmt.Errorf("%w: empty exr image", ErrInvalidConfig)
	}
	layers := slices.Clone(img.Layers)
	slices.SortFunc(layers, func(a, b ImageLayer) int { return strings.Compare(a.Name, b.Name) })
	for _, l := range layers {
		size := l.Type.Size()
		if _, err := exrPixelType(l.Type); err != nil {
			return err
		}
		if need := (img.Width*img.Height-1)*l.PixelStride + l.Offset + size; len(l.Data) < need {
			return fmt.Errorf("%w: layer %q has %d bytes, need %d", ErrBufferTooSmall, l.Name, len(l.Data), need)
		}
	}

	header := e.header(img.Width, img.Height, layers)
	lines := e.Compression.linesPerChunk()
	chunkCount := (img.Height + lines - 1) / lines

	var chunks bytes.Buffer
	offsets := make([]uint64, chunkCount)
	base := uint64(len(header) + 8*chunkCount)
	var raw []byte
	for i := range chunkCount {
		y0 := i * lines
		y1 := min(y0+lines, img.Height)
		raw = appendScanlines(raw[:0], img.Width, y0, y1, layers)
		data, err := e.compress(raw)
		if err != nil {
			return err
		}
		offsets[i] = base + uint64(chunks.Len())
		binary.Write(&chunks, binary.LittleEndian, int32(y0))
		binary.Write(&chunks, binary.LittleEndian, int32(len(data)))
		chunks.Write(data)
	}

	table := make([]byte, 8*chunkCount)
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(table[i*8:], off)
	}
	for _, b := range [][]byte{header, table, chunks.Bytes()} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (e *ExrWriter) header(width, height int, layers []ImageLayer) []byte {
	var h []byte
	attr := func(name, typ string, value []byte) {
		h = append(h, name...)
		h = append(h, 0)
		h = append(h, typ...)
		h = append(h, 0)
		h = binary.LittleEndian.AppendUint32(h, uint32(len(value)))
		h = append(h, value...)
	}

	h = append(h, exrMagic...)
	h = append(h, 2, 0, 0, 0)

	var chlist []byte
	for _, l := range layers {
		pt, _ := exrPixelType(l.Type)
		chlist = append(chlist, l.Name...)
		chlist = append(chlist, 0)
		chlist = binary.LittleEndian.AppendUint32(chlist, uint32(pt))
		chlist = append(chlist, 0, 0, 0, 0) // pLinear + reserved
		chlist = binary.LittleEndian.AppendUint32(chlist, 1)
		chlist = binary.LittleEndian.AppendUint32(chlist, 1)
	}
	chlist = append(chlist, 0)
	attr("channels", "chlist", chlist)
	attr("compression", "compression", []byte{e.Compression.code()})

	box := binary.LittleEndian.AppendUint32(make([]byte, 8), uint32(width-1))
	box = binary.LittleEndian.AppendUint32(box, uint32(height-1))
	attr("dataWindow", "box2i", box)
	attr("displayWindow", "box2i", box)
	attr("lineOrder", "lineOrder", []byte{0})
	attr("pixelAspectRatio", "float", binary.LittleEndian.AppendUint32(nil, math.Float32bits(1)))
	attr("screenWindowCenter", "v2f", make([]byte, 8))
	attr("screenWindowWidth", "float", binary.LittleEndian.AppendUint32(nil, math.Float32bits(1)))
	return append(h, 0)
}

// appendScanlines lays out rows y0..y1 the way OpenEXR stores them: per row,
// each channel's values for the whole row.
func appendScanlines(dst []byte, width, y0, y1 int, layers []ImageLayer) []byte {
	for y := y0; y < y1; y++ {
		for _, l := range layers {
			size := l.Type.Size()
			for x := 0; x < width; x++ {
				off := (y*width+x)*l.PixelStride + l.Offset
				dst = append(dst, l.Data[off:off+size]...)
			}
		}
	}
	return dst
}

// compress applies the ZIP predictor and zlib. Chunks that do not shrink
// are stored raw, which readers detect by size.
func (e *ExrWriter) compress(raw []byte) ([]byte, error) {
	if e.Compression == ExrCompressionNone {
		return raw, nil
	}

	tmp := make([]byte, len(raw))
	half := (len(raw) + 1) / 2
	for i, b := range raw {
		if i%2 == 0 {
			tmp[i/2] = b
		} else {
			tmp[half+i/2] = b
		}
	}
	for i := len(tmp) - 1; i > 0; i-- {
		tmp[i] = tmp[i] - tmp[i-1] + 128
	}

	var out bytes.Buffer
	if e.zw == nil {
		zw, err := zlib.NewWriterLevel(&out, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		e.zw = zw
	} else {
		e.zw.Reset(&out)
	}
	if _, err := e.zw.Write(tmp); err != nil {
		return nil, err
	}
	if err := e.zw.Close(); err != nil {
		return nil, err
	}
	if out.Len() >= len(raw) {
		return raw, nil
	}
	return out.Bytes(), nil
}
