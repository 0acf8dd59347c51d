package capture

import "fmt"

// TextureReader copies a GPU texture into host memory. It runs on the
// producer goroutine before the pixels enter the pipeline, and is where a
// graphics backend swaps channels into RGBA order if its surfaces differ.
// dst has room for format.FrameSize(width, height) bytes.
type TextureReader interface {
	ReadTexture(dst []byte, tex uintptr, width, height int, format PixelFormat) error
}

// TextureReaderFunc adapts a function to TextureReader.
type TextureReaderFunc func(dst []byte, tex uintptr, width, height int, format PixelFormat) error

func (f TextureReaderFunc) ReadTexture(dst []byte, tex uintptr, width, height int, format PixelFormat) error {
	return f(dst, tex, width, height, format)
}

// readbackBuffer reads textures into reusable producer-side storage.
type readbackBuffer struct {
	reader TextureReader
	buf    []byte
}

func (r *readbackBuffer) read(tex uintptr, width, height int, format PixelFormat) ([]byte, error) {
	if r.reader == nil {
		return nil, fmt.Errorf("%w: no texture reader configured", ErrResource)
	}
	if !format.Valid() || format.Planar() {
		return nil, fmt.Errorf("%w: texture format %s", ErrConversion, format)
	}
	n := format.FrameSize(width, height)
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	r.buf = r.buf[:n]
	if err := r.reader.ReadTexture(r.buf, tex, width, height, format); err != nil {
		return nil, fmt.Errorf("%w: texture readback: %v", ErrResource, err)
	}
	return r.buf, nil
}
