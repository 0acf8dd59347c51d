package capture

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// PNGContext exports single frames as PNG files in the background.
type PNGContext struct {
	imageCounters

	enc      *PNGEncoder
	sched    *TaskScheduler
	pool     *BufferPool[byte]
	convPool *BufferPool[byte]
	log      logrus.FieldLogger

	// Create opens the output file. Defaults to CreateFileSink.
	Create func(path string) (SinkCloser, error)

	mu       sync.Mutex
	readback readbackBuffer
	closed   bool
}

// NewPNGContext creates a PNG exporter. cfg.PNGDepth selects the bit depth.
func NewPNGContext(cfg ImageConfig) (*PNGContext, error) {
	enc, err := NewPNGEncoder(VideoEncoderConfig{Codec: VideoCodecPNG, PNGDepth: cfg.PNGDepth})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResource, err)
	}
	log := loggerOr(cfg.Log).WithField("context", "png")
	return &PNGContext{
		enc:      enc,
		sched:    NewTaskScheduler(cfg.MaxTasks, log),
		pool:     NewBufferPool[byte](0),
		convPool: NewBufferPool[byte](0),
		log:      log,
		Create:   func(path string) (SinkCloser, error) { return CreateFileSink(path) },
		readback: readbackBuffer{reader: cfg.TextureReader},
	}, nil
}

// ExportPixels copies a tightly packed raster and schedules its encode and
// write to path. It blocks only while MaxTasks exports are running.
func (c *PNGContext) ExportPixels(path string, pixels []byte, width, height int, format PixelFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.export(path, pixels, width, height, format)
}

// ExportTexture reads a GPU texture through the configured TextureReader and
// exports it like ExportPixels.
func (c *PNGContext) ExportTexture(path string, tex uintptr, width, height int, format PixelFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidConfig, width, height)
	}
	pixels, err := c.readback.read(tex, width, height, format)
	if err != nil {
		return err
	}
	return c.export(path, pixels, width, height, format)
}

func (c *PNGContext) export(path string, pixels []byte, width, height int, format PixelFormat) error {
	if c.closed {
		return ErrClosed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidConfig, width, height)
	}
	dstFmt := c.enc.InputFormat(format)
	if err := CheckConversion(format, dstFmt); err != nil {
		return err
	}
	size := format.FrameSize(width, height)
	if len(pixels) < size {
		return fmt.Errorf("%w: %d bytes for a %dx%d %s image", ErrBufferTooSmall, len(pixels), width, height, format)
	}

	return c.sched.Dispatch(func() (func() error, error) {
		buf := c.pool.Acquire()
		copy(buf.Resize(size), pixels)
		c.conversions.Add(1)
		c.frames.Add(1)
		return func() error {
			defer buf.Release()
			err := c.encode(path, &Frame{Data: buf.Data, Width: width, Height: height, Format: format}, dstFmt)
			if err != nil {
				c.failed.Add(1)
				return err
			}
			c.written.Add(1)
			return nil
		}, nil
	})
}

func (c *PNGContext) encode(path string, frame *Frame, dstFmt PixelFormat) error {
	if frame.Format != dstFmt {
		conv := c.convPool.Acquire()
		defer conv.Release()
		data := conv.Resize(dstFmt.FrameSize(frame.Width, frame.Height))
		if err := ConvertPixels(data, dstFmt, frame.Data, frame.Format, frame.Width, frame.Height); err != nil {
			return err
		}
		frame.Data, frame.Format = data, dstFmt
	}
	var out EncodedFrame
	if err := c.enc.Encode(&out, frame, true); err != nil {
		return err
	}
	return writeImageFile(c.Create, path, func(s Sink) error {
		_, err := s.Write(out.Data)
		return err
	})
}

// Close waits for every scheduled export.
func (c *PNGContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.sched.Wait()
	return c.enc.Close()
}

// Stats returns a snapshot of the context.
func (c *PNGContext) Stats() ImageStats {
	return ImageStats{
		Frames:      c.frames.Load(),
		Written:     c.written.Load(),
		Failed:      c.failed.Load(),
		Conversions: c.conversions.Load(),
		Scheduler:   c.sched.Stats(),
		Buffers:     c.pool.Stats(),
	}
}
