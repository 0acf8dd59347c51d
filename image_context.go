package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// ImageStats is a snapshot of an image context.
type ImageStats struct {
	Frames      uint64 // frames handed to EndFrame or ExportPixels
	Written     uint64
	Failed      uint64
	Conversions uint64 // source rasters converted or copied into pooled buffers

	Scheduler SchedulerStats
	Buffers   PoolStats
}

type imageCounters struct {
	frames      atomic.Uint64
	written     atomic.Uint64
	failed      atomic.Uint64
	conversions atomic.Uint64
}

// writeImageFile creates path through create and lets write fill it.
func writeImageFile(create func(string) (SinkCloser, error), path string, write func(Sink) error) error {
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %w", ErrFatalIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFatalIO, path, err)
	}
	return nil
}

// layeredFrame is the frame between BeginFrame and EndFrame.
type layeredFrame struct {
	path  string
	img   LayeredImage
	bufs  []*Buffer[byte]
	names map[string]bool
}

func (f *layeredFrame) release() {
	for _, b := range f.bufs {
		b.Release()
	}
	f.bufs = nil
}

// LayeredImageContext writes frames made of named single-channel layers,
// such as the R, G, B and A of a render target plus depth, into one file per
// frame. Layers are converted on the producer goroutine; files are written
// by background tasks.
type LayeredImageContext struct {
	imageCounters

	cfg    ImageConfig
	sched  *TaskScheduler
	pool   *BufferPool[byte]
	log    logrus.FieldLogger
	writer func() LayerWriter

	// Create opens the output file for a frame. Defaults to CreateFileSink.
	Create func(path string) (SinkCloser, error)

	mu       sync.Mutex
	frame    *layeredFrame
	readback readbackBuffer
	closed   bool

	// Source of the previous layer, for DedupSources.
	prevKey    any
	prevSrcFmt PixelFormat
	prevBuf    *Buffer[byte]
	prevFmt    PixelFormat
}

// NewLayeredImageContext creates a context writing OpenEXR files.
func NewLayeredImageContext(cfg ImageConfig) *LayeredImageContext {
	log := loggerOr(cfg.Log).WithField("context", "layered")
	compression := cfg.Compression
	return &LayeredImageContext{
		cfg:      cfg,
		sched:    NewTaskScheduler(cfg.MaxTasks, log),
		pool:     NewBufferPool[byte](0),
		log:      log,
		writer:   func() LayerWriter { return &ExrWriter{Compression: compression} },
		Create:   func(path string) (SinkCloser, error) { return CreateFileSink(path) },
		readback: readbackBuffer{reader: cfg.TextureReader},
	}
}

// BeginFrame opens a frame of width x height written to path at EndFrame.
// When MaxTasks writes are already running it waits for them to finish.
func (c *LayeredImageContext) BeginFrame(path string, width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.frame != nil:
		return fmt.Errorf("%w: BeginFrame called twice without EndFrame", ErrSequence)
	case width <= 0 || height <= 0:
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidConfig, width, height)
	}

	if c.sched.InFlight() >= c.sched.Limit() {
		time.Sleep(10 * time.Millisecond)
		if c.sched.InFlight() >= c.sched.Limit() {
			c.sched.Wait()
		}
	}
	c.frame = &layeredFrame{
		path:  path,
		img:   LayeredImage{Width: width, Height: height},
		names: make(map[string]bool),
	}
	return nil
}

// AddLayer adds channel of a tightly packed raster as the layer name.
// pixels is copied before AddLayer returns. With DedupSources, a slice
// passed again within the frame reuses the earlier copy.
func (c *LayeredImageContext) AddLayer(pixels []byte, format PixelFormat, channel int, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLayer(unsafe.SliceData(pixels), format, channel, name, func(w, h int) ([]byte, error) {
		return pixels, nil
	})
}

// AddLayerTexture reads a GPU texture through the configured TextureReader
// and adds it like AddLayer. With DedupSources the texture is read once per
// frame.
func (c *LayeredImageContext) AddLayerTexture(tex uintptr, format PixelFormat, channel int, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLayer(tex, format, channel, name, func(w, h int) ([]byte, error) {
		return c.readback.read(tex, w, h, format)
	})
}

func (c *LayeredImageContext) addLayer(key any, format PixelFormat, channel int, name string, source func(w, h int) ([]byte, error)) error {
	f := c.frame
	switch {
	case f == nil:
		return fmt.Errorf("%w: layer %q added outside BeginFrame/EndFrame", ErrSequence, name)
	case name == "" || f.names[name]:
		return fmt.Errorf("%w: layer name %q is empty or already used", ErrInvalidConfig, name)
	case !format.Valid() || format.Planar():
		return fmt.Errorf("%w: layer format %s", ErrConversion, format)
	case channel < 0 || channel >= format.Channels():
		return fmt.Errorf("%w: channel %d of a %d channel format", ErrInvalidConfig, channel, format.Channels())
	}
	w, h := f.img.Width, f.img.Height

	buf, stored := c.prevBuf, c.prevFmt
	if !c.cfg.DedupSources || buf == nil || key != c.prevKey || format != c.prevSrcFmt {
		stored = MakePixelFormat(c.cfg.Pixels.Resolve(format.Type()), format.Channels())
		if err := CheckConversion(format, stored); err != nil {
			return err
		}
		src, err := source(w, h)
		if err != nil {
			return err
		}
		if len(src) < format.FrameSize(w, h) {
			return fmt.Errorf("%w: %d bytes for a %dx%d %s layer", ErrBufferTooSmall, len(src), w, h, format)
		}
		buf = c.pool.Acquire()
		if err := ConvertPixels(buf.Resize(stored.FrameSize(w, h)), stored, src, format, w, h); err != nil {
			buf.Release()
			return err
		}
		c.conversions.Add(1)
		f.bufs = append(f.bufs, buf)
		c.prevKey, c.prevSrcFmt, c.prevBuf, c.prevFmt = key, format, buf, stored
	}

	f.names[name] = true
	f.img.Layers = append(f.img.Layers, ImageLayer{
		Name:        name,
		Type:        stored.Type(),
		Data:        buf.Data,
		PixelStride: stored.PixelSize(),
		Offset:      channel * stored.Type().Size(),
	})
	return nil
}

// EndFrame closes the frame and schedules its file write. It returns before
// the file is written; write failures are logged and counted.
func (c *LayeredImageContext) EndFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frame
	if f == nil {
		return fmt.Errorf("%w: EndFrame without BeginFrame", ErrSequence)
	}
	c.frame = nil
	c.prevKey, c.prevBuf = nil, nil

	if len(f.img.Layers) == 0 {
		c.log.WithField("path", f.path).Warn("frame has no layers, skipped")
		return nil
	}
	c.frames.Add(1)
	c.sched.Submit(func() error {
		defer f.release()
		err := writeImageFile(c.Create, f.path, func(s Sink) error {
			return c.writer().WriteLayers(s, &f.img)
		})
		if err != nil {
			c.failed.Add(1)
			return err
		}
		c.written.Add(1)
		return nil
	})
	return nil
}

// Close waits for every scheduled write. An open frame is discarded.
func (c *LayeredImageContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.frame != nil {
		c.log.WithField("path", c.frame.path).Warn("discarding frame left open at close")
		c.frame.release()
		c.frame = nil
	}
	c.sched.Wait()
	return nil
}

// Stats returns a snapshot of the context.
func (c *LayeredImageContext) Stats() ImageStats {
	return ImageStats{
		Frames:      c.frames.Load(),
		Written:     c.written.Load(),
		Failed:      c.failed.Load(),
		Conversions: c.conversions.Load(),
		Scheduler:   c.sched.Stats(),
		Buffers:     c.pool.Stats(),
	}
}
