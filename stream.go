package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// StreamStats is a snapshot of one recorder stream.
type StreamStats struct {
	Submitted uint64 // frames or sample blocks accepted
	Written   uint64 // frames or blocks whose packets reached the muxer
	Dropped   uint64 // lost to conversion, encode or output failures
	Packets   uint64 // packets handed to the muxer

	Scheduler      SchedulerStats
	Buffers        PoolStats // producer copies
	ConvertBuffers PoolStats // encoder-format scratch
	Encoder        EncoderStats
}

// streamCounters are shared by the video and audio streams.
type streamCounters struct {
	submitted atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
	packets   atomic.Uint64

	errMu    sync.Mutex
	fatalErr error
}

func (c *streamCounters) fatal() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.fatalErr
}

// abandon drops seq when its task returns, or panics, before reaching the
// ordered commit. Without it every later number would wait on seq forever.
func (c *streamCounters) abandon(q *sequencer, seq uint64, committed *bool) {
	if *committed {
		return
	}
	c.dropped.Add(1)
	q.skip(seq)
}

// dropOnPanic counts a commit that panicked as a dropped frame. The
// sequencer recovers the panic itself.
func (c *streamCounters) dropOnPanic() {
	if r := recover(); r != nil {
		c.dropped.Add(1)
		panic(r)
	}
}

func (c *streamCounters) setFatal(err error) {
	c.errMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.errMu.Unlock()
}

// writePackets hands every packet of out to the muxer. The first failure
// stops the stream.
func (c *streamCounters) writePackets(m Muxer, index int, out *EncodedFrame) error {
	err := out.EachPacket(func(data []byte, info PacketInfo) error {
		if err := m.WriteSample(index, data, info); err != nil {
			return fmt.Errorf("%w: stream %d: %w", ErrFatalIO, index, err)
		}
		c.packets.Add(1)
		return nil
	})
	if err != nil {
		c.setFatal(err)
		c.dropped.Add(1)
		return err
	}
	c.written.Add(1)
	return nil
}

// videoStream copies frames on the producer, converts them in parallel tasks
// and encodes and writes them in submission order.
type videoStream struct {
	streamCounters

	enc       VideoEncoder
	stateless bool
	muxer     Muxer
	index     int

	width, height int
	frameDur      time.Duration

	pool     *BufferPool[byte]
	convPool *BufferPool[byte]
	sched    *TaskScheduler
	seq      *sequencer
	log      logrus.FieldLogger

	submitMu sync.Mutex

	// Owned by the ordered section.
	out     EncodedFrame
	started bool
}

func newVideoStream(cfg *VideoStreamConfig, enc VideoEncoder, m Muxer, index int, log logrus.FieldLogger) *videoStream {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	log = log.WithField("stream", "video")
	return &videoStream{
		enc:       enc,
		stateless: isStateless(enc),
		muxer:     m,
		index:     index,
		width:     cfg.Width,
		height:    cfg.Height,
		frameDur:  time.Second / time.Duration(fps),
		pool:      NewBufferPool[byte](0),
		convPool:  NewBufferPool[byte](0),
		sched:     NewTaskScheduler(cfg.MaxTasks, log),
		seq:       newSequencer(log),
		log:       log,
	}
}

// submit copies frame and schedules it. Everything a caller can get wrong is
// rejected here, before a task exists.
func (s *videoStream) submit(frame *Frame) error {
	if err := s.fatal(); err != nil {
		return err
	}
	if frame.Width != s.width || frame.Height != s.height {
		return fmt.Errorf("%w: frame is %dx%d, stream is %dx%d", ErrConversion, frame.Width, frame.Height, s.width, s.height)
	}
	srcFmt := frame.Format
	dstFmt := s.enc.InputFormat(srcFmt)
	if err := CheckConversion(srcFmt, dstFmt); err != nil {
		return err
	}

	size := srcFmt.FrameSize(s.width, s.height)
	rowBytes, pitch := size, size
	rows := 1
	if !srcFmt.Planar() {
		rowBytes, pitch, rows = s.width*srcFmt.PixelSize(), frame.RowPitch(), s.height
	}
	if pitch < rowBytes || len(frame.Data) < pitch*(rows-1)+rowBytes {
		return fmt.Errorf("%w: %d bytes for a %dx%d %s frame", ErrBufferTooSmall, len(frame.Data), s.width, s.height, srcFmt)
	}
	ts := frame.Timestamp

	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	return s.sched.Dispatch(func() (func() error, error) {
		buf := s.pool.Acquire()
		if err := PackRows(buf.Resize(size), frame.Data, rowBytes, pitch, rows); err != nil {
			buf.Release()
			return nil, err
		}
		seq := s.seq.reserve()
		s.submitted.Add(1)
		return func() error { return s.run(seq, buf, srcFmt, dstFmt, ts) }, nil
	})
}

func (s *videoStream) run(seq uint64, buf *Buffer[byte], srcFmt, dstFmt PixelFormat, ts time.Duration) error {
	defer buf.Release()
	committed := false
	defer s.abandon(s.seq, seq, &committed)

	frame := &Frame{
		Data:      buf.Data,
		Width:     s.width,
		Height:    s.height,
		Format:    srcFmt,
		Timestamp: ts,
		Duration:  s.frameDur,
	}
	if srcFmt != dstFmt {
		conv := s.convPool.Acquire()
		defer conv.Release()
		data := conv.Resize(dstFmt.FrameSize(s.width, s.height))
		if err := ConvertPixels(data, dstFmt, buf.Data, srcFmt, s.width, s.height); err != nil {
			return err
		}
		frame.Data, frame.Format = data, dstFmt
	}

	if s.stateless {
		var out EncodedFrame
		encErr := s.enc.Encode(&out, frame, true)
		var taskErr error
		committed = true
		s.seq.complete(seq, func() {
			switch {
			case encErr != nil:
				s.dropped.Add(1)
				taskErr = fmt.Errorf("%w: frame %v: %w", ErrEncode, ts, encErr)
			case s.fatal() != nil:
				s.dropped.Add(1)
			default:
				taskErr = s.writePackets(s.muxer, s.index, &out)
			}
		})
		return taskErr
	}

	var taskErr error
	committed = true
	s.seq.complete(seq, func() {
		defer s.dropOnPanic()
		if s.fatal() != nil {
			s.dropped.Add(1)
			return
		}
		s.out.Reset()
		if err := s.enc.Encode(&s.out, frame, !s.started); err != nil {
			s.dropped.Add(1)
			taskErr = fmt.Errorf("%w: frame %v: %w", ErrEncode, ts, err)
			return
		}
		s.started = true
		taskErr = s.writePackets(s.muxer, s.index, &s.out)
	})
	return taskErr
}

// close waits for every task, drains the encoder and closes it.
func (s *videoStream) close() error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	s.sched.Wait()

	var result *multierror.Error
	if s.fatal() == nil {
		if err := drainEncoder(s.enc.Flush, &s.out, func(out *EncodedFrame) error {
			return s.writePackets(s.muxer, s.index, out)
		}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.enc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close video encoder: %w", err))
	}
	if err := s.fatal(); err != nil {
		result = multierror.Append(result, err)
	}
	s.log.WithFields(logrus.Fields{
		"submitted": s.submitted.Load(),
		"written":   s.written.Load(),
		"dropped":   s.dropped.Load(),
	}).Debug("stream closed")
	return result.ErrorOrNil()
}

func (s *videoStream) stats() StreamStats {
	return StreamStats{
		Submitted:      s.submitted.Load(),
		Written:        s.written.Load(),
		Dropped:        s.dropped.Load(),
		Packets:        s.packets.Load(),
		Scheduler:      s.sched.Stats(),
		Buffers:        s.pool.Stats(),
		ConvertBuffers: s.convPool.Stats(),
		Encoder:        s.enc.Stats(),
	}
}

// drainEncoder calls flush until it reports no more output.
func drainEncoder(flush func(*EncodedFrame) (bool, error), out *EncodedFrame, write func(*EncodedFrame) error) error {
	for {
		out.Reset()
		more, err := flush(out)
		if err != nil {
			return fmt.Errorf("%w: flush: %w", ErrEncode, err)
		}
		if !out.Empty() {
			if err := write(out); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
	}
}

// audioStream queues interleaved float samples in whole encoder blocks.
// Samples short of a block are carried to the next submission and zero
// padded at close.
type audioStream struct {
	streamCounters

	enc        AudioEncoder
	format     SampleFormat
	block      int
	channels   int
	sampleRate int
	muxer      Muxer
	index      int

	pool     *BufferPool[float32]
	convPool *BufferPool[byte]
	sched    *TaskScheduler
	seq      *sequencer
	log      logrus.FieldLogger

	submitMu sync.Mutex
	carry    []float32
	queued   uint64 // sample frames handed to tasks

	out EncodedFrame
}

func newAudioStream(cfg *AudioStreamConfig, enc AudioEncoder, m Muxer, index int, log logrus.FieldLogger) *audioStream {
	log = log.WithField("stream", "audio")
	return &audioStream{
		enc:        enc,
		format:     enc.InputFormat(),
		block:      enc.BlockSize(),
		channels:   cfg.Channels,
		sampleRate: cfg.SampleRate,
		muxer:      m,
		index:      index,
		pool:       NewBufferPool[float32](0),
		convPool:   NewBufferPool[byte](0),
		sched:      NewTaskScheduler(cfg.MaxTasks, log),
		seq:        newSequencer(log),
		log:        log,
	}
}

func (s *audioStream) submit(samples []float32) error {
	if err := s.fatal(); err != nil {
		return err
	}
	if len(samples)%s.channels != 0 {
		return fmt.Errorf("%w: %d samples is not a multiple of %d channels", ErrConversion, len(samples), s.channels)
	}
	if s.format.BytesPerSample() == 0 {
		return fmt.Errorf("%w: encoder sample format %s", ErrConversion, s.format)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	return s.enqueue(samples)
}

// enqueue dispatches every whole block in carry+samples. Callers hold
// submitMu.
func (s *audioStream) enqueue(samples []float32) error {
	n := len(s.carry) + len(samples)
	if s.block > 0 {
		n -= n % s.block
	}
	if n == 0 {
		s.carry = append(s.carry, samples...)
		return nil
	}
	return s.sched.Dispatch(func() (func() error, error) {
		buf := s.pool.Acquire()
		data := buf.Resize(n)
		k := copy(data, s.carry)
		used := copy(data[k:], samples)
		s.carry = append(s.carry[:0], samples[used:]...)

		ts := time.Duration(s.queued) * time.Second / time.Duration(s.sampleRate)
		s.queued += uint64(n / s.channels)
		seq := s.seq.reserve()
		s.submitted.Add(1)
		return func() error { return s.run(seq, buf, ts) }, nil
	})
}

func (s *audioStream) run(seq uint64, buf *Buffer[float32], ts time.Duration) error {
	defer buf.Release()
	committed := false
	defer s.abandon(s.seq, seq, &committed)

	conv := s.convPool.Acquire()
	defer conv.Release()
	data := conv.Resize(len(buf.Data) * s.format.BytesPerSample())
	if err := ConvertSamples(data, s.format, buf.Data); err != nil {
		return err
	}
	block := &SampleBlock{
		Data:       data,
		Format:     s.format,
		Channels:   s.channels,
		SampleRate: s.sampleRate,
		Timestamp:  ts,
	}

	var taskErr error
	committed = true
	s.seq.complete(seq, func() {
		defer s.dropOnPanic()
		if s.fatal() != nil {
			s.dropped.Add(1)
			return
		}
		s.out.Reset()
		if err := s.enc.Encode(&s.out, block); err != nil {
			s.dropped.Add(1)
			taskErr = fmt.Errorf("%w: block %v: %w", ErrEncode, ts, err)
			return
		}
		taskErr = s.writePackets(s.muxer, s.index, &s.out)
	})
	return taskErr
}

// close pads and queues the carried tail, waits for every task, drains the
// encoder and closes it.
func (s *audioStream) close() error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	var result *multierror.Error
	if len(s.carry) > 0 && s.fatal() == nil {
		size := len(s.carry)
		if s.block > 0 {
			size = s.block
		}
		tail := make([]float32, size)
		copy(tail, s.carry)
		s.carry = s.carry[:0]
		if err := s.enqueue(tail); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.sched.Wait()

	if s.fatal() == nil {
		if err := drainEncoder(s.enc.Flush, &s.out, func(out *EncodedFrame) error {
			return s.writePackets(s.muxer, s.index, out)
		}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.enc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close audio encoder: %w", err))
	}
	if err := s.fatal(); err != nil {
		result = multierror.Append(result, err)
	}
	s.log.WithFields(logrus.Fields{
		"submitted": s.submitted.Load(),
		"written":   s.written.Load(),
		"dropped":   s.dropped.Load(),
		"frames":    s.queued,
	}).Debug("stream closed")
	return result.ErrorOrNil()
}

func (s *audioStream) stats() StreamStats {
	return StreamStats{
		Submitted:      s.submitted.Load(),
		Written:        s.written.Load(),
		Dropped:        s.dropped.Load(),
		Packets:        s.packets.Load(),
		Scheduler:      s.sched.Stats(),
		Buffers:        s.pool.Stats(),
		ConvertBuffers: s.convPool.Stats(),
		Encoder:        s.enc.Stats(),
	}
}
