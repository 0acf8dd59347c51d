package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// codecPrivater is implemented by encoders that know their decoder setup
// data before the first frame, such as H.264 SPS/PPS.
type codecPrivater interface {
	CodecPrivate() []byte
}

// RecorderStats is a snapshot of a Recorder.
type RecorderStats struct {
	Video StreamStats
	Audio StreamStats

	// AudioPending is the number of samples held back for interleaving.
	AudioPending int
}

// Recorder encodes a live stream of video frames and audio samples into a
// muxer. Add calls copy their input and return once the work is queued; the
// caller may reuse its buffers immediately. A Recorder is meant to be fed by
// one producer goroutine per stream.
type Recorder struct {
	id    uuid.UUID
	log   logrus.FieldLogger
	muxer *SyncMuxer
	start time.Time

	video *videoStream
	audio *audioStream

	// coord is set when both streams exist.
	syncMu sync.Mutex
	coord  *SyncCoordinator
	drain  []float32

	readMu   sync.Mutex
	readback readbackBuffer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewRecorder creates the configured encoders and registers their streams
// with m. Encoder creation failures wrap ErrResource.
func NewRecorder(cfg RecorderConfig, m Muxer) (*Recorder, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil muxer", ErrInvalidConfig)
	}
	if cfg.Video == nil && cfg.Audio == nil {
		return nil, fmt.Errorf("%w: recorder needs a video or an audio stream", ErrInvalidConfig)
	}

	id := uuid.New()
	r := &Recorder{
		id:       id,
		log:      loggerOr(cfg.Log).WithField("session", id.String()),
		muxer:    NewSyncMuxer(m),
		readback: readbackBuffer{reader: cfg.TextureReader},
	}

	var venc VideoEncoder
	var aenc AudioEncoder
	fail := func(err error) (*Recorder, error) {
		if venc != nil {
			venc.Close()
		}
		if aenc != nil {
			aenc.Close()
		}
		return nil, err
	}

	if vc := cfg.Video; vc != nil {
		if vc.Width <= 0 || vc.Height <= 0 {
			return fail(fmt.Errorf("%w: video size %dx%d", ErrInvalidConfig, vc.Width, vc.Height))
		}
		venc = vc.Encoder
		if venc == nil {
			var err error
			if venc, err = NewVideoEncoder(vc.VideoEncoderConfig); err != nil {
				return fail(fmt.Errorf("%w: video encoder: %w", ErrResource, err))
			}
		}
		params := StreamParams{
			Kind:       StreamVideo,
			VideoCodec: venc.Codec(),
			Width:      vc.Width,
			Height:     vc.Height,
			FPS:        vc.FPS,
		}
		if cp, ok := venc.(codecPrivater); ok {
			params.CodecPrivate = cp.CodecPrivate()
		}
		index, err := r.muxer.AddStream(params)
		if err != nil {
			return fail(err)
		}
		r.video = newVideoStream(vc, venc, r.muxer, index, r.log)
	}

	if ac := cfg.Audio; ac != nil {
		if ac.SampleRate <= 0 || ac.Channels <= 0 {
			return fail(fmt.Errorf("%w: audio %d Hz %d channels", ErrInvalidConfig, ac.SampleRate, ac.Channels))
		}
		aenc = ac.Encoder
		if aenc == nil {
			var err error
			if aenc, err = NewAudioEncoder(ac.AudioEncoderConfig); err != nil {
				return fail(fmt.Errorf("%w: audio encoder: %w", ErrResource, err))
			}
		}
		params := StreamParams{
			Kind:         StreamAudio,
			AudioCodec:   aenc.Codec(),
			SampleRate:   ac.SampleRate,
			Channels:     ac.Channels,
			SampleFormat: aenc.InputFormat(),
		}
		if cp, ok := aenc.(codecPrivater); ok {
			params.CodecPrivate = cp.CodecPrivate()
		}
		index, err := r.muxer.AddStream(params)
		if err != nil {
			return fail(err)
		}
		r.audio = newAudioStream(ac, aenc, r.muxer, index, r.log)
	}

	if r.video != nil && r.audio != nil {
		sc := cfg.Sync
		sc.SampleRate, sc.Channels, sc.BlockSize = cfg.Audio.SampleRate, cfg.Audio.Channels, aenc.BlockSize()
		r.coord = NewSyncCoordinator(sc)
	}

	fields := logrus.Fields{}
	if venc != nil {
		fields["video"] = venc.Info()
	}
	if aenc != nil {
		fields["audio"] = aenc.Info()
	}
	r.log.WithFields(fields).Info("recorder started")
	r.start = time.Now()
	return r, nil
}

// ID returns the session id that tags the recorder's log entries.
func (r *Recorder) ID() uuid.UUID { return r.id }

func (r *Recorder) timestamp(ts time.Duration) time.Duration {
	if ts < 0 {
		return time.Since(r.start)
	}
	return ts
}

// AddVideoFrame queues a tightly packed frame. A negative timestamp stamps
// the frame with the time elapsed since the recorder was created.
func (r *Recorder) AddVideoFrame(pixels []byte, format PixelFormat, ts time.Duration) error {
	if r.video == nil {
		return fmt.Errorf("%w: recorder has no video stream", ErrSequence)
	}
	return r.AddFrame(&Frame{
		Data:      pixels,
		Width:     r.video.width,
		Height:    r.video.height,
		Format:    format,
		Timestamp: ts,
	})
}

// AddFrame queues frame, honouring its Pitch.
func (r *Recorder) AddFrame(frame *Frame) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.video == nil {
		return fmt.Errorf("%w: recorder has no video stream", ErrSequence)
	}
	f := *frame
	f.Timestamp = r.timestamp(f.Timestamp)
	if err := r.video.submit(&f); err != nil {
		return err
	}
	if r.coord == nil {
		return nil
	}

	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if n := r.coord.OnVideoFrame(f.Timestamp + r.video.frameDur); n > 0 {
		r.drain = r.coord.Drain(r.drain, n)
		return r.audio.submit(r.drain)
	}
	return nil
}

// AddVideoFrameTexture reads a GPU texture through the configured
// TextureReader and queues it like AddVideoFrame.
func (r *Recorder) AddVideoFrameTexture(tex uintptr, format PixelFormat, ts time.Duration) error {
	if r.video == nil {
		return fmt.Errorf("%w: recorder has no video stream", ErrSequence)
	}
	r.readMu.Lock()
	defer r.readMu.Unlock()
	pixels, err := r.readback.read(tex, r.video.width, r.video.height, format)
	if err != nil {
		return err
	}
	return r.AddVideoFrame(pixels, format, ts)
}

// AddAudioSamples queues interleaved samples in [-1, 1]. With a video stream
// present the samples are held until the video has advanced far enough to
// cover them.
func (r *Recorder) AddAudioSamples(samples []float32) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.audio == nil {
		return fmt.Errorf("%w: recorder has no audio stream", ErrSequence)
	}
	if len(samples)%r.audio.channels != 0 {
		return fmt.Errorf("%w: %d samples is not a multiple of %d channels", ErrConversion, len(samples), r.audio.channels)
	}
	if r.coord == nil {
		return r.audio.submit(samples)
	}
	if err := r.audio.fatal(); err != nil {
		return err
	}
	r.syncMu.Lock()
	r.coord.Append(samples)
	r.syncMu.Unlock()
	return nil
}

// VideoEncoderInfo describes the video backend, or returns "" without video.
func (r *Recorder) VideoEncoderInfo() string {
	if r.video == nil {
		return ""
	}
	return r.video.enc.Info()
}

// AudioEncoderInfo describes the audio backend, or returns "" without audio.
func (r *Recorder) AudioEncoderInfo() string {
	if r.audio == nil {
		return ""
	}
	return r.audio.enc.Info()
}

// Stats returns a snapshot of both streams.
func (r *Recorder) Stats() RecorderStats {
	var st RecorderStats
	if r.video != nil {
		st.Video = r.video.stats()
	}
	if r.audio != nil {
		st.Audio = r.audio.stats()
	}
	if r.coord != nil {
		r.syncMu.Lock()
		st.AudioPending = r.coord.Pending()
		r.syncMu.Unlock()
	}
	return st
}

// Close releases held audio, waits for every queued task, drains and closes
// the encoders and finalizes the muxer. Output failures reported during the
// recording are returned here too. Later calls return the same result.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.close()
	})
	return r.closeErr
}

func (r *Recorder) close() error {
	var result *multierror.Error

	if r.coord != nil {
		r.syncMu.Lock()
		if n := r.coord.Finish(); n > 0 {
			r.drain = r.coord.Drain(r.drain, n)
			if err := r.audio.submit(r.drain); err != nil && !errors.Is(err, ErrFatalIO) {
				result = multierror.Append(result, err)
			}
		}
		r.syncMu.Unlock()
	}

	for _, closeStream := range r.closers() {
		if err := closeStream(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := r.muxer.Finalize(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: finalize: %w", ErrFatalIO, err))
	}

	st := r.Stats()
	r.log.WithFields(logrus.Fields{
		"video_written": st.Video.Written,
		"video_dropped": st.Video.Dropped,
		"audio_written": st.Audio.Written,
		"audio_dropped": st.Audio.Dropped,
		"duration":      time.Since(r.start).Round(time.Millisecond),
	}).Info("recorder closed")
	return result.ErrorOrNil()
}

func (r *Recorder) closers() []func() error {
	var fns []func() error
	if r.video != nil {
		fns = append(fns, r.video.close)
	}
	if r.audio != nil {
		fns = append(fns, r.audio.close)
	}
	return fns
}
