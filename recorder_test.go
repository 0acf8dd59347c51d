package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeVideoEncoder emits one packet per frame holding the frame bytes.
type fakeVideoEncoder struct {
	format    PixelFormat // 0 keeps the source format
	stateless bool
	delay     func() time.Duration
	failAt    map[time.Duration]bool
	panicAt   map[time.Duration]bool

	busy       atomic.Bool
	overlaps   atomic.Int64
	running    atomic.Int64
	maxRunning atomic.Int64
	keyframes  atomic.Int64
	calls      atomic.Int64
	closed     atomic.Bool
}

func (e *fakeVideoEncoder) Info() string       { return "fake video" }
func (e *fakeVideoEncoder) Codec() VideoCodec  { return VideoCodecPNG }
func (e *fakeVideoEncoder) Provider() Provider { return ProviderSoftware }
func (e *fakeVideoEncoder) Stateless() bool    { return e.stateless }
func (e *fakeVideoEncoder) Stats() EncoderStats {
	return EncoderStats{FramesEncoded: uint64(e.calls.Load())}
}
func (e *fakeVideoEncoder) Close() error { e.closed.Store(true); return nil }

func (e *fakeVideoEncoder) InputFormat(src PixelFormat) PixelFormat {
	if e.format != 0 {
		return e.format
	}
	return src
}

func (e *fakeVideoEncoder) Encode(dst *EncodedFrame, frame *Frame, force bool) error {
	if !e.stateless {
		if e.busy.CompareAndSwap(false, true) {
			defer e.busy.Store(false)
		} else {
			e.overlaps.Add(1)
		}
	}
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		m := e.maxRunning.Load()
		if n <= m || e.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	e.calls.Add(1)
	if force {
		e.keyframes.Add(1)
	}
	if e.delay != nil {
		time.Sleep(e.delay())
	}
	if e.panicAt[frame.Timestamp] {
		panic(fmt.Sprintf("encoder bug at %v", frame.Timestamp))
	}
	if e.failAt[frame.Timestamp] {
		return errors.New("injected failure")
	}
	dst.Append(frame.Data, PacketInfo{Timestamp: frame.Timestamp, Duration: frame.Duration, Keyframe: force})
	return nil
}

func (e *fakeVideoEncoder) Flush(*EncodedFrame) (bool, error) { return false, nil }

// fakeAudioEncoder passes F32 blocks through and records them.
type fakeAudioEncoder struct {
	block  int
	mu     sync.Mutex
	blocks [][]float32
}

func (e *fakeAudioEncoder) Info() string              { return "fake audio" }
func (e *fakeAudioEncoder) Codec() AudioCodec         { return AudioCodecPCM }
func (e *fakeAudioEncoder) Provider() Provider        { return ProviderSoftware }
func (e *fakeAudioEncoder) InputFormat() SampleFormat { return SampleFormatF32 }
func (e *fakeAudioEncoder) BlockSize() int            { return e.block }
func (e *fakeAudioEncoder) Stats() EncoderStats       { return EncoderStats{} }
func (e *fakeAudioEncoder) Close() error              { return nil }

func (e *fakeAudioEncoder) Encode(dst *EncodedFrame, block *SampleBlock) error {
	samples := make([]float32, block.Samples())
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(block.Data[i*4:]))
	}
	e.mu.Lock()
	e.blocks = append(e.blocks, samples)
	e.mu.Unlock()
	dst.Append(block.Data, PacketInfo{Timestamp: block.Timestamp, Keyframe: true})
	return nil
}

func (e *fakeAudioEncoder) Flush(*EncodedFrame) (bool, error) { return false, nil }

type muxSample struct {
	index int
	data  []byte
	info  PacketInfo
}

// recordingMuxer keeps every sample. failAfter > 0 makes every write after
// that many fail.
type recordingMuxer struct {
	streams   []StreamParams
	samples   []muxSample
	failAfter int
	finalized int
}

func (m *recordingMuxer) AddStream(p StreamParams) (int, error) {
	m.streams = append(m.streams, p)
	return len(m.streams) - 1, nil
}

func (m *recordingMuxer) WriteSample(index int, data []byte, info PacketInfo) error {
	if m.failAfter > 0 && len(m.samples) >= m.failAfter {
		return errors.New("disk full")
	}
	m.samples = append(m.samples, muxSample{index, append([]byte(nil), data...), info})
	return nil
}

func (m *recordingMuxer) Finalize() error { m.finalized++; return nil }

func (m *recordingMuxer) stream(index int) []muxSample {
	var out []muxSample
	for _, s := range m.samples {
		if s.index == index {
			out = append(out, s)
		}
	}
	return out
}

func videoConfig(enc VideoEncoder, w, h, fps, maxTasks int) *VideoStreamConfig {
	return &VideoStreamConfig{
		VideoEncoderConfig: VideoEncoderConfig{Width: w, Height: h, FPS: fps},
		MaxTasks:           maxTasks,
		Encoder:            enc,
	}
}

func solidFrame(w, h int, v byte) []byte {
	b := make([]byte, w*h*4)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestRecorder_HalfFloatScenario(t *testing.T) {
	const fps = 30
	enc := &fakeVideoEncoder{format: PixelFormatRGBAHalf, stateless: true}
	mux := &recordingMuxer{}
	r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 2, 2, fps, 2), Log: quietLogger()}, mux)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []string
	outstanding, peak := 0, 0
	r.video.pool.OnAcquire = func(*Buffer[byte]) {
		mu.Lock()
		events = append(events, "acquire")
		outstanding++
		peak = max(peak, outstanding)
		mu.Unlock()
	}
	r.video.pool.OnRelease = func(*Buffer[byte]) {
		mu.Lock()
		events = append(events, "release")
		outstanding--
		mu.Unlock()
	}

	frameDur := time.Second / fps
	for i := 0; i < 10; i++ {
		if err := r.AddVideoFrame(solidFrame(2, 2, byte(i*20)), PixelFormatRGBA8, time.Duration(i)*frameDur); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if len(mux.samples) != 10 {
		t.Fatalf("got %d packets, want 10", len(mux.samples))
	}
	for i, s := range mux.samples {
		if want := time.Duration(i) * frameDur; s.info.Timestamp != want {
			t.Errorf("packet %d timestamp = %v, want %v", i, s.info.Timestamp, want)
		}
		want := make([]byte, PixelFormatRGBAHalf.FrameSize(2, 2))
		if err := ConvertPixels(want, PixelFormatRGBAHalf, solidFrame(2, 2, byte(i*20)), PixelFormatRGBA8, 2, 2); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(s.data, want) {
			t.Errorf("packet %d holds %x, want %x", i, s.data, want)
		}
	}

	acquires, releases := 0, 0
	for _, e := range events {
		if e == "acquire" {
			acquires++
		} else {
			releases++
		}
	}
	if acquires != 10 || releases != 10 {
		t.Errorf("got %d acquires and %d releases, want 10 each", acquires, releases)
	}
	if peak > 2 {
		t.Errorf("%d buffers outstanding at once, limit is 2", peak)
	}
	st := r.Stats().Video
	if st.Buffers.Outstanding != 0 || st.ConvertBuffers.Outstanding != 0 {
		t.Errorf("outstanding after close: %d input, %d convert", st.Buffers.Outstanding, st.ConvertBuffers.Outstanding)
	}
	if st.ConvertBuffers.PeakOutstanding > 2 {
		t.Errorf("convert peak = %d", st.ConvertBuffers.PeakOutstanding)
	}
	if st.Submitted != 10 || st.Written != 10 || st.Dropped != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRecorder_PreservesOrderUnderRandomDelay(t *testing.T) {
	for _, stateless := range []bool{false, true} {
		t.Run(fmt.Sprintf("stateless=%v", stateless), func(t *testing.T) {
			var rngMu sync.Mutex
			rng := rand.New(rand.NewSource(1))
			enc := &fakeVideoEncoder{
				format:    PixelFormatRGBAFloat,
				stateless: stateless,
				delay: func() time.Duration {
					rngMu.Lock()
					defer rngMu.Unlock()
					return time.Duration(rng.Intn(3000)) * time.Microsecond
				},
			}
			mux := &recordingMuxer{}
			r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 4, 4, 60, 6), Log: quietLogger()}, mux)
			if err != nil {
				t.Fatal(err)
			}
			const n = 50
			for i := 0; i < n; i++ {
				if err := r.AddVideoFrame(solidFrame(4, 4, byte(i)), PixelFormatRGBA8, time.Duration(i)*time.Millisecond); err != nil {
					t.Fatal(err)
				}
			}
			if err := r.Close(); err != nil {
				t.Fatal(err)
			}
			if len(mux.samples) != n {
				t.Fatalf("got %d packets, want %d", len(mux.samples), n)
			}
			for i, s := range mux.samples {
				if s.info.Timestamp != time.Duration(i)*time.Millisecond {
					t.Fatalf("packet %d has timestamp %v", i, s.info.Timestamp)
				}
			}
		})
	}
}

func TestRecorder_BoundedConcurrency(t *testing.T) {
	for _, k := range []int{1, 3} {
		enc := &fakeVideoEncoder{stateless: true, delay: func() time.Duration { return time.Millisecond }}
		r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 2, 2, 30, k), Log: quietLogger()}, &recordingMuxer{})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 30; i++ {
			if err := r.AddVideoFrame(solidFrame(2, 2, 1), PixelFormatRGBA8, time.Duration(i)); err != nil {
				t.Fatal(err)
			}
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
		if got := enc.maxRunning.Load(); got > int64(k) {
			t.Errorf("k=%d: %d encodes ran at once", k, got)
		}
		st := r.Stats().Video
		if st.Scheduler.PeakInFlight > int64(k) {
			t.Errorf("k=%d: PeakInFlight = %d", k, st.Scheduler.PeakInFlight)
		}
		if st.Buffers.PeakOutstanding > int64(k) {
			t.Errorf("k=%d: PeakOutstanding = %d", k, st.Buffers.PeakOutstanding)
		}
	}
}

func TestRecorder_StatefulEncoderNeverRunsConcurrently(t *testing.T) {
	enc := &fakeVideoEncoder{
		format: PixelFormatRGBAHalf,
		delay:  func() time.Duration { return 200 * time.Microsecond },
	}
	r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 8, 8, 30, 8), Log: quietLogger()}, &recordingMuxer{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 64; i++ {
		if err := r.AddVideoFrame(solidFrame(8, 8, byte(i)), PixelFormatRGBA8, time.Duration(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if n := enc.overlaps.Load(); n != 0 {
		t.Errorf("encoder entered concurrently %d times", n)
	}
	if n := enc.keyframes.Load(); n != 1 {
		t.Errorf("forced %d keyframes, want only the first", n)
	}
	if !enc.closed.Load() {
		t.Error("encoder not closed")
	}
}

func TestRecorder_EncodeErrorDropsOneFrame(t *testing.T) {
	enc := &fakeVideoEncoder{failAt: map[time.Duration]bool{3: true}}
	mux := &recordingMuxer{}
	r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 2, 2, 30, 2), Log: quietLogger()}, mux)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if err := r.AddVideoFrame(solidFrame(2, 2, 0), PixelFormatRGBA8, time.Duration(i)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() = %v, encode errors are not fatal", err)
	}
	st := r.Stats().Video
	if st.Dropped != 1 || st.Written != 5 || len(mux.samples) != 5 {
		t.Errorf("dropped %d, written %d, packets %d", st.Dropped, st.Written, len(mux.samples))
	}
	if st.Scheduler.Failed != 1 {
		t.Errorf("scheduler counted %d failures", st.Scheduler.Failed)
	}
	if st.Buffers.Outstanding != 0 {
		t.Errorf("%d buffers leaked", st.Buffers.Outstanding)
	}
}

func TestRecorder_FatalIOStopsStream(t *testing.T) {
	enc := &fakeVideoEncoder{}
	mux := &recordingMuxer{failAfter: 2}
	r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 2, 2, 30, 1), Log: quietLogger()}, mux)
	if err != nil {
		t.Fatal(err)
	}

	var rejected error
	for i := 0; i < 20 && rejected == nil; i++ {
		rejected = r.AddVideoFrame(solidFrame(2, 2, 0), PixelFormatRGBA8, time.Duration(i))
		if rejected == nil {
			time.Sleep(time.Millisecond)
		}
	}
	if !errors.Is(rejected, ErrFatalIO) {
		t.Errorf("AddVideoFrame after sink failure = %v, want ErrFatalIO", rejected)
	}
	if err := r.Close(); !errors.Is(err, ErrFatalIO) {
		t.Errorf("Close() = %v, want ErrFatalIO", err)
	}
	if mux.finalized != 1 {
		t.Errorf("Finalize called %d times", mux.finalized)
	}
	if len(mux.samples) != 2 {
		t.Errorf("muxer holds %d samples", len(mux.samples))
	}
	if out := r.Stats().Video.Buffers.Outstanding; out != 0 {
		t.Errorf("%d buffers leaked", out)
	}
}

func TestRecorder_Rejections(t *testing.T) {
	if _, err := NewRecorder(RecorderConfig{}, &recordingMuxer{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("no streams: %v", err)
	}
	if _, err := NewRecorder(RecorderConfig{Video: videoConfig(&fakeVideoEncoder{}, 2, 2, 30, 1)}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil muxer: %v", err)
	}
	if _, err := NewRecorder(RecorderConfig{Video: videoConfig(nil, 2, 2, 30, 1)}, &recordingMuxer{}); !errors.Is(err, ErrResource) {
		t.Errorf("unknown codec: %v", err)
	}

	enc := &fakeVideoEncoder{format: PixelFormatRGBAHalf}
	r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 2, 2, 30, 1), Log: quietLogger()}, &recordingMuxer{})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"channel mismatch", r.AddVideoFrame(make([]byte, 12), PixelFormatRGB8, 0), ErrConversion},
		{"short buffer", r.AddVideoFrame(make([]byte, 3), PixelFormatRGBA8, 0), ErrBufferTooSmall},
		{"wrong size", r.AddFrame(&Frame{Data: make([]byte, 64), Width: 4, Height: 4, Format: PixelFormatRGBA8}), ErrConversion},
		{"no audio", r.AddAudioSamples(make([]float32, 4)), ErrSequence},
		{"no texture reader", r.AddVideoFrameTexture(1, PixelFormatRGBA8, 0), ErrResource},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, tt.err, tt.want)
		}
	}
	if got := r.Stats().Video.Submitted; got != 0 {
		t.Errorf("rejected frames were queued: %d", got)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if err := r.AddVideoFrame(make([]byte, 16), PixelFormatRGBA8, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("after close: %v", err)
	}
}

func TestRecorder_PitchedFrameAndTexture(t *testing.T) {
	enc := &fakeVideoEncoder{}
	mux := &recordingMuxer{}
	reader := TextureReaderFunc(func(dst []byte, tex uintptr, w, h int, f PixelFormat) error {
		for i := range dst {
			dst[i] = byte(tex)
		}
		return nil
	})
	r, err := NewRecorder(RecorderConfig{
		Video:         videoConfig(enc, 2, 2, 30, 2),
		TextureReader: reader,
		Log:           quietLogger(),
	}, mux)
	if err != nil {
		t.Fatal(err)
	}

	// 2 RGBA pixels per row plus 4 bytes of padding.
	pitched := []byte{
		1, 1, 1, 1, 2, 2, 2, 2, 9, 9, 9, 9,
		3, 3, 3, 3, 4, 4, 4, 4,
	}
	if err := r.AddFrame(&Frame{Data: pitched, Width: 2, Height: 2, Pitch: 12, Format: PixelFormatRGBA8}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddVideoFrameTexture(7, PixelFormatRGBA8, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if len(mux.samples) != 2 {
		t.Fatalf("got %d packets", len(mux.samples))
	}
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	if !bytes.Equal(mux.samples[0].data, want) {
		t.Errorf("pitched frame packed as %v", mux.samples[0].data)
	}
	if !bytes.Equal(mux.samples[1].data, bytes.Repeat([]byte{7}, 16)) {
		t.Errorf("texture frame = %v", mux.samples[1].data)
	}
}

func TestRecorder_NegativeTimestampUsesElapsedTime(t *testing.T) {
	enc := &fakeVideoEncoder{}
	mux := &recordingMuxer{}
	r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 2, 2, 30, 1), Log: quietLogger()}, mux)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := r.AddVideoFrame(solidFrame(2, 2, 0), PixelFormatRGBA8, -1); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if ts := mux.samples[0].info.Timestamp; ts < 5*time.Millisecond {
		t.Errorf("timestamp = %v, want elapsed time", ts)
	}
}

func TestRecorder_AudioOnlyCarriesPartialBlocks(t *testing.T) {
	enc := &fakeAudioEncoder{block: 480}
	mux := &recordingMuxer{}
	r, err := NewRecorder(RecorderConfig{
		Audio: &AudioStreamConfig{
			AudioEncoderConfig: AudioEncoderConfig{SampleRate: 48000, Channels: 1},
			MaxTasks:           2,
			Encoder:            enc,
		},
		Log: quietLogger(),
	}, mux)
	if err != nil {
		t.Fatal(err)
	}

	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = 0.25
	}
	if err := r.AddAudioSamples(samples); err != nil {
		t.Fatal(err)
	}
	if err := r.AddAudioSamples(samples[:3]); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	var total int
	for i, b := range enc.blocks {
		if len(b)%480 != 0 {
			t.Errorf("block %d has %d samples", i, len(b))
		}
		total += len(b)
	}
	if total != 1440 {
		t.Fatalf("encoded %d samples, want 1440", total)
	}
	last := enc.blocks[len(enc.blocks)-1]
	tail := last[len(last)-480:]
	// 1003 samples: 960 in whole blocks, 43 carried and zero padded.
	if tail[42] != 0.25 || tail[43] != 0 || tail[479] != 0 {
		t.Errorf("tail block = %v ... %v", tail[40:45], tail[479])
	}
	if got := mux.samples[len(mux.samples)-1].info.Timestamp; got != 20*time.Millisecond {
		t.Errorf("last block timestamp = %v, want 20ms", got)
	}
}

func TestRecorder_AudioMisaligned(t *testing.T) {
	r, err := NewRecorder(RecorderConfig{
		Audio: &AudioStreamConfig{
			AudioEncoderConfig: AudioEncoderConfig{SampleRate: 48000, Channels: 2},
			Encoder:            &fakeAudioEncoder{},
		},
		Log: quietLogger(),
	}, &recordingMuxer{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.AddAudioSamples(make([]float32, 3)); !errors.Is(err, ErrConversion) {
		t.Errorf("err = %v, want ErrConversion", err)
	}
	if err := r.AddVideoFrame(nil, PixelFormatRGBA8, 0); !errors.Is(err, ErrSequence) {
		t.Errorf("err = %v, want ErrSequence", err)
	}
}

func TestRecorder_AudioFollowsVideo(t *testing.T) {
	const (
		fps      = 60
		rate     = 48000
		perFrame = rate / fps
	)
	aenc, err := NewPCMEncoder(AudioEncoderConfig{SampleRate: rate, Channels: 1, BitsPerSample: 16})
	if err != nil {
		t.Fatal(err)
	}
	mux := &recordingMuxer{}
	r, err := NewRecorder(RecorderConfig{
		Video: videoConfig(&fakeVideoEncoder{}, 2, 2, fps, 2),
		Audio: &AudioStreamConfig{
			AudioEncoderConfig: AudioEncoderConfig{SampleRate: rate, Channels: 1},
			MaxTasks:           2,
			Encoder:            aenc,
		},
		Log: quietLogger(),
	}, mux)
	if err != nil {
		t.Fatal(err)
	}

	chunk := make([]float32, perFrame)
	for i := 0; i < 60; i++ {
		if err := r.AddAudioSamples(chunk); err != nil {
			t.Fatal(err)
		}
		if err := r.AddVideoFrame(solidFrame(2, 2, 0), PixelFormatRGBA8, time.Duration(i)*time.Second/fps); err != nil {
			t.Fatal(err)
		}
		pending := r.Stats().AudioPending
		switch {
		case i < 29 && pending != (i+1)*perFrame:
			t.Fatalf("frame %d: %d samples pending, audio released before a flush point", i, pending)
		case i == 29 && pending >= perFrame:
			t.Fatalf("frame 29: %d samples still pending after flush", pending)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	var audioBytes int
	for _, s := range mux.stream(1) {
		audioBytes += len(s.data)
	}
	if audioBytes != rate*2 {
		t.Errorf("muxer got %d audio bytes, want %d", audioBytes, rate*2)
	}
	if n := len(mux.stream(0)); n != 60 {
		t.Errorf("got %d video packets", n)
	}
	if mux.streams[1].SampleFormat != SampleFormatS16 {
		t.Errorf("audio stream format = %s", mux.streams[1].SampleFormat)
	}
}

func TestRecorder_PNGSequence(t *testing.T) {
	dir := t.TempDir()
	mux, err := NewImageSequenceMuxer(filepath.Join(dir, "frame_%03d.png"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := RecorderConfig{
		Video: &VideoStreamConfig{
			VideoEncoderConfig: VideoEncoderConfig{Codec: VideoCodecPNG, Width: 16, Height: 8, FPS: 30},
			MaxTasks:           4,
		},
		Log: quietLogger(),
	}
	r, err := NewRecorder(cfg, mux)
	if err != nil {
		t.Fatal(err)
	}
	if r.VideoEncoderInfo() == "" || r.AudioEncoderInfo() != "" {
		t.Errorf("info = %q / %q", r.VideoEncoderInfo(), r.AudioEncoderInfo())
	}

	src := NewTestPattern(TestPatternConfig{Width: 16, Height: 8, Pattern: PatternColorBars})
	for i := 0; i < 5; i++ {
		f := src.Next()
		if err := r.AddVideoFrame(f.Data, f.Format, f.Timestamp); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		b, err := os.ReadFile(mux.Path(i))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.HasPrefix(b, []byte("\x89PNG")) {
			t.Errorf("%s is not a PNG", mux.Path(i))
		}
	}
}

func TestRecorder_WAVToMemory(t *testing.T) {
	sink := NewMemorySink()
	r, err := NewRecorder(RecorderConfig{
		Audio: &AudioStreamConfig{
			AudioEncoderConfig: AudioEncoderConfig{Codec: AudioCodecPCM, SampleRate: 8000, Channels: 2, BitsPerSample: 16},
		},
		Log: quietLogger(),
	}, NewWAVMuxer(sink))
	if err != nil {
		t.Fatal(err)
	}
	src := &SineSource{SampleRate: 8000, Channels: 2, Frequency: 440}
	buf := make([]float32, 160)
	for i := 0; i < 50; i++ {
		n := src.Read(buf)
		if err := r.AddAudioSamples(buf[:n]); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	b := sink.Bytes()
	if len(b) != wavHeaderSize+50*160*2 {
		t.Fatalf("wav is %d bytes", len(b))
	}
	if got := binary.LittleEndian.Uint32(b[40:]); got != 50*160*2 {
		t.Errorf("data size = %d", got)
	}
}

func TestRecorder_PanicInEncodeDropsOneFrame(t *testing.T) {
	for _, stateless := range []bool{true, false} {
		t.Run(fmt.Sprintf("stateless=%v", stateless), func(t *testing.T) {
			enc := &fakeVideoEncoder{stateless: stateless, panicAt: map[time.Duration]bool{2 * time.Millisecond: true}}
			mux := &recordingMuxer{}
			r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 2, 2, 30, 2), Log: quietLogger()}, mux)
			if err != nil {
				t.Fatal(err)
			}

			done := make(chan error, 1)
			go func() {
				for i := 0; i < 6; i++ {
					if err := r.AddVideoFrame(solidFrame(2, 2, byte(i)), PixelFormatRGBA8, time.Duration(i)*time.Millisecond); err != nil {
						done <- err
						return
					}
				}
				done <- r.Close()
			}()
			select {
			case err := <-done:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("recorder stalled after a panicking encode: %+v", r.Stats().Video)
			}

			var got []time.Duration
			for _, s := range mux.stream(0) {
				got = append(got, s.info.Timestamp)
			}
			want := []time.Duration{0, time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("written timestamps = %v, want %v", got, want)
			}
			st := r.Stats().Video
			if st.Written != 5 || st.Dropped != 1 || st.Buffers.Outstanding != 0 {
				t.Errorf("stats = %+v", st)
			}
		})
	}
}

// canaryEncoder checks that the buffer it encodes holds the frame it was
// submitted with, stamps it, and verifies the stamp survives a pause.
type canaryEncoder struct {
	fakeVideoEncoder
	mismatched atomic.Int64
	corrupted  atomic.Int64
}

func (e *canaryEncoder) Encode(dst *EncodedFrame, frame *Frame, force bool) error {
	n := byte(frame.Timestamp / time.Millisecond)
	for _, b := range frame.Data {
		if b != n {
			e.mismatched.Add(1)
			break
		}
	}
	stamp := n ^ 0xA5
	for i := range frame.Data {
		frame.Data[i] = stamp
	}
	time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)
	for _, b := range frame.Data {
		if b != stamp {
			e.corrupted.Add(1)
			break
		}
	}
	e.calls.Add(1)
	dst.Append(frame.Data[:1], PacketInfo{Timestamp: frame.Timestamp, Keyframe: force})
	return nil
}

func TestRecorder_PooledBuffersNotShared(t *testing.T) {
	const frames, maxTasks = 200, 4
	for _, stateless := range []bool{true, false} {
		t.Run(fmt.Sprintf("stateless=%v", stateless), func(t *testing.T) {
			enc := &canaryEncoder{fakeVideoEncoder: fakeVideoEncoder{stateless: stateless}}
			mux := &recordingMuxer{}
			r, err := NewRecorder(RecorderConfig{Video: videoConfig(enc, 16, 16, 30, maxTasks), Log: quietLogger()}, mux)
			if err != nil {
				t.Fatal(err)
			}
			pixels := make([]byte, 16*16*4)
			for i := 0; i < frames; i++ {
				// One caller buffer reused for every frame.
				for j := range pixels {
					pixels[j] = byte(i)
				}
				if err := r.AddVideoFrame(pixels, PixelFormatRGBA8, time.Duration(i)*time.Millisecond); err != nil {
					t.Fatal(err)
				}
			}
			if err := r.Close(); err != nil {
				t.Fatal(err)
			}

			if n := enc.mismatched.Load(); n != 0 {
				t.Errorf("%d frames encoded from a buffer holding other pixels", n)
			}
			if n := enc.corrupted.Load(); n != 0 {
				t.Errorf("%d buffers written to while an encode held them", n)
			}
			st := r.Stats().Video
			if st.Written != frames || st.Buffers.Outstanding != 0 || st.Buffers.PeakOutstanding > maxTasks {
				t.Errorf("stats = %+v", st)
			}
		})
	}
}
