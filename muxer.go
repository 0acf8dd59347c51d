package capture

import (
	"fmt"
	"sync"
)

// StreamKind identifies what a muxer stream carries.
type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// StreamParams describes a stream added to a muxer.
type StreamParams struct {
	Kind StreamKind

	// Video
	VideoCodec VideoCodec
	Width      int
	Height     int
	FPS        int

	// Audio
	AudioCodec   AudioCodec
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat

	// CodecPrivate carries decoder setup data, such as Annex-B SPS/PPS for
	// H.264.
	CodecPrivate []byte
}

// Muxer interleaves encoded packets into a container. Implementations are
// not safe for concurrent use; wrap them with NewSyncMuxer when several
// streams write to the same muxer.
type Muxer interface {
	// AddStream registers a stream and returns its index. All streams must be
	// added before the first WriteSample.
	AddStream(params StreamParams) (int, error)

	// WriteSample writes one packet. Timestamps are presentation times
	// relative to the start of the recording.
	WriteSample(index int, data []byte, info PacketInfo) error

	// Finalize flushes and patches the container. The muxer accepts no more
	// writes afterwards.
	Finalize() error
}

// SyncMuxer serializes every call into the wrapped muxer under one mutex.
type SyncMuxer struct {
	mu        sync.Mutex
	m         Muxer
	finalized bool
}

// NewSyncMuxer wraps m. A SyncMuxer passed in is returned as is.
func NewSyncMuxer(m Muxer) *SyncMuxer {
	if s, ok := m.(*SyncMuxer); ok {
		return s
	}
	return &SyncMuxer{m: m}
}

func (s *SyncMuxer) AddStream(params StreamParams) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return -1, ErrClosed
	}
	return s.m.AddStream(params)
}

func (s *SyncMuxer) WriteSample(index int, data []byte, info PacketInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrClosed
	}
	return s.m.WriteSample(index, data, info)
}

// Finalize finalizes the wrapped muxer once. Later calls return nil.
func (s *SyncMuxer) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true
	return s.m.Finalize()
}

// streamTable tracks the streams registered with a muxer.
type streamTable struct {
	streams []StreamParams
	started bool
}

func (t *streamTable) add(p StreamParams, allow func(StreamParams) error) (int, error) {
	if t.started {
		return -1, fmt.Errorf("%w: stream added after first sample", ErrSequence)
	}
	if err := allow(p); err != nil {
		return -1, err
	}
	t.streams = append(t.streams, p)
	return len(t.streams) - 1, nil
}

func (t *streamTable) get(index int) (StreamParams, error) {
	if index < 0 || index >= len(t.streams) {
		return StreamParams{}, fmt.Errorf("%w: no stream %d", ErrSequence, index)
	}
	t.started = true
	return t.streams[index], nil
}
