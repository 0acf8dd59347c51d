package capture

import "time"

// DefaultFlushEveryFrames is the default audio flush cadence in video frames.
const DefaultFlushEveryFrames = 30

// SyncConfig configures audio/video interleaving.
type SyncConfig struct {
	SampleRate int `yaml:"-" mapstructure:"-"`
	Channels   int `yaml:"-" mapstructure:"-"`

	// BlockSize is the encoder granularity in interleaved samples. Zero uses
	// one millisecond of audio (SampleRate*Channels/1000).
	BlockSize int `yaml:"-" mapstructure:"-"`

	// FlushEveryFrames flushes buffered audio every N video frames.
	FlushEveryFrames int `yaml:"flush_every_frames" mapstructure:"flush_every_frames"`

	// FlushInterval, when set, flushes whenever this much video time has
	// elapsed since the previous flush instead of counting frames.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

// SyncCoordinator buffers audio while a video stream is active and decides
// how many samples may be released so that audio keeps pace with video in
// whole encoder blocks. It is not safe for concurrent use.
type SyncCoordinator struct {
	cfg  SyncConfig
	unit int

	pending []float32
	written uint64

	frames    int
	lastFlush time.Duration
}

// NewSyncCoordinator creates a coordinator.
func NewSyncCoordinator(cfg SyncConfig) *SyncCoordinator {
	if cfg.FlushEveryFrames <= 0 {
		cfg.FlushEveryFrames = DefaultFlushEveryFrames
	}
	unit := cfg.BlockSize
	if unit <= 0 {
		unit = cfg.SampleRate * cfg.Channels / 1000
	}
	if unit <= 0 {
		unit = 1
	}
	return &SyncCoordinator{cfg: cfg, unit: unit}
}

// Unit returns the block granularity in interleaved samples.
func (c *SyncCoordinator) Unit() int { return c.unit }

// Append buffers interleaved samples.
func (c *SyncCoordinator) Append(samples []float32) {
	c.pending = append(c.pending, samples...)
}

// Pending returns the number of buffered samples.
func (c *SyncCoordinator) Pending() int { return len(c.pending) }

// Written returns the number of samples released so far.
func (c *SyncCoordinator) Written() uint64 { return c.written }

// OnVideoFrame records a video frame whose presentation ends at end and
// returns how many buffered samples are due, or 0 if this frame is not a
// flush point.
func (c *SyncCoordinator) OnVideoFrame(end time.Duration) int {
	c.frames++
	if c.cfg.FlushInterval > 0 {
		if end-c.lastFlush < c.cfg.FlushInterval {
			return 0
		}
	} else if c.frames%c.cfg.FlushEveryFrames != 0 {
		return 0
	}
	c.lastFlush = end
	return c.Due(end)
}

// Due returns how many buffered samples bring the written count up to
// elapsed, rounded down to whole blocks and capped by what is buffered.
func (c *SyncCoordinator) Due(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	perSecond := uint64(c.cfg.SampleRate * c.cfg.Channels)
	secs, rem := uint64(elapsed/time.Second), uint64(elapsed%time.Second)
	target := secs*perSecond + rem*perSecond/uint64(time.Second)
	if target <= c.written {
		return 0
	}
	n := int(target - c.written)
	if n > len(c.pending) {
		n = len(c.pending)
	}
	return n - n%c.unit
}

// Finish returns the number of samples left to release at finalization.
func (c *SyncCoordinator) Finish() int { return len(c.pending) }

// Drain moves the first n buffered samples into dst, which is grown if
// needed, and counts them as written.
func (c *SyncCoordinator) Drain(dst []float32, n int) []float32 {
	if n > len(c.pending) {
		n = len(c.pending)
	}
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	copy(dst, c.pending[:n])
	rest := copy(c.pending, c.pending[n:])
	c.pending = c.pending[:rest]
	c.written += uint64(n)
	return dst
}
