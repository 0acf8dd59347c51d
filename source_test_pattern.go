package capture

import (
	"math"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// TestPatternConfig configures a test pattern generator.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 1280)
	Height  int         // Frame height (default: 720)
	FPS     int         // Frames per second (default: 30)
	Pattern PatternType // Pattern type (default: ColorBars)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)
}

// TestPattern renders synthetic RGBA u8 frames, like a game or renderer
// would hand them to a capture context. The returned frame reuses one
// buffer, so each call overwrites the previous frame's pixels.
type TestPattern struct {
	config     TestPatternConfig
	data       []byte
	frameCount uint64
	rngState   uint64
}

// NewTestPattern creates a generator.
func NewTestPattern(config TestPatternConfig) *TestPattern {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	return &TestPattern{
		config:   config,
		data:     make([]byte, config.Width*config.Height*4),
		rngState: 0x9E3779B97F4A7C15,
	}
}

// Next renders the next frame. Its timestamp is frameCount/FPS.
func (s *TestPattern) Next() *Frame {
	n := s.frameCount
	s.frameCount++

	switch s.config.Pattern {
	case PatternGradient:
		s.fill(func(x, _ int) (r, g, b uint8) {
			v := uint8(x * 255 / s.config.Width)
			return v, v, v
		})
	case PatternCheckerboard:
		size := s.config.CheckerSize
		s.fill(func(x, y int) (r, g, b uint8) {
			if ((x/size)+(y/size))%2 == 0 {
				return 255, 255, 255
			}
			return 0, 0, 0
		})
	case PatternSolidColor:
		s.fill(func(_, _ int) (r, g, b uint8) { return s.config.SolidR, s.config.SolidG, s.config.SolidB })
	case PatternNoise:
		s.fill(func(_, _ int) (r, g, b uint8) {
			// xorshift64
			s.rngState ^= s.rngState << 13
			s.rngState ^= s.rngState >> 7
			s.rngState ^= s.rngState << 17
			v := uint8(s.rngState)
			return v, v, v
		})
	case PatternMovingBox:
		s.movingBox(n)
	default:
		barWidth := max(s.config.Width/8, 1)
		s.fill(func(x, _ int) (r, g, b uint8) {
			rgb := colorBarsRGB[min(x/barWidth, 7)]
			return rgb[0], rgb[1], rgb[2]
		})
	}

	fps := time.Duration(s.config.FPS)
	return &Frame{
		Data:      s.data,
		Width:     s.config.Width,
		Height:    s.config.Height,
		Format:    PixelFormatRGBA8,
		Timestamp: time.Duration(n) * time.Second / fps,
		Duration:  time.Second / fps,
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [8][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *TestPattern) fill(px func(x, y int) (r, g, b uint8)) {
	w, h := s.config.Width, s.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			s.data[i], s.data[i+1], s.data[i+2] = px(x, y)
			s.data[i+3] = 255
		}
	}
}

func (s *TestPattern) movingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height
	boxSize := max(min(w, h)/8, 1)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05 // Radians per frame
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	s.fill(func(x, y int) (r, g, b uint8) {
		if x >= boxX && x < boxX+boxSize && y >= boxY && y < boxY+boxSize {
			return 255, 255, 255
		}
		return 0, 0, 0
	})
}

// SineSource produces an interleaved sine tone in [-1,1].
type SineSource struct {
	SampleRate int
	Channels   int
	Frequency  float64
	Amplitude  float64

	phase float64
}

// Read fills dst with whole sample frames and returns the number of samples
// written.
func (s *SineSource) Read(dst []float32) int {
	amp := s.Amplitude
	if amp == 0 {
		amp = 0.5
	}
	step := 2 * math.Pi * s.Frequency / float64(s.SampleRate)
	frames := len(dst) / s.Channels
	for i := 0; i < frames; i++ {
		v := float32(amp * math.Sin(s.phase))
		for c := 0; c < s.Channels; c++ {
			dst[i*s.Channels+c] = v
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return frames * s.Channels
}
