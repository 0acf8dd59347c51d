package capture

import (
	"fmt"
	"strings"
)

// ImageSequenceMuxer writes every video sample to its own file. Pattern is
// a fmt format with one integer verb for the frame number, such as
// "shots/frame_%05d.png".
type ImageSequenceMuxer struct {
	pattern string
	streams streamTable
	next    int

	// Open creates the file for one image. Defaults to CreateFileSink.
	Open func(path string) (SinkCloser, error)
}

// NewImageSequenceMuxer creates a muxer for pattern.
func NewImageSequenceMuxer(pattern string) (*ImageSequenceMuxer, error) {
	if strings.Count(pattern, "%") != 1 || strings.Contains(fmt.Sprintf(pattern, 0), "%!") {
		return nil, fmt.Errorf("%w: image pattern %q needs one %%d verb", ErrInvalidConfig, pattern)
	}
	return &ImageSequenceMuxer{
		pattern: pattern,
		Open:    func(path string) (SinkCloser, error) { return CreateFileSink(path) },
	}, nil
}

func (m *ImageSequenceMuxer) AddStream(p StreamParams) (int, error) {
	return m.streams.add(p, func(p StreamParams) error {
		if p.Kind != StreamVideo || p.VideoCodec != VideoCodecPNG {
			return fmt.Errorf("%w: image sequence needs a PNG video stream", ErrCodecNotSupported)
		}
		if len(m.streams.streams) > 0 {
			return fmt.Errorf("%w: image sequence carries one stream", ErrInvalidConfig)
		}
		return nil
	})
}

// Path returns the file name used for frame n.
func (m *ImageSequenceMuxer) Path(n int) string {
	return fmt.Sprintf(m.pattern, n)
}

func (m *ImageSequenceMuxer) WriteSample(index int, data []byte, _ PacketInfo) error {
	if _, err := m.streams.get(index); err != nil {
		return err
	}
	path := m.Path(m.next)
	m.next++

	f, err := m.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %v", ErrFatalIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFatalIO, path, err)
	}
	return nil
}

// Written returns the number of images written.
func (m *ImageSequenceMuxer) Written() int { return m.next }

func (m *ImageSequenceMuxer) Finalize() error { return nil }
