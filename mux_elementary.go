package capture

import (
	"fmt"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// rtpWriter is implemented by pion's h264writer and oggwriter.
type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// ElementaryMuxer writes a single stream as an elementary file: H.264 as an
// Annex-B byte stream or Opus in Ogg. Packets go through an RTP packetizer
// and pion's media writers, so the same packets can be observed with OnRTP
// and forwarded to a live transport.
type ElementaryMuxer struct {
	sink Sink

	// OnRTP, when set, receives every RTP packet after it was written.
	OnRTP func(*rtp.Packet)

	// MTU bounds the RTP packet size. Zero uses DefaultMTU.
	MTU int

	streams    streamTable
	packetizer *RTPPacketizer
	writer     rtpWriter
}

// NewElementaryMuxer creates a muxer writing to sink.
func NewElementaryMuxer(sink Sink) *ElementaryMuxer {
	return &ElementaryMuxer{sink: sink}
}

func (m *ElementaryMuxer) AddStream(p StreamParams) (int, error) {
	return m.streams.add(p, func(p StreamParams) error {
		if len(m.streams.streams) > 0 {
			return fmt.Errorf("%w: elementary output carries one stream", ErrInvalidConfig)
		}
		ssrc := rand.Uint32()
		var err error
		switch {
		case p.Kind == StreamVideo && p.VideoCodec == VideoCodecH264:
			m.packetizer, err = NewVideoPacketizer(p.VideoCodec, ssrc, m.MTU)
			if err == nil {
				m.writer = h264writer.NewWith(sinkWriter{m.sink})
			}
		case p.Kind == StreamAudio && p.AudioCodec == AudioCodecOpus:
			if p.SampleRate <= 0 || p.Channels <= 0 {
				return fmt.Errorf("%w: opus stream needs rate and channels", ErrInvalidConfig)
			}
			m.packetizer, err = NewAudioPacketizer(p.AudioCodec, ssrc, m.MTU)
			if err == nil {
				w, werr := oggwriter.NewWith(sinkWriter{m.sink}, uint32(p.SampleRate), uint16(p.Channels))
				if werr != nil {
					return fmt.Errorf("%w: %v", ErrFatalIO, werr)
				}
				m.writer = w
			}
		default:
			return fmt.Errorf("%w: elementary %s stream", ErrCodecNotSupported, p.Kind)
		}
		return err
	})
}

func (m *ElementaryMuxer) WriteSample(index int, data []byte, info PacketInfo) error {
	p, err := m.streams.get(index)
	if err != nil {
		return err
	}
	if p.Kind == StreamVideo && len(p.CodecPrivate) > 0 && info.Keyframe {
		if sps, _ := parameterSets(data); sps == nil {
			// Out-of-band parameter sets go in front of every keyframe so the
			// writer and decoders can start there.
			data = append(append([]byte(nil), p.CodecPrivate...), data...)
		}
	}
	for _, pkt := range m.packetizer.Packetize(data, info) {
		if err := m.writer.WriteRTP(pkt); err != nil {
			return fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		if m.OnRTP != nil {
			m.OnRTP(pkt)
		}
	}
	return nil
}

// Finalize closes the media writer. The sink stays open.
func (m *ElementaryMuxer) Finalize() error {
	if m.writer == nil {
		return nil
	}
	if err := m.writer.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	return nil
}
