package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU is the RTP packet size budget used when none is configured.
const DefaultMTU = 1200

// rtpHeaderSize is the fixed RTP header without CSRCs or extensions.
const rtpHeaderSize = 12

// RTPPacketizer splits encoded packets into RTP packets with pion's payloaders.
// Timestamps come from the packet's presentation time on the codec clock.
type RTPPacketizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	clockRate   uint32
	marker      bool
	sequencer   rtp.Sequencer
	payloader   rtp.Payloader
	mu          sync.Mutex
}

// NewVideoPacketizer creates a packetizer for codec. mtu <= 0 uses DefaultMTU.
func NewVideoPacketizer(codec VideoCodec, ssrc uint32, mtu int) (*RTPPacketizer, error) {
	var payloader rtp.Payloader
	switch codec {
	case VideoCodecH264:
		payloader = &codecs.H264Payloader{}
	default:
		return nil, fmt.Errorf("%w: rtp %s", ErrCodecNotSupported, codec)
	}
	return newRTPPacketizer(payloader, ssrc, codec.DefaultPayloadType(), mtu, codec.ClockRate(), false), nil
}

// NewAudioPacketizer creates a packetizer for codec. mtu <= 0 uses DefaultMTU.
func NewAudioPacketizer(codec AudioCodec, ssrc uint32, mtu int) (*RTPPacketizer, error) {
	var payloader rtp.Payloader
	switch codec {
	case AudioCodecOpus:
		payloader = &codecs.OpusPayloader{}
	default:
		return nil, fmt.Errorf("%w: rtp %s", ErrCodecNotSupported, codec)
	}
	// Audio typically sets marker
	return newRTPPacketizer(payloader, ssrc, codec.DefaultPayloadType(), mtu, codec.ClockRate(), true), nil
}

func newRTPPacketizer(payloader rtp.Payloader, ssrc uint32, pt uint8, mtu int, clockRate uint32, marker bool) *RTPPacketizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &RTPPacketizer{
		ssrc:        ssrc,
		payloadType: pt,
		mtu:         mtu,
		clockRate:   clockRate,
		marker:      marker,
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   payloader,
	}
}

// Ticks converts a presentation time to the codec clock.
func (p *RTPPacketizer) Ticks(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	secs, rem := uint64(d/time.Second), uint64(d%time.Second)
	return uint32(secs*uint64(p.clockRate) + rem*uint64(p.clockRate)/uint64(time.Second))
}

// Packetize converts one encoded packet to RTP packets. For video the last
// packet of the access unit carries the marker bit.
func (p *RTPPacketizer) Packetize(data []byte, info PacketInfo) []*rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	payloads := p.payloader.Payload(uint16(p.mtu-rtpHeaderSize), data)
	ts := p.Ticks(info.Timestamp)

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         p.marker || i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}

func (p *RTPPacketizer) SSRC() uint32       { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *RTPPacketizer) PayloadType() uint8 { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *RTPPacketizer) MTU() int           { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }
