package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/yutopp/go-amf0"
)

// FLV tag types
const (
	flvTagAudio  = 8
	flvTagVideo  = 9
	flvTagScript = 18
)

const (
	flvHeaderSize = 9

	flvCodecAVC    = 7
	flvSoundPCMLE  = 3
	flvFrameKey    = 1
	flvFrameInter  = 2
	flvAVCSeqHdr   = 0
	flvAVCNALU     = 1
	flvTagOverhead = 11
)

// flvFileHeader returns the 9-byte FLV header followed by PreviousTagSize0.
func flvFileHeader(hasAudio, hasVideo bool) []byte {
	h := make([]byte, flvHeaderSize+4)
	copy(h, "FLV")
	h[3] = 1
	if hasAudio {
		h[4] |= 0x04
	}
	if hasVideo {
		h[4] |= 0x01
	}
	binary.BigEndian.PutUint32(h[5:], flvHeaderSize)
	return h
}

// appendFLVTag appends one tag and its trailing PreviousTagSize.
func appendFLVTag(dst []byte, tagType byte, timestamp uint32, data []byte) []byte {
	size := uint32(len(data))
	dst = append(dst,
		tagType,
		byte(size>>16), byte(size>>8), byte(size),
		byte(timestamp>>16), byte(timestamp>>8), byte(timestamp),
		byte(timestamp>>24), // TimestampExtended
		0, 0, 0, // StreamID
	)
	dst = append(dst, data...)
	return binary.BigEndian.AppendUint32(dst, flvTagOverhead+size)
}

// flvTag is a tag body before framing, shared by the file and RTMP muxers.
type flvTag struct {
	Type      byte
	Timestamp uint32 // milliseconds
	Data      []byte
}

func flvMillis(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	return uint32(d / time.Millisecond)
}

// flvPacker turns encoded packets into FLV tag bodies. H.264 arrives as
// Annex-B and leaves as AVCC; PCM must be signed 16-bit.
type flvPacker struct {
	streams streamTable

	sentSeqHeader bool
	buf           []byte
}

func (p *flvPacker) addStream(params StreamParams) (int, error) {
	return p.streams.add(params, func(params StreamParams) error {
		for _, s := range p.streams.streams {
			if s.Kind == params.Kind {
				return fmt.Errorf("%w: flv carries one %s stream", ErrInvalidConfig, params.Kind)
			}
		}
		switch params.Kind {
		case StreamVideo:
			if params.VideoCodec != VideoCodecH264 {
				return fmt.Errorf("%w: flv video %s", ErrCodecNotSupported, params.VideoCodec)
			}
		case StreamAudio:
			if params.AudioCodec != AudioCodecPCM || params.SampleFormat != SampleFormatS16 {
				return fmt.Errorf("%w: flv audio must be 16-bit PCM", ErrCodecNotSupported)
			}
			if params.Channels < 1 || params.Channels > 2 {
				return fmt.Errorf("%w: flv audio supports 1 or 2 channels", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: stream kind %d", ErrInvalidConfig, params.Kind)
		}
		return nil
	})
}

func (p *flvPacker) has(kind StreamKind) bool {
	for _, s := range p.streams.streams {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// metadata returns the onMetaData script tag body.
func (p *flvPacker) metadata() ([]byte, error) {
	meta := map[string]interface{}{}
	for _, s := range p.streams.streams {
		switch s.Kind {
		case StreamVideo:
			meta["width"] = float64(s.Width)
			meta["height"] = float64(s.Height)
			meta["framerate"] = float64(s.FPS)
			meta["videocodecid"] = float64(flvCodecAVC)
		case StreamAudio:
			meta["audiosamplerate"] = float64(s.SampleRate)
			meta["audiosamplesize"] = float64(16)
			meta["stereo"] = s.Channels == 2
			meta["audiocodecid"] = float64(flvSoundPCMLE)
		}
	}
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode("onMetaData"); err != nil {
		return nil, err
	}
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pack converts one packet to zero or more tags. Tag data aliases an
// internal buffer that is reused by the next call.
func (p *flvPacker) pack(index int, data []byte, info PacketInfo) ([]flvTag, error) {
	s, err := p.streams.get(index)
	if err != nil {
		return nil, err
	}
	ts := flvMillis(info.Timestamp)

	if s.Kind == StreamAudio {
		flags := byte(flvSoundPCMLE<<4) | flvRateCode(s.SampleRate)<<2 | 1<<1
		if s.Channels == 2 {
			flags |= 1
		}
		p.buf = append(append(p.buf[:0], flags), data...)
		return []flvTag{{Type: flvTagAudio, Timestamp: ts, Data: p.buf}}, nil
	}

	var tags []flvTag
	p.buf = p.buf[:0]
	if !p.sentSeqHeader {
		sps, pps := parameterSets(data)
		if sps == nil || pps == nil {
			sps, pps = parameterSets(s.CodecPrivate)
		}
		if sps == nil || pps == nil {
			return nil, fmt.Errorf("%w: first H.264 packet carries no SPS/PPS", ErrEncode)
		}
		rec, err := avcDecoderConfig(sps, pps)
		if err != nil {
			return nil, err
		}
		p.buf = append(p.buf, flvFrameKey<<4|flvCodecAVC, flvAVCSeqHdr, 0, 0, 0)
		p.buf = append(p.buf, rec...)
		tags = append(tags, flvTag{Type: flvTagVideo, Timestamp: ts, Data: p.buf})
		p.sentSeqHeader = true
	}

	start := len(p.buf)
	p.buf = append(p.buf, 0, flvAVCNALU, 0, 0, 0)
	var key bool
	p.buf, key = annexBToAVCC(p.buf, data)
	if len(p.buf) == start+5 {
		return tags, nil
	}
	frameType := byte(flvFrameInter)
	if key || info.Keyframe {
		frameType = flvFrameKey
	}
	p.buf[start] = frameType<<4 | flvCodecAVC
	// Slices may have moved when the buffer grew.
	if len(tags) > 0 {
		tags[0].Data = p.buf[:start]
	}
	return append(tags, flvTag{Type: flvTagVideo, Timestamp: ts, Data: p.buf[start:]}), nil
}

// flvRateCode maps a sample rate to the 2-bit FLV SoundRate field. FLV has no
// code for 48 kHz; players read the 44 kHz code with the real rate taken from
// metadata.
func flvRateCode(rate int) byte {
	switch {
	case rate < 11025:
		return 0
	case rate < 22050:
		return 1
	case rate < 44100:
		return 2
	default:
		return 3
	}
}

// FLVMuxer writes H.264 video and 16-bit PCM audio to an FLV file. It never
// seeks, so any Sink works, including stream-only CustomSinks.
type FLVMuxer struct {
	sink   Sink
	packer flvPacker
	out    []byte
	header bool
}

// NewFLVMuxer creates an FLV muxer writing to sink.
func NewFLVMuxer(sink Sink) *FLVMuxer {
	return &FLVMuxer{sink: sink}
}

func (m *FLVMuxer) AddStream(params StreamParams) (int, error) {
	return m.packer.addStream(params)
}

func (m *FLVMuxer) writeHeader() error {
	m.out = append(m.out[:0], flvFileHeader(m.packer.has(StreamAudio), m.packer.has(StreamVideo))...)
	meta, err := m.packer.metadata()
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrFatalIO, err)
	}
	m.out = appendFLVTag(m.out, flvTagScript, 0, meta)
	if _, err := m.sink.Write(m.out); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	m.header = true
	return nil
}

func (m *FLVMuxer) WriteSample(index int, data []byte, info PacketInfo) error {
	if !m.header {
		if err := m.writeHeader(); err != nil {
			return err
		}
	}
	tags, err := m.packer.pack(index, data, info)
	if err != nil {
		return err
	}
	m.out = m.out[:0]
	for _, t := range tags {
		m.out = appendFLVTag(m.out, t.Type, t.Timestamp, t.Data)
	}
	if len(m.out) == 0 {
		return nil
	}
	if _, err := m.sink.Write(m.out); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	return nil
}

// Finalize writes the header if nothing was written yet.
func (m *FLVMuxer) Finalize() error {
	if !m.header && len(m.packer.streams.streams) > 0 {
		return m.writeHeader()
	}
	return nil
}
