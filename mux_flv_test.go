package capture

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

type parsedTag struct {
	Type      byte
	Timestamp uint32
	Data      []byte
}

func parseFLVTags(t *testing.T, b []byte) []parsedTag {
	t.Helper()
	var tags []parsedTag
	for len(b) > 0 {
		if len(b) < flvTagOverhead+4 {
			t.Fatalf("truncated tag: %d bytes left", len(b))
		}
		size := int(b[1])<<16 | int(b[2])<<8 | int(b[3])
		ts := uint32(b[7])<<24 | uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6])
		data := b[flvTagOverhead : flvTagOverhead+size]
		prev := binary.BigEndian.Uint32(b[flvTagOverhead+size:])
		if int(prev) != flvTagOverhead+size {
			t.Fatalf("PreviousTagSize = %d, want %d", prev, flvTagOverhead+size)
		}
		tags = append(tags, parsedTag{b[0], ts, data})
		b = b[flvTagOverhead+size+4:]
	}
	return tags
}

func TestFLVMuxer_VideoAndAudio(t *testing.T) {
	sink := NewMemorySink()
	m := NewFLVMuxer(sink)
	v, err := m.AddStream(StreamParams{Kind: StreamVideo, VideoCodec: VideoCodecH264, Width: 64, Height: 48, FPS: 30})
	if err != nil {
		t.Fatal(err)
	}
	a, err := m.AddStream(StreamParams{Kind: StreamAudio, AudioCodec: AudioCodecPCM, SampleRate: 48000, Channels: 2, SampleFormat: SampleFormatS16})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.WriteSample(v, annexB(testSPS, testPPS, testIDR), PacketInfo{Timestamp: 0, Keyframe: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteSample(a, make([]byte, 1920), PacketInfo{Timestamp: 0}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteSample(v, annexB(testP), PacketInfo{Timestamp: 33 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}

	b := sink.Bytes()
	if string(b[:3]) != "FLV" || b[4] != 0x05 {
		t.Fatalf("header = %x", b[:9])
	}
	tags := parseFLVTags(t, b[flvHeaderSize+4:])

	wantTypes := []byte{flvTagScript, flvTagVideo, flvTagVideo, flvTagAudio, flvTagVideo}
	if len(tags) != len(wantTypes) {
		t.Fatalf("got %d tags, want %d", len(tags), len(wantTypes))
	}
	for i, tag := range tags {
		if tag.Type != wantTypes[i] {
			t.Errorf("tag %d type = %d, want %d", i, tag.Type, wantTypes[i])
		}
	}

	seq := tags[1].Data
	if seq[0] != 0x17 || seq[1] != flvAVCSeqHdr || seq[5] != 1 {
		t.Errorf("sequence header = %x", seq[:6])
	}
	key := tags[2].Data
	if key[0] != 0x17 || key[1] != flvAVCNALU {
		t.Errorf("keyframe tag = %x", key[:5])
	}
	if n := binary.BigEndian.Uint32(key[5:]); int(n) != len(testIDR) {
		t.Errorf("NAL length = %d", n)
	}
	if tags[3].Data[0] != 0x3F {
		t.Errorf("audio flags = %#x, want 0x3f", tags[3].Data[0])
	}
	if len(tags[3].Data) != 1921 {
		t.Errorf("audio tag len = %d", len(tags[3].Data))
	}
	if tags[4].Data[0] != 0x27 || tags[4].Timestamp != 33 {
		t.Errorf("inter frame = %x ts %d", tags[4].Data[0], tags[4].Timestamp)
	}
}

func TestFLVMuxer_CodecPrivate(t *testing.T) {
	sink := NewMemorySink()
	m := NewFLVMuxer(sink)
	v, _ := m.AddStream(StreamParams{Kind: StreamVideo, VideoCodec: VideoCodecH264, CodecPrivate: annexB(testSPS, testPPS)})
	if err := m.WriteSample(v, annexB(testIDR), PacketInfo{Keyframe: true}); err != nil {
		t.Fatal(err)
	}
	tags := parseFLVTags(t, sink.Bytes()[flvHeaderSize+4:])
	if len(tags) != 3 {
		t.Fatalf("got %d tags, want 3", len(tags))
	}
}

func TestFLVMuxer_Rejects(t *testing.T) {
	m := NewFLVMuxer(NewMemorySink())
	tests := []struct {
		name   string
		params StreamParams
		want   error
	}{
		{"png video", StreamParams{Kind: StreamVideo, VideoCodec: VideoCodecPNG}, ErrCodecNotSupported},
		{"opus audio", StreamParams{Kind: StreamAudio, AudioCodec: AudioCodecOpus}, ErrCodecNotSupported},
		{"float pcm", StreamParams{Kind: StreamAudio, AudioCodec: AudioCodecPCM, SampleFormat: SampleFormatF32, Channels: 2}, ErrCodecNotSupported},
		{"six channels", StreamParams{Kind: StreamAudio, AudioCodec: AudioCodecPCM, SampleFormat: SampleFormatS16, Channels: 6}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.AddStream(tt.params); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	v, _ := m.AddStream(StreamParams{Kind: StreamVideo, VideoCodec: VideoCodecH264})
	if err := m.WriteSample(v, annexB(testIDR), PacketInfo{}); !errors.Is(err, ErrEncode) {
		t.Errorf("missing SPS: err = %v", err)
	}
}
