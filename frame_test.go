package capture

import (
	"errors"
	"testing"
	"time"
)

func TestPixelFormat_String(t *testing.T) {
	tests := []struct {
		format PixelFormat
		want   string
	}{
		{PixelFormatI420, "I420"},
		{PixelFormatNV12, "NV12"},
		{PixelFormatRGBA8, "u8x4"},
		{PixelFormatRGBAHalf, "f16x4"},
		{PixelFormatRFloat, "f32x1"},
		{PixelFormatRGBAi16, "i16x4"},
		{PixelFormat(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.format.String(); got != tt.want {
				t.Errorf("PixelFormat.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPixelFormat_Encoding(t *testing.T) {
	tests := []struct {
		format   PixelFormat
		typ      PixelType
		channels int
		size     int
	}{
		{PixelFormatR8, PixelTypeU8, 1, 1},
		{PixelFormatRGB8, PixelTypeU8, 3, 3},
		{PixelFormatRGBA8, PixelTypeU8, 4, 4},
		{PixelFormatRGBAHalf, PixelTypeF16, 4, 8},
		{PixelFormatRGBAFloat, PixelTypeF32, 4, 16},
		{PixelFormatRGBAi32, PixelTypeI32, 4, 16},
		{MakePixelFormat(PixelTypeI16, 2), PixelTypeI16, 2, 4},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			if got := tt.format.Type(); got != tt.typ {
				t.Errorf("Type() = %v, want %v", got, tt.typ)
			}
			if got := tt.format.Channels(); got != tt.channels {
				t.Errorf("Channels() = %d, want %d", got, tt.channels)
			}
			if got := tt.format.PixelSize(); got != tt.size {
				t.Errorf("PixelSize() = %d, want %d", got, tt.size)
			}
			if int(tt.format) != int(tt.typ)<<4|tt.channels {
				t.Errorf("format value = %#x, want type<<4|channels", int(tt.format))
			}
		})
	}
}

func TestPixelFormat_Valid(t *testing.T) {
	if !PixelFormatI420.Valid() || !PixelFormatNV12.Valid() {
		t.Error("planar formats should be valid")
	}
	if MakePixelFormat(PixelTypeU8, 5).Valid() {
		t.Error("5 channels should be invalid")
	}
	if MakePixelFormat(PixelTypeUnknown, 4).Valid() {
		t.Error("unknown type should be invalid")
	}
}

func TestPixelFormat_PlaneCount(t *testing.T) {
	tests := []struct {
		format PixelFormat
		want   int
	}{
		{PixelFormatI420, 3},
		{PixelFormatNV12, 2},
		{PixelFormatRGBA8, 1},
		{PixelFormatRGBAHalf, 1},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			if got := tt.format.PlaneCount(); got != tt.want {
				t.Errorf("PixelFormat.PlaneCount() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSampleFormat_BytesPerSample(t *testing.T) {
	tests := []struct {
		format SampleFormat
		want   int
	}{
		{SampleFormatS16, 2},
		{SampleFormatS24, 3},
		{SampleFormatS32, 4},
		{SampleFormatF32, 4},
		{SampleFormat(99), 0},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			if got := tt.format.BytesPerSample(); got != tt.want {
				t.Errorf("SampleFormat.BytesPerSample() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSampleFormatForBits(t *testing.T) {
	tests := []struct {
		bits  int
		float bool
		want  SampleFormat
	}{
		{16, false, SampleFormatS16},
		{24, false, SampleFormatS24},
		{32, false, SampleFormatS32},
		{32, true, SampleFormatF32},
		{8, false, SampleFormatUnknown},
	}
	for _, tt := range tests {
		if got := SampleFormatForBits(tt.bits, tt.float); got != tt.want {
			t.Errorf("SampleFormatForBits(%d, %v) = %v, want %v", tt.bits, tt.float, got, tt.want)
		}
	}
}

func TestI420Size(t *testing.T) {
	tests := []struct {
		width, height int
		want          int
	}{
		{1920, 1080, 1920*1080 + 2*(960*540)},
		{1280, 720, 1280*720 + 2*(640*360)},
		{2, 2, 4 + 2},
		{3, 3, 9 + 2*4},
	}

	for _, tt := range tests {
		if got := I420Size(tt.width, tt.height); got != tt.want {
			t.Errorf("I420Size(%d, %d) = %d, want %d", tt.width, tt.height, got, tt.want)
		}
	}
}

func TestFrame_RowPitchAndClone(t *testing.T) {
	f := &Frame{Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Width: 2, Height: 1, Format: PixelFormatRGBA8}
	if got := f.RowPitch(); got != 8 {
		t.Errorf("RowPitch() = %d, want 8", got)
	}
	f.Pitch = 12
	if got := f.RowPitch(); got != 12 {
		t.Errorf("RowPitch() = %d, want 12", got)
	}

	clone := f.Clone()
	clone.Data[0] = 99
	if f.Data[0] != 1 {
		t.Error("Clone shares pixel storage")
	}
}

func TestSampleBlock_Counts(t *testing.T) {
	b := &SampleBlock{Data: make([]byte, 24), Format: SampleFormatS16, Channels: 2}
	if got := b.Samples(); got != 12 {
		t.Errorf("Samples() = %d, want 12", got)
	}
	if got := b.Frames(); got != 6 {
		t.Errorf("Frames() = %d, want 6", got)
	}
}

func TestEncodedFrame_EachPacket(t *testing.T) {
	var f EncodedFrame
	f.Append([]byte{1, 2}, PacketInfo{Timestamp: time.Millisecond, Keyframe: true})
	f.Append([]byte{3}, PacketInfo{Timestamp: 2 * time.Millisecond})

	var got [][]byte
	err := f.EachPacket(func(data []byte, info PacketInfo) error {
		got = append(got, append([]byte(nil), data...))
		if info.Size != len(data) {
			t.Errorf("Size = %d, want %d", info.Size, len(data))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("EachPacket() error = %v", err)
	}
	if len(got) != 2 || len(got[0]) != 2 || got[1][0] != 3 {
		t.Fatalf("packets = %v", got)
	}

	stop := errors.New("stop")
	calls := 0
	if err := f.EachPacket(func([]byte, PacketInfo) error { calls++; return stop }); !errors.Is(err, stop) || calls != 1 {
		t.Errorf("EachPacket stop: err=%v calls=%d", err, calls)
	}

	f.Reset()
	if !f.Empty() || len(f.Data) != 0 {
		t.Error("Reset did not empty the frame")
	}
}
