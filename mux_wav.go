package capture

import (
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// WAVMuxer writes one PCM audio stream as a RIFF/WAVE file. The header is
// written with zero sizes and patched by Finalize, so the sink must support
// Seek.
type WAVMuxer struct {
	sink    Sink
	streams streamTable

	start     int64
	dataBytes uint64
	header    bool
}

// NewWAVMuxer creates a WAV muxer writing to sink.
func NewWAVMuxer(sink Sink) *WAVMuxer {
	return &WAVMuxer{sink: sink}
}

func (m *WAVMuxer) AddStream(p StreamParams) (int, error) {
	return m.streams.add(p, func(p StreamParams) error {
		if p.Kind != StreamAudio || p.AudioCodec != AudioCodecPCM {
			return fmt.Errorf("%w: wav carries PCM audio only, got %s", ErrCodecNotSupported, p.Kind)
		}
		if len(m.streams.streams) > 0 {
			return fmt.Errorf("%w: wav carries one stream", ErrInvalidConfig)
		}
		if p.SampleFormat == SampleFormatUnknown || p.Channels <= 0 || p.SampleRate <= 0 {
			return fmt.Errorf("%w: wav stream needs rate, channels and sample format", ErrInvalidConfig)
		}
		return nil
	})
}

func (m *WAVMuxer) WriteSample(index int, data []byte, _ PacketInfo) error {
	p, err := m.streams.get(index)
	if err != nil {
		return err
	}
	if !m.header {
		if m.start, err = m.sink.Tell(); err != nil {
			return fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		if err := m.writeHeader(p, 0); err != nil {
			return err
		}
		m.header = true
	}
	if _, err := m.sink.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	m.dataBytes += uint64(len(data))
	return nil
}

// Finalize patches the RIFF and data chunk sizes.
func (m *WAVMuxer) Finalize() error {
	if len(m.streams.streams) == 0 {
		return nil
	}
	p := m.streams.streams[0]
	if !m.header {
		// Empty recording: still produce a valid file.
		var err error
		if m.start, err = m.sink.Tell(); err != nil {
			return fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		return m.writeHeader(p, 0)
	}

	end, err := m.sink.Tell()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	if m.dataBytes > 0xFFFFFFFF-wavHeaderSize {
		return fmt.Errorf("%w: wav data exceeds 4 GiB", ErrFatalIO)
	}
	if m.dataBytes%2 == 1 {
		// RIFF chunks are word aligned.
		if _, err := m.sink.Write([]byte{0}); err != nil {
			return fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		end++
	}
	if err := m.sink.Seek(m.start); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	if err := m.writeHeader(p, uint32(m.dataBytes)); err != nil {
		return err
	}
	if err := m.sink.Seek(end); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	return nil
}

func (m *WAVMuxer) writeHeader(p StreamParams, dataSize uint32) error {
	formatTag := uint16(1) // WAVE_FORMAT_PCM
	if p.SampleFormat == SampleFormatF32 {
		formatTag = 3 // WAVE_FORMAT_IEEE_FLOAT
	}
	blockAlign := uint16(p.Channels * p.SampleFormat.BytesPerSample())
	riffSize := 36 + dataSize + dataSize%2

	h := make([]byte, 0, wavHeaderSize)
	h = append(h, "RIFF"...)
	h = binary.LittleEndian.AppendUint32(h, riffSize)
	h = append(h, "WAVE"...)
	h = append(h, "fmt "...)
	h = binary.LittleEndian.AppendUint32(h, 16)
	h = binary.LittleEndian.AppendUint16(h, formatTag)
	h = binary.LittleEndian.AppendUint16(h, uint16(p.Channels))
	h = binary.LittleEndian.AppendUint32(h, uint32(p.SampleRate))
	h = binary.LittleEndian.AppendUint32(h, uint32(p.SampleRate)*uint32(blockAlign))
	h = binary.LittleEndian.AppendUint16(h, blockAlign)
	h = binary.LittleEndian.AppendUint16(h, uint16(p.SampleFormat.BitsPerSample()))
	h = append(h, "data"...)
	h = binary.LittleEndian.AppendUint32(h, dataSize)

	if _, err := m.sink.Write(h); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalIO, err)
	}
	return nil
}
