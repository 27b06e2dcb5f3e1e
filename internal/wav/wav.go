package wav

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Format of produced wav files
const Format = "audio/wav"

// MemBuffer is an in memory io.WriteSeeker required by the wav encoder
type MemBuffer struct {
	buf []byte
	pos int64
}

func (m *MemBuffer) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		newBuf := make([]byte, end)
		copy(newBuf, m.buf)
		m.buf = newBuf
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *MemBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.buf)) + offset
	default:
		return 0, fmt.Errorf("wrong whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	m.pos = newPos
	return newPos, nil
}

func (m *MemBuffer) Bytes() []byte {
	return m.buf
}

// FromPCM joins s16le chunks into one wav file
func FromPCM(chunks [][]byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("wrong format: rate %d, channels %d", sampleRate, channels)
	}
	var pcmData bytes.Buffer
	for _, chunk := range chunks {
		pcmData.Write(chunk)
	}

	raw := pcmData.Bytes()
	samples := make([]int, len(raw)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(raw[2*i]) | int16(raw[2*i+1])<<8)
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}

	wavBuf := &MemBuffer{buf: make([]byte, 0, len(raw)+44)}
	enc := wav.NewEncoder(wavBuf, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav: %w", err)
	}
	return wavBuf.Bytes(), nil
}

// Info describes a decoded wav file
type Info struct {
	SampleRate int
	Channels   int
	Samples    int
	Duration   time.Duration
}

// Inspect decodes wav headers and counts samples
func Inspect(data []byte) (*Info, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	res := &Info{SampleRate: int(d.SampleRate), Channels: int(d.NumChans), Samples: len(buf.Data)}
	if res.SampleRate > 0 && res.Channels > 0 {
		frames := res.Samples / res.Channels
		res.Duration = time.Duration(frames) * time.Second / time.Duration(res.SampleRate)
	}
	return res, nil
}

// PCMDuration returns the play time of s16le bytes
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := n / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
