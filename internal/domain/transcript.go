package domain

import (
	"fmt"
	"time"
)

// SpeakerLabel is a single letter speaker tag assigned by diarization
type SpeakerLabel string

// DefaultSpeaker is used when no diarization is available
const DefaultSpeaker SpeakerLabel = "A"

// Segment is one speaker tagged piece of transcript
type Segment struct {
	Speaker SpeakerLabel `json:"speaker"`
	Text    string       `json:"text"`
}

// AudioSlice is a chunk of captured audio, immutable once emitted
type AudioSlice struct {
	Seq    int       `json:"seq"`
	Format string    `json:"format"`
	Data   []byte    `json:"-"`
	At     time.Time `json:"at"`
}

// PCMFormat returns format tag of 16 bit little endian PCM audio
func PCMFormat(sampleRate, channels int) string {
	return fmt.Sprintf("audio/L16;rate=%d;channels=%d", sampleRate, channels)
}

// SessionState describes the lifecycle of a transcription session
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionStreaming
	// SessionStopping is set while the stopped session is finalized and saved
	SessionStopping
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionStreaming:
		return "streaming"
	case SessionStopping:
		return "stopping"
	case SessionStopped:
		return "stopped"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the terminal output of a finished session
type Result struct {
	SessionID   string        `json:"sessionId"`
	RecordingID string        `json:"recordingId,omitempty"`
	Audio       []byte        `json:"-"`
	AudioFormat string        `json:"audioFormat"`
	Duration    time.Duration `json:"duration"`
	Segments    []Segment     `json:"segments"`
	Text        string        `json:"text"`
}

// ParsePCMFormat extracts sample rate and channel count from a PCMFormat tag
func ParsePCMFormat(tag string) (sampleRate, channels int, ok bool) {
	if n, _ := fmt.Sscanf(tag, "audio/L16;rate=%d;channels=%d", &sampleRate, &channels); n != 2 {
		return 0, 0, false
	}
	return sampleRate, channels, sampleRate > 0 && channels > 0
}
