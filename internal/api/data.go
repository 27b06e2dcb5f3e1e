package api

import "github.com/airenas/memo-transcriber/internal/domain"

// Kaldi gstreamer server messages, used by the local recognizer

type Hypothesis struct {
	Transcript    string          `json:"transcript"`
	Likelihood    float64         `json:"likelihood"`
	WordAlignment []WordAlignment `json:"word-alignment,omitempty"`
}

type WordAlignment struct {
	Start      float64 `json:"start"`
	Length     float64 `json:"length"`
	Word       string  `json:"word"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	Hypotheses []Hypothesis `json:"hypotheses"`
	Final      bool         `json:"final"`
}

type FullResult struct {
	Status        int     `json:"status"`
	Message       string  `json:"message,omitempty"`
	SegmentStart  float64 `json:"segment-start"`
	SegmentLength float64 `json:"segment-length"`
	TotalLength   float64 `json:"total-length"`
	Result        *Result `json:"result,omitempty"`
	Segment       int     `json:"segment"`
	ID            string  `json:"id,omitempty"`
}

// Kaldi status codes
const (
	StatusSuccess      = 0
	StatusNoSpeech     = 1
	StatusAborted      = 2
	StatusNotAvailable = 9
)

// EOS is sent to finish the audio stream
const EOS = "EOS"

// Remote chunk transcription service

type TranscribeRequest struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

type TranscribeSegment struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type TranscribeResponse struct {
	Segments []TranscribeSegment `json:"segments"`
	Text     string              `json:"text,omitempty"`
}

// Full audio transcription gateway

type FullTranscribeRequest struct {
	AudioBase64 string  `json:"audioBase64"`
	Duration    float64 `json:"duration"`
}

type FullTranscribeResponse struct {
	Transcript []domain.TimedSegment `json:"transcript"`
}

// HTTP service

type StartResponse struct {
	SessionID string `json:"sessionId"`
}

type Status struct {
	State       string  `json:"state"`
	SessionID   string  `json:"sessionId,omitempty"`
	EngineState string  `json:"engineState"`
	Elapsed     float64 `json:"elapsed"`
	Text        string  `json:"text"`
	Interim     string  `json:"interim,omitempty"`
}

type Transcript struct {
	Segments []domain.Segment `json:"segments"`
	Text     string           `json:"text"`
	Interim  string           `json:"interim,omitempty"`
}

type StopResponse struct {
	SessionID   string           `json:"sessionId"`
	RecordingID string           `json:"recordingId,omitempty"`
	Duration    float64          `json:"duration"`
	Segments    []domain.Segment `json:"segments"`
	Text        string           `json:"text"`
}

// TranscriptMsg is pushed to websocket subscribers
type TranscriptMsg struct {
	Event    string           `json:"event"`
	Offset   int              `json:"offset"`
	Segments []domain.Segment `json:"segments,omitempty"`
	Interim  string           `json:"interim,omitempty"`
}

const (
	EventSegments = "SEGMENTS"
	EventReset    = "RESET"
	EventSnapshot = "SNAPSHOT"
	EventInterim  = "INTERIM"
)

type Error struct {
	Error string `json:"error"`
}
