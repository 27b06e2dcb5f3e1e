package ports

import (
	"context"

	"github.com/airenas/memo-transcriber/internal/domain"
)

// Constraints describes how the microphone should be opened
type Constraints struct {
	Command          string
	InputFormat      string
	Device           string
	EchoCancelDevice string
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Microphone acquires an input stream
type Microphone interface {
	Open(ctx context.Context, c Constraints) (MicStream, error)
}

// MicStream is a live stream of 16 bit PCM audio
type MicStream interface {
	Read(p []byte) (int, error)
	// Stop releases the device, must be safe to call more than once
	Stop() error
}

// RecognitionResult is one incremental or final result of a recognizer
type RecognitionResult struct {
	Transcript string
	Final      bool
}

// RecognizerListener receives recognizer events
type RecognizerListener interface {
	OnResults(results []RecognitionResult)
	OnError(err error)
	OnEnd()
}

// Recognizer is an event driven speech recognizer running next to the capture
type Recognizer interface {
	Start(l RecognizerListener) error
	Accept(slice *domain.AudioSlice) error
	Stop() error
}
