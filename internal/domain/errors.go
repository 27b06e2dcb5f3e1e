package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrLocalRecognition is reported when the local recognizer fails or stays silent
	ErrLocalRecognition = errors.New("local recognition failed")
	// ErrRemoteTranscription is reported when one remote call fails
	ErrRemoteTranscription = errors.New("remote transcription failed")
	// ErrMalformedResponse is reported for unparseable remote payloads
	ErrMalformedResponse = errors.New("malformed response")
	// ErrSessionActive is returned when an operation needs an idle session
	ErrSessionActive = errors.New("session is active")
	// ErrNoSession is returned when there is no session to stop
	ErrNoSession = errors.New("no active session")
	// ErrNotFound is returned by stores
	ErrNotFound = errors.New("not found")
)

// PermissionError indicates denied microphone access or missing input device
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone permission: %v", e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// DeviceError indicates a hardware or stream acquisition failure
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device: %v", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
