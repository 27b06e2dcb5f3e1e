package engine

import (
	"fmt"

	"github.com/airenas/memo-transcriber/internal/ports"
)

// State of the transcription engine
type State int

const (
	Idle State = iota
	AttemptingLocal
	LocalActive
	FallingBackToRemote
	RemoteActive
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AttemptingLocal:
		return "attempting-local"
	case LocalActive:
		return "local"
	case FallingBackToRemote:
		return "falling-back"
	case RemoteActive:
		return "remote"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Local tells if a local recognizer can be used on this host
type Local struct {
	factory func() (ports.Recognizer, error)
}

// NoLocalRecognizer means every session is transcribed remotely
func NoLocalRecognizer() Local {
	return Local{}
}

// LocalRecognizer provides a new recognizer for each session
func LocalRecognizer(factory func() (ports.Recognizer, error)) Local {
	return Local{factory: factory}
}

// Available returns true if a local recognizer may be attempted
func (l Local) Available() bool {
	return l.factory != nil
}
