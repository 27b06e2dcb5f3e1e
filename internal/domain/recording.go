package domain

import "time"

// TimedSegment is a transcript segment with its position in the recording
type TimedSegment struct {
	ID        string       `json:"id"`
	Speaker   SpeakerLabel `json:"speaker,omitempty"`
	Text      string       `json:"text"`
	StartTime float64      `json:"startTime"`
	EndTime   float64      `json:"endTime"`
}

// Recording is the persisted result of a session
type Recording struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Duration      float64        `json:"duration"`
	CreatedAt     time.Time      `json:"createdAt"`
	IsPinned      bool           `json:"isPinned"`
	IsTranscribed bool           `json:"isTranscribed"`
	Transcript    []TimedSegment `json:"transcript,omitempty"`
	Text          string         `json:"text,omitempty"`
	AudioFormat   string         `json:"audioFormat,omitempty"`
}

// RecordingUpdate holds optional changes of a recording
type RecordingUpdate struct {
	Title      *string        `json:"title,omitempty"`
	Transcript []TimedSegment `json:"transcript,omitempty"`
}

// Apply copies set fields to the recording
func (u *RecordingUpdate) Apply(r *Recording) {
	if u.Title != nil {
		r.Title = *u.Title
	}
	if u.Transcript != nil {
		r.Transcript = u.Transcript
		r.IsTranscribed = len(u.Transcript) > 0
	}
}
