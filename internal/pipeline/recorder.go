package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/capture"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/engine"
	"github.com/airenas/memo-transcriber/internal/transcript"
	"github.com/oklog/ulid/v2"
)

// Capture is the microphone side of a session
type Capture interface {
	Start(ctx context.Context, sink func(*domain.AudioSlice)) error
	Stop() (*capture.Capture, error)
	Elapsed() time.Duration
}

// Engine transcribes captured slices
type Engine interface {
	Start(ctx context.Context) (string, error)
	Accept(slice *domain.AudioSlice)
	Stop(ctx context.Context)
	Reset() error
	State() engine.State
	Interim() string
	Transcript() *transcript.Accumulator
}

// Store persists finished recordings
type Store interface {
	SaveRecording(ctx context.Context, r *domain.Recording) error
	SaveAudio(ctx context.Context, id string, data []byte) error
}

// Refiner transcribes the whole recording after the session
type Refiner interface {
	Transcribe(ctx context.Context, audio []byte, duration time.Duration) ([]domain.TimedSegment, error)
}

// Option configures Recorder
type Option func(*Recorder)

// WithStore enables persisting of finished sessions
func WithStore(s Store) Option {
	return func(r *Recorder) { r.store = s }
}

// WithRefiner enables full audio transcription after stop
func WithRefiner(f Refiner) Option {
	return func(r *Recorder) { r.refiner = f }
}

// Recorder owns the lifecycle of a transcription session
type Recorder struct {
	capture Capture
	engine  Engine
	store   Store
	refiner Refiner

	lock      sync.Mutex
	state     domain.SessionState
	sessionID string
	result    *domain.Result
	// stopDone is closed when the running Stop finishes
	stopDone chan struct{}
}

// NewRecorder creates recorder
func NewRecorder(c Capture, e Engine, opts ...Option) (*Recorder, error) {
	if c == nil {
		return nil, errors.New("no capture")
	}
	if e == nil {
		return nil, errors.New("no engine")
	}
	res := &Recorder{capture: c, engine: e}
	for _, o := range opts {
		o(res)
	}
	goapp.Log.Info().Bool("store", res.store != nil).Bool("refiner", res.refiner != nil).Msg("Recorder")
	return res, nil
}

// Start opens the microphone and begins live transcription
func (r *Recorder) Start(ctx context.Context) (string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state == domain.SessionStreaming || r.state == domain.SessionStopping {
		return "", domain.ErrSessionActive
	}
	id, err := r.engine.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("start engine: %w", err)
	}
	if err := r.capture.Start(ctx, r.engine.Accept); err != nil {
		r.engine.Stop(ctx)
		goapp.Log.Error().Err(err).Str("session", id).Msg("capture start")
		return "", err
	}
	r.state, r.sessionID, r.result = domain.SessionStreaming, id, nil
	goapp.Log.Info().Str("session", id).Msg("session started")
	return id, nil
}

// Stop finishes the session and returns its result. Repeated calls return
// the same result, a call made while stopping waits for it.
// The work is not cancelled with ctx, a dropped request must not lose the tail.
func (r *Recorder) Stop(ctx context.Context) (*domain.Result, error) {
	r.lock.Lock()
	switch r.state {
	case domain.SessionStopped:
		res := r.result
		r.lock.Unlock()
		if res == nil {
			return nil, domain.ErrNoSession
		}
		return res, nil
	case domain.SessionStopping:
		done := r.stopDone
		r.lock.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return r.Result(), nil
	case domain.SessionStreaming:
	default:
		r.lock.Unlock()
		return nil, domain.ErrNoSession
	}
	r.state, r.stopDone = domain.SessionStopping, make(chan struct{})
	id, done := r.sessionID, r.stopDone
	r.lock.Unlock()

	ctx = context.WithoutCancel(ctx)
	c, err := r.capture.Stop()
	if err != nil {
		goapp.Log.Error().Err(err).Msg("capture stop")
		c = &capture.Capture{}
	}
	r.engine.Stop(ctx)

	segments := r.engine.Transcript().Segments()
	res := &domain.Result{
		SessionID:   id,
		Audio:       c.Audio,
		AudioFormat: c.Format,
		Duration:    c.Duration,
		Segments:    segments,
		Text:        transcript.JoinText(segments),
	}
	if r.store != nil {
		res.RecordingID = r.persist(ctx, res)
	}

	r.lock.Lock()
	r.state, r.result = domain.SessionStopped, res
	close(done)
	r.lock.Unlock()
	goapp.Log.Info().Str("session", res.SessionID).Str("recording", res.RecordingID).
		Dur("duration", res.Duration).Int("segments", len(segments)).Msg("session finished")
	return res, nil
}

// Discard stops the session without saving and clears the transcript
func (r *Recorder) Discard(ctx context.Context) error {
	r.lock.Lock()
	if r.state == domain.SessionStopping {
		done := r.stopDone
		r.lock.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.lock.Lock()
	}
	defer r.lock.Unlock()
	if r.state == domain.SessionStreaming {
		if _, err := r.capture.Stop(); err != nil {
			goapp.Log.Warn().Err(err).Msg("capture stop")
		}
		r.engine.Stop(ctx)
	}
	if err := r.engine.Reset(); err != nil {
		return err
	}
	goapp.Log.Info().Str("session", r.sessionID).Msg("session discarded")
	r.state, r.sessionID, r.result = domain.SessionIdle, "", nil
	return nil
}

// Status describes the current session
func (r *Recorder) Status() *api.Status {
	r.lock.Lock()
	state, id := r.state, r.sessionID
	var elapsed time.Duration
	if r.result != nil {
		elapsed = r.result.Duration
	}
	r.lock.Unlock()
	if state == domain.SessionStreaming || state == domain.SessionStopping {
		elapsed = r.capture.Elapsed()
	}
	return &api.Status{
		State:       state.String(),
		SessionID:   id,
		EngineState: r.engine.State().String(),
		Elapsed:     elapsed.Seconds(),
		Text:        r.engine.Transcript().Text(),
		Interim:     r.engine.Interim(),
	}
}

// Transcript returns the live transcript
func (r *Recorder) Transcript() *transcript.Accumulator {
	return r.engine.Transcript()
}

func (r *Recorder) Interim() string {
	return r.engine.Interim()
}

// Result returns the result of the last stopped session
func (r *Recorder) Result() *domain.Result {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.result
}

func (r *Recorder) persist(ctx context.Context, res *domain.Result) string {
	now := time.Now()
	rec := &domain.Recording{
		ID:          ulid.Make().String(),
		Title:       fmt.Sprintf("Recording %s", now.Format("Jan 2, 15:04")),
		Duration:    res.Duration.Seconds(),
		CreatedAt:   now,
		Text:        res.Text,
		AudioFormat: res.AudioFormat,
		Transcript:  timeSegments(res.Segments, res.Duration.Seconds()),
	}
	if r.refiner != nil && len(res.Audio) > 0 {
		refined, err := r.refiner.Transcribe(ctx, res.Audio, res.Duration)
		if err != nil {
			goapp.Log.Error().Err(err).Msg("full transcription, keeping live transcript")
		} else if len(refined) > 0 {
			rec.Transcript, rec.IsTranscribed = refined, true
		}
	}
	if len(res.Audio) > 0 {
		if err := r.store.SaveAudio(ctx, rec.ID, res.Audio); err != nil {
			goapp.Log.Error().Err(err).Str("id", rec.ID).Msg("save audio")
			return ""
		}
	}
	if err := r.store.SaveRecording(ctx, rec); err != nil {
		goapp.Log.Error().Err(err).Str("id", rec.ID).Msg("save recording")
		return ""
	}
	return rec.ID
}

// timeSegments spreads live segments over the recording by text length
func timeSegments(segments []domain.Segment, duration float64) []domain.TimedSegment {
	total := 0
	for _, s := range segments {
		total += len(s.Text)
	}
	res := make([]domain.TimedSegment, 0, len(segments))
	pos := 0
	for i, s := range segments {
		ts := domain.TimedSegment{ID: fmt.Sprintf("l%d", i+1), Speaker: s.Speaker, Text: s.Text}
		if total > 0 {
			ts.StartTime = duration * float64(pos) / float64(total)
			pos += len(s.Text)
			ts.EndTime = duration * float64(pos) / float64(total)
		}
		res = append(res, ts)
	}
	return res
}
