package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/ports"
	"github.com/airenas/memo-transcriber/internal/transcript"
	"github.com/facebookgo/clock"
	"github.com/oklog/ulid/v2"
)

// RemoteClient is the serialized remote transcription queue
type RemoteClient interface {
	Enqueue(slice *domain.AudioSlice)
	ProcessNext(ctx context.Context) ([]domain.Segment, bool)
	Drain(ctx context.Context, emit func([]domain.Segment)) int
	Keep(n int) int
	Clear() int
	Reset()
}

// Config of the engine timings
type Config struct {
	// Watchdog is the time the local recognizer gets to produce the first result
	Watchdog time.Duration
	// PollInterval is the remote queue polling period
	PollInterval time.Duration
	// MaxLocalBacklog limits slices kept for remote while the local recognizer works
	MaxLocalBacklog int
}

// DefaultConfig returns production timings
func DefaultConfig() Config {
	return Config{Watchdog: 1800 * time.Millisecond, PollInterval: 250 * time.Millisecond, MaxLocalBacklog: 30}
}

// Option configures Engine
type Option func(*Engine)

// WithClock sets the clock used for the watchdog and polling
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithConfig overrides timings, zero values keep defaults
func WithConfig(c Config) Option {
	return func(e *Engine) {
		if c.Watchdog > 0 {
			e.cfg.Watchdog = c.Watchdog
		}
		if c.PollInterval > 0 {
			e.cfg.PollInterval = c.PollInterval
		}
		if c.MaxLocalBacklog > 0 {
			e.cfg.MaxLocalBacklog = c.MaxLocalBacklog
		}
	}
}

// Engine chooses between the local recognizer and the remote client for
// a session and feeds the transcript with the results of the active path.
type Engine struct {
	cfg        Config
	clock      clock.Clock
	local      Local
	remote     RemoteClient
	transcript *transcript.Accumulator

	// serializes Start, Stop and Reset
	opLock sync.Mutex

	lock      sync.Mutex
	state     State
	sessionID string
	ctx       context.Context
	// attempt invalidates callbacks of older recognizers and timers
	attempt   int
	rec       ports.Recognizer
	hasResult bool
	interim   string
	watchdog  *clock.Timer
	poll      *clock.Timer
	inflight  sync.WaitGroup
}

// New creates engine
func New(local Local, remote RemoteClient, acc *transcript.Accumulator, opts ...Option) (*Engine, error) {
	if remote == nil {
		return nil, errors.New("no remote client")
	}
	if acc == nil {
		return nil, errors.New("no transcript")
	}
	res := &Engine{cfg: DefaultConfig(), clock: clock.New(), local: local, remote: remote, transcript: acc, ctx: context.Background()}
	for _, o := range opts {
		o(res)
	}
	goapp.Log.Info().Bool("local", local.Available()).Dur("watchdog", res.cfg.Watchdog).
		Dur("poll", res.cfg.PollInterval).Int("backlog", res.cfg.MaxLocalBacklog).Msg("Engine")
	return res, nil
}

// Start begins a new session. The transcript of the previous session is cleared.
func (e *Engine) Start(ctx context.Context) (string, error) {
	e.opLock.Lock()
	defer e.opLock.Unlock()

	e.lock.Lock()
	if e.state != Idle {
		e.lock.Unlock()
		return "", domain.ErrSessionActive
	}
	e.attempt++
	e.sessionID = ulid.Make().String()
	e.ctx = context.WithoutCancel(ctx)
	e.hasResult, e.interim, e.rec = false, "", nil
	e.transcript.Reset()
	e.remote.Reset()
	id, attempt := e.sessionID, e.attempt
	if !e.local.Available() {
		goapp.Log.Info().Str("session", id).Msg("no local recognizer, using remote")
		e.startPollingLocked(RemoteActive)
		e.lock.Unlock()
		return id, nil
	}
	e.state = AttemptingLocal
	e.watchdog = e.clock.AfterFunc(e.cfg.Watchdog, func() { e.onWatchdog(attempt) })
	e.inflight.Add(1)
	go e.startLocal(attempt)
	e.lock.Unlock()
	return id, nil
}

// startLocal creates and starts the recognizer while the watchdog runs
func (e *Engine) startLocal(attempt int) {
	defer e.inflight.Done()
	rec, err := e.local.factory()
	if err == nil && rec == nil {
		err = errors.New("no recognizer")
	}
	if err == nil {
		err = rec.Start(&listener{e: e, attempt: attempt})
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if err != nil {
		if attempt == e.attempt && e.state == AttemptingLocal {
			e.fallbackLocked(fmt.Errorf("%w: start: %w", domain.ErrLocalRecognition, err))
		}
		return
	}
	if attempt != e.attempt || (e.state != AttemptingLocal && e.state != LocalActive) {
		goapp.Log.Debug().Str("state", e.state.String()).Msg("local recognizer started too late, releasing")
		e.releaseLocked(rec)
		return
	}
	e.rec = rec
	goapp.Log.Info().Str("session", e.sessionID).Msg("local recognizer started")
}

// Accept routes a captured slice to the active path.
// Slices are always buffered for remote until the local path is confirmed.
func (e *Engine) Accept(slice *domain.AudioSlice) {
	if slice == nil {
		return
	}
	e.lock.Lock()
	if e.state == Idle || e.state == Stopping {
		e.lock.Unlock()
		goapp.Log.Debug().Int("seq", slice.Seq).Msg("slice dropped, not streaming")
		return
	}
	e.remote.Enqueue(slice)
	var rec ports.Recognizer
	switch e.state {
	case LocalActive:
		if n := e.remote.Keep(e.cfg.MaxLocalBacklog); n > 0 {
			goapp.Log.Debug().Int("dropped", n).Msg("local backlog trimmed")
		}
		rec = e.rec
	case AttemptingLocal:
		rec = e.rec
	}
	e.lock.Unlock()

	if rec != nil {
		if err := rec.Accept(slice); err != nil {
			goapp.Log.Warn().Err(err).Int("seq", slice.Seq).Msg("local recognizer accept")
		}
	}
}

// Stop finishes the session: pending work is completed before it returns.
// Calling Stop on an idle engine does nothing.
func (e *Engine) Stop(ctx context.Context) {
	e.opLock.Lock()
	defer e.opLock.Unlock()

	e.lock.Lock()
	if e.state == Idle {
		e.lock.Unlock()
		return
	}
	prev, id := e.state, e.sessionID
	e.state = Stopping
	e.stopTimersLocked()
	rec := e.rec
	e.lock.Unlock()

	// recognizer flushes, its final results are still accepted
	if rec != nil {
		if err := rec.Stop(); err != nil {
			goapp.Log.Warn().Err(err).Msg("local recognizer stop")
		}
	}
	e.inflight.Wait()

	e.lock.Lock()
	e.attempt++
	local := rec != nil && e.hasResult
	e.rec, e.interim = nil, ""
	e.lock.Unlock()

	if local {
		n := e.remote.Clear()
		goapp.Log.Debug().Int("dropped", n).Msg("remote buffer cleared")
	} else {
		n := e.remote.Drain(ctx, func(s []domain.Segment) { e.transcript.Append(s...) })
		goapp.Log.Info().Int("slices", n).Msg("remote queue drained")
	}

	e.lock.Lock()
	e.state = Idle
	e.lock.Unlock()
	goapp.Log.Info().Str("session", id).Str("from", prev.String()).Bool("local", local).
		Int("segments", e.transcript.Len()).Msg("session stopped")
}

// Reset clears the transcript between sessions
func (e *Engine) Reset() error {
	e.opLock.Lock()
	defer e.opLock.Unlock()
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.state != Idle {
		return domain.ErrSessionActive
	}
	e.transcript.Reset()
	e.remote.Reset()
	e.interim = ""
	return nil
}

func (e *Engine) State() State {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state
}

func (e *Engine) SessionID() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.sessionID
}

// Interim returns the latest non final local text, it is never part of the transcript
func (e *Engine) Interim() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.interim
}

func (e *Engine) Transcript() *transcript.Accumulator {
	return e.transcript
}

func (e *Engine) onResults(attempt int, results []ports.RecognitionResult) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if attempt != e.attempt {
		return
	}
	switch e.state {
	case AttemptingLocal:
		e.state = LocalActive
		e.stopWatchdogLocked()
		e.remote.Keep(e.cfg.MaxLocalBacklog)
		goapp.Log.Info().Str("session", e.sessionID).Msg("local recognizer active")
	case LocalActive, Stopping:
	default:
		return
	}
	e.hasResult = true
	var finals []domain.Segment
	for _, r := range results {
		text := strings.TrimSpace(r.Transcript)
		if !r.Final {
			e.interim = text
			continue
		}
		e.interim = ""
		if text != "" {
			finals = append(finals, domain.Segment{Speaker: domain.DefaultSpeaker, Text: text})
		}
	}
	if len(finals) > 0 {
		e.remote.Clear()
		e.transcript.Append(finals...)
	}
}

func (e *Engine) onError(attempt int, err error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if attempt != e.attempt {
		return
	}
	switch e.state {
	case AttemptingLocal, LocalActive:
		e.fallbackLocked(fmt.Errorf("%w: %w", domain.ErrLocalRecognition, err))
	default:
		goapp.Log.Debug().Err(err).Str("state", e.state.String()).Msg("local recognizer error ignored")
	}
}

func (e *Engine) onEnd(attempt int) {
	e.lock.Lock()
	if attempt != e.attempt || (e.state != AttemptingLocal && e.state != LocalActive) {
		e.lock.Unlock()
		return
	}
	if !e.hasResult {
		e.fallbackLocked(fmt.Errorf("%w: ended without results", domain.ErrLocalRecognition))
		e.lock.Unlock()
		return
	}
	rec := e.rec
	if rec == nil {
		e.lock.Unlock()
		return
	}
	e.inflight.Add(1)
	e.lock.Unlock()
	defer e.inflight.Done()

	goapp.Log.Debug().Msg("local recognizer ended, restarting")
	err := rec.Start(&listener{e: e, attempt: attempt})

	e.lock.Lock()
	defer e.lock.Unlock()
	if attempt != e.attempt || (e.state != AttemptingLocal && e.state != LocalActive) {
		if err == nil {
			goapp.Log.Debug().Str("state", e.state.String()).Msg("session moved on, releasing restarted recognizer")
			e.releaseLocked(rec)
		}
		return
	}
	if err != nil {
		e.fallbackLocked(fmt.Errorf("%w: restart: %w", domain.ErrLocalRecognition, err))
	}
}

func (e *Engine) onWatchdog(attempt int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if attempt != e.attempt || e.state != AttemptingLocal || e.hasResult {
		return
	}
	e.fallbackLocked(fmt.Errorf("%w: no result in %s", domain.ErrLocalRecognition, e.cfg.Watchdog))
}

// fallbackLocked switches the session to remote for good
func (e *Engine) fallbackLocked(reason error) {
	goapp.Log.Warn().Err(reason).Str("session", e.sessionID).Str("from", e.state.String()).Msg("falling back to remote")
	e.attempt++
	e.stopWatchdogLocked()
	e.releaseLocked(e.rec)
	e.rec, e.interim = nil, ""
	e.startPollingLocked(FallingBackToRemote)
}

// releaseLocked stops a recognizer in the background, Stop waits for it
func (e *Engine) releaseLocked(rec ports.Recognizer) {
	if rec == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := rec.Stop(); err != nil {
			goapp.Log.Warn().Err(err).Msg("release local recognizer")
		}
	}()
}

func (e *Engine) startPollingLocked(state State) {
	e.state = state
	attempt := e.attempt
	e.poll = e.clock.AfterFunc(0, func() { e.pollTick(attempt) })
}

func (e *Engine) pollTick(attempt int) {
	e.lock.Lock()
	if attempt != e.attempt || (e.state != RemoteActive && e.state != FallingBackToRemote) {
		e.lock.Unlock()
		return
	}
	if e.state == FallingBackToRemote {
		e.state = RemoteActive
		goapp.Log.Info().Str("session", e.sessionID).Msg("remote transcription active")
	}
	e.inflight.Add(1)
	ctx := e.ctx
	e.lock.Unlock()
	defer e.inflight.Done()

	segments, _ := e.remote.ProcessNext(ctx)

	e.lock.Lock()
	defer e.lock.Unlock()
	if attempt != e.attempt {
		return
	}
	e.transcript.Append(segments...)
	if e.state == RemoteActive {
		e.poll = e.clock.AfterFunc(e.cfg.PollInterval, func() { e.pollTick(attempt) })
	}
}

func (e *Engine) stopTimersLocked() {
	e.stopWatchdogLocked()
	if e.poll != nil {
		e.poll.Stop()
		e.poll = nil
	}
}

func (e *Engine) stopWatchdogLocked() {
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
}

// listener binds recognizer callbacks to one attempt
type listener struct {
	e       *Engine
	attempt int
}

func (l *listener) OnResults(results []ports.RecognitionResult) {
	l.e.onResults(l.attempt, results)
}

func (l *listener) OnError(err error) {
	l.e.onError(l.attempt, err)
}

func (l *listener) OnEnd() {
	l.e.onEnd(l.attempt)
}
