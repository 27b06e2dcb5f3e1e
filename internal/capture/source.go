package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/ports"
	"github.com/airenas/memo-transcriber/internal/wav"
	"github.com/facebookgo/clock"
)

// Config of the capture source
type Config struct {
	Constraints   ports.Constraints
	SliceInterval time.Duration
	TickInterval  time.Duration
	ReadSize      int
	// StopTimeout limits the wait for the reader after the stream is stopped
	StopTimeout time.Duration
}

// Capture is the artifact of a finished capture
type Capture struct {
	Audio    []byte
	Format   string
	Duration time.Duration
	Slices   int
}

// Option configures Source
type Option func(*Source)

// WithClock sets the clock for duration and ticks
func WithClock(c clock.Clock) Option {
	return func(s *Source) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithTick sets a callback receiving elapsed time while streaming
func WithTick(f func(time.Duration)) Option {
	return func(s *Source) { s.onTick = f }
}

// Source reads the microphone and cuts the audio into fixed length slices
type Source struct {
	mic    ports.Microphone
	clock  clock.Clock
	cfg    Config
	onTick func(time.Duration)

	lock      sync.Mutex
	streaming bool
	stopping  bool
	stream    ports.MicStream
	sink      func(*domain.AudioSlice)
	startedAt time.Time
	pcm       []byte
	pending   []byte
	seq       int
	tick      *clock.Timer
	readDone  chan struct{}
	stopDone  chan struct{}
	result    *Capture
	resultErr error
}

// NewSource creates source
func NewSource(mic ports.Microphone, cfg Config, opts ...Option) (*Source, error) {
	if mic == nil {
		return nil, errors.New("no microphone")
	}
	if cfg.Constraints.SampleRate <= 0 {
		cfg.Constraints.SampleRate = 16000
	}
	if cfg.Constraints.Channels <= 0 {
		cfg.Constraints.Channels = 1
	}
	if cfg.SliceInterval <= 0 {
		cfg.SliceInterval = time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.ReadSize < 256 {
		cfg.ReadSize = 4096
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	res := &Source{mic: mic, cfg: cfg, clock: clock.New()}
	for _, o := range opts {
		o(res)
	}
	goapp.Log.Info().Int("rate", cfg.Constraints.SampleRate).Int("channels", cfg.Constraints.Channels).
		Dur("slice", cfg.SliceInterval).Msg("Capture")
	return res, nil
}

// SliceBytes returns the size of one full slice
func (s *Source) SliceBytes() int {
	c := s.cfg.Constraints
	frames := int(int64(c.SampleRate) * int64(s.cfg.SliceInterval) / int64(time.Second))
	return frames * c.Channels * 2
}

// Constraints returns the microphone constraints with defaults applied
func (s *Source) Constraints() ports.Constraints {
	return s.cfg.Constraints
}

// Format returns the format tag of emitted slices
func (s *Source) Format() string {
	return domain.PCMFormat(s.cfg.Constraints.SampleRate, s.cfg.Constraints.Channels)
}

// Start opens the microphone, slices are passed to sink until Stop
func (s *Source) Start(ctx context.Context, sink func(*domain.AudioSlice)) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.streaming {
		return domain.ErrSessionActive
	}
	// the stream outlives the start request
	stream, err := s.mic.Open(context.WithoutCancel(ctx), s.cfg.Constraints)
	if err != nil {
		return asCaptureError(err)
	}
	s.streaming, s.stopping = true, false
	s.stream, s.sink = stream, sink
	s.startedAt = s.clock.Now()
	s.pcm, s.pending, s.seq = nil, nil, 0
	s.result, s.resultErr = nil, nil
	s.readDone, s.stopDone = make(chan struct{}), make(chan struct{})
	s.tick = s.clock.AfterFunc(s.cfg.TickInterval, s.tickFunc)
	go s.read(stream, s.readDone)
	goapp.Log.Info().Msg("capture started")
	return nil
}

// Elapsed returns the capture time so far or the final duration after Stop
func (s *Source) Elapsed() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.streaming && !s.stopping {
		return s.clock.Now().Sub(s.startedAt)
	}
	if s.result != nil {
		return s.result.Duration
	}
	return 0
}

// Streaming returns true between Start and Stop
func (s *Source) Streaming() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.streaming && !s.stopping
}

// Stop halts slice emission, releases the stream and returns the captured audio.
// Repeated calls return the same capture.
func (s *Source) Stop() (*Capture, error) {
	s.lock.Lock()
	if s.result != nil || s.resultErr != nil {
		defer s.lock.Unlock()
		return s.result, s.resultErr
	}
	if !s.streaming {
		s.lock.Unlock()
		return nil, domain.ErrNoSession
	}
	if s.stopping {
		done := s.stopDone
		s.lock.Unlock()
		<-done
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.result, s.resultErr
	}
	s.stopping = true
	duration := s.clock.Now().Sub(s.startedAt)
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
	}
	stream, readDone := s.stream, s.readDone
	s.lock.Unlock()

	if err := stream.Stop(); err != nil {
		goapp.Log.Warn().Err(err).Msg("stop stream")
	}
	select {
	case <-readDone:
	case <-time.After(s.cfg.StopTimeout):
		goapp.Log.Warn().Msg("capture reader did not finish")
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	c := s.cfg.Constraints
	goapp.Log.Debug().Dur("clock", duration).Dur("audio", wav.PCMDuration(len(s.pcm), c.SampleRate, c.Channels)).
		Msg("captured")
	audio, err := wav.FromPCM([][]byte{s.pcm}, c.SampleRate, c.Channels)
	if err != nil {
		s.resultErr = fmt.Errorf("encode audio: %w", err)
	} else {
		s.result = &Capture{Audio: audio, Format: wav.Format, Duration: duration, Slices: s.seq}
	}
	s.streaming, s.stream, s.sink = false, nil, nil
	s.pcm, s.pending = nil, nil
	close(s.stopDone)
	goapp.Log.Info().Dur("duration", duration).Int("slices", s.seq).Msg("capture stopped")
	return s.result, s.resultErr
}

func (s *Source) read(stream ports.MicStream, done chan struct{}) {
	defer close(done)
	buf := make([]byte, s.cfg.ReadSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			s.consume(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.Streaming() {
				goapp.Log.Error().Err(err).Msg("audio capture")
			}
			return
		}
	}
}

func (s *Source) consume(data []byte) {
	s.lock.Lock()
	if s.stopping || !s.streaming {
		s.lock.Unlock()
		return
	}
	s.pcm = append(s.pcm, data...)
	s.pending = append(s.pending, data...)
	size := s.SliceBytes()
	var slices []*domain.AudioSlice
	for len(s.pending) >= size {
		d := make([]byte, size)
		copy(d, s.pending)
		s.pending = s.pending[size:]
		slices = append(slices, &domain.AudioSlice{Seq: s.seq, Format: s.Format(), Data: d, At: s.clock.Now()})
		s.seq++
	}
	sink := s.sink
	s.lock.Unlock()

	if sink == nil {
		return
	}
	for _, sl := range slices {
		sink(sl)
	}
}

func (s *Source) tickFunc() {
	s.lock.Lock()
	if !s.streaming || s.stopping {
		s.lock.Unlock()
		return
	}
	elapsed := s.clock.Now().Sub(s.startedAt)
	s.tick = s.clock.AfterFunc(s.cfg.TickInterval, s.tickFunc)
	f := s.onTick
	s.lock.Unlock()
	if f != nil {
		f(elapsed)
	}
}

func asCaptureError(err error) error {
	var pe *domain.PermissionError
	var de *domain.DeviceError
	if errors.As(err, &pe) || errors.As(err, &de) {
		return err
	}
	return &domain.DeviceError{Err: err}
}
