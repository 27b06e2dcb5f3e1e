package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/ports"
	"github.com/airenas/memo-transcriber/internal/remote"
	"github.com/airenas/memo-transcriber/internal/transcript"
	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	lock      sync.Mutex
	listeners []ports.RecognizerListener
	accepted  []int
	starts    int
	stops     int
	startErr  error
	// starts after the first gateAfter ones wait for gate to close
	gate      chan struct{}
	gateAfter int
	// onStop runs inside Stop with the current listener
	onStop func(l ports.RecognizerListener)
}

func (f *fakeRecognizer) Start(l ports.RecognizerListener) error {
	f.lock.Lock()
	f.starts++
	n, gate := f.starts, f.gate
	f.lock.Unlock()
	if gate != nil && n > f.gateAfter {
		<-gate
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.listeners = append(f.listeners, l)
	return nil
}

func (f *fakeRecognizer) Accept(slice *domain.AudioSlice) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.accepted = append(f.accepted, slice.Seq)
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.lock.Lock()
	f.stops++
	onStop, l := f.onStop, f.listener()
	f.lock.Unlock()
	if onStop != nil && l != nil {
		onStop(l)
	}
	return nil
}

func (f *fakeRecognizer) listener() ports.RecognizerListener {
	if len(f.listeners) == 0 {
		return nil
	}
	return f.listeners[len(f.listeners)-1]
}

func (f *fakeRecognizer) current() ports.RecognizerListener {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.listener()
}

func (f *fakeRecognizer) counts() (int, int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.starts, f.stops
}

type fakeTranscriber struct {
	lock sync.Mutex
	fail map[int]bool
	// resp overrides the default "t<seq>" answer
	resp map[int]*api.TranscribeResponse
	seen []int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, slice *domain.AudioSlice) (*api.TranscribeResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.seen = append(f.seen, slice.Seq)
	if f.fail[slice.Seq] {
		return nil, fmt.Errorf("%w: olia", domain.ErrRemoteTranscription)
	}
	if r, ok := f.resp[slice.Seq]; ok {
		return r, nil
	}
	return &api.TranscribeResponse{Segments: []api.TranscribeSegment{{Text: fmt.Sprintf("t%d", slice.Seq)}}}, nil
}

func (f *fakeTranscriber) calls() []int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]int(nil), f.seen...)
}

type testEnv struct {
	engine *Engine
	clock  *clock.Mock
	rec    *fakeRecognizer
	tr     *fakeTranscriber
	client *remote.Client
	acc    *transcript.Accumulator
}

func newTestEnv(t *testing.T, withLocal bool) *testEnv {
	t.Helper()
	res := &testEnv{clock: clock.NewMock(), rec: &fakeRecognizer{}, tr: &fakeTranscriber{fail: map[int]bool{}},
		acc: transcript.NewAccumulator()}
	var err error
	res.client, err = remote.NewClient(res.tr)
	require.NoError(t, err)
	local := NoLocalRecognizer()
	if withLocal {
		local = LocalRecognizer(func() (ports.Recognizer, error) { return res.rec, nil })
	}
	res.engine, err = New(local, res.client, res.acc, WithClock(res.clock),
		WithConfig(Config{Watchdog: 1800 * time.Millisecond, PollInterval: 250 * time.Millisecond, MaxLocalBacklog: 5}))
	require.NoError(t, err)
	return res
}

// start begins a session and waits until the local recognizer is started
func (e *testEnv) start(t *testing.T) {
	t.Helper()
	_, err := e.engine.Start(context.Background())
	require.NoError(t, err)
	e.engine.inflight.Wait()
}

func (e *testEnv) accept(from, to int) {
	for i := from; i < to; i++ {
		e.engine.Accept(&domain.AudioSlice{Seq: i, Format: "audio/webm", Data: []byte{1}})
	}
}

func (e *testEnv) texts() []string {
	var res []string
	for _, s := range e.acc.Segments() {
		res = append(res, s.Text)
	}
	return res
}

func TestNew(t *testing.T) {
	_, err := New(NoLocalRecognizer(), nil, transcript.NewAccumulator())
	assert.Error(t, err)
	c, _ := remote.NewClient(&fakeTranscriber{})
	_, err = New(NoLocalRecognizer(), c, nil)
	assert.Error(t, err)
}

func TestEngine_LocalWorks(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.engine.Start(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, AttemptingLocal, env.engine.State())
	env.engine.inflight.Wait()

	env.accept(0, 3)
	l := env.rec.current()
	require.NotNil(t, l)
	l.OnResults([]ports.RecognitionResult{{Transcript: "hello"}})
	assert.Equal(t, LocalActive, env.engine.State())
	assert.Equal(t, "hello", env.engine.Interim())
	assert.Empty(t, env.acc.Segments())

	l.OnResults([]ports.RecognitionResult{{Transcript: " hello world ", Final: true}})
	assert.Equal(t, []domain.Segment{{Speaker: "A", Text: "hello world"}}, env.acc.Segments())
	assert.Equal(t, "", env.engine.Interim())

	env.clock.Add(10 * time.Second)
	assert.Equal(t, LocalActive, env.engine.State())

	env.engine.Stop(context.Background())
	assert.Equal(t, Idle, env.engine.State())
	assert.Empty(t, env.tr.calls())
	assert.Equal(t, "hello world", env.acc.Text())
	env.rec.lock.Lock()
	assert.Equal(t, []int{0, 1, 2}, env.rec.accepted)
	env.rec.lock.Unlock()
	_, stops := env.rec.counts()
	assert.Equal(t, 1, stops)
}

func TestEngine_WatchdogFallback(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	old := env.rec.current()
	env.accept(0, 2)

	env.clock.Add(1799 * time.Millisecond)
	assert.Equal(t, AttemptingLocal, env.engine.State())
	assert.Empty(t, env.tr.calls())

	env.clock.Add(time.Millisecond)
	assert.Equal(t, RemoteActive, env.engine.State())
	assert.Equal(t, []int{0}, env.tr.calls())
	assert.Eventually(t, func() bool { _, s := env.rec.counts(); return s == 1 }, time.Second, 5*time.Millisecond)

	env.accept(2, 3)
	env.clock.Add(250 * time.Millisecond)
	env.clock.Add(250 * time.Millisecond)
	assert.Equal(t, []string{"t0", "t1", "t2"}, env.texts())

	old.OnResults([]ports.RecognitionResult{{Transcript: "late", Final: true}})
	old.OnEnd()
	assert.Equal(t, RemoteActive, env.engine.State())
	assert.Equal(t, []string{"t0", "t1", "t2"}, env.texts())

	env.engine.Stop(context.Background())
	assert.Equal(t, Idle, env.engine.State())
	assert.Equal(t, []int{0, 1, 2}, env.tr.calls())
}

func TestEngine_SlowLocalStartDoesNotDelayFallback(t *testing.T) {
	env := newTestEnv(t, true)
	env.rec.gate = make(chan struct{})
	_, err := env.engine.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AttemptingLocal, env.engine.State())
	env.accept(0, 2)

	env.clock.Add(1800 * time.Millisecond)
	assert.Equal(t, RemoteActive, env.engine.State())
	assert.Equal(t, []int{0}, env.tr.calls())

	close(env.rec.gate)
	assert.Eventually(t, func() bool { _, s := env.rec.counts(); return s == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, RemoteActive, env.engine.State())

	env.engine.Stop(context.Background())
	assert.Equal(t, []string{"t0", "t1"}, env.texts())
	env.rec.lock.Lock()
	assert.Empty(t, env.rec.accepted)
	env.rec.lock.Unlock()
}

func TestEngine_NoLocalSlicesAfterFallback(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	env.accept(0, 2)
	env.rec.current().OnError(errors.New("network"))
	env.accept(2, 4)
	env.clock.Add(0)
	env.engine.Stop(context.Background())

	env.rec.lock.Lock()
	assert.Equal(t, []int{0, 1}, env.rec.accepted)
	env.rec.lock.Unlock()
	assert.Equal(t, []string{"t0", "t1", "t2", "t3"}, env.texts())
}

func TestEngine_FallbackReasons(t *testing.T) {
	tests := []struct {
		name string
		act  func(l ports.RecognizerListener)
	}{
		{name: "error", act: func(l ports.RecognizerListener) { l.OnError(errors.New("not-allowed")) }},
		{name: "end without results", act: func(l ports.RecognizerListener) { l.OnEnd() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			env.start(t)
			env.accept(0, 1)
			tt.act(env.rec.current())
			assert.Equal(t, FallingBackToRemote, env.engine.State())

			env.clock.Add(0)
			assert.Equal(t, RemoteActive, env.engine.State())
			assert.Equal(t, []string{"t0"}, env.texts())

			// watchdog of the failed attempt must not fire
			env.clock.Add(2 * time.Second)
			assert.Equal(t, RemoteActive, env.engine.State())
			env.engine.Stop(context.Background())
		})
	}
}

func TestEngine_FactoryFails(t *testing.T) {
	tr := &fakeTranscriber{}
	c, err := remote.NewClient(tr)
	require.NoError(t, err)
	mock := clock.NewMock()
	e, err := New(LocalRecognizer(func() (ports.Recognizer, error) { return nil, errors.New("unsupported") }),
		c, transcript.NewAccumulator(), WithClock(mock))
	require.NoError(t, err)
	_, err = e.Start(context.Background())
	require.NoError(t, err)
	e.inflight.Wait()
	e.Accept(&domain.AudioSlice{Seq: 0, Data: []byte{1}})
	mock.Add(0)
	assert.Equal(t, RemoteActive, e.State())
	assert.Equal(t, "t0", e.Transcript().Text())
	e.Stop(context.Background())
}

func TestEngine_RecognizerStartFails(t *testing.T) {
	env := newTestEnv(t, true)
	env.rec.startErr = errors.New("busy")
	env.start(t)
	assert.Equal(t, FallingBackToRemote, env.engine.State())
	env.clock.Add(0)
	assert.Equal(t, RemoteActive, env.engine.State())
	env.engine.Stop(context.Background())
}

func TestEngine_LocalRestartsOnEnd(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	env.rec.current().OnResults([]ports.RecognitionResult{{Transcript: "one", Final: true}})
	env.rec.current().OnEnd()
	starts, _ := env.rec.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, LocalActive, env.engine.State())

	env.rec.current().OnResults([]ports.RecognitionResult{{Transcript: "two", Final: true}})
	assert.Equal(t, []string{"one", "two"}, env.texts())
	env.engine.Stop(context.Background())
	assert.Empty(t, env.tr.calls())
}

func TestEngine_StopDuringRestartReleasesRecognizer(t *testing.T) {
	env := newTestEnv(t, true)
	env.rec.gate, env.rec.gateAfter = make(chan struct{}), 1
	env.start(t)
	l := env.rec.current()
	l.OnResults([]ports.RecognitionResult{{Transcript: "one", Final: true}})

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		l.OnEnd()
	}()
	assert.Eventually(t, func() bool { s, _ := env.rec.counts(); return s == 2 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		env.engine.Stop(context.Background())
	}()
	assert.Eventually(t, func() bool { return env.engine.State() == Stopping }, time.Second, 5*time.Millisecond)
	close(env.rec.gate)
	<-ended
	<-stopped

	assert.Equal(t, Idle, env.engine.State())
	starts, stops := env.rec.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, stops)
	assert.Equal(t, []string{"one"}, env.texts())
}

func TestEngine_LocalRestartFails(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	l := env.rec.current()
	l.OnResults([]ports.RecognitionResult{{Transcript: "one", Final: true}})
	env.accept(0, 2)
	env.rec.lock.Lock()
	env.rec.startErr = errors.New("busy")
	env.rec.lock.Unlock()
	l.OnEnd()
	assert.Equal(t, FallingBackToRemote, env.engine.State())
	env.engine.Stop(context.Background())
	assert.Equal(t, []string{"one", "t0", "t1"}, env.texts())
}

func TestEngine_LocalErrorLaterTranscribesBuffer(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	l := env.rec.current()
	env.accept(0, 2)
	l.OnResults([]ports.RecognitionResult{{Transcript: "local", Final: true}})
	env.accept(2, 4)
	l.OnError(errors.New("network"))
	env.clock.Add(0)
	env.clock.Add(250 * time.Millisecond)
	assert.Equal(t, []string{"local", "t2", "t3"}, env.texts())
	env.engine.Stop(context.Background())
	assert.Equal(t, []int{2, 3}, env.tr.calls())
}

func TestEngine_LocalBacklogBounded(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	env.rec.current().OnResults([]ports.RecognitionResult{{Transcript: "x"}})
	env.accept(0, 20)
	assert.Equal(t, 5, env.client.Pending())
	env.engine.Stop(context.Background())
	assert.Equal(t, 0, env.client.Pending())
}

func TestEngine_FinalDuringStopAccepted(t *testing.T) {
	env := newTestEnv(t, true)
	env.rec.onStop = func(l ports.RecognizerListener) {
		l.OnResults([]ports.RecognitionResult{{Transcript: "last words", Final: true}})
		l.OnEnd()
	}
	env.start(t)
	env.rec.current().OnResults([]ports.RecognitionResult{{Transcript: "first", Final: true}})
	env.engine.Stop(context.Background())
	assert.Equal(t, []string{"first", "last words"}, env.texts())
	starts, _ := env.rec.counts()
	assert.Equal(t, 1, starts)
}

func TestEngine_StopBeforeLocalConfirmedDrainsRemote(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	env.accept(0, 3)
	env.engine.Stop(context.Background())
	assert.Equal(t, []string{"t0", "t1", "t2"}, env.texts())
}

func TestEngine_RemotePolling(t *testing.T) {
	env := newTestEnv(t, false)
	env.start(t)
	assert.Equal(t, RemoteActive, env.engine.State())
	env.accept(0, 3)

	env.clock.Add(0)
	assert.Equal(t, []int{0}, env.tr.calls())
	env.clock.Add(249 * time.Millisecond)
	assert.Equal(t, []int{0}, env.tr.calls())
	env.clock.Add(time.Millisecond)
	assert.Equal(t, []int{0, 1}, env.tr.calls())
	env.clock.Add(time.Second)
	assert.Equal(t, []int{0, 1, 2}, env.tr.calls())
	assert.Equal(t, "t0 t1 t2", env.acc.Text())
	env.engine.Stop(context.Background())
}

func TestEngine_RemoteResponses(t *testing.T) {
	seg := func(speaker, text string) api.TranscribeSegment {
		return api.TranscribeSegment{Speaker: speaker, Text: text}
	}
	tests := []struct {
		name string
		resp map[int]*api.TranscribeResponse
		want []domain.Segment
	}{
		{name: "second slice silent",
			resp: map[int]*api.TranscribeResponse{
				0: {Segments: []api.TranscribeSegment{seg("A", "testing")}},
				1: {Segments: []api.TranscribeSegment{}},
			},
			want: []domain.Segment{{Speaker: "A", Text: "testing"}}},
		{name: "two speakers",
			resp: map[int]*api.TranscribeResponse{
				0: {Segments: []api.TranscribeSegment{seg("A", "labas"), seg("B", "sveiki")}},
				1: {Segments: []api.TranscribeSegment{seg("", "viso")}},
			},
			want: []domain.Segment{{Speaker: "A", Text: "labas"}, {Speaker: "B", Text: "sveiki"}, {Speaker: "A", Text: "viso"}}},
		{name: "both silent",
			resp: map[int]*api.TranscribeResponse{0: {}, 1: {Segments: []api.TranscribeSegment{seg("A", " ")}}},
			want: []domain.Segment{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			env.tr.resp = tt.resp
			env.start(t)
			env.accept(0, 2)
			env.clock.Add(0)
			env.clock.Add(250 * time.Millisecond)
			assert.Equal(t, []int{0, 1}, env.tr.calls())
			env.engine.Stop(context.Background())
			assert.Equal(t, tt.want, env.acc.Segments())
		})
	}
}

func TestEngine_StopDrainsQueue(t *testing.T) {
	env := newTestEnv(t, false)
	env.tr.fail[2] = true
	env.start(t)
	env.accept(0, 5)
	env.clock.Add(0)
	assert.Equal(t, []string{"t0"}, env.texts())

	env.engine.Stop(context.Background())
	assert.Equal(t, Idle, env.engine.State())
	assert.Equal(t, []string{"t0", "t1", "t3", "t4"}, env.texts())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, env.tr.calls())

	env.accept(5, 6)
	env.clock.Add(time.Second)
	assert.Equal(t, 0, env.client.Pending())
	assert.Len(t, env.tr.calls(), 5)
}

func TestEngine_StopIdempotent(t *testing.T) {
	env := newTestEnv(t, false)
	env.engine.Stop(context.Background())
	env.start(t)
	env.accept(0, 1)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.engine.Stop(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, []int{0}, env.tr.calls())
	assert.Equal(t, []string{"t0"}, env.texts())
}

func TestEngine_StartResets(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.engine.Start(context.Background())
	require.NoError(t, err)
	_, err = env.engine.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionActive)
	assert.ErrorIs(t, env.engine.Reset(), domain.ErrSessionActive)
	env.accept(0, 1)
	env.engine.Stop(context.Background())
	assert.Equal(t, 1, env.acc.Len())

	_, err = env.engine.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, env.acc.Len())
	env.engine.Stop(context.Background())

	env.acc.Append(domain.Segment{Speaker: "A", Text: "x"})
	require.NoError(t, env.engine.Reset())
	assert.Equal(t, 0, env.acc.Len())
}

func TestEngine_TranscriptOnlyGrows(t *testing.T) {
	env := newTestEnv(t, true)
	env.start(t)
	updates, cancel := env.acc.Subscribe(100)
	defer cancel()
	l := env.rec.current()
	env.accept(0, 3)
	l.OnResults([]ports.RecognitionResult{{Transcript: "a", Final: true}})
	l.OnError(errors.New("gone"))
	env.accept(3, 5)
	env.clock.Add(time.Second)
	env.engine.Stop(context.Background())

	offset := 0
	for len(updates) > 0 {
		u := <-updates
		assert.False(t, u.Reset)
		assert.Equal(t, offset, u.Offset)
		offset += len(u.Segments)
	}
	assert.Equal(t, env.acc.Len(), offset)
	assert.Equal(t, []string{"a", "t3", "t4"}, env.texts())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "remote", RemoteActive.String())
	assert.Equal(t, "State(42)", State(42).String())
}
