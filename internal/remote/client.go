package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/handlers"
)

// Transcriber invokes the remote chunk transcription service
type Transcriber interface {
	Transcribe(ctx context.Context, slice *domain.AudioSlice) (*api.TranscribeResponse, error)
}

// Client queues audio slices and transcribes them one at a time.
// Remote failures never leave the client, a failed slice yields no segments.
type Client struct {
	transcriber Transcriber
	filter      *NotSpeechFilter
	middleware  handlers.Handler
	timeout     time.Duration

	qLock    sync.Mutex
	queue    []*domain.AudioSlice
	lastText string

	// held for the whole remote call
	callLock sync.Mutex
	calls    atomic.Int64
}

// Option configures Client
type Option func(*Client)

// WithMiddleware sets a text post processor for accepted segments
func WithMiddleware(h handlers.Handler) Option {
	return func(c *Client) { c.middleware = h }
}

// WithTimeout sets a timeout of one remote call
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFilter overrides the default not-speech filter
func WithFilter(f *NotSpeechFilter) Option {
	return func(c *Client) {
		if f != nil {
			c.filter = f
		}
	}
}

// NewClient creates remote client
func NewClient(transcriber Transcriber, opts ...Option) (*Client, error) {
	if transcriber == nil {
		return nil, errors.New("no transcriber")
	}
	res := &Client{transcriber: transcriber, timeout: 20 * time.Second}
	for _, o := range opts {
		o(res)
	}
	if res.filter == nil {
		f, err := NewNotSpeechFilter(DefaultNotSpeechPatterns)
		if err != nil {
			return nil, err
		}
		res.filter = f
	}
	return res, nil
}

// Enqueue adds slice to the tail of the queue
func (c *Client) Enqueue(slice *domain.AudioSlice) {
	if slice == nil {
		return
	}
	c.qLock.Lock()
	defer c.qLock.Unlock()
	c.queue = append(c.queue, slice)
}

// Pending returns the number of queued slices
func (c *Client) Pending() int {
	c.qLock.Lock()
	defer c.qLock.Unlock()
	return len(c.queue)
}

// Keep leaves only the newest n slices, returns how many were dropped
func (c *Client) Keep(n int) int {
	c.qLock.Lock()
	defer c.qLock.Unlock()
	if n < 0 {
		n = 0
	}
	drop := len(c.queue) - n
	if drop <= 0 {
		return 0
	}
	c.queue = append([]*domain.AudioSlice(nil), c.queue[drop:]...)
	return drop
}

// Clear drops all queued slices
func (c *Client) Clear() int {
	return c.Keep(0)
}

// Reset prepares the client for a new session
func (c *Client) Reset() {
	c.qLock.Lock()
	defer c.qLock.Unlock()
	c.queue = nil
	c.lastText = ""
}

// Calls returns the number of remote calls made
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// ProcessNext transcribes the oldest queued slice. It returns false without
// waiting if the queue is empty or another call is in flight.
func (c *Client) ProcessNext(ctx context.Context) ([]domain.Segment, bool) {
	if !c.callLock.TryLock() {
		return nil, false
	}
	defer c.callLock.Unlock()
	slice := c.pop()
	if slice == nil {
		return nil, false
	}
	return c.transcribe(ctx, slice), true
}

// Drain transcribes all queued slices in order, waiting for an in-flight call
// first. emit is called with the segments of each slice that produced any.
func (c *Client) Drain(ctx context.Context, emit func([]domain.Segment)) int {
	n := 0
	for c.drainOne(ctx, emit) {
		n++
	}
	return n
}

func (c *Client) drainOne(ctx context.Context, emit func([]domain.Segment)) bool {
	c.callLock.Lock()
	defer c.callLock.Unlock()
	slice := c.pop()
	if slice == nil {
		return false
	}
	segments := c.transcribe(ctx, slice)
	if emit != nil && len(segments) > 0 {
		emit(segments)
	}
	return true
}

func (c *Client) pop() *domain.AudioSlice {
	c.qLock.Lock()
	defer c.qLock.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	res := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return res
}

func (c *Client) transcribe(ctx context.Context, slice *domain.AudioSlice) []domain.Segment {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.calls.Add(1)
	resp, err := c.transcriber.Transcribe(ctx, slice)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedResponse) {
			goapp.Log.Warn().Err(err).Int("seq", slice.Seq).Msg("drop malformed response")
		} else {
			goapp.Log.Error().Err(err).Int("seq", slice.Seq).Msg("remote transcription")
		}
		return nil
	}
	return c.toSegments(ctx, slice, resp)
}

func (c *Client) toSegments(ctx context.Context, slice *domain.AudioSlice, resp *api.TranscribeResponse) []domain.Segment {
	if resp == nil {
		return nil
	}
	in := resp.Segments
	if len(in) == 0 && strings.TrimSpace(resp.Text) != "" {
		in = []api.TranscribeSegment{{Text: resp.Text}}
	}
	var res []domain.Segment
	for _, s := range in {
		text := strings.TrimSpace(s.Text)
		if c.filter.IsNotSpeech(text) {
			if text != "" {
				goapp.Log.Debug().Str("text", text).Int("seq", slice.Seq).Msg("not speech, dropped")
			}
			continue
		}
		if !c.accept(text) {
			goapp.Log.Debug().Str("text", text).Int("seq", slice.Seq).Msg("repeated text, dropped")
			continue
		}
		if c.middleware != nil {
			processed, err := c.middleware.Process(ctx, text)
			if err != nil {
				goapp.Log.Error().Err(err).Msg("middleware")
			} else if strings.TrimSpace(processed) != "" {
				text = processed
			}
		}
		res = append(res, domain.Segment{Speaker: speaker(s.Speaker), Text: text})
	}
	return res
}

// accept rejects a text equal to the previously accepted one
func (c *Client) accept(text string) bool {
	c.qLock.Lock()
	defer c.qLock.Unlock()
	if text == c.lastText {
		return false
	}
	c.lastText = text
	return true
}

func speaker(s string) domain.SpeakerLabel {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.DefaultSpeaker
	}
	return domain.SpeakerLabel(s)
}
