package transcript

import (
	"strings"
	"sync"

	"github.com/airenas/memo-transcriber/internal/domain"
)

// Update notifies subscribers about a change of the transcript
type Update struct {
	// Offset is the index of the first segment in Segments
	Offset   int
	Segments []domain.Segment
	Reset    bool
}

// Accumulator owns the live transcript, an append only list between resets
type Accumulator struct {
	lock     sync.RWMutex
	segments []domain.Segment
	subs     map[int]chan Update
	nextSub  int
}

// NewAccumulator creates an empty transcript
func NewAccumulator() *Accumulator {
	return &Accumulator{subs: map[int]chan Update{}}
}

// Append adds segments to the tail in the given order
func (a *Accumulator) Append(segments ...domain.Segment) {
	if len(segments) == 0 {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	offset := len(a.segments)
	a.segments = append(a.segments, segments...)
	a.notify(Update{Offset: offset, Segments: append([]domain.Segment(nil), segments...)})
}

// Reset clears the transcript
func (a *Accumulator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.segments = nil
	a.notify(Update{Reset: true})
}

// Segments returns a copy of the transcript
func (a *Accumulator) Segments() []domain.Segment {
	return a.From(0)
}

// From returns a copy of segments starting at offset
func (a *Accumulator) From(offset int) []domain.Segment {
	a.lock.RLock()
	defer a.lock.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(a.segments) {
		return []domain.Segment{}
	}
	return append([]domain.Segment(nil), a.segments[offset:]...)
}

func (a *Accumulator) Len() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return len(a.segments)
}

// Text joins all segment texts with spaces. Computed on every call.
func (a *Accumulator) Text() string {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return JoinText(a.segments)
}

// Subscribe returns a channel of updates. Notifications are dropped when the
// channel is full, a subscriber resyncs with From.
func (a *Accumulator) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	id := a.nextSub
	a.nextSub++
	ch := make(chan Update, buffer)
	a.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.lock.Lock()
			defer a.lock.Unlock()
			delete(a.subs, id)
			close(ch)
		})
	}
}

func (a *Accumulator) notify(u Update) {
	for _, ch := range a.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// JoinText joins non empty segment texts with single spaces
func JoinText(segments []domain.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
