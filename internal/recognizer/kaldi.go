package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/ports"
	"github.com/gorilla/websocket"
)

// Kaldi streams audio to a local Kaldi gstreamer server over websocket
type Kaldi struct {
	url         string
	dialTimeout time.Duration
	// grace is the time the server gets to send finals after EOS
	grace time.Duration

	lock    sync.Mutex
	current *kaldiSession
}

type kaldiSession struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	done      chan struct{}
	stopOnce  sync.Once
	stopping  bool
}

// NewKaldi creates recognizer for 16 bit PCM audio of the given format
func NewKaldi(serverURL string, sampleRate, channels int) (*Kaldi, error) {
	if serverURL == "" {
		return nil, errors.New("no url")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("content-type", fmt.Sprintf("audio/x-raw, layout=(string)interleaved, rate=(int)%d, format=(string)S16LE, channels=(int)%d",
		sampleRate, channels))
	u.RawQuery = q.Encode()
	res := &Kaldi{url: u.String(), dialTimeout: 5 * time.Second, grace: 3 * time.Second}
	goapp.Log.Info().Str("url", serverURL).Msg("Local recognizer")
	return res, nil
}

// Start opens a new recognition stream
func (k *Kaldi) Start(l ports.RecognizerListener) error {
	if l == nil {
		return errors.New("no listener")
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, k.url, nil)
	if err != nil {
		return fmt.Errorf("%w: can't dial: %w", domain.ErrLocalRecognition, err)
	}
	s := &kaldiSession{conn: conn, done: make(chan struct{})}

	k.lock.Lock()
	prev := k.current
	k.current = s
	if prev != nil {
		prev.stopping = true
	}
	k.lock.Unlock()
	if prev != nil {
		prev.close()
	}

	go k.readLoop(s, l)
	return nil
}

// Accept sends slice audio
func (k *Kaldi) Accept(slice *domain.AudioSlice) error {
	s := k.session()
	if s == nil {
		return errors.New("not started")
	}
	return s.write(websocket.BinaryMessage, slice.Data)
}

// Stop sends EOS and waits for the server to finish
func (k *Kaldi) Stop() error {
	s := k.session()
	if s == nil {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		k.lock.Lock()
		s.stopping = true
		k.lock.Unlock()
		select {
		case <-s.done:
			s.close()
			return
		default:
		}
		if err = s.write(websocket.TextMessage, []byte(api.EOS)); err != nil {
			err = fmt.Errorf("send EOS: %w", err)
		}
		select {
		case <-s.done:
		case <-time.After(k.grace):
			goapp.Log.Warn().Msg("no close from local recognizer")
		}
		s.close()
		<-s.done
	})
	k.lock.Lock()
	if k.current == s {
		k.current = nil
	}
	k.lock.Unlock()
	return err
}

func (k *Kaldi) session() *kaldiSession {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.current
}

func (k *Kaldi) isStopping(s *kaldiSession) bool {
	k.lock.Lock()
	defer k.lock.Unlock()
	return s.stopping
}

func (k *Kaldi) readLoop(s *kaldiSession, l ports.RecognizerListener) {
	err := k.read(s, l)
	stopping := k.isStopping(s)
	close(s.done)
	if err != nil && !stopping {
		goapp.Log.Warn().Err(err).Msg("local recognizer")
		l.OnError(err)
		return
	}
	l.OnEnd()
}

func (k *Kaldi) read(s *kaldiSession, l ports.RecognizerListener) error {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		res := &api.FullResult{}
		if err := json.Unmarshal(msg, res); err != nil {
			goapp.Log.Warn().Err(err).Msg("can't decode local result")
			continue
		}
		if res.Status != api.StatusSuccess {
			return fmt.Errorf("%w: status %d: %s", domain.ErrLocalRecognition, res.Status, res.Message)
		}
		if res.Result == nil || len(res.Result.Hypotheses) == 0 {
			continue
		}
		goapp.Log.Trace().Int("segment", res.Segment).Bool("final", res.Result.Final).Msg("local result")
		l.OnResults([]ports.RecognitionResult{{
			Transcript: strings.TrimSpace(res.Result.Hypotheses[0].Transcript),
			Final:      res.Result.Final,
		}})
	}
}

func (s *kaldiSession) write(t int, data []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.conn.WriteMessage(t, data)
}

func (s *kaldiSession) close() {
	_ = s.conn.Close()
}
