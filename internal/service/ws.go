package service

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/gorilla/websocket"
)

// WsConn is the client side connection
type WsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// TranscriptPusher streams the live transcript to websocket clients
type TranscriptPusher struct {
	source       TranscriptSource
	interimEvery time.Duration
	writeTimeout time.Duration
	buffer       int
}

// NewTranscriptPusher creates pusher, interim text is polled every interimEvery
func NewTranscriptPusher(source TranscriptSource, interimEvery time.Duration) (*TranscriptPusher, error) {
	if source == nil {
		return nil, errors.New("no transcript source")
	}
	if interimEvery <= 0 {
		interimEvery = 300 * time.Millisecond
	}
	res := &TranscriptPusher{source: source, interimEvery: interimEvery, writeTimeout: 10 * time.Second, buffer: 32}
	goapp.Log.Info().Dur("interim", interimEvery).Msg("Transcript pusher")
	return res, nil
}

// HandleConnection sends a snapshot and then every change until the client leaves
func (p *TranscriptPusher) HandleConnection(ctx context.Context, conn WsConn) error {
	defer conn.Close()
	acc := p.source.Transcript()
	updates, unsubscribe := acc.Subscribe(p.buffer)
	defer unsubscribe()

	closeCtx, cf := context.WithCancel(ctx)
	defer cf()
	readCh := readWebSocket(closeCtx, conn)

	write := func(msg *api.TranscriptMsg) error {
		if err := conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(msg)
	}
	sent := 0
	interim := p.source.Interim()
	snapshot := func() error {
		segments := acc.Segments()
		sent = len(segments)
		return write(&api.TranscriptMsg{Event: api.EventSnapshot, Segments: segments, Interim: interim})
	}
	if err := snapshot(); err != nil {
		goapp.Log.Error().Err(err).Msg("write error")
		return nil
	}

	ticker := time.NewTicker(p.interimEvery)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-closeCtx.Done():
			goapp.Log.Info().Msg("context canceled")
			return nil
		case _, ok := <-readCh:
			if !ok {
				goapp.Log.Info().Msg("channel closed")
				return nil
			}
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Reset {
				sent, interim = 0, ""
				err = write(&api.TranscriptMsg{Event: api.EventReset})
				break
			}
			// notifications are only a signal, the accumulator is the source of truth
			if acc.Len() < sent {
				err = snapshot()
				break
			}
			if segments := acc.From(sent); len(segments) > 0 {
				err = write(&api.TranscriptMsg{Event: api.EventSegments, Offset: sent, Segments: segments,
					Interim: interim})
				sent += len(segments)
			}
		case <-ticker.C:
			if v := p.source.Interim(); v != interim {
				interim = v
				err = write(&api.TranscriptMsg{Event: api.EventInterim, Offset: sent, Interim: v})
			}
		}
		if err != nil {
			goapp.Log.Error().Err(err).Msg("write error")
			return nil
		}
	}
}

type data struct {
	t   int
	msg []byte
}

// readWebSocket reads client messages, the channel is closed when the client leaves
func readWebSocket(ctx context.Context, in WsConn) <-chan data {
	resCh := make(chan data)
	go func() {
		defer close(resCh)
		defer goapp.Log.Debug().Msg("read routine ended")
		for {
			mType, message, err := in.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure,
					websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
					goapp.Log.Info().Msg("connection closed")
					return
				}
				goapp.Log.Error().Err(err).Send()
				return
			}
			if mType == websocket.TextMessage {
				goapp.Log.Trace().Str("msg", string(message)).Msg("ignored")
			}
			select {
			case resCh <- data{t: mType, msg: message}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return resCh
}
