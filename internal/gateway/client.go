package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/handlers"
	"github.com/airenas/memo-transcriber/internal/utils"
	"github.com/oklog/ulid/v2"
)

// Client sends finished recordings to the full audio transcription gateway
type Client struct {
	httpclient *http.Client
	url        string
	timeout    time.Duration
}

// NewClient creates gateway client
func NewClient(url string, timeout time.Duration) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("no url")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	res := &Client{url: url, timeout: timeout, httpclient: handlers.NewHTTPClient()}
	goapp.Log.Info().Str("url", url).Dur("timeout", timeout).Msg("Gateway")
	return res, nil
}

// Transcribe returns timed segments of the whole recording
func (c *Client) Transcribe(ctx context.Context, audio []byte, duration time.Duration) ([]domain.TimedSegment, error) {
	defer utils.MeasureTime("gateway transcribe", time.Now())
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(api.FullTranscribeRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(audio), Duration: duration.Seconds()}); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteTranscription, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		return nil, fmt.Errorf("%w: can't invoke '%s': %w", domain.ErrRemoteTranscription, req.URL.String(), err)
	}
	res := &api.FullTranscribeResponse{}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}
	return normalize(res.Transcript, duration.Seconds()), nil
}

// normalize drops empty segments, fills ids and keeps times inside the recording
func normalize(in []domain.TimedSegment, duration float64) []domain.TimedSegment {
	res := make([]domain.TimedSegment, 0, len(in))
	for _, s := range in {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.ID == "" {
			s.ID = ulid.Make().String()
		}
		if s.Speaker == "" {
			s.Speaker = domain.DefaultSpeaker
		}
		s.StartTime = clamp(s.StartTime, 0, duration)
		s.EndTime = clamp(s.EndTime, s.StartTime, duration)
		res = append(res, s)
	}
	return res
}

func clamp(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
