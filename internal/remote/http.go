package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/handlers"
	"github.com/airenas/memo-transcriber/internal/utils"
	"github.com/airenas/memo-transcriber/internal/wav"
)

// HTTPTranscriber posts one slice per request to the chunk transcription service
type HTTPTranscriber struct {
	httpclient *http.Client
	url        string
}

// NewHTTPTranscriber creates the transport
func NewHTTPTranscriber(url string) (*HTTPTranscriber, error) {
	if url == "" {
		return nil, fmt.Errorf("no url")
	}
	res := &HTTPTranscriber{url: url, httpclient: handlers.NewHTTPClient()}
	goapp.Log.Info().Str("url", url).Msg("Remote transcriber")
	return res, nil
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, slice *domain.AudioSlice) (*api.TranscribeResponse, error) {
	defer utils.MeasureTime("remote transcribe", time.Now())
	reqData, err := encodeSlice(slice)
	if err != nil {
		return nil, fmt.Errorf("encode slice: %w", err)
	}
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(reqData); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpclient.Do(req)
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
	res := &api.TranscribeResponse{}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}
	return res, nil
}

// encodeSlice wraps raw PCM into wav, other formats are sent as is
func encodeSlice(slice *domain.AudioSlice) (*api.TranscribeRequest, error) {
	data, format := slice.Data, slice.Format
	if rate, channels, ok := domain.ParsePCMFormat(slice.Format); ok {
		var err error
		data, err = wav.FromPCM([][]byte{slice.Data}, rate, channels)
		if err != nil {
			return nil, err
		}
		format = wav.Format
	}
	return &api.TranscribeRequest{Audio: base64.StdEncoding.EncodeToString(data), Format: format}, nil
}
