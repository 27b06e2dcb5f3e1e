package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/utils"
)

// Punctuator calls punctuation service
type Punctuator struct {
	httpclient *http.Client
	url        string
	timeout    time.Duration
}

// NewPunctuator creates a punctuation middleware
func NewPunctuator(url string) (*Punctuator, error) {
	res := Punctuator{}
	if url == "" {
		return nil, fmt.Errorf("no url")
	}
	res.url = url
	res.timeout = time.Second * 10
	res.httpclient = NewHTTPClient()
	goapp.Log.Info().Str("url", url).Msg("Punctuator")
	return &res, nil
}

func (sp *Punctuator) Process(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	defer utils.MeasureTime("punctuator", time.Now())
	ctx, cancelF := context.WithTimeout(ctx, sp.timeout)
	defer cancelF()

	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(punctRequest{Text: text}); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sp.url, b)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := sp.httpclient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		return "", fmt.Errorf("can't invoke '%s': %w", req.URL.String(), err)
	}
	res := &punctResponse{}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if strings.TrimSpace(res.PunctuatedText) == "" {
		return text, nil
	}
	goapp.Log.Debug().Str("text", res.PunctuatedText).Msg("punctuation result")
	return res.PunctuatedText, nil
}

type punctRequest struct {
	Text string `json:"text"`
}

type punctResponse struct {
	PunctuatedText string `json:"punctuatedText"`
}

// NewHTTPClient returns a client for the small json services
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: newTransport()}
}

func newTransport() http.RoundTripper {
	res := http.DefaultTransport.(*http.Transport).Clone()
	res.MaxConnsPerHost = 5
	res.MaxIdleConns = 2
	res.MaxIdleConnsPerHost = 2
	res.IdleConnTimeout = 90 * time.Second
	return res
}
