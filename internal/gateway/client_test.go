package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_NoURL(t *testing.T) {
	_, err := NewClient("", 0)
	assert.Error(t, err)
}

func TestClient_Transcribe(t *testing.T) {
	var got api.FullTranscribeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"transcript":[
			{"id":"t1","speaker":"Speaker 1","text":" Hello there. ","startTime":0,"endTime":4},
			{"text":"  ","startTime":4,"endTime":5},
			{"text":"Bye","startTime":5,"endTime":12}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	res, err := c.Transcribe(context.Background(), []byte("RIFF"), 8*time.Second)
	require.NoError(t, err)

	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("RIFF")), got.AudioBase64)
	assert.Equal(t, 8.0, got.Duration)
	require.Len(t, res, 2)
	assert.Equal(t, domain.TimedSegment{ID: "t1", Speaker: "Speaker 1", Text: "Hello there.", StartTime: 0, EndTime: 4}, res[0])
	assert.NotEmpty(t, res[1].ID)
	assert.Equal(t, domain.SpeakerLabel("A"), res[1].Speaker)
	assert.Equal(t, 5.0, res[1].StartTime)
	assert.Equal(t, 8.0, res[1].EndTime)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		wantErr error
	}{
		{name: "status", code: http.StatusBadGateway, body: "fail", wantErr: domain.ErrRemoteTranscription},
		{name: "malformed", code: http.StatusOK, body: "<html>", wantErr: domain.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			c, err := NewClient(srv.URL, time.Second)
			require.NoError(t, err)
			_, err = c.Transcribe(context.Background(), []byte("RIFF"), time.Second)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 3.0, clamp(5, 0, 3))
	assert.Equal(t, 1.0, clamp(-1, 1, 3))
	assert.Equal(t, 7.0, clamp(7, 0, 0))
}
