package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/gorilla/websocket"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/api"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/transcript"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Session controls the live recording
type Session interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (*domain.Result, error)
	Discard(ctx context.Context) error
	Status() *api.Status
	TranscriptSource
}

// TranscriptSource provides the live transcript
type TranscriptSource interface {
	Transcript() *transcript.Accumulator
	Interim() string
}

// RecordingStore keeps finished recordings
type RecordingStore interface {
	ListRecordings(ctx context.Context) ([]*domain.Recording, error)
	GetRecording(ctx context.Context, id string) (*domain.Recording, error)
	UpdateRecording(ctx context.Context, id string, u *domain.RecordingUpdate) (*domain.Recording, error)
	TogglePin(ctx context.Context, id string) (*domain.Recording, error)
	DeleteRecording(ctx context.Context, id string) error
	GetAudio(ctx context.Context, id string) ([]byte, error)
}

// Data keeps data required for service work
type Data struct {
	Port        int
	Session     Session
	Store       RecordingStore
	WSHandler   *TranscriptPusher
	Ctx         context.Context
	StopTimeout time.Duration
}

// StartWebServer starts echo web service
func StartWebServer(data *Data) (<-chan struct{}, error) {
	goapp.Log.Info().Msgf("Starting memo service at %d", data.Port)
	if err := validate(data); err != nil {
		return nil, err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 10 * time.Second
	// stop waits for the queue drain and the full audio transcription
	e.Server.WriteTimeout = data.StopTimeout + 10*time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	res := make(chan struct{}, 1)
	go func() {
		defer close(res)
		if err := gracehttp.Serve(e.Server); err != nil {
			goapp.Log.Error().Err(err).Msg("can't start web server")
		}
		goapp.Log.Info().Msg("exit http routine")
	}()
	return res, nil
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("memo", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.GET("/live", live(data))

	e.POST("/session/start", startSession(data))
	e.POST("/session/stop", stopSession(data))
	e.POST("/session/discard", discardSession(data))
	e.GET("/session", sessionStatus(data))
	e.GET("/session/transcript", sessionTranscript(data))
	e.GET("/client/ws/transcript", subscribe(data))

	e.GET("/recordings", listRecordings(data))
	e.GET("/recordings/:id", getRecording(data))
	e.PATCH("/recordings/:id", updateRecording(data))
	e.DELETE("/recordings/:id", deleteRecording(data))
	e.POST("/recordings/:id/pin", pinRecording(data))
	e.GET("/recordings/:id/audio", recordingAudio(data))

	goapp.Log.Info().Msg("Routes:")
	for _, r := range e.Routes() {
		goapp.Log.Info().Msgf("  %s %s", r.Method, r.Path)
	}
	return e
}

func live(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		return c.JSONBlob(http.StatusOK, []byte(`{"service":"OK"}`))
	}
}

func startSession(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		id, err := data.Session.Start(c.Request().Context())
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, &api.StartResponse{SessionID: id})
	}
}

func stopSession(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		res, err := data.Session.Stop(c.Request().Context())
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, &api.StopResponse{
			SessionID:   res.SessionID,
			RecordingID: res.RecordingID,
			Duration:    res.Duration.Seconds(),
			Segments:    res.Segments,
			Text:        res.Text,
		})
	}
}

func discardSession(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		if err := data.Session.Discard(c.Request().Context()); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusOK)
	}
}

func sessionStatus(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, data.Session.Status())
	}
}

func sessionTranscript(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		acc := data.Session.Transcript()
		segments := acc.Segments()
		return c.JSON(http.StatusOK, &api.Transcript{
			Segments: segments,
			Text:     transcript.JoinText(segments),
			Interim:  data.Session.Interim(),
		})
	}
}

func listRecordings(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		res, err := data.Store.ListRecordings(c.Request().Context())
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func getRecording(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		res, err := data.Store.GetRecording(c.Request().Context(), c.Param("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func updateRecording(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		var upd domain.RecordingUpdate
		if err := c.Bind(&upd); err != nil {
			goapp.Log.Warn().Err(err).Msg("bind update")
			return echo.NewHTTPError(http.StatusBadRequest, "wrong request")
		}
		res, err := data.Store.UpdateRecording(c.Request().Context(), c.Param("id"), &upd)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func deleteRecording(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		if err := data.Store.DeleteRecording(c.Request().Context(), c.Param("id")); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusOK)
	}
}

func pinRecording(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		res, err := data.Store.TogglePin(c.Request().Context(), c.Param("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func recordingAudio(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		rec, err := data.Store.GetRecording(ctx, id)
		if err != nil {
			return toHTTPError(err)
		}
		audio, err := data.Store.GetAudio(ctx, id)
		if err != nil {
			return toHTTPError(err)
		}
		format := rec.AudioFormat
		if format == "" {
			format = "audio/wav"
		}
		return c.Blob(http.StatusOK, format, audio)
	}
}

func toHTTPError(err error) error {
	var pe *domain.PermissionError
	var de *domain.DeviceError
	switch {
	case errors.As(err, &pe):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &de):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrSessionActive), errors.Is(err, domain.ErrNoSession):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	goapp.Log.Error().Err(err).Send()
	return echo.NewHTTPError(http.StatusInternalServerError)
}

func validate(data *Data) error {
	if data.Session == nil {
		return fmt.Errorf("no Session")
	}
	if data.Store == nil {
		return fmt.Errorf("no Store")
	}
	if data.WSHandler == nil {
		return fmt.Errorf("no WSHandler")
	}
	return nil
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

func subscribe(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return err
		}
		defer ws.Close()

		return data.WSHandler.HandleConnection(data.Ctx, ws)
	}
}
