package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/capture"
	"github.com/airenas/memo-transcriber/internal/db"
	"github.com/airenas/memo-transcriber/internal/engine"
	"github.com/airenas/memo-transcriber/internal/gateway"
	"github.com/airenas/memo-transcriber/internal/handlers"
	"github.com/airenas/memo-transcriber/internal/pipeline"
	"github.com/airenas/memo-transcriber/internal/ports"
	"github.com/airenas/memo-transcriber/internal/recognizer"
	"github.com/airenas/memo-transcriber/internal/remote"
	"github.com/airenas/memo-transcriber/internal/service"
	"github.com/airenas/memo-transcriber/internal/transcript"
	"github.com/labstack/gommon/color"
)

type store interface {
	pipeline.Store
	service.RecordingStore
}

func main() {
	goapp.StartWithDefault()

	printBanner()

	cfg := goapp.Config

	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	constraints := ports.Constraints{
		InputFormat:      cfg.GetString("audio.inputFormat"),
		Device:           cfg.GetString("audio.device"),
		EchoCancelDevice: cfg.GetString("audio.echoCancelDevice"),
		SampleRate:       cfg.GetInt("audio.sampleRate"),
		Channels:         cfg.GetInt("audio.channels"),
		EchoCancellation: cfg.GetBool("audio.echoCancellation"),
		NoiseSuppression: cfg.GetBool("audio.noiseSuppression"),
		AutoGainControl:  cfg.GetBool("audio.autoGain"),
	}
	source, err := capture.NewSource(capture.NewFFMPEGMicrophone(cfg.GetString("audio.command")),
		capture.Config{Constraints: constraints, SliceInterval: cfg.GetDuration("audio.sliceInterval")})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init capture")
	}
	constraints = source.Constraints()

	filter, err := remote.LoadNotSpeechFilter(cfg.GetString("remote.filterFile"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init not speech filter")
	}
	if err := filter.Watch(ctx); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't watch not speech filter")
	}

	hList := handlers.NewListHandler(handlers.NewCleaner())
	if url := cfg.GetString("punctuator.url"); url != "" {
		punctuator, err := handlers.NewPunctuator(url)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init punctuator")
		}
		hList.Add(punctuator)
	}

	transcriber, err := remote.NewHTTPTranscriber(cfg.GetString("remote.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init remote transcriber")
	}
	remoteClient, err := remote.NewClient(transcriber, remote.WithFilter(filter), remote.WithMiddleware(hList),
		remote.WithTimeout(cfg.GetDuration("remote.timeout")))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init remote client")
	}

	local := engine.NoLocalRecognizer()
	if url := cfg.GetString("local.url"); url != "" {
		local = engine.LocalRecognizer(func() (ports.Recognizer, error) {
			return recognizer.NewKaldi(url, constraints.SampleRate, constraints.Channels)
		})
	}
	eng, err := engine.New(local, remoteClient, transcript.NewAccumulator(), engine.WithConfig(engine.Config{
		Watchdog:        cfg.GetDuration("local.watchdog"),
		PollInterval:    cfg.GetDuration("remote.pollInterval"),
		MaxLocalBacklog: cfg.GetInt("remote.maxBacklog"),
	}))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init engine")
	}

	st := initStore(cfg.GetString("redis.url"), cfg.GetString("encryption.key"), cfg.GetDuration("audio.ttl"))
	opts := []pipeline.Option{pipeline.WithStore(st)}
	gatewayTimeout := cfg.GetDuration("gateway.timeout")
	if url := cfg.GetString("gateway.url"); url != "" {
		gw, err := gateway.NewClient(url, gatewayTimeout)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init gateway")
		}
		opts = append(opts, pipeline.WithRefiner(gw))
	}
	recorder, err := pipeline.NewRecorder(source, eng, opts...)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init recorder")
	}

	data := &service.Data{}
	data.Ctx = ctx
	data.Port = cfg.GetInt("port")
	data.Session = recorder
	data.Store = st
	data.StopTimeout = gatewayTimeout
	data.WSHandler, err = service.NewTranscriptPusher(recorder, cfg.GetDuration("ws.interimInterval"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init transcript pusher")
	}

	doneCh, err := service.StartWebServer(data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
	}

	/////////////////////// Waiting for terminate
	waitCh := make(chan os.Signal, 2)
	signal.Notify(waitCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-waitCh:
		goapp.Log.Info().Msg("Got exit signal")
	case <-doneCh:
		goapp.Log.Info().Msg("Service exit")
	}
	if err := recorder.Discard(ctx); err != nil {
		goapp.Log.Warn().Err(err).Msg("discard session")
	}
	cancelFunc()
	select {
	case <-doneCh:
		goapp.Log.Info().Msg("All code returned. Now exit. Bye")
	case <-time.After(time.Second * 15):
		goapp.Log.Warn().Msg("Timeout gracefull shutdown")
	}
}

func initStore(url, key string, audioTTL time.Duration) store {
	if url == "" {
		goapp.Log.Info().Msg("Using in memory store")
		return db.NewMemoryDataManager()
	}
	res, err := db.NewRedisDataManager(url, key, audioTTL)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init redis store")
	}
	return res
}

var (
	version = "DEV"
)

func printBanner() {
	banner :=
		`
    MEMO TRANSCRIBER v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/memo-transcriber"))
}
