package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/analysis/onnx"
	"github.com/satindergrewal/moodlens/internal/announce"
	"github.com/satindergrewal/moodlens/internal/audio"
	"github.com/satindergrewal/moodlens/internal/camera"
	"github.com/satindergrewal/moodlens/internal/config"
	"github.com/satindergrewal/moodlens/internal/journal"
	"github.com/satindergrewal/moodlens/internal/logger"
	"github.com/satindergrewal/moodlens/internal/metrics"
	"github.com/satindergrewal/moodlens/internal/pipeline"
	"github.com/satindergrewal/moodlens/internal/present"
	"github.com/satindergrewal/moodlens/internal/publish"
	"github.com/satindergrewal/moodlens/internal/queue"
	"github.com/satindergrewal/moodlens/internal/snapshot"
	"github.com/satindergrewal/moodlens/internal/stream"
	"github.com/satindergrewal/moodlens/internal/tracing"
	"github.com/satindergrewal/moodlens/internal/web"
)

const (
	consumerPresentation = "presentation"
	consumerAnnounce     = "announce"
	consumerJournal      = "journal"
	consumerPublish      = "publish"
)

func init() {
	// HighGUI windows must be driven from the main OS thread on some platforms.
	runtime.LockOSThread()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("load configuration", zap.Error(err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := uuid.NewString()
	log = log.With(zap.String("session", session))
	log.Info("moodlens starting up...")

	if cfg.TracingEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.TracingEndpoint, session)
		if err != nil {
			log.Warn("tracing disabled", zap.Error(err))
		} else {
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				tp.Shutdown(sctx)
			}()
		}
	}

	// Capture and inference
	cam, err := camera.Open(cfg.CameraDevice, cfg.CameraWidth, cfg.CameraHeight, log)
	if err != nil {
		log.Fatal("open camera", zap.String("device", cfg.CameraDevice), zap.Error(err))
	}
	defer cam.Close()

	analyzer, err := onnx.NewAnalyzer(onnx.Config{
		Library:            cfg.ONNXLibrary,
		DetectorModel:      cfg.DetectorModel,
		DetectorThreshold:  float32(cfg.DetectorThreshold),
		ClassifierModel:    cfg.ClassifierModel,
		ClassifierMetadata: cfg.ClassifierMetadata,
		MaxFaces:           cfg.MaxFaces,
	}, log)
	if err != nil {
		log.Fatal("load models", zap.Error(err))
	}
	defer analyzer.Close()

	results := queue.New(cfg.QueueCapacity)
	runner := pipeline.New(cam, analysis.NewStage(analyzer, log), results, pipeline.Config{
		AnalyzeEvery: cfg.AnalyzeEvery,
		RetryBase:    cfg.CaptureRetryBase,
		RetryMax:     cfg.CaptureRetryMax,
		Mirror:       cfg.Mirror,
	}, log)

	// Storage
	store := openJournal(ctx, cfg, log)
	defer store.Close()

	shots, err := openScreenshots(ctx, cfg)
	if err != nil {
		log.Fatal("screenshot storage", zap.Error(err))
	}

	// Speech
	speechPipeline := audio.NewPipeline(4, log)
	pcm := stream.NewBroadcaster[[]int16](stream.PCMBuffer)
	webrtcHandler := stream.NewWebRTCHandler(pcm, log)
	if cfg.StreamSpeech() {
		go speechPipeline.Run(ctx)
		go pcm.Run(ctx, speechPipeline.Frames())
	}

	announcer := announce.NewStage(newSpeaker(cfg, speechPipeline), announce.Config{
		MinConfidence: cfg.VoiceMinConfidence,
		LabelInterval: cfg.VoiceLabelInterval,
		Cooldown:      cfg.VoiceCooldown,
		Enabled:       cfg.VoiceEnabled,
	}, log)
	speechDone := make(chan struct{})
	go func() {
		defer close(speechDone)
		announcer.Run(ctx)
	}()

	// Consumers. They subscribe here, before the pipeline starts, and get a
	// context that outlives the signal so they drain what the pipeline
	// pushed before it closed the queue.
	drainCtx := context.WithoutCancel(ctx)
	var consumers sync.WaitGroup
	consume := func(id string, handle pipeline.Handler) {
		if err := results.Subscribe(id); err != nil {
			log.Fatal("subscribe consumer", zap.String("consumer", id), zap.Error(err))
		}
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := pipeline.Serve(drainCtx, results, id, cfg.QueueTimeout, log, handle); err != nil {
				log.Error("consumer stopped", zap.String("consumer", id), zap.Error(err))
			}
		}()
	}

	journalStage := journal.NewStage(store, session, cfg.JournalRetryInterval, cfg.JournalWriteTimeout, log)
	consume(consumerJournal, journalStage.Handle)
	consume(consumerAnnounce, announcer.Handle)

	if cfg.AMQPURL != "" {
		conn, ch, err := publish.Dial(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Error("event publishing disabled", zap.Error(err))
		} else {
			defer conn.Close()
			publisher := publish.NewPublisher(ch, cfg.AMQPExchange, session, cfg.PublishTimeout, log)
			consume(consumerPublish, publisher.Handle)
			log.Info("publishing detections", zap.String("exchange", cfg.AMQPExchange))
		}
	}

	// Preview
	renderer := present.CVRenderer{Quality: cfg.JPEGQuality}
	mjpeg := present.NewMJPEGDisplay(renderer, log)
	var display present.Display
	switch cfg.Display {
	case "window":
		display = present.Multi(present.NewWindowDisplay("moodlens"), mjpeg)
	case "web":
		display = mjpeg
	default:
		display = present.NopDisplay{}
	}
	defer display.Close()

	preview := present.NewStage(results, consumerPresentation, display, renderer, present.Options{
		Tick:         cfg.PreviewTick,
		Session:      session,
		Voice:        announcer,
		Camera:       runner,
		Screenshots:  shots,
		Journal:      store,
		WriteTimeout: cfg.ScreenshotTimeout,
		OnQuit:       cancel,
	}, log)
	if err := preview.Subscribe(); err != nil {
		log.Fatal("subscribe preview", zap.Error(err))
	}

	// HTTP routes
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(web.IndexHTML)
	})

	if cfg.Display != "none" {
		mux.Handle("/preview.mjpg", mjpeg)
	}
	if cfg.StreamSpeech() {
		mux.Handle("/speech.mp3", stream.NewHTTPHandler(pcm, log))
		mux.Handle("/offer", webrtcHandler)
	}
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		ps := runner.Stats()
		qs := results.Stats()
		utter, speaking, pos := speechPipeline.Status()
		encoded, silenced := webrtcHandler.Frames()

		writeJSON(w, http.StatusOK, map[string]any{
			"session":           session,
			"camera_running":    runner.Running(),
			"voice_enabled":     announcer.VoiceEnabled(),
			"announcements":     announcer.Announced(),
			"speaking":          speaking,
			"speech_text":       utter.Text,
			"speech_position":   pos.Seconds(),
			"speech_queue":      speechPipeline.QueueSize(),
			"utterances_played": speechPipeline.Played(),
			"journal_degraded":  journalStage.Degraded(),
			"journal_written":   journalStage.Written(),
			"preview_viewers":   mjpeg.Viewers(),
			"http_listeners":    pcm.ListenerCount(),
			"webrtc_listeners":  webrtcHandler.PeerCount(),
			"webrtc_frames": map[string]any{
				"encoded":  encoded,
				"silenced": silenced,
			},
			"pipeline": map[string]any{
				"captured":       ps.Captured,
				"analyzed":       ps.Analyzed,
				"passed_through": ps.PassedThrough,
				"inbox_drops":    ps.InboxDrops,
				"retries":        ps.Retries,
				"pauses":         ps.Pauses,
			},
			"queue": qs,
			"config": map[string]any{
				"analyze_every":     cfg.AnalyzeEvery,
				"queue_capacity":    results.Capacity(),
				"min_confidence":    cfg.VoiceMinConfidence,
				"label_interval":    cfg.VoiceLabelInterval.Seconds(),
				"cooldown":          cfg.VoiceCooldown.Seconds(),
				"speech_output":     cfg.SpeechOutput,
				"journal":           cfg.Journal,
				"screenshots":       cfg.Screenshots,
				"display":           cfg.Display,
				"publishing_events": cfg.AMQPURL != "",
			},
		})
	})

	mux.HandleFunc("/api/voice", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		announcer.SetVoice(req.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "voice_enabled": req.Enabled})
	})

	mux.HandleFunc("/api/camera", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Running bool `json:"running"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		runner.SetRunning(req.Running)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "camera_running": req.Running})
	})

	mux.HandleFunc("/api/screenshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		loc, err := preview.Screenshot(r.Context())
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, present.ErrNoFrame):
				status = http.StatusConflict
			case errors.Is(err, present.ErrStopped):
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "location": loc})
	})

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("moodlens live", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	// The preview owns the main goroutine.
	if err := preview.Run(ctx); err != nil {
		log.Error("preview stopped", zap.Error(err))
	}
	cancel()

	log.Info("shutting down...")
	pipelineErr := <-runErr
	consumers.Wait()
	announcer.Close()
	<-speechDone

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	server.Shutdown(sctx)

	qs := results.Stats()
	log.Info("stopped",
		zap.Uint64("published", qs.Published),
		zap.Uint64("dropped", qs.Dropped),
		zap.Uint64("journal_written", journalStage.Written()),
		zap.Uint64("announcements", announcer.Announced()),
	)
	if pipelineErr != nil {
		log.Error("pipeline failed", zap.Error(pipelineErr))
		log.Sync()
		os.Exit(1)
	}
}

func openJournal(ctx context.Context, cfg *config.Config, log *zap.Logger) journal.Store {
	switch cfg.Journal {
	case "file":
		s, err := journal.NewFileStore(cfg.JournalDir)
		if err != nil {
			log.Error("journal unavailable, detections will not be recorded", zap.Error(err))
			return journal.NopStore{}
		}
		return s
	case "postgres":
		s, err := journal.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("journal unavailable, detections will not be recorded", zap.Error(err))
			return journal.NopStore{}
		}
		if err := s.EnsureSchema(ctx); err != nil {
			log.Error("journal schema", zap.Error(err))
		}
		return s
	}
	return journal.NopStore{}
}

func openScreenshots(ctx context.Context, cfg *config.Config) (snapshot.Store, error) {
	if cfg.Screenshots == "minio" {
		s, err := snapshot.NewMinIOStore(snapshot.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
		})
		if err != nil {
			return nil, err
		}
		bctx, bcancel := context.WithTimeout(ctx, 10*time.Second)
		defer bcancel()
		if err := s.EnsureBucket(bctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := snapshot.NewDirStore(cfg.ScreenshotDir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newSpeaker(cfg *config.Config, p *audio.Pipeline) announce.Speaker {
	local := announce.EspeakSpeaker{Engine: cfg.SpeechEngine, Rate: cfg.SpeechRate}
	streamed := announce.StreamSpeaker{Engine: cfg.SpeechEngine, Rate: cfg.SpeechRate, Pipeline: p}
	switch {
	case cfg.SpeakLocally() && cfg.StreamSpeech():
		return announce.MultiSpeaker{streamed, local}
	case cfg.StreamSpeech():
		return streamed
	case cfg.SpeakLocally():
		return local
	}
	return announce.NopSpeaker{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
