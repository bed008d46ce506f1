// Command facestream is the main entry point for the FaceStream talking-head
// streaming server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Volpestyle/facestream/internal/config"
	"github.com/Volpestyle/facestream/internal/health"
	"github.com/Volpestyle/facestream/internal/observe"
	"github.com/Volpestyle/facestream/internal/session"
	"github.com/Volpestyle/facestream/pkg/persona"
	"github.com/Volpestyle/facestream/pkg/provider"
	"github.com/Volpestyle/facestream/pkg/provider/aikit"
	"github.com/Volpestyle/facestream/pkg/provider/bridge"
	openaispeech "github.com/Volpestyle/facestream/pkg/provider/openai"
	"github.com/Volpestyle/facestream/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", "", "optional .env file loaded before the config")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────
	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "facestream: load env %q: %v\n", *envPath, err)
			return 1
		}
	} else {
		// A local .env is optional; ignore its absence.
		_ = godotenv.Load()
	}

	// ── Load configuration ─────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "facestream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "facestream: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("facestream starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"hardcap_sec", cfg.Budget.HardcapSec,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ──────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "facestream"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ──────────────────────────────────────────────────────────
	speech, pipeline, streamBridge, caps, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if streamBridge != nil {
		defer streamBridge.Close()
	}

	// ── Persona packs ──────────────────────────────────────────────────────
	registry := persona.NewRegistry(nil)
	pack, err := loadPersonaPacks(registry, cfg.Persona.PackPaths)
	if err != nil {
		slog.Error("failed to load persona packs", "err", err)
		return 1
	}
	if pack == nil {
		slog.Error("no persona pack available; configure persona.pack_paths")
		return 1
	}

	// ── Session ────────────────────────────────────────────────────────────
	sess, err := session.New(session.Config{
		Persona:       pack,
		Speech:        speech,
		Capabilities:  caps,
		Budget:        cfg.Budget,
		AVSync:        cfg.AVSync,
		QualityPolicy: cfg.Quality,
		AnchorPolicy:  cfg.Anchor,
		FPS:           cfg.Media.FPS,
		Width:         cfg.Media.Width,
		Height:        cfg.Media.Height,
		OutputDir:     cfg.Media.OutputDir,
		VideoPipeline: pipeline,
	})
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}
	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
	defer observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)

	// Apply emitted recovery actions: stream supervision goes through the
	// bridge when one is configured; everything is logged and counted.
	go func() {
		for action := range sess.Actions() {
			slog.Info("quality action", "type", string(action.Type))
			observe.DefaultMetrics().RecordQualityAction(ctx, string(action.Type))
			if streamBridge == nil {
				continue
			}
			switch action.Type {
			case "RESTART_PROVIDER_STREAM":
				if err := streamBridge.RestartStream(ctx); err != nil {
					slog.Error("stream restart failed", "err", err)
				}
			case "FAILOVER_BACKEND":
				if err := streamBridge.Failover(ctx, action.BackendID); err != nil {
					slog.Error("failover failed", "err", err)
				}
			case "REDUCE_FPS":
				if err := streamBridge.UpdateParams(ctx, map[string]any{"fps": action.TargetFPS}); err != nil {
					slog.Error("param update failed", "err", err)
				}
			case "REDUCE_RESOLUTION":
				if err := streamBridge.UpdateParams(ctx, map[string]any{"short_side": action.TargetShortSide}); err != nil {
					slog.Error("param update failed", "err", err)
				}
			}
		}
	}()

	// ── HTTP: metrics, health, turn endpoint ───────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	sessionReport := func() *health.SessionReport {
		snap := sess.Stats().Snapshot()
		return &health.SessionReport{
			SessionID:       sess.ID(),
			Turns:           snap.Turns,
			Errors:          snap.Errors,
			LateFrames:      snap.LateFrames,
			DegradeLevel:    sess.ControllerState().DegradeLevel,
			AudioQueueDrops: sess.AudioTrack().Dropped(),
			VideoQueueDrops: sess.VideoTrack().Dropped(),
		}
	}
	checkers := []health.Checker{
		{
			Name: "persona",
			Check: func(context.Context) error {
				if pack == nil {
					return errors.New("no persona pack loaded")
				}
				if len(pack.AnchorSets) == 0 {
					return errors.New("persona pack has no anchor sets")
				}
				return nil
			},
		},
	}
	if cfg.Media.OutputDir != "" {
		checkers = append(checkers, health.Checker{
			Name: "artifact_storage",
			Check: func(context.Context) error {
				return os.MkdirAll(cfg.Media.OutputDir, 0o755)
			},
		})
	}
	health.New(sessionReport, checkers...).Register(mux)
	mux.HandleFunc("POST /v1/turns", turnHandler(sess))

	server := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// turnHandler executes one turn per request and returns the turn summary.
func turnHandler(sess *session.Session) http.HandlerFunc {
	type turnRequest struct {
		Text           string `json:"text"`
		CameraMode     string `json:"camera_mode,omitempty"`
		DesiredEmotion string `json:"desired_emotion,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		result, err := sess.ExecuteTurn(r.Context(), req.Text, session.TurnOptions{
			CameraMode:     types.CameraMode(req.CameraMode),
			DesiredEmotion: req.DesiredEmotion,
		})
		if err != nil {
			slog.Error("turn failed", "err", err)
			http.Error(w, `{"error":"turn failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			slog.Error("encode turn result", "err", err)
		}
	}
}

// buildProviders instantiates the speech generator, the hosted video
// pipeline, and the optional stream bridge, and derives the backend
// capability flags the quality controller consumes.
func buildProviders(cfg *config.Config) (provider.SpeechGenerator, *session.VideoPipeline, *bridge.Bridge, types.BackendCapabilities, error) {
	caps := types.BackendCapabilities{BackendID: "local"}

	var speech provider.SpeechGenerator
	switch cfg.Providers.Speech.Name {
	case "openai":
		if cfg.Providers.Speech.APIKey == "" {
			slog.Warn("openai speech selected without api_key; falling back to silence")
			break
		}
		var opts []openaispeech.Option
		if cfg.Providers.Speech.BaseURL != "" {
			opts = append(opts, openaispeech.WithBaseURL(cfg.Providers.Speech.BaseURL))
		}
		gen, err := openaispeech.New(cfg.Providers.Speech.APIKey, cfg.Providers.Speech.Model, cfg.Providers.Speech.Voice, opts...)
		if err != nil {
			return nil, nil, nil, caps, fmt.Errorf("create speech provider: %w", err)
		}
		speech = gen
		slog.Info("provider created", "kind", "speech", "name", "openai", "model", cfg.Providers.Speech.Model)
	case "":
		// No speech provider; the session paces silence.
	default:
		slog.Warn("unknown speech provider; falling back to silence", "name", cfg.Providers.Speech.Name)
	}

	var pipeline *session.VideoPipeline
	var streamBridge *bridge.Bridge
	switch cfg.Providers.Video.Name {
	case "fal", "replicate":
		kit := aikit.New(
			providerKey(cfg.Providers.Video, cfg.Providers.Lipsync, "fal"),
			providerKey(cfg.Providers.Video, cfg.Providers.Lipsync, "replicate"),
		)
		pipeline = &session.VideoPipeline{
			Generator:       kit,
			Provider:        cfg.Providers.Video.Name,
			Model:           cfg.Providers.Video.Model,
			Prompt:          stringOption(cfg.Providers.Video.Options, "prompt"),
			AspectRatio:     stringOption(cfg.Providers.Video.Options, "aspect_ratio"),
			Lipsync:         kit,
			LipsyncProvider: cfg.Providers.Lipsync.Name,
			LipsyncModel:    cfg.Providers.Lipsync.Model,
			SyncMode:        stringOption(cfg.Providers.Lipsync.Options, "sync_mode"),
		}
		caps.SupportsRerenderBlock = true
		slog.Info("provider created", "kind", "video", "name", cfg.Providers.Video.Name, "model", cfg.Providers.Video.Model)
	case "bridge":
		if cfg.Providers.Video.BaseURL == "" {
			break
		}
		caps = types.BackendCapabilities{
			BackendID:             "bridge",
			SupportsRestartStream: true,
			SupportsParamUpdate:   true,
			ProvidesWebRTCStream:  true,
		}
		// The control channel is dialed lazily on the first action.
		streamBridge = bridge.New(cfg.Providers.Video.BaseURL, "", caps)
		slog.Info("provider created", "kind", "video", "name", "bridge", "endpoint", cfg.Providers.Video.BaseURL)
	}

	return speech, pipeline, streamBridge, caps, nil
}

// providerKey picks the API key for a hosted provider name from whichever
// entry declares it.
func providerKey(video, lipsync config.ProviderEntry, name string) string {
	if video.Name == name && video.APIKey != "" {
		return video.APIKey
	}
	if lipsync.Name == name && lipsync.APIKey != "" {
		return lipsync.APIKey
	}
	return ""
}

// stringOption reads a string value from a provider options map.
func stringOption(options map[string]any, key string) string {
	v, _ := options[key].(string)
	return v
}

// loadPersonaPacks registers every pack file into the registry and returns
// the first successfully loaded pack as the session persona.
func loadPersonaPacks(registry *persona.Registry, paths []string) (*persona.Pack, error) {
	var first *persona.Pack
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read persona pack %q: %w", path, err)
		}
		pack := &persona.Pack{}
		if err := json.Unmarshal(data, pack); err != nil {
			return nil, fmt.Errorf("parse persona pack %q: %w", path, err)
		}
		if errs := persona.Validate(pack); len(errs) > 0 {
			return nil, fmt.Errorf("invalid persona pack %q: %v", path, errs)
		}
		if err := registry.CreatePersona(pack.PersonaID, nil); err == nil {
			slog.Info("persona registered", "persona_id", pack.PersonaID)
		}
		if _, err := registry.CreateVersion(pack.PersonaID, pack); err != nil {
			return nil, fmt.Errorf("register persona pack %q: %w", path, err)
		}
		if first == nil {
			first = pack
		}
	}
	return first, nil
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
