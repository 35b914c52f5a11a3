// Command orbit is the main entry point for the Orbit realtime voice
// translation client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/orbit/internal/api"
	"github.com/MrWong99/orbit/internal/app"
	"github.com/MrWong99/orbit/internal/config"
	"github.com/MrWong99/orbit/internal/health"
	"github.com/MrWong99/orbit/internal/observe"
	"github.com/MrWong99/orbit/internal/realtime"
	"github.com/MrWong99/orbit/internal/resilience"
	"github.com/MrWong99/orbit/pkg/audio"
	"github.com/MrWong99/orbit/pkg/audio/ffmpeg"
	"github.com/MrWong99/orbit/pkg/audio/webrtc"
	"github.com/MrWong99/orbit/pkg/live"
	"github.com/MrWong99/orbit/pkg/live/gemini"
	"github.com/MrWong99/orbit/pkg/live/genai"
	"github.com/MrWong99/orbit/pkg/live/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultListenAddr     = ":8080"
	defaultPlaybackRate   = 24000
	shutdownTimeout       = 15 * time.Second
	serverReadHeaderLimit = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to a .env file with secrets (optional)")
	connect := flag.Bool("connect", false, "connect to the model on startup")
	retries := flag.Int("connect-retries", 0, "retries for the startup connect, with exponential backoff")
	watch := flag.Bool("watch", true, "reload the config file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "orbit: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "orbit: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "orbit: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("orbit starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr(cfg),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transport ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	transport, transportCheck, err := buildTransport(reg, cfg.Transport)
	if err != nil {
		slog.Error("failed to create transport", "err", err)
		return 1
	}
	slog.Info("transport created", "name", cfg.Transport.Name, "fallbacks", len(cfg.Transport.Fallbacks))

	// ── Media backends ────────────────────────────────────────────────────────
	backends, media, tab := buildBackends(cfg, transport)
	if err := media.Available(); err != nil {
		slog.Warn("local capture unavailable", "err", err)
	}

	printStartupSummary(cfg, backends)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, backends)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	api.New(application).Register(mux)
	if tab != nil {
		h := tab.Handler()
		mux.Handle("/capture", h)
		mux.Handle("/capture/", h)
	}
	health.New([]health.Checker{
		transportCheck,
		health.Capture(func() bool { return media.Available() == nil }),
	}, health.WithVersion(version)).Register(mux)
	mux.Handle("GET /metrics", tel.MetricsHandler())

	srv := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: serverReadHeaderLimit,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watchCtx, stopWatch := context.WithCancel(ctx)
		w, err := config.Watch(watchCtx, *configPath, func(old, updated *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(ctx, old, updated, d)
		})
		if err != nil {
			stopWatch()
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer func() {
			stopWatch()
			<-w.Done()
		}()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if *connect {
		g.Go(func() error {
			policy := realtime.RetryPolicy{MaxRetries: *retries}
			if err := realtime.Retry(gctx, startupConnect(application), policy); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("startup connect failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)

	exit := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// startupConnect connects the application. A capture failure after the
// session is up is logged but not retried.
func startupConnect(a *app.App) realtime.ConnectFunc {
	return func(ctx context.Context) error {
		err := a.Connect(ctx)
		if err != nil && a.Status().Connection == realtime.StateConnected {
			slog.Warn("connected without capture", "err", err)
			return nil
		}
		return err
	}
}

// ── Transport wiring ──────────────────────────────────────────────────────────

// registerBuiltinTransports wires the transports that ship with Orbit into
// reg. Each factory receives the transport section of the config.
func registerBuiltinTransports(reg *config.Registry) {
	reg.RegisterTransport("gemini-live", func(entry config.TransportConfig) (live.Provider, error) {
		var opts []gemini.Option
		if model := config.OptString(entry.Options, "model"); model != "" {
			opts = append(opts, gemini.WithModel(model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("gemini-genai", func(entry config.TransportConfig) (live.Provider, error) {
		var opts []genai.Option
		if model := config.OptString(entry.Options, "model"); model != "" {
			opts = append(opts, genai.WithModel(model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		return genai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("openai-realtime", func(entry config.TransportConfig) (live.Provider, error) {
		var opts []openai.Option
		if model := config.OptString(entry.Options, "model"); model != "" {
			opts = append(opts, openai.WithModel(model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Transports() {
		slog.Debug("registered transport", "name", name)
	}
}

// buildTransport creates the configured transport. With fallbacks the result
// is a [resilience.Failover] over all of them, and the returned checker
// reports when every breaker is open.
func buildTransport(reg *config.Registry, tc config.TransportConfig) (live.Provider, health.Checker, error) {
	primary, err := reg.CreateTransport(tc)
	if err != nil {
		return nil, health.Checker{}, fmt.Errorf("transport %q: %w", tc.Name, err)
	}
	if len(tc.Fallbacks) == 0 {
		return primary, health.Transport(tc.Name), nil
	}

	f := resilience.NewFailover(resilience.BreakerConfig{
		Threshold: tc.FailureThreshold,
		Cooldown:  tc.Cooldown,
	})
	f.Add(tc.Name, primary)
	for i, fb := range tc.Fallbacks {
		p, err := reg.CreateTransport(fb)
		if err != nil {
			return nil, health.Checker{}, fmt.Errorf("transport fallback %d %q: %w", i, fb.Name, err)
		}
		f.Add(fmt.Sprintf("%s#%d", fb.Name, i+1), p)
	}
	return f, health.Checker{Name: "transport", Check: f.Check}, nil
}

// buildBackends creates the media backends named in cfg. tab is non-nil
// when system capture goes through a shared browser tab.
func buildBackends(cfg *config.Config, transport live.Provider) (b app.Backends, media *ffmpeg.Backend, tab *webrtc.Capture) {
	var ffOpts []ffmpeg.Option
	if cfg.Audio.FFmpegPath != "" {
		ffOpts = append(ffOpts, ffmpeg.WithBinary(cfg.Audio.FFmpegPath))
	}
	if cfg.Capture.SystemSource != "" {
		ffOpts = append(ffOpts, ffmpeg.WithSystemSource(cfg.Capture.SystemSource))
	}
	media = ffmpeg.New(ffOpts...)

	b = app.Backends{
		Transport: transport,
		Media:     media,
		URLs:      media,
	}

	var display audio.DisplayMedia = media
	if cfg.Capture.SystemBackend == config.SystemWebRTC {
		var wOpts []webrtc.Option
		if len(cfg.Capture.STUNServers) > 0 {
			wOpts = append(wOpts, webrtc.WithSTUNServers(cfg.Capture.STUNServers...))
		}
		tab = webrtc.New(wOpts...)
		display = tab
	}
	b.Display = display

	if cfg.Audio.Playback {
		rate := transport.Capabilities().OutputSampleRate
		if rate == 0 {
			rate = defaultPlaybackRate
		}
		var pOpts []ffmpeg.PlayerOption
		if cfg.Audio.FFplayPath != "" {
			pOpts = append(pOpts, ffmpeg.WithPlayerBinary(cfg.Audio.FFplayPath))
		}
		if cfg.Audio.PlaybackVolume > 0 {
			pOpts = append(pOpts, ffmpeg.WithPlayerVolume(cfg.Audio.PlaybackVolume))
		}
		player, err := ffmpeg.NewPlayer(rate, pOpts...)
		if err != nil {
			slog.Warn("playback disabled", "err", err)
		} else {
			b.Player = player
		}
	}
	return b, media, tab
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, b app.Backends) {
	s := cfg.Settings()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Orbit startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Transport.Name)
	for _, fb := range cfg.Transport.Fallbacks {
		printRow("Fallback", fb.Name)
	}
	printRow("Model", optString(s.Model, "(default)"))
	printRow("Voice", optString(s.Voice, "(default)"))
	printRow("Persona", optString(string(s.Persona), "translator"))
	printRow("Target", optString(s.TargetLanguage, "(default)"))
	printRow("Input", optString(string(cfg.Capture.Mode), "microphone"))
	printRow("System audio", optString(string(cfg.Capture.SystemBackend), "ffmpeg"))
	if b.Player != nil {
		printRow("Playback", "ffplay")
	} else {
		printRow("Playback", "(disabled)")
	}
	printRow("Listen addr", listenAddr(cfg))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func listenAddr(cfg *config.Config) string {
	return optString(cfg.Server.ListenAddr, defaultListenAddr)
}

// optString returns s, or fallback when s is empty.
func optString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
