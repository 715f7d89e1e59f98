// Package app wires the billvoice subsystems into a running console
// application.
//
// [New] builds everything from the config, [App.Run] runs the console, the
// debug listener and the config watcher until the user quits, and
// [App.Shutdown] tears everything down in reverse order.
//
// For testing, inject fakes via functional options ([WithCaptureDevice],
// [WithOutput], [WithBackend], ...). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/billvoice/internal/assistant"
	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/config"
	"github.com/MrWong99/billvoice/internal/dictation"
	"github.com/MrWong99/billvoice/internal/health"
	"github.com/MrWong99/billvoice/internal/observe"
	"github.com/MrWong99/billvoice/internal/resilience"
	"github.com/MrWong99/billvoice/internal/transcript"
	"github.com/MrWong99/billvoice/internal/transcript/postgres"
	"github.com/MrWong99/billvoice/internal/voice"
	"github.com/MrWong99/billvoice/pkg/audio/capture"
	"github.com/MrWong99/billvoice/pkg/audio/capture/portaudio"
	"github.com/MrWong99/billvoice/pkg/audio/playback"
	"github.com/MrWong99/billvoice/pkg/audio/playback/speaker"
	"github.com/MrWong99/billvoice/pkg/realtime"
)

// shutdownTimeout bounds the debug listener's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	levelVar   *slog.LevelVar
	in         io.Reader
	out        io.Writer

	// Injected or built in New.
	device      capture.Device
	openOutput  playback.OutputOpener
	clipBackend playback.ClipBackend
	backend     assistant.Backend
	transcriber dictation.Transcriber
	store       transcript.Store
	metrics     *observe.Metrics

	sessionID string
	state     *chat.State
	sched     *playback.Scheduler
	voice     *voice.Session
	ctrl      *Controller
	recorder  *transcript.Recorder

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCaptureDevice injects the microphone instead of opening PortAudio.
func WithCaptureDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithOutput injects the realtime output and the clip backend instead of
// the beep speaker.
func WithOutput(open playback.OutputOpener, clips playback.ClipBackend) Option {
	return func(a *App) {
		a.openOutput = open
		a.clipBackend = clips
	}
}

// WithBackend injects the text-mode assistant backend.
func WithBackend(b assistant.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithTranscriber injects the dictation transcriber. Dictation must still
// be enabled in the config.
func WithTranscriber(t dictation.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// WithTranscriptStore injects the transcript store.
func WithTranscriptStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConsole sets the console's input and output. Defaults are stdin and
// stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithConfigWatch reloads path while running and applies hot-reloadable
// changes. levelVar, when non-nil, receives log level changes.
func WithConfigWatch(path string, levelVar *slog.LevelVar) Option {
	return func(a *App) {
		a.configPath = path
		a.levelVar = levelVar
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		in:        os.Stdin,
		out:       os.Stdout,
		sessionID: uuid.NewString(),
		state:     chat.New(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init transcript store: %w", err))
	}
	a.recorder = transcript.NewRecorder(a.state, a.store, a.sessionID)
	a.closers = append(a.closers, func() error { a.recorder.Close(); return nil })

	// ── 2. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init audio: %w", err))
	}
	excl := &playback.Exclusive{}
	a.sched = playback.New(a.openOutput,
		playback.WithDedupWindow(cfg.Realtime.DedupWindow),
		playback.WithExclusive(excl),
		playback.WithHooks(voice.PlaybackHooks(a.metrics)),
	)
	a.closers = append(a.closers, a.sched.Close)
	clips := playback.NewClipPlayer(a.clipBackend, excl)
	mic := a.newMic()

	// ── 3. Bill autofill ─────────────────────────────────────────────────
	autofill := a.newAutofill()

	// ── 4. Realtime voice ────────────────────────────────────────────────
	var dialOpts []realtime.Option
	for k, v := range cfg.Realtime.Headers {
		dialOpts = append(dialOpts, realtime.WithHeader(k, v))
	}
	a.voice = voice.NewSession(voice.Config{
		Dial:     voice.RealtimeDialer(cfg.Realtime.URL, a.metrics, dialOpts...),
		Mic:      mic,
		Player:   a.sched,
		State:    a.state,
		Autofill: autofill,
		BargeIn:  cfg.Realtime.BargeIn,
		Metrics:  a.metrics,
	})

	// ── 5. Dictation ─────────────────────────────────────────────────────
	var dict DictationSession
	if cfg.Dictation.Enabled {
		d, err := a.newDictation(mic)
		if err != nil {
			return nil, a.abort(fmt.Errorf("app: init dictation: %w", err))
		}
		dict = d
	}

	// ── 6. Assistant backend ─────────────────────────────────────────────
	if a.backend == nil {
		b, err := newBackend(cfg.Assistant)
		if err != nil {
			return nil, a.abort(fmt.Errorf("app: init assistant: %w", err))
		}
		a.backend = b
	}

	// ── 7. Controller ────────────────────────────────────────────────────
	ctrlCfg := ControllerConfig{
		State:        a.state,
		Voice:        a.voice,
		Assistant:    a.backend,
		BackendName:  string(cfg.Assistant.Backend),
		Clip:         clips,
		Autofill:     autofill,
		SystemPrompt: cfg.Assistant.SystemPrompt,
		Metrics:      a.metrics,
	}
	if dict != nil {
		ctrlCfg.Dictation = dict
	}
	a.ctrl = NewController(ctrlCfg)

	slog.Info("app: ready",
		"session_id", a.sessionID,
		"realtime_url", cfg.Realtime.URL,
		"assistant", cfg.Assistant.Backend,
		"dictation", cfg.Dictation.Enabled,
	)
	return a, nil
}

// abort runs the closers registered so far and returns err.
func (a *App) abort(err error) error {
	_ = a.Shutdown(context.Background())
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL store when configured and falls back to
// memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Transcript.PostgresDSN; dsn != "" {
			s, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = s
		} else {
			a.store = transcript.NewMemStore()
		}
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initAudio opens the host microphone and speaker unless injected.
func (a *App) initAudio() error {
	if a.device == nil {
		dev, err := portaudio.Open()
		if err != nil {
			return err
		}
		a.device = dev
		a.closers = append(a.closers, dev.Close)
	}
	if a.openOutput == nil || a.clipBackend == nil {
		spk := speaker.New(a.cfg.Audio.OutputBuffer)
		if a.openOutput == nil {
			a.openOutput = spk.OpenOutput
		}
		if a.clipBackend == nil {
			a.clipBackend = spk
		}
	}
	return nil
}

func (a *App) newMic() *capture.Channel {
	ac := a.cfg.Audio
	opts := []capture.Option{
		capture.WithConfig(capture.Config{
			SampleRate:      ac.DeviceSampleRate,
			Channels:        1,
			FramesPerBuffer: ac.FramesPerBuffer,
			Constraints: capture.Constraints{
				EchoCancellation: config.Enabled(ac.EchoCancellation),
				NoiseSuppression: config.Enabled(ac.NoiseSuppression),
				AutoGainControl:  config.Enabled(ac.AutoGainControl),
			},
		}),
		capture.WithFallbackFrames(ac.FallbackFrames),
	}
	if ac.DisableCallback {
		opts = append(opts, capture.WithoutCallback())
	}
	return capture.New(a.device, opts...)
}

func (a *App) newAutofill() chat.Autofill {
	var targets assistant.Multi
	if !a.cfg.Bill.Quiet {
		targets = append(targets, assistant.NewPrinter(a.out))
	}
	if u := a.cfg.Bill.AutofillURL; u != "" {
		targets = append(targets, assistant.NewWebhook(u, nil))
	}
	switch len(targets) {
	case 0:
		return nil
	case 1:
		return targets[0]
	}
	return targets
}

func (a *App) newDictation(mic dictation.Capturer) (*dictation.Session, error) {
	dc := a.cfg.Dictation
	if a.transcriber == nil {
		var opts []dictation.Option
		if dc.BaseURL != "" {
			opts = append(opts, dictation.WithBaseURL(dc.BaseURL))
		}
		if dc.Language != "" {
			opts = append(opts, dictation.WithLanguage(dc.Language))
		}
		tr, err := dictation.NewOpenAI(dc.APIKey, dc.Model, opts...)
		if err != nil {
			return nil, err
		}
		a.transcriber = tr
	}
	return dictation.NewSession(mic, a.transcriber, a.state,
		dictation.WithMaxDuration(dc.MaxDuration),
		dictation.WithMetrics(a.metrics),
	), nil
}

// newBackend builds the configured assistant backend and its optional
// fallback, each behind a circuit breaker.
func newBackend(ac config.AssistantConfig) (assistant.Backend, error) {
	primary, err := buildBackend(ac.Backend, ac.BaseURL, ac.Provider, ac.Model, ac.APIKey, ac.SystemPrompt, ac.Timeout)
	if err != nil {
		return nil, err
	}
	g := resilience.NewGroup[assistant.Backend](resilience.BreakerConfig{
		MaxFailures: ac.Breaker.MaxFailures,
		Cooldown:    ac.Breaker.Cooldown,
	}).Add(string(ac.Backend), primary)

	if fb := ac.Fallback; fb.Backend != "" {
		b, err := buildBackend(fb.Backend, fb.BaseURL, fb.Provider, fb.Model, fb.APIKey, ac.SystemPrompt, ac.Timeout)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		g.Add("fallback", b)
	}
	return assistant.NewFailover(g), nil
}

func buildBackend(kind config.Backend, baseURL, provider, model, apiKey, prompt string, timeout time.Duration) (assistant.Backend, error) {
	switch kind {
	case config.BackendHTTP:
		return assistant.NewHTTP(baseURL,
			assistant.WithHTTPClient(&http.Client{Timeout: timeout}),
		)
	case config.BackendLLM:
		var opts []anyllmlib.Option
		if apiKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(apiKey))
		}
		if baseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(baseURL))
		}
		return assistant.NewLLM(provider, model, prompt, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the mode controller.
func (a *App) Controller() *Controller { return a.ctrl }

// SessionID identifies this run in the transcript store.
func (a *App) SessionID() string { return a.sessionID }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the console, the debug listener (when configured) and the
// config watcher (when configured), and blocks until the console exits or
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyReload)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		defer w.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	console := NewConsole(a.ctrl, a.store, a.sessionID, a.in, a.out)
	g.Go(func() error {
		defer cancel()
		return console.Run(gctx)
	})

	if addr := a.cfg.Server.DebugAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("app: debug listener: %w", err)
		}
		srv := &http.Server{
			Handler:           a.DebugHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		slog.Info("app: debug listener started", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: debug listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// DebugHandler serves /healthz, /readyz, /status and /metrics.
func (a *App) DebugHandler() http.Handler {
	h := health.New(
		[]health.Checker{{
			Name: "transcript",
			Check: func(ctx context.Context) error {
				_, err := a.store.Search(ctx, "", transcript.SearchOpts{SessionID: a.sessionID, Limit: 1})
				return err
			},
		}},
		health.WithStatus(func() any {
			snap := a.state.Snapshot()
			out := map[string]any{
				"session_id": a.sessionID,
				"mode":       snap.Mode,
				"status":     statusText(snap.Status),
				"messages":   snap.Messages,
				"voice":      a.voice.Active(),
			}
			if f, ok := a.backend.(*assistant.Failover); ok {
				out["breakers"] = f.Breakers()
			}
			return out
		}),
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// applyReload applies the hot-reloadable part of a config change.
func (a *App) applyReload(d config.Diff, _ *config.Config) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(ParseLevel(d.NewLogLevel))
	}
	if d.SystemPromptChanged {
		a.ctrl.SetSystemPrompt(d.NewSystemPrompt)
	}
	if d.BargeInChanged {
		a.ctrl.SetBargeIn(d.NewBargeIn)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config log level to slog.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. If ctx expires
// before all closers finish, the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.ctrl != nil {
			if err := a.ctrl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.voice != nil {
			a.voice.Wait()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, err)
				return
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}
