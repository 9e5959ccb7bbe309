// Package runtime assembles the dictation node: telemetry, bus, timeline
// store, capture pipeline, orchestrator and HTTP control surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/segmenter"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/transcript"
)

const (
	transcriptStream = "DICTATION_TEXT"
	pruneInterval    = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	device  capture.Device
	factory stt.Factory
	extra   []events.Sink

	httpServer *http.Server
	addr       atomic.Value
	ready      atomic.Bool

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	storeSink *events.StoreSink
	orch      *dictation.Orchestrator
	ctrl      *dictation.Controller
	presence  *presence.Registry
}

type Option func(*Runtime)

// WithDevice replaces the configured capture device.
func WithDevice(d capture.Device) Option {
	return func(r *Runtime) { r.device = d }
}

// WithRecognizerFactory replaces the configured STT backend.
func WithRecognizerFactory(f stt.Factory) Option {
	return func(r *Runtime) { r.factory = f }
}

// WithSink adds a consumer for dictation events.
func WithSink(s events.Sink) Option {
	return func(r *Runtime) { r.extra = append(r.extra, s) }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Addr returns the HTTP listen address once Start has bound it.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start runs the node until ctx is cancelled or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.build(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port)))
	if err != nil {
		r.teardown(context.Background())
		return fmt.Errorf("listen http: %w", err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r.store != nil {
		g.Go(func() error {
			r.pruneLoop(gctx)
			return nil
		})
	}

	if r.cfg.Orchestrator.Autostart {
		r.ctrl.Start()
	}
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		r.ready.Store(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err = g.Wait()
	r.teardown(context.Background())
	return err
}

func (r *Runtime) build(ctx context.Context) error {
	log := r.logger

	sinks := events.Fanout{events.NewLogSink(log.With(slog.String("component", "dictation")))}
	sinks = append(sinks, r.extra...)

	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, log)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, log)
		if err != nil {
			return err
		}
		r.bus = client
		maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
		if err := client.EnsureStream(transcriptStream, []string{protocol.SubjectText}, maxAge); err != nil {
			log.Warn("transcript stream unavailable", slog.String("error", err.Error()))
		}
		sinks = append(sinks, events.NewBusSink(client, log))
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.storeSink = events.NewStoreSink(store, r.cfg.Node.ID, log)
	sinks = append(sinks, r.storeSink)

	device := r.device
	if device == nil {
		if device, err = capture.New(r.cfg.Capture, log); err != nil {
			return err
		}
	}
	factory := r.factory
	if factory == nil {
		if factory, err = stt.NewFactory(r.cfg.STT, log); err != nil {
			return err
		}
	}

	seg := segmenter.New(segmenter.ConfigFrom(r.cfg.Segmenter, r.cfg.Capture), device,
		segmenter.WithSink(sinks),
		segmenter.WithLogger(log.With(slog.String("component", "segmenter"))))

	tag, err := language.Parse(r.cfg.Transcript.Language)
	if err != nil {
		log.Warn("unknown transcript language, using default", slog.String("language", r.cfg.Transcript.Language))
		tag = language.English
	}
	cleaner := transcript.New(transcript.Options{
		Lowercase:  r.cfg.Transcript.Lowercase,
		Capitalize: r.cfg.Transcript.Capitalize,
		Language:   tag,
	})

	r.orch = dictation.New(seg, factory, dictation.Options{
		Deadline:   dictation.DeadlinePolicyFrom(r.cfg.Orchestrator),
		CycleDelay: time.Duration(r.cfg.Orchestrator.CycleDelayMS) * time.Millisecond,
		Cleaner:    cleaner,
		Sink:       sinks,
		Logger:     log.With(slog.String("component", "orchestrator")),
	})
	r.ctrl = dictation.NewController(ctx, r.orch, log)

	if r.bus != nil {
		reg, err := presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.dictationState, log)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = reg
	}
	return nil
}

func (r *Runtime) dictationState() (string, bool) {
	return r.orch.State().String(), r.ctrl.Running()
}

// teardown stops components in reverse dependency order. It tolerates a
// partially built runtime.
func (r *Runtime) teardown(ctx context.Context) {
	timeout := time.Duration(r.cfg.Orchestrator.ShutdownTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.ctrl != nil {
		if err := r.ctrl.Stop(ctx); err != nil {
			r.logger.Error("dictation stop error", slog.String("error", err.Error()))
		}
	}
	if r.orch != nil {
		if err := r.orch.Close(ctx); err != nil {
			r.logger.Error("recognizer close error", slog.String("error", err.Error()))
		}
	}
	if r.presence != nil {
		r.presence.Close()
		r.presence = nil
	}
	if r.storeSink != nil {
		r.storeSink.Close()
		r.storeSink = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
