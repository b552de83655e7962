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

	"github.com/loqalabs/loqa-yomiage/internal/bus"
	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/discord"
	"github.com/loqalabs/loqa-yomiage/internal/eventstore"
	"github.com/loqalabs/loqa-yomiage/internal/guildconfig"
	"github.com/loqalabs/loqa-yomiage/internal/natsserver"
	"github.com/loqalabs/loqa-yomiage/internal/router"
	"github.com/loqalabs/loqa-yomiage/internal/session"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	addr   atomic.Value

	metrics  http.Handler
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	recorder *eventstore.Recorder
	store    guildconfig.Store
	coord    *session.Coordinator
	router   *router.Service
	gateway  *discord.Gateway
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves until ctx is cancelled and then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = metricHandler
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port))
	if err != nil {
		r.teardown()
		return fmt.Errorf("listen http: %w", err)
	}
	r.addr.Store(listener.Addr().String())
	servers := []*http.Server{{Handler: r.routes(), ReadHeaderTimeout: 5 * time.Second}}
	listeners := []net.Listener{listener}

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		ml, err := net.Listen("tcp", bind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable, serving /metrics on the main port only",
				slog.String("bind", bind), slog.String("error", err.Error()))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", r.metrics)
			servers = append(servers, &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second})
			listeners = append(listeners, ml)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, ln := servers[i], listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server on %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.janitor(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	err = g.Wait()
	r.teardown()
	return err
}

// Addr is the bound address of the main HTTP listener once started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

func (r *Runtime) Ready() bool {
	return r.ready.Load()
}
