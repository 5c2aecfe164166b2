package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"

	"github.com/prasenjit/translucent/internal/api"
	"github.com/prasenjit/translucent/internal/config"
	"github.com/prasenjit/translucent/internal/matcher"
	"github.com/prasenjit/translucent/internal/openapi"
	"github.com/prasenjit/translucent/internal/passthrough"
	"github.com/prasenjit/translucent/internal/recorder"
	"github.com/prasenjit/translucent/internal/scenario"
	"github.com/prasenjit/translucent/internal/session"
	"github.com/prasenjit/translucent/internal/simulator"
	"github.com/prasenjit/translucent/internal/stats"
	"github.com/prasenjit/translucent/internal/synth"
	"github.com/prasenjit/translucent/internal/template"
	"github.com/prasenjit/translucent/internal/tlsutil"
)

// pruneInterval is how often expired interactions are dropped.
const pruneInterval = time.Minute

// app is a fully wired simulator server.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *scenario.Store
	reloader *scenario.Reloader
	recorder *recorder.Recorder
	stats    *stats.Collector
	server   *http.Server
}

// newApp wires every component and loads the first scenario generation.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	mode, err := matcher.ParsePredicateMode(cfg.Scenarios.PredicateMode)
	if err != nil {
		return nil, err
	}

	store := scenario.NewStore()
	loader := scenario.NewLoader(cfg.Scenarios.Paths, scenario.LoaderOptions{
		ControlPrefix: cfg.Server.ControlPrefix,
		Importer:      openapi.NewImporter(),
		Logger:        logger,
	})
	reloader := scenario.NewReloader(store, loader, logger)
	if _, err := reloader.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load scenarios: %w", err)
	}

	rec := recorder.New(recorder.Options{
		MaxInteractions: cfg.Recorder.MaxInteractions,
		Retention:       cfg.Recorder.Retention,
		MaxBodyBytes:    cfg.Recorder.MaxBodyBytes,
	})
	sessions := session.NewManager(session.Options{
		MaxExchanges: cfg.Sessions.MaxExchanges,
		MaxBodyBytes: cfg.Sessions.MaxBodyBytes,
	})
	collector := stats.NewCollector(stats.Options{})

	var upstream *passthrough.Client
	if cfg.Passthrough.Enabled {
		var caFiles []string
		if cfg.Passthrough.CAFile != "" {
			caFiles = append(caFiles, cfg.Passthrough.CAFile)
		}
		pool, err := tlsutil.LoadCertPool(caFiles...)
		if err != nil {
			return nil, err
		}
		upstream, err = passthrough.New(passthrough.Options{
			Upstreams:    cfg.UpstreamConfigs(),
			Timeout:      cfg.Passthrough.Timeout,
			MaxRetries:   cfg.Passthrough.MaxRetries,
			PreserveHost: cfg.Passthrough.PreserveHost,
			RootCAs:      pool,
			DropHeaders:  []string{matcher.SessionHeader},
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure pass-through: %w", err)
		}
		for _, up := range upstream.Upstreams() {
			logger.Info("pass-through upstream", "prefix", up.Prefix, "url", up.URL.String())
		}
	}

	engine := simulator.NewEngine(store, synth.New(template.NewEngine()), upstream, rec, collector, simulator.Options{
		RequestTimeout:       cfg.Server.RequestTimeout,
		MaxBodyBytes:         cfg.Server.MaxBodyBytes,
		PredicateMode:        mode,
		PassthroughUnmatched: cfg.Passthrough.Enabled && cfg.Passthrough.Unmatched,
		Sessions:             sessions,
		Logger:               logger,
	})
	handler := api.NewHandler(store, reloader, rec, sessions, collector, version)
	router := api.NewRouter(handler, engine, cfg.Server.ControlPrefix, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				collector.ConnOpened()
			case http.StateClosed, http.StateHijacked:
				collector.ConnClosed()
			}
		},
	}

	if cfg.Server.TLS.Enabled {
		cm := tlsutil.NewCertificateManager(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.StorePath)
		if h := cfg.Server.Host; h != "" && h != "0.0.0.0" && h != "::" {
			cm.AddHosts(h)
		}
		tlsConfig, err := cm.ServerConfig(cfg.Server.TLS.AutoGenerate)
		if err != nil {
			return nil, fmt.Errorf("failed to get TLS certificate: %w", err)
		}
		certPath, keyPath := cm.GetCertificatePaths()
		logger.Info("using TLS certificate", "cert", certPath, "key", keyPath)

		server.TLSConfig = tlsConfig
		if err := http2.ConfigureServer(server, &http2.Server{IdleTimeout: cfg.Server.IdleTimeout}); err != nil {
			return nil, fmt.Errorf("failed to configure http2: %w", err)
		}
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		reloader: reloader,
		recorder: rec,
		stats:    collector,
		server:   server,
	}, nil
}

// listen opens the configured address.
func (a *app) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	return ln, nil
}

// run serves on ln until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down gracefully. SIGHUP reloads the scenario files.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	scheme := "http"
	if a.server.TLSConfig != nil {
		ln = tls.NewListener(ln, a.server.TLSConfig)
		scheme = "https"
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(ln)
	}()
	a.logger.Info("translucent started",
		"address", fmt.Sprintf("%s://%s", scheme, ln.Addr()),
		"controlAPI", a.cfg.Server.ControlPrefix,
		"generation", a.store.Current().Generation,
		"scenarios", a.store.Current().Len())

	if a.cfg.Scenarios.Watch {
		watcher := scenario.NewWatcher(a.reloader, a.cfg.Scenarios.WatchDebounce, a.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Error("scenario watcher stopped", "error", err)
			}
		}()
	}

	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server failed: %w", err)
		case <-hup:
			a.logger.Info("SIGHUP received, reloading scenarios")
			_, _ = a.reloader.Reload()
		case <-prune.C:
			a.recorder.Prune()
		case <-ctx.Done():
			return a.shutdown()
		}
	}
}

func (a *app) shutdown() error {
	a.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("graceful shutdown timed out, closing connections", "error", err)
		_ = a.server.Close()
	}
	a.logger.Info("server stopped")
	return nil
}
