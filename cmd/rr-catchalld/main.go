package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/haukened/rr-catchall/internal/catchall/common/clock"
	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/config"
	"github.com/haukened/rr-catchall/internal/catchall/gateways/relay"
	"github.com/haukened/rr-catchall/internal/catchall/gateways/smtpd"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore/sqlstore"
	"github.com/haukened/rr-catchall/internal/catchall/repos/directory"
	"github.com/haukened/rr-catchall/internal/catchall/repos/rulestore"
	"github.com/haukened/rr-catchall/internal/catchall/repos/tracker"
	"github.com/haukened/rr-catchall/internal/catchall/services/rewriter"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-catchalld"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the catch-all relay
type Application struct {
	config  *config.AppConfig
	rules   *rulestore.Store
	watcher *rulestore.Watcher
	tracker *tracker.Tracker
	server  *smtp.Server
	metrics *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":    version,
		"env":        cfg.Env,
		"log_level":  cfg.LogLevel,
		"listen":     cfg.Listen,
		"downstream": cfg.Downstream,
		"rules_file": cfg.RulesFile,
		"directory":  cfg.Directory,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				log.Info(map[string]any{"path": cfg.RulesFile}, "Reload signal received")
				go app.rules.Reload()
				continue
			}
			log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
			cancel()
			return
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Server failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := &clock.RealClock{}
	logger := log.GetLogger()

	policy, err := rewriter.ParseFailPolicy(cfg.BlocklistPolicy)
	if err != nil {
		return nil, err
	}

	// Rule file and its database section
	compiler := rewriter.NewCompiler(log.Component("compiler"), clk)
	rules := rulestore.New(cfg.RulesFile, compiler, datastore.Open, log.Component("rulestore"))
	if err := rules.Load(); err != nil {
		// the relay still runs; every recipient passes through until a reload succeeds
		logger.Warn(map[string]any{
			"path":  cfg.RulesFile,
			"error": err,
		}, "Initial rule load failed, serving with no rules")
	}

	watcher, err := rulestore.NewWatcher(cfg.RulesFile, rulestore.DefaultDebounce, rules.Reload, log.Component("watcher"))
	if err != nil {
		_ = rules.Close()
		return nil, fmt.Errorf("failed to watch rule file: %w", err)
	}

	tr, err := tracker.New(cfg.TrackerSize, cfg.TrackerTTL, log.Component("tracker"))
	if err != nil {
		return nil, multierr.Combine(
			fmt.Errorf("failed to create tracker: %w", err),
			watcher.Close(),
			rules.Close(),
		)
	}

	dir, err := buildDirectory(cfg, rules)
	if err != nil {
		return nil, multierr.Combine(err, watcher.Close(), rules.Close())
	}

	engine := rewriter.NewEngine(rewriter.EngineOptions{
		AddOrigToHeader: cfg.AddOrigToHeader,
		Audit:           rewriter.NewAuditSink(clk, cfg.StoreTimeout, log.Component("audit")),
		Directory:       dir,
		Gate:            rewriter.NewBlocklistGate(policy, cfg.StoreTimeout, log.Component("blocklist")),
		Logger:          log.Component("engine"),
		RejectOnBlock:   cfg.RejectOnBlock,
		Source:          rules,
		Tracker:         tr,
	})

	downstream := relay.New(relay.Options{
		Addr:     cfg.Downstream,
		Hostname: cfg.Hostname,
		Logger:   log.Component("relay"),
		Timeout:  cfg.WriteTimeout,
	})

	backend := smtpd.NewBackend(smtpd.BackendOptions{
		Clock:   clk,
		Engine:  engine,
		Logger:  log.Component("smtpd"),
		Relay:   downstream,
		Timeout: cfg.WriteTimeout,
	})
	server := smtpd.NewServer(backend, cfg.Listen, cfg.Hostname, cfg.ReadTimeout, cfg.WriteTimeout, cfg.MaxRecipients)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info(map[string]any{
		"policy":          policy.String(),
		"reject_on_block": cfg.RejectOnBlock,
		"orig_to_header":  cfg.AddOrigToHeader,
		"tracker_size":    cfg.TrackerSize,
		"tracker_ttl":     cfg.TrackerTTL,
	}, "Rewrite engine configured")

	return &Application{
		config:  cfg,
		rules:   rules,
		watcher: watcher,
		tracker: tr,
		server:  server,
		metrics: metricsServer,
	}, nil
}

// buildDirectory selects the known-mailbox lookup.
func buildDirectory(cfg *config.AppConfig, rules *rulestore.Store) (rewriter.Directory, error) {
	switch cfg.Directory {
	case "", "none":
		return directory.None{}, nil
	case "static":
		d := directory.NewStatic(cfg.Mailboxes)
		log.Info(map[string]any{"mailboxes": d.Len()}, "Static mailbox directory configured")
		return d, nil
	case "sql":
		return directory.NewSQL(sqlPool(rules)), nil
	}
	return nil, fmt.Errorf("unknown directory %q", cfg.Directory)
}

// sqlPool follows the rule store's current handle and keeps it open for the
// duration of a lookup. Non-SQL handles yield no pool.
func sqlPool(rules *rulestore.Store) directory.PoolFunc {
	return func() (directory.Pool, func()) {
		snap, release := rules.Acquire()
		if s, ok := snap.Access.(*sqlstore.Store); ok && s != nil {
			return s, release
		}
		release()
		return nil, func() {}
	}
}

// Address returns the bound SMTP address once Run has started listening.
func (app *Application) Address() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

// Run starts the SMTP front, the rule watcher and the metrics endpoint and
// blocks until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", app.config.Listen)
	if err != nil {
		return multierr.Combine(fmt.Errorf("failed to listen: %w", err), app.close())
	}
	app.mu.Lock()
	app.listener = l
	app.mu.Unlock()

	serveErr := make(chan error, 2)
	go func() {
		if err := app.server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			serveErr <- fmt.Errorf("smtp server: %w", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		_ = app.watcher.Run(watchCtx)
	}()

	if app.metrics != nil {
		go func() {
			if err := app.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		log.Info(map[string]any{"address": app.metrics.Addr}, "Metrics endpoint started")
	}

	log.Info(map[string]any{
		"address":  l.Addr().String(),
		"hostname": app.config.Hostname,
	}, "SMTP relay started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		log.Error(map[string]any{"error": runErr}, "Server stopped unexpectedly")
	}

	log.Info(nil, "Shutdown initiated")
	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := app.server.Close()
		if app.metrics != nil {
			err = multierr.Append(err, app.metrics.Shutdown(shutdownCtx))
		}
		done <- multierr.Append(err, app.close())
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn(map[string]any{"error": err}, "Errors during shutdown")
		}
		log.Info(map[string]any{"pending": app.tracker.Len()}, "Graceful shutdown completed")
		return runErr
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}

// close releases the watcher and the database handle.
func (app *Application) close() error {
	return multierr.Combine(app.watcher.Close(), app.rules.Close())
}
