package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/flowqueue/internal/api"
	"github.com/flowpbx/flowqueue/internal/audit"
	"github.com/flowpbx/flowqueue/internal/auth"
	"github.com/flowpbx/flowqueue/internal/config"
	"github.com/flowpbx/flowqueue/internal/device"
	"github.com/flowpbx/flowqueue/internal/events"
	"github.com/flowpbx/flowqueue/internal/kvstore"
	"github.com/flowpbx/flowqueue/internal/metrics"
	"github.com/flowpbx/flowqueue/internal/queue"
	"github.com/flowpbx/flowqueue/internal/queueconf"
	"github.com/flowpbx/flowqueue/internal/transport"
	"github.com/flowpbx/flowqueue/internal/transport/sipdrv"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting flowqueue",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"queues_file", cfg.QueuesFile,
	)

	// Durable store for dynamic member persistence.
	store, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open kv store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Queue log, if configured.
	var qlog *audit.Log
	if cfg.QueueLogFile != "" {
		qlog, err = audit.OpenFile(cfg.QueueLogFile, logger)
		if err != nil {
			slog.Error("failed to open queue log", "error", err)
			os.Exit(1)
		}
		defer qlog.Close()
	} else {
		qlog = audit.New(io.Discard, logger)
	}

	// Queue definitions and SIP accounts.
	loaded, err := queueconf.Load(cfg.QueuesFile)
	if err != nil {
		slog.Error("failed to load queue definitions", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	bus := events.NewBus(logger)
	devices := device.NewRegistry(logger)
	defer devices.Close()

	driver, err := sipdrv.New(sipdrv.Config{
		BindIP:   "0.0.0.0",
		Port:     cfg.SIPPort,
		Hostname: hostname(),
		Accounts: loaded.Accounts,
	}, devices, logger)
	if err != nil {
		slog.Error("failed to create sip driver", "error", err)
		os.Exit(1)
	}

	engine := queue.New(queue.Options{
		Logger:   logger,
		Driver:   driver,
		Devices:  devices,
		Bus:      bus,
		AuditLog: qlog,
		KV:       store,
	})
	engine.LoadRules(loaded.Rules)
	if err := engine.LoadQueues(loaded.Queues); err != nil {
		slog.Error("failed to load queues", "error", err)
		os.Exit(1)
	}
	slog.Info("queues loaded",
		"queues", len(loaded.Queues),
		"rules", len(loaded.Rules),
		"accounts", len(loaded.Accounts),
	)

	// Each inbound call dials the queue named by the Request-URI user and
	// rides one dispatcher goroutine until it exits the queue.
	driver.OnCall(func(ch transport.Channel) {
		outcome, err := engine.Run(appCtx, ch.Exten(), ch, queue.RunParams{})
		if err != nil {
			slog.Warn("caller rejected",
				"channel", ch.Name(),
				"queue", ch.Exten(),
				"error", err,
			)
			return
		}
		slog.Info("caller left queue",
			"channel", ch.Name(),
			"queue", ch.Exten(),
			"result", string(outcome.Result),
		)
	})

	if err := driver.Start(appCtx); err != nil {
		slog.Error("failed to start sip driver", "error", err)
		os.Exit(1)
	}

	// Reload re-reads the definition file. SIP accounts are applied at
	// startup only; a changed account set needs a restart.
	reload := func() error {
		l, err := queueconf.Load(cfg.QueuesFile)
		if err != nil {
			return err
		}
		engine.LoadRules(l.Rules)
		return engine.LoadQueues(l.Queues)
	}

	// Management API auth material.
	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}
	adminHash := ""
	if cfg.AdminPassword != "" {
		adminHash, err = auth.HashPassword(cfg.AdminPassword)
		if err != nil {
			slog.Error("failed to hash admin password", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no admin-password configured, management login disabled")
	}

	// Prometheus registry with the engine collector.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(metrics.NewCollector(engine, startTime))
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	handler := api.NewServer(engine, bus, cfg, logger, jwtSecret, adminHash, reload, metricsHandler)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// SIGHUP rotates the queue log and re-reads the definition file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			slog.Info("received SIGHUP, reloading")
			if err := qlog.Reopen(); err != nil {
				slog.Error("queue log reopen failed", "error", err)
			}
			if err := reload(); err != nil {
				slog.Error("queue reload failed", "error", err)
			}
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	driver.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("flowqueue stopped")
}

// hostname returns the advertised SIP hostname, falling back to localhost.
func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}
