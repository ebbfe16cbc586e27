package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"code.cloudfoundry.org/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/config"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/httpapi"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/network"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg := config.Load()
	level.Info(logger).Log("msg", "starting supervisor",
		"failure_rate", cfg.FailureRate, "activity_rate", cfg.ActivityRate,
		"downtime", cfg.Downtime, "cs_work", cfg.CSWork, "http_addr", cfg.HTTPAddr)

	sup := network.New(network.Config{
		FailureRate:  cfg.FailureRate,
		ActivityRate: cfg.ActivityRate,
		Clock:        clock.NewClock(),
		Logger:       logger,
		Downtime:     cfg.Downtime,
		CSWork:       cfg.CSWork,
	})

	if err := network.BuildSampleTree(sup, cfg.ActivityRate); err != nil {
		level.Error(logger).Log("msg", "failed to build network", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	server := httpapi.NewServer(sup)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router()}

	go func() {
		level.Info(logger).Log("msg", "http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	level.Info(logger).Log("msg", "shutting down")
	_ = httpServer.Shutdown(context.Background())
	cancel()

	sent, issued := sup.Stop()
	level.Info(logger).Log("msg", "stopped", "messages_sent", sent, "requests_issued", issued)
}
