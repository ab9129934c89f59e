// Package main runs the canopy tree server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"canopy/internal/adapters/promexport"
	"canopy/internal/adapters/treehttp"
	"canopy/internal/adapters/zlog"
	"canopy/internal/blob"
	"canopy/internal/core"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "canopyd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenPersistentStore()
	if err != nil {
		log.Error().Err(err).Msg("open persistent store")
		return 1
	}
	defer store.Close()

	blobStore, err := blob.Open(ctx)
	if err != nil {
		log.Error().Err(err).Msg("open blob store")
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := promexport.NewRecorder(registry)
	if err != nil {
		log.Error().Err(err).Msg("register metrics")
		return 1
	}

	svc := core.NewService(store,
		core.WithLogger(zlog.New(log.With().Str("component", "tree").Logger())),
		core.WithMetricsRecorder(recorder),
		core.WithExportSink(blob.NewSnapshotSink(blobStore)),
	)

	handler := treehttp.NewHandler(svc)
	mux := http.NewServeMux()
	mux.Handle("/api/v1/forests", handler)
	mux.Handle("/api/v1/forests/", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := os.Getenv("CANOPY_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("blob_driver", string(blobStore.Driver())).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			return 1
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
			return 1
		}
	}
	return 0
}
