// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command helix starts the Helix Ask engine.
//
// Helix Ask answers repository questions with:
//   - Hybrid retrieval over a code lattice snapshot (lexical, symbol,
//     fuzzy, and path channels fused with RRF and diversified with MMR)
//   - A gated synthesis pipeline that downgrades instead of guessing
//   - Async jobs with streamed partials, plan/execute orchestration,
//     and the alpha-governed trajectory ledger
//
// Usage:
//
//	go run ./cmd/helix
//	go run ./cmd/helix -port 9090 -lattice data/lattice.json
//
// With a local model:
//
//	LOCAL_LLM_URL=http://localhost:11434/api/generate LOCAL_LLM_MODEL=qwen2.5-coder go run ./cmd/helix
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/ask/health
//
//	# Ask a question
//	curl -X POST http://localhost:8080/v1/ask \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "How is the plan cache implemented?"}'
//
//	# Background job
//	curl -X POST http://localhost:8080/v1/ask/jobs \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "Walk the retrieval flow through the code"}'
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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/helixml/helix-ask/services/ask"
	"github.com/helixml/helix-ask/services/ask/concepts"
	"github.com/helixml/helix-ask/services/ask/config"
	"github.com/helixml/helix-ask/services/ask/intent"
	"github.com/helixml/helix-ask/services/ask/jobs"
	"github.com/helixml/helix-ask/services/ask/lattice"
	"github.com/helixml/helix-ask/services/ask/orchestrator"
	"github.com/helixml/helix-ask/services/ask/storage/badgerstore"
	"github.com/helixml/helix-ask/services/ask/telemetry"
	"github.com/helixml/helix-ask/services/ask/toollog"
	"github.com/helixml/helix-ask/services/ask/trajectory"
	"github.com/helixml/helix-ask/services/llm"
)

// jobPruneInterval is how often expired job records are swept ahead of
// badger's own GC.
const jobPruneInterval = 5 * time.Minute

// limiterResetInterval is how often idle ingest buckets are reclaimed.
const limiterResetInterval = 10 * time.Minute

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	latticePath := flag.String("lattice", "data/lattice.json", "Path to the code lattice snapshot")
	docsRoot := flag.String("docs-root", "", "Docs tree root for the grep fallback (empty disables)")
	dataDir := flag.String("data-dir", "", "BadgerDB directory for jobs and traces (empty uses in-memory)")
	exportSpans := flag.Bool("export-spans", false, "Export OTel spans to stdout")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.InitTracing(*exportSpans)
	if err != nil {
		logger.Error("tracing init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cfg := config.Load()

	// Storage: one badger DB backs jobs, trajectories, and task traces.
	db, err := badgerstore.Open(*dataDir, logger)
	if err != nil {
		logger.Error("badger open failed",
			slog.String("path", *dataDir), slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Routing directories load from embedded YAML; failure is fatal since
	// nothing can be answered without them.
	intents, err := intent.Load()
	if err != nil {
		logger.Error("intent directory load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cards, err := concepts.Load()
	if err != nil {
		logger.Error("concept cards load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Lattice snapshot: load in the background so startup never blocks on a
	// large snapshot; the warmup guard holds traffic until it lands.
	reader := lattice.NewReader(*latticePath, logger)

	client := llm.NewLocalClient(logger)
	runner := llm.NewRunner(client, cfg.LocalContextTokens, cfg.OverflowRetryPolicy, cfg.OverflowRetryEnabled, logger)

	svc := ask.NewService(cfg, runner, reader, intents, cards, *docsRoot, logger)

	traceStore, err := trajectory.NewStore(context.Background(), db, logger)
	if err != nil {
		logger.Error("trajectory store init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	governor := trajectory.NewGovernor(traceStore, cfg.AlphaTarget, cfg.AlphaWindow, logger)
	emitter := trajectory.NewEmitter(traceStore, governor, logger)

	jobStore := jobs.NewStore(db, cfg.JobTTL, logger)
	planCache := orchestrator.NewPlanCache(cfg.PlanCacheTTL, cfg.PlanCacheMax)
	orch := orchestrator.NewOrchestrator(reader, intents, planCache, traceStore, logger)
	logs := toollog.NewStore(0, logger)
	limiter := toollog.NewIngestLimiter(0, 0, 0)

	handlers := ask.NewHandlers(svc, jobStore, orch, emitter, governor, logs, limiter, runner, reader, cfg, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("helix-ask"))
	router.Use(ask.RequestIDMiddleware())
	if *debug {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	ask.RegisterRoutes(v1, handlers)

	stop := make(chan struct{})
	go warmUp(svc, reader, logger)
	go pruneLoop(jobStore, limiter, stop, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down helix ask server")
		close(stop)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
		reader.Close()
		if err := db.Close(); err != nil {
			logger.Warn("badger close", slog.String("error", err.Error()))
		}
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting helix ask server",
		slog.Int("port", *port),
		slog.String("lattice", *latticePath),
		slog.Bool("micro_pass", cfg.MicroPass),
		slog.Bool("two_pass", cfg.TwoPass))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// warmUp loads the lattice snapshot and starts the change watcher, then
// opens the service for traffic. A missing snapshot keeps the service cold
// but alive; health stays green so orchestrators do not kill the pod.
func warmUp(svc *ask.Service, reader *lattice.Reader, logger *slog.Logger) {
	started := time.Now()
	if err := reader.Load(); err != nil {
		logger.Error("lattice load failed, service stays cold",
			slog.String("error", err.Error()))
		return
	}
	if err := reader.Watch(); err != nil {
		logger.Warn("lattice watcher unavailable, snapshot is static",
			slog.String("error", err.Error()))
	}
	svc.SetWarm(true)
	snap := reader.Snapshot()
	logger.Info("helix ask warm",
		slog.Int("lattice_nodes", len(snap.Nodes)),
		slog.Duration("load_time", time.Since(started)))
}

// pruneLoop periodically sweeps expired job records and idle rate-limiter
// buckets.
func pruneLoop(jobStore *jobs.Store, limiter *toollog.IngestLimiter, stop <-chan struct{}, logger *slog.Logger) {
	jobTicker := time.NewTicker(jobPruneInterval)
	limiterTicker := time.NewTicker(limiterResetInterval)
	defer jobTicker.Stop()
	defer limiterTicker.Stop()
	for {
		select {
		case <-jobTicker.C:
			if n := jobStore.Prune(context.Background()); n > 0 {
				logger.Debug("job records pruned", slog.Int("count", n))
			}
		case <-limiterTicker.C:
			if n := limiter.Reset(); n > 0 {
				logger.Debug("idle ingest buckets reclaimed", slog.Int("count", n))
			}
		case <-stop:
			return
		}
	}
}
