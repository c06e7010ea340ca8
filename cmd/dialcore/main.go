package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialcore/dialcore/internal/agent"
	"github.com/dialcore/dialcore/internal/config"
	"github.com/dialcore/dialcore/internal/dialer"
	"github.com/dialcore/dialcore/internal/events"
	"github.com/dialcore/dialcore/internal/leadstore"
	"github.com/dialcore/dialcore/internal/metrics"
	"github.com/dialcore/dialcore/internal/queue"
	"github.com/dialcore/dialcore/internal/sink"
	"github.com/dialcore/dialcore/internal/state"
	"github.com/dialcore/dialcore/internal/switchio"
	"github.com/dialcore/dialcore/internal/waitingroom"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialcore",
		"switch_addr", fmt.Sprintf("%s:%d", cfg.SwitchHost, cfg.SwitchPort),
		"data_dir", cfg.DataDir,
		"tick_interval", cfg.TickInterval,
		"dial_multiplier", cfg.DialMultiplier(),
	)

	db, err := leadstore.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open lead store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	gw := leadstore.NewGateway(db)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	store := state.New()
	agents := agent.New(store)
	queues := queue.NewManager()

	sw := switchio.NewClient(fmt.Sprintf("%s:%d", cfg.SwitchHost, cfg.SwitchPort), logger)
	go sw.Run(appCtx)

	persistSink := sink.New(store, gw,
		time.Duration(cfg.SyncDrainDelaySecs)*time.Second,
		time.Duration(cfg.SyncLockTTLSecs)*time.Second,
		logger)

	demux := events.New(sw, agents, queues, store, persistSink, cfg.WaitingRoomExtension, logger)
	go demux.Run(appCtx)

	cycle := dialer.New(sw, agents, queues, store, gw, cfg, logger)
	go cycle.RunForever(appCtx, time.Duration(cfg.TickInterval)*time.Second)

	waitingRoom := waitingroom.New(sw, agents, store, logger)
	go waitingRoom.Run(appCtx)

	collector := metrics.NewCollector(
		&agentCountsAdapter{agents: agents},
		&queueDepthAdapter{queues: queues},
		&activeCallsAdapter{store: store},
		&waitingRoomAdapter{store: store},
		time.Now(),
	)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("metrics server error", "error", err)
	}

	appCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}

	slog.Info("dialcore stopped")
}

// agentCountsAdapter bridges agent.Machine with metrics.AgentCountsProvider.
type agentCountsAdapter struct {
	agents *agent.Machine
}

func (a *agentCountsAdapter) IdleCount(team string) int {
	count := 0
	for _, s := range a.agents.States() {
		if string(s.Team) == team && s.Status == agent.StatusIdle {
			count++
		}
	}
	return count
}

func (a *agentCountsAdapter) BusyCount(team string) int {
	count := 0
	for _, s := range a.agents.States() {
		if string(s.Team) == team && s.Status == agent.StatusBusy {
			count++
		}
	}
	return count
}

// queueDepthAdapter bridges queue.Manager with metrics.QueueDepthProvider.
type queueDepthAdapter struct {
	queues *queue.Manager
}

func (q *queueDepthAdapter) PriorityDepth() int    { return q.queues.TotalPriorityDepth() }
func (q *queueDepthAdapter) SecondaryDepth() int   { return q.queues.TotalSecondaryDepth() }
func (q *queueDepthAdapter) AcquisitionDepth() int { return q.queues.AcquisitionLen() }

// activeCallsAdapter bridges state.Store with metrics.ActiveCallsProvider.
type activeCallsAdapter struct {
	store *state.Store
}

func (a *activeCallsAdapter) GetActiveCallCount() int {
	return len(a.store.HGetAll(state.ActiveCalls))
}

// waitingRoomAdapter bridges state.Store with metrics.WaitingRoomProvider.
type waitingRoomAdapter struct {
	store *state.Store
}

func (w *waitingRoomAdapter) WaitingCount(team string) int {
	switch agent.Team(team) {
	case agent.TeamSupport:
		return w.store.ListLen(state.SupportCustomersWaitingQueue)
	case agent.TeamSecondarySales:
		return w.store.ListLen(state.SecondarySalesCustomersWaiting)
	default:
		return 0
	}
}
