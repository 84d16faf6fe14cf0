package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fleetgraph/orchestrator/internal/config"
	"github.com/fleetgraph/orchestrator/internal/coordinator"
	"github.com/fleetgraph/orchestrator/internal/engine"
	"github.com/fleetgraph/orchestrator/internal/logging"
	"github.com/fleetgraph/orchestrator/internal/otelinit"
)

type initWorkflowRequest struct {
	Tasks    []coordinator.TaskDefinition `json:"tasks"`
	Metadata map[string]interface{}       `json:"metadata"`
	ClientID string                       `json:"client_id"`
}

type initWorkflowResponse struct {
	RunID string `json:"run_id"`
}

type cancelWorkflowRequest struct {
	Reason      string `json:"reason"`
	Force       bool   `json:"force"`
	CancelledBy string `json:"cancelled_by"`
}

func main() {
	service := "orchestrator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	cfg, err := config.Load(os.Getenv("ORCH_CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		slog.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	eng.Start(ctx)

	mux := http.NewServeMux()
	meter := otel.GetMeterProvider().Meter("orchestrator")
	requestCounter, _ := meter.Int64Counter("orchestrator_http_requests_total")
	requestErrors, _ := meter.Int64Counter("orchestrator_http_request_errors_total")

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		requestCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "init_workflow")))
		var req initWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		runID, err := eng.InitWorkflow(r.Context(), req.Tasks, req.Metadata, req.ClientID)
		if err != nil {
			requestErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "init_workflow")))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(initWorkflowResponse{RunID: runID})
	})

	mux.HandleFunc("/v1/workflows/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		requestCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "start_workflow")))
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, "run_id required", http.StatusBadRequest)
			return
		}
		if err := eng.StartWorkflow(r.Context(), runID); err != nil {
			requestErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "start_workflow")))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/workflows/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, "run_id required", http.StatusBadRequest)
			return
		}
		status, err := eng.GetWorkflowStatus(r.Context(), runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	mux.HandleFunc("/v1/workflows/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		requestCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "cancel_workflow")))
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, "run_id required", http.StatusBadRequest)
			return
		}
		var req cancelWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := eng.CancelWorkflow(r.Context(), runID, req.Reason, req.Force, req.CancelledBy); err != nil {
			requestErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "cancel_workflow")))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/workflows/force-complete-cancellation", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		requestCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "force_complete_cancellation")))
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, "run_id required", http.StatusBadRequest)
			return
		}
		if err := eng.ForceCompleteCancellation(r.Context(), runID); err != nil {
			requestErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", "force_complete_cancellation")))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/workflows/cancelled", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		limit := 50
		if v := q.Get("limit"); v != "" {
			if n, err := parsePositiveInt(v); err == nil {
				limit = n
			}
		}
		offset := 0
		if v := q.Get("offset"); v != "" {
			if n, err := parsePositiveInt(v); err == nil {
				offset = n
			}
		}
		workflows, err := eng.ListCancelled(r.Context(), limit, offset, q.Get("client_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workflows)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("orchestrator started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	if err := eng.Shutdown(ctxSd); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
