package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/brandpulse/internal/deadletter"
	"github.com/sells-group/brandpulse/internal/engine"
	"github.com/sells-group/brandpulse/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the diagnostics API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		mux := buildMux(ctx, e)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			return dlqCleanupLoop(gctx, e.Letters, time.Duration(cfg.DLQ.CleanupHours)*time.Hour)
		})

		return g.Wait()
	},
}

// dlqCleanupLoop periodically removes handled dead letters older than the
// retention window. A zero or negative window disables cleanup.
func dlqCleanupLoop(ctx context.Context, letters deadletter.Store, olderThan time.Duration) error {
	if olderThan <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deleted, err := letters.Cleanup(ctx, olderThan)
			if err != nil {
				zap.L().Error("dead letter cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				zap.L().Info("dead letter cleanup", zap.Int("deleted", deleted))
			}
		}
	}
}

// buildMux wires the HTTP routes against the provided environment.
func buildMux(ctx context.Context, e *env) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /executions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MainBrand        string   `json:"main_brand"`
			CompetitorBrands []string `json:"competitor_brands"`
			Questions        []string `json:"questions"`
			Models           []string `json:"models"`
			TimeoutSecs      int      `json:"timeout_secs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		models := req.Models
		if len(models) == 0 {
			models = e.Registry.List()
		}

		// Submissions outlive the request; tie them to the server context.
		id, err := e.Engine.Submit(ctx, engine.SubmitRequest{
			MainBrand:        req.MainBrand,
			CompetitorBrands: req.CompetitorBrands,
			Questions:        req.Questions,
			Models:           models,
			TimeoutHint:      time.Duration(req.TimeoutSecs) * time.Second,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"execution_id": id,
			"status":       "accepted",
		})
	})

	mux.HandleFunc("GET /executions", func(w http.ResponseWriter, r *http.Request) {
		execs := e.Repo.List()
		writeJSON(w, http.StatusOK, map[string]any{
			"executions": execs,
			"count":      len(execs),
		})
	})

	mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := e.Engine.Snapshot(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("POST /executions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Engine.Cancel(r.PathValue("id")); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	})

	mux.HandleFunc("GET /dlq", func(w http.ResponseWriter, r *http.Request) {
		filter := deadletter.Filter{
			ExecutionID: r.URL.Query().Get("execution_id"),
			Status:      model.DeadLetterStatus(r.URL.Query().Get("status")),
			ErrorKind:   r.URL.Query().Get("kind"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			filter.Limit, _ = strconv.Atoi(v)
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			filter.Offset, _ = strconv.Atoi(v)
		}

		entries, err := e.Letters.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	})

	mux.HandleFunc("GET /dlq/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.Letters.Statistics(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("POST /dlq/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		handledBy, notes := handlerFields(r)
		if err := e.Letters.Resolve(r.Context(), r.PathValue("id"), handledBy, notes); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	})

	mux.HandleFunc("POST /dlq/{id}/ignore", func(w http.ResponseWriter, r *http.Request) {
		handledBy, notes := handlerFields(r)
		if err := e.Letters.Ignore(r.Context(), r.PathValue("id"), handledBy, notes); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	})

	mux.HandleFunc("POST /dlq/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Engine.RetryDeadLetter(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
	})

	mux.HandleFunc("GET /breakers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Engine.BreakerStates())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func handlerFields(r *http.Request) (handledBy, notes string) {
	var req struct {
		HandledBy string `json:"handled_by"`
		Notes     string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		handledBy, notes = req.HandledBy, req.Notes
	}
	if handledBy == "" {
		handledBy = "api"
	}
	return handledBy, notes
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
