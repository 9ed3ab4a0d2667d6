package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/runner"
	"github.com/gridwell/datafeeds/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status HTTP server",
	Long:  "Serves run outcomes and accepts launch requests from operator tooling.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := notifyCancel(cmd.Context())
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		r, err := initRunner(ctx, st, model.DriverChromium)
		if err != nil {
			return err
		}

		router := chi.NewRouter()
		router.Use(middleware.RequestID)
		router.Use(middleware.Recoverer)
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		router.Get("/v1/runs", func(w http.ResponseWriter, req *http.Request) {
			limit := 20
			if s := req.URL.Query().Get("limit"); s != "" {
				if n, err := strconv.Atoi(s); err == nil && n > 0 {
					limit = n
				}
			}
			outcomes, err := st.ListRunOutcomes(req.Context(), limit)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
				return
			}
			writeJSON(w, http.StatusOK, outcomes)
		})

		router.Get("/v1/runs/{runID}", func(w http.ResponseWriter, req *http.Request) {
			oc, err := st.GetRunOutcome(req.Context(), chi.URLParam(req, "runID"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
				return
			}
			writeJSON(w, http.StatusOK, oc)
		})

		router.Post("/v1/launch", launchHandler(ctx, st, r))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// launchHandler accepts a launch request and runs it asynchronously; the
// caller polls /v1/runs/{run_id} for the outcome.
func launchHandler(ctx context.Context, st store.Store, r *runner.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			SourceID int64  `json:"source_id"`
			Start    string `json:"start"`
			End      string `json:"end"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body.SourceID <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source_id is required"})
			return
		}

		runReq, err := buildServerRequest(req.Context(), st, body.SourceID, body.Start, body.End)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		go func() {
			oc := r.Run(ctx, runReq)
			zap.L().Info("server launch finished",
				zap.String("run_id", oc.RunID),
				zap.String("status", string(oc.Status)))
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"run_id": runReq.RunID,
		})
	}
}

// buildServerRequest resolves the source and parses the optional window.
func buildServerRequest(ctx context.Context, st store.Store, sourceID int64, start, end string) (model.RunRequest, error) {
	var zero model.RunRequest

	source, err := st.LoadSource(ctx, sourceID)
	if err != nil {
		return zero, eris.Errorf("source %d not found", sourceID)
	}

	var window dates.Window
	if start != "" {
		if window.Start, err = dates.Parse(start); err != nil {
			return zero, err
		}
	}
	if end != "" {
		if window.End, err = dates.Parse(end); err != nil {
			return zero, err
		}
	}

	req := model.RunRequest{
		RunID:  uuid.New().String(),
		Source: *source,
		Window: window,
		Driver: model.DriverChromium,
	}
	return req, req.Validate()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
