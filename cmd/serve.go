package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/claims-cli/internal/jobstore"
	"github.com/sells-group/claims-cli/internal/model"
	"github.com/sells-group/claims-cli/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool with an operations HTTP API",
	Long:  "Processes pending claims while exposing job status, the exception list, and circuit breaker controls over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: opsRouter(env),
		}

		poll := time.Duration(cfg.Worker.PollIntervalSecs) * time.Second
		w := pipeline.NewWorker(env.Store, env.Controller, cfg.Worker.Count, poll)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return w.Run(ctx)
		})
		g.Go(func() error {
			zap.L().Info("starting ops server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down ops server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

// opsRouter builds the operations API. This surface is read-mostly: the only
// mutations are the operator actions (retry a job, reset the breaker).
func opsRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		counts, err := env.Store.CountByStatus(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			filter := jobstore.JobFilter{
				Status: model.JobStatus(req.URL.Query().Get("status")),
				Limit:  50,
			}
			if n, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && n > 0 {
				filter.Limit = n
			}
			jobs, err := env.Store.ListJobs(req.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, jobs)
		})

		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				EmailID  string            `json:"email_id"`
				Filename string            `json:"filename"`
				Email    *model.Extraction `json:"email"`
				OCR      *model.Extraction `json:"ocr"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
				return
			}
			if body.Email == nil && body.OCR == nil {
				writeError(w, http.StatusBadRequest, eris.New("at least one extraction is required"))
				return
			}
			job, err := env.Store.CreateJob(req.Context(), &model.Job{
				EmailID:  body.EmailID,
				Filename: body.Filename,
				Email:    body.Email,
				OCR:      body.OCR,
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusCreated, job)
		})

		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			job, err := env.Store.GetJob(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, job)
		})

		r.Post("/{id}/retry", func(w http.ResponseWriter, req *http.Request) {
			job, err := env.Store.Retry(req.Context(), chi.URLParam(req, "id"), cfg.Routing.MaxRetries)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, job)
		})
	})

	r.Get("/exceptions", func(w http.ResponseWriter, req *http.Request) {
		entries, err := env.Store.ListExceptions(req.Context(), 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	r.Get("/breaker", func(w http.ResponseWriter, _ *http.Request) {
		failures, state := env.Breaker.Counters()
		writeJSON(w, http.StatusOK, map[string]any{
			"state":                state.String(),
			"consecutive_failures": failures,
		})
	})

	r.Post("/breaker/reset", func(w http.ResponseWriter, _ *http.Request) {
		env.Breaker.Reset()
		zap.L().Info("circuit breaker reset by operator")
		writeJSON(w, http.StatusOK, map[string]string{"state": env.Breaker.State().String()})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, jobstore.ErrRetryExhausted), errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
