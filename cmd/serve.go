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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slabdeck/cardsync/internal/store"
	syncer "github.com/slabdeck/cardsync/internal/sync"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long:  "Serves secret-gated sync triggers and run-log inspection over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		sources, err := buildSources()
		if err != nil {
			return err
		}
		engine, err := buildEngine(st, sources, cfg.Sync)
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(st, engine, cfg.Server.Token, cfg.Sync.Job),
		}

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

func newRouter(st store.Store, engine *syncer.Engine, token, defaultJob string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))

		r.Post("/sync/{job}", func(w http.ResponseWriter, req *http.Request) {
			job := chi.URLParam(req, "job")

			// The run outlives the request; the run log carries the result.
			go func() {
				res, err := engine.Run(context.Background(), job, "http")
				switch {
				case errors.Is(err, syncer.ErrSkipped):
					zap.L().Info("sync trigger skipped", zap.String("job", job))
				case err != nil:
					zap.L().Error("sync trigger failed", zap.String("job", job), zap.Error(err))
				default:
					zap.L().Info("sync trigger finished",
						zap.String("job", job),
						zap.Bool("ok", res.OK),
						zap.Int("fetched", res.ItemsFetched))
				}
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status": "accepted",
				"job":    job,
			})
		})

		r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			job := req.URL.Query().Get("job")
			if job == "" {
				job = defaultJob
			}
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			if limit <= 0 || limit > 100 {
				limit = 20
			}

			runs, err := st.ListRuns(req.Context(), job, limit)
			if err != nil {
				zap.L().Error("list runs failed", zap.String("job", job), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})
	})

	return r
}

// requireToken gates mutating routes behind the shared secret.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if token == "" || req.Header.Get("Authorization") != "Bearer "+token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
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
