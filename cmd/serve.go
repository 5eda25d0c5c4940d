package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/config"
	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/monitoring"
	"github.com/sells-group/study-sync/internal/notify"
	"github.com/sells-group/study-sync/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard API server",
	Long:  "Serves the participant flow (epsilon, consent, privacy) and the researcher view (sessions, notifications, metrics) over HTTP, while mirroring records to the remote study collection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := bootstrap(ctx, env); err != nil {
			return err
		}

		// Re-push anything a previous run left unsynced, shortly after load.
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				env.Mirror.Resync(ctx)
			}
		}()

		checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env, cfg.Server),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// bootstrap brings the environment online in dependency order. The remote
// pull MUST precede session initialization: the first push of a restart
// numbers its document from the reconciled cache, and pushing against an
// empty cache would restart at version 1 and lose to the version guard on
// the remote store.
func bootstrap(ctx context.Context, env *appEnv) error {
	if err := env.Mirror.PullAll(ctx); err != nil {
		zap.L().Warn("initial pull failed, serving local data only", zap.Error(err))
	}
	if _, err := env.Sessions.InitializeSession(ctx); err != nil {
		return err
	}
	env.Mirror.Listen(ctx)
	return nil
}

// newRouter builds the dashboard API routes over an initialized environment.
func newRouter(env *appEnv, serverCfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: serverCfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", handleGetSession(env))
		r.Post("/session/end", handleEndSession(env))
		r.Post("/epsilon", handleEpsilon(env))
		r.Post("/consent", handleConsent(env))
		r.Post("/privacy", handlePrivacy(env))
		r.Get("/privacy/draft", handleGetDraft(env))
		r.Post("/privacy/draft", handleSaveDraft(env))

		r.Get("/sessions", handleListSessions(env))
		r.Get("/notifications", handleListNotifications(env))
		r.Post("/notifications/{id}/read", handleMarkRead(env))
		r.Delete("/notifications/{id}", handleDeleteNotification(env))
		r.Get("/metrics", handleMetrics(env))
	})

	return r
}

func handleGetSession(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := env.Sessions.View()
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleEndSession(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Sessions.EndSession(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

func handleEpsilon(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Epsilon float64 `json:"epsilon"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if err := env.Sessions.RecordEpsilonChange(r.Context(), req.Epsilon); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, env.Tracker.State())
	}
}

func handleConsent(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Sessions.RecordConsentCompletion(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		view, err := env.Sessions.View()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handlePrivacy(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q model.Questionnaire
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if err := env.Sessions.RecordPrivacyCompletion(r.Context(), q); err != nil {
			// Validation and ordering failures are the caller's to fix.
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := env.Sessions.View()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleGetDraft(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		draft, ok, err := env.Sessions.FormDraft(r.Context(), session.FormPrivacy)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no draft saved"})
			return
		}
		writeJSON(w, http.StatusOK, draft)
	}
}

func handleSaveDraft(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q model.Questionnaire
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if err := env.Sessions.SaveFormDraft(r.Context(), session.FormPrivacy, q); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func handleListSessions(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var views []model.SessionView
		for _, doc := range env.Mirror.All(model.DataSessions) {
			var sd model.SessionDocument
			if err := json.Unmarshal(doc.Payload, &sd); err != nil {
				zap.L().Warn("skipping unreadable session document", zap.String("key", doc.Key))
				continue
			}
			if view, ok := sd.View(); ok {
				views = append(views, view)
			}
		}
		model.AssignOrdinals(views)
		writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
	}
}

func handleListNotifications(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := env.Ledger.ListAll(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"notifications": records,
			"unread":        notify.UnreadCount(records),
		})
	}
}

func handleMarkRead(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := struct {
			Read bool `json:"read"`
		}{Read: true}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
				return
			}
		}
		if err := env.Ledger.MarkRead(r.Context(), chi.URLParam(r, "id"), req.Read); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleDeleteNotification(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Ledger.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleMetrics(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := env.Collector.Collect(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
