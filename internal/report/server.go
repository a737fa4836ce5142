// Package report is the Report Interface stub: a read-only gorilla/mux
// HTTP projection over the leaderboard, prediction, and feed stores.
// Grounded on the teacher's internal/api/server_bootstrap.go (Server
// struct, commonMiddleware, Start/Shutdown) and routes_registration.go's
// per-group registerXRoutes convention, narrowed to the handful of
// endpoints the Python report_worker.py exposes. It has no write paths:
// every handler here is a GET over an existing repository method.
package report

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"coordinator/internal/models"
)

// LeaderboardStore is the subset of leaderboard.Repository the report
// interface reads.
type LeaderboardStore interface {
	LatestLeaderboard(ctx context.Context) (*models.Leaderboard, error)
}

// ModelStore is the subset of predictionstore.Repository listing models.
type ModelStore interface {
	ListModels(ctx context.Context) ([]models.Model, error)
}

// PredictionStore is the subset of predictionstore.Repository the
// /reports/predictions endpoint reads.
type PredictionStore interface {
	FetchPredictionsByModelsInRange(ctx context.Context, modelIDs []string, since, until time.Time, limit int) ([]models.PredictionRecord, []*models.ScoreRecord, error)
}

// FeedStore is the subset of feedstore.Repository the /reports/feeds*
// endpoints read.
type FeedStore interface {
	ListScopes(ctx context.Context) ([]models.FeedScope, error)
	TailRecords(ctx context.Context, scope models.FeedScope, limit int) ([]models.FeedRecord, error)
}

// Server is the Report Interface stub's HTTP server.
type Server struct {
	leaderboards LeaderboardStore
	modelStore   ModelStore
	predictions  PredictionStore
	feeds        FeedStore
	auth         *AuthMiddleware
	httpServer   *http.Server
}

// NewServer builds a Server bound to addr (":8090"-style), wiring mux
// routes the same way the teacher's NewServer does: commonMiddleware then
// auth then per-group route registration.
func NewServer(addr string, leaderboards LeaderboardStore, modelStore ModelStore, predictions PredictionStore, feeds FeedStore, auth *AuthMiddleware) *Server {
	s := &Server{leaderboards: leaderboards, modelStore: modelStore, predictions: predictions, feeds: feeds, auth: auth}

	r := mux.NewRouter()
	r.Use(commonMiddleware)

	registerHealthRoutes(r, s)
	registerReportRoutes(r, s, auth)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests, matching the teacher's
// httpServer.Shutdown(ctx) shape.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
