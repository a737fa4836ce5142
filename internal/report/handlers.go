package report

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coordinator/internal/models"
)

var (
	errMissingModelID = errors.New("report: model_id is required")
	errMissingScope   = errors.New("report: source and subject are required")
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := s.leaderboards.LatestLeaderboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if lb == nil {
		writeJSON(w, http.StatusOK, models.Leaderboard{Entries: []models.LeaderboardEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ms, err := s.modelStore.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": ms})
}

// handlePredictions answers GET /reports/predictions?model_id=a,b&since=RFC3339&until=RFC3339&limit=N.
// since defaults to 24h ago, until to now, limit to 0 (FetchPredictionsByModelsInRange's own default).
func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	modelIDs := splitCSV(q.Get("model_id"))
	if len(modelIDs) == 0 {
		writeError(w, http.StatusBadRequest, errMissingModelID)
		return
	}

	now := time.Now().UTC()
	since := now.Add(-24 * time.Hour)
	until := now
	if v := q.Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = parsed
	}
	if v := q.Get("until"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		until = parsed
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	preds, scores, err := s.predictions.FetchPredictionsByModelsInRange(r.Context(), modelIDs, since, until, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type row struct {
		models.PredictionRecord
		Score *models.ScoreRecord `json:"score,omitempty"`
	}
	rows := make([]row, len(preds))
	for i, p := range preds {
		rows[i] = row{PredictionRecord: p, Score: scores[i]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": rows})
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.feeds.ListScopes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

// handleFeedsTail answers GET /reports/feeds/tail?source=&subject=&kind=&granularity=&limit=N.
func (s *Server) handleFeedsTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := models.FeedScope{
		Source: q.Get("source"), Subject: q.Get("subject"),
		Kind: q.Get("kind"), Granularity: q.Get("granularity"),
	}
	if scope.Source == "" || scope.Subject == "" {
		writeError(w, http.StatusBadRequest, errMissingScope)
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.feeds.TailRecords(r.Context(), scope, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
