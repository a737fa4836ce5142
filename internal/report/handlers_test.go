package report

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"coordinator/internal/models"
)

type mockLeaderboards struct {
	lb *models.Leaderboard
}

func (m *mockLeaderboards) LatestLeaderboard(ctx context.Context) (*models.Leaderboard, error) {
	return m.lb, nil
}

type mockModels struct {
	ms []models.Model
}

func (m *mockModels) ListModels(ctx context.Context) ([]models.Model, error) {
	return m.ms, nil
}

type mockPredictions struct {
	preds  []models.PredictionRecord
	scores []*models.ScoreRecord
}

func (m *mockPredictions) FetchPredictionsByModelsInRange(ctx context.Context, modelIDs []string, since, until time.Time, limit int) ([]models.PredictionRecord, []*models.ScoreRecord, error) {
	return m.preds, m.scores, nil
}

type mockFeeds struct {
	scopes  []models.FeedScope
	records []models.FeedRecord
}

func (m *mockFeeds) ListScopes(ctx context.Context) ([]models.FeedScope, error) {
	return m.scopes, nil
}

func (m *mockFeeds) TailRecords(ctx context.Context, scope models.FeedScope, limit int) ([]models.FeedRecord, error) {
	return m.records, nil
}

func TestHandleHealthz(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleLeaderboard_Empty(t *testing.T) {
	s := &Server{leaderboards: &mockLeaderboards{}}
	req := httptest.NewRequest("GET", "/reports/leaderboard", nil)
	rec := httptest.NewRecorder()

	s.handleLeaderboard(rec, req)

	var lb models.Leaderboard
	if err := json.Unmarshal(rec.Body.Bytes(), &lb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if lb.Entries == nil {
		t.Fatal("expected a non-nil empty entries slice when no leaderboard exists yet")
	}
}

func TestHandleLeaderboard_Found(t *testing.T) {
	want := &models.Leaderboard{ID: "LB1", Entries: []models.LeaderboardEntry{{Rank: 1, ModelID: "m1"}}}
	s := &Server{leaderboards: &mockLeaderboards{lb: want}}
	req := httptest.NewRequest("GET", "/reports/leaderboard", nil)
	rec := httptest.NewRecorder()

	s.handleLeaderboard(rec, req)

	var got models.Leaderboard
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "LB1" || len(got.Entries) != 1 {
		t.Fatalf("unexpected leaderboard: %+v", got)
	}
}

func TestHandleModels(t *testing.T) {
	s := &Server{modelStore: &mockModels{ms: []models.Model{{ID: "m1"}, {ID: "m2"}}}}
	req := httptest.NewRequest("GET", "/reports/models", nil)
	rec := httptest.NewRecorder()

	s.handleModels(rec, req)

	var resp struct {
		Models []models.Model `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(resp.Models))
	}
}

func TestHandlePredictions_MissingModelID(t *testing.T) {
	s := &Server{predictions: &mockPredictions{}}
	req := httptest.NewRequest("GET", "/reports/predictions", nil)
	rec := httptest.NewRecorder()

	s.handlePredictions(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400 without model_id, got %d", rec.Code)
	}
}

func TestHandlePredictions_WithScore(t *testing.T) {
	val := 0.9
	s := &Server{predictions: &mockPredictions{
		preds:  []models.PredictionRecord{{ID: "PRE1", ModelID: "m1"}},
		scores: []*models.ScoreRecord{{ID: "S1", Value: &val}},
	}}
	req := httptest.NewRequest("GET", "/reports/predictions?model_id=m1", nil)
	rec := httptest.NewRecorder()

	s.handlePredictions(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Predictions []struct {
			models.PredictionRecord
			Score *models.ScoreRecord `json:"score"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Predictions) != 1 || resp.Predictions[0].Score == nil {
		t.Fatalf("expected one prediction with a joined score, got %+v", resp.Predictions)
	}
}

func TestHandleFeeds(t *testing.T) {
	s := &Server{feeds: &mockFeeds{scopes: []models.FeedScope{{Source: "pyth", Subject: "BTC-USD"}}}}
	req := httptest.NewRequest("GET", "/reports/feeds", nil)
	rec := httptest.NewRecorder()

	s.handleFeeds(rec, req)

	var resp struct {
		Scopes []models.FeedScope `json:"scopes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Scopes) != 1 {
		t.Fatalf("expected 1 scope, got %d", len(resp.Scopes))
	}
}

func TestHandleFeedsTail_MissingScope(t *testing.T) {
	s := &Server{feeds: &mockFeeds{}}
	req := httptest.NewRequest("GET", "/reports/feeds/tail", nil)
	rec := httptest.NewRecorder()

	s.handleFeedsTail(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400 without source/subject, got %d", rec.Code)
	}
}

func TestHandleFeedsTail_Found(t *testing.T) {
	s := &Server{feeds: &mockFeeds{records: []models.FeedRecord{{Source: "pyth", Subject: "BTC-USD"}}}}
	req := httptest.NewRequest("GET", "/reports/feeds/tail?source=pyth&subject=BTC-USD", nil)
	rec := httptest.NewRecorder()

	s.handleFeedsTail(rec, req)

	var resp struct {
		Records []models.FeedRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(resp.Records))
	}
}
