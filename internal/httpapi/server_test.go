package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/db"
)

type fakeStore struct {
	pingErr      error
	conflicts    []db.Conflict
	conflictsErr error
	total        int64
	episodes     map[string][]db.EpisodeWithConflict
	episodesErr  error
	inserted     []*db.Article
	insertResult bool
	insertErr    error

	lastLimit int
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) ListConflicts(ctx context.Context, limit int) ([]db.Conflict, error) {
	f.lastLimit = limit
	if f.conflictsErr != nil {
		return nil, f.conflictsErr
	}
	return f.conflicts, nil
}

func (f *fakeStore) CountConflicts(ctx context.Context) (int64, error) {
	return f.total, nil
}

func (f *fakeStore) ListEpisodesForDay(ctx context.Context, day time.Time) ([]db.EpisodeWithConflict, error) {
	if f.episodesErr != nil {
		return nil, f.episodesErr
	}
	return f.episodes[day.Format("2006-01-02")], nil
}

func (f *fakeStore) InsertArticle(ctx context.Context, article *db.Article) (bool, error) {
	if f.insertErr != nil {
		return false, f.insertErr
	}
	f.inserted = append(f.inserted, article)
	return f.insertResult, nil
}

func newTestServer(store *fakeStore) *Server {
	return NewServer(store, zerolog.Nop(), Options{})
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.buildEcho().ServeHTTP(rec, req)
	return rec
}

func decodeJSend(t *testing.T, rec *httptest.ResponseRecorder) jsendResponse {
	t.Helper()

	var resp jsendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

func TestServerDefaults(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStore{})
	if got, want := s.opts.Host, "0.0.0.0"; got != want {
		t.Fatalf("host = %q, want %q", got, want)
	}
	if got, want := s.opts.Port, 8090; got != want {
		t.Fatalf("port = %d, want %d", got, want)
	}
	if s.opts.ShutdownTimeout <= 0 {
		t.Fatalf("shutdown timeout not defaulted")
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(&fakeStore{}), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	resp := decodeJSend(t, rec)
	if resp.Status != "success" {
		t.Fatalf("jsend status = %q, want success", resp.Status)
	}
	if !strings.Contains(rec.Body.String(), `"service":"chronicle"`) {
		t.Fatalf("health body missing service name: %s", rec.Body.String())
	}
}

func TestHandleHealthDatabaseDown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{pingErr: fmt.Errorf("connection refused")}
	rec := doRequest(t, newTestServer(store), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if resp := decodeJSend(t, rec); resp.Status != "error" {
		t.Fatalf("jsend status = %q, want error", resp.Status)
	}
}

func TestHandleConflicts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		conflicts: []db.Conflict{
			{
				ConflictID:      7,
				Name:            "Border clashes",
				EntitySignature: "chad;;;",
				Embedding:       json.RawMessage(`[0.1,0.2]`),
				Confidence:      0.5,
				CreatedAt:       now,
				UpdatedAt:       now,
			},
			{ConflictID: 8, Name: "Trade dispute", EntitySignature: ";;;", CreatedAt: now, UpdatedAt: now},
		},
		total: 2,
	}

	rec := doRequest(t, newTestServer(store), http.MethodGet, "/api/v1/conflicts?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if store.lastLimit != 10 {
		t.Fatalf("limit passed to store = %d, want 10", store.lastLimit)
	}

	var resp struct {
		Status string               `json:"status"`
		Data   conflictListResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.Total != 2 {
		t.Fatalf("total = %d, want 2", resp.Data.Total)
	}
	if len(resp.Data.Conflicts) != 2 {
		t.Fatalf("conflicts = %d, want 2", len(resp.Data.Conflicts))
	}
	if !resp.Data.Conflicts[0].HasCentroid {
		t.Fatalf("conflict 7 should report a centroid")
	}
	if resp.Data.Conflicts[1].HasCentroid {
		t.Fatalf("conflict 8 should not report a centroid")
	}
}

func TestHandleConflictsBadLimit(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(&fakeStore{}), http.MethodGet, "/api/v1/conflicts?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if resp := decodeJSend(t, rec); resp.Status != "fail" {
		t.Fatalf("jsend status = %q, want fail", resp.Status)
	}
}

func TestHandleEpisodesByDate(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		episodes: map[string][]db.EpisodeWithConflict{
			"2026-02-14": {
				{
					EpisodeID:    1,
					ConflictID:   7,
					ConflictName: "Border clashes",
					Summary:      "Shelling resumed overnight.",
					Confidence:   0.6,
				},
			},
		},
	}

	rec := doRequest(t, newTestServer(store), http.MethodGet, "/api/v1/episodes?date=2026-02-14", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp struct {
		Data episodeListResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.Day != "2026-02-14" {
		t.Fatalf("day = %q, want 2026-02-14", resp.Data.Day)
	}
	if len(resp.Data.Episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(resp.Data.Episodes))
	}
	if got, want := resp.Data.Episodes[0].ConflictName, "Border clashes"; got != want {
		t.Fatalf("conflict name = %q, want %q", got, want)
	}
}

func TestHandleEpisodesEmptyDay(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(&fakeStore{}), http.MethodGet, "/api/v1/episodes?date=2026-02-15", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"episodes":[]`) {
		t.Fatalf("empty day should return an empty array: %s", rec.Body.String())
	}
}

func TestHandleEpisodesBadDate(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(&fakeStore{}), http.MethodGet, "/api/v1/episodes?date=Feb-14", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleIngestArticle(t *testing.T) {
	t.Parallel()

	store := &fakeStore{insertResult: true}
	payload := `{
		"payload_version": "v1",
		"source_name": "Reuters",
		"source_url": "https://www.reuters.com/world/example",
		"title": "Ceasefire talks resume",
		"body_text": "Delegations met for a second day...",
		"published_at": "2026-02-14T08:30:00Z",
		"language": "en"
	}`

	rec := doRequest(t, newTestServer(store), http.MethodPost, "/api/v1/articles", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted = %d articles, want 1", len(store.inserted))
	}

	article := store.inserted[0]
	if article.SourceName != "Reuters" || article.Title != "Ceasefire talks resume" {
		t.Fatalf("unexpected article: %+v", article)
	}
	if article.Fingerprint == "" || len(article.Fingerprint) != 64 {
		t.Fatalf("fingerprint = %q, want 64 hex chars", article.Fingerprint)
	}
	if article.PublishedAt == nil || !article.PublishedAt.Equal(time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("published_at = %v", article.PublishedAt)
	}
	if !strings.Contains(rec.Body.String(), `"inserted":true`) {
		t.Fatalf("response missing inserted flag: %s", rec.Body.String())
	}
}

func TestHandleIngestArticleDuplicate(t *testing.T) {
	t.Parallel()

	store := &fakeStore{insertResult: false}
	payload := `{
		"payload_version": "v1",
		"source_name": "Reuters",
		"source_url": "https://www.reuters.com/world/example",
		"title": "Ceasefire talks resume"
	}`

	rec := doRequest(t, newTestServer(store), http.MethodPost, "/api/v1/articles", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"inserted":false`) {
		t.Fatalf("duplicate should report inserted=false: %s", rec.Body.String())
	}
}

func TestHandleIngestArticleInvalidPayload(t *testing.T) {
	t.Parallel()

	store := &fakeStore{insertResult: true}
	rec := doRequest(t, newTestServer(store), http.MethodPost, "/api/v1/articles", `{"payload_version":"v1","title":"No source"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
	if len(store.inserted) != 0 {
		t.Fatalf("invalid payload should not reach the store")
	}
}

func TestHandleIngestArticleStoreError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{insertErr: fmt.Errorf("connection reset")}
	payload := `{
		"payload_version": "v1",
		"source_name": "Reuters",
		"source_url": "https://www.reuters.com/world/example",
		"title": "Ceasefire talks resume"
	}`

	rec := doRequest(t, newTestServer(store), http.MethodPost, "/api/v1/articles", payload)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
