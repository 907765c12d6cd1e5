package api

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/metrics"
	"github.com/timmy/reclaim/internal/repository"
	"github.com/timmy/reclaim/internal/service"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// wordEmbedder hashes words into a fixed-size count vector.
type wordEmbedder struct{}

func (wordEmbedder) Model() string   { return "words-test" }
func (wordEmbedder) Dimensions() int { return 64 }

func (wordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 64)
		for _, w := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			h.Write([]byte(strings.Trim(w, ",.")))
			v[h.Sum32()%64]++
		}
		out[i] = v
	}
	return out, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	rec := metrics.New(metrics.DefaultConfig())
	items := repository.NewItemRepository(db)
	embeddings := service.NewEmbeddingService(wordEmbedder{}, nil, nil, rec, &service.EmbeddingServiceConfig{CacheSize: 64})
	reports := service.NewReportService(service.ReportDeps{
		Items:      items,
		Matches:    repository.NewMatchRepository(db),
		Embeddings: embeddings,
		Matcher:    service.NewMatcher(embeddings, nil, nil, rec, service.DefaultMatcherConfig()),
		Metrics:    rec,
	}, service.ReportConfig{})
	visual := service.NewVisualSearchService(embeddings, nil, items, rec, config.VisualSearchConfig{})

	return SetupRouter(&Services{
		Embeddings: embeddings,
		Reports:    reports,
		Visual:     visual,
		Metrics:    rec.Handler(),
	}, RouterConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}, MaxPhotoBytes: 1 << 20})
}

func do(t *testing.T, r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func reportBody(status string) []byte {
	b, _ := json.Marshal(map[string]string{
		"tenant_id":   "campus",
		"status":      status,
		"category":    "wallet",
		"brand":       "Fossil",
		"color":       "brown",
		"description": "brown leather wallet with student card",
	})
	return b
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["status"] != "ok" || body["text_model"] != "words-test" {
		t.Errorf("body = %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestReportAndReviewFlow(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/v1/items", reportBody("LOST"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create lost: status = %d, body %s", w.Code, w.Body.String())
	}
	lost := decode[service.ReportResult](t, w)

	w = do(t, r, http.MethodPost, "/api/v1/items", reportBody("FOUND"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create found: status = %d, body %s", w.Code, w.Body.String())
	}
	found := decode[service.ReportResult](t, w)
	if len(found.Matches) != 1 || found.Matches[0].LostItemID != lost.Item.ID {
		t.Fatalf("found report matches = %+v, want one match with %s", found.Matches, lost.Item.ID)
	}
	matchID := found.Matches[0].ID

	w = do(t, r, http.MethodGet, "/api/v1/items/"+lost.Item.ID+"/matches", nil)
	if got := decode[struct{ Total int }](t, w); w.Code != http.StatusOK || got.Total != 1 {
		t.Errorf("item matches: status %d, total %d", w.Code, got.Total)
	}

	w = do(t, r, http.MethodPost, "/api/v1/tenants/campus/match", nil)
	if got := decode[service.MatchRunStats](t, w); w.Code != http.StatusOK || got.Created != 0 {
		t.Errorf("tenant rematch: status %d, stats %+v", w.Code, got)
	}

	w = do(t, r, http.MethodPost, "/api/v1/matches/"+matchID+"/approve", nil)
	if got := decode[domain.Match](t, w); w.Code != http.StatusOK || got.Status != domain.MatchStatusApproved {
		t.Errorf("approve: status %d, match %+v", w.Code, got)
	}
	w = do(t, r, http.MethodPost, "/api/v1/matches/"+matchID+"/reject", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("reject approved: status = %d, want 409", w.Code)
	}
	w = do(t, r, http.MethodPost, "/api/v1/matches/"+matchID+"/reclaim", nil)
	if w.Code != http.StatusOK {
		t.Errorf("reclaim: status = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodGet, "/api/v1/items/"+found.Item.ID, nil)
	if got := decode[domain.Item](t, w); got.Status != domain.ItemStatusReclaimed {
		t.Errorf("found item status = %q, want RECLAIMED", got.Status)
	}

	w = do(t, r, http.MethodGet, "/api/v1/tenants/campus/matches?status=reclaimed", nil)
	if got := decode[struct{ Total int }](t, w); got.Total != 1 {
		t.Errorf("reclaimed matches = %d, want 1", got.Total)
	}
}

func TestErrorResponses(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		want   int
	}{
		{"unknown item", http.MethodGet, "/api/v1/items/" + uuid.NewString(), nil, http.StatusNotFound},
		{"malformed report", http.MethodPost, "/api/v1/items", []byte("{"), http.StatusBadRequest},
		{"report without status", http.MethodPost, "/api/v1/items", []byte(`{"tenant_id":"t","category":"keys"}`), http.StatusBadRequest},
		{"unknown match", http.MethodPost, "/api/v1/matches/" + uuid.NewString() + "/approve", nil, http.StatusNotFound},
		{"validate without category", http.MethodPost, "/api/v1/photos/validate", []byte("x"), http.StatusBadRequest},
		{"visual search without tenant", http.MethodPost, "/api/v1/search/visual", []byte("x"), http.StatusBadRequest},
		{"visual search with empty photo", http.MethodPost, "/api/v1/search/visual?tenant=t", nil, http.StatusBadRequest},
		{"visual search with unusable photo", http.MethodPost, "/api/v1/search/visual?tenant=t", []byte("not an image"), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestValidateWithoutValidatorAccepts(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodPost, "/api/v1/photos/validate?category=phone", []byte("photo bytes"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decode[service.ValidationResult](t, w); !got.Accepted || got.Outcome != service.OutcomeSkipped {
		t.Errorf("result = %+v, want skipped acceptance", got)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	r := newTestRouter(t)
	do(t, r, http.MethodPost, "/api/v1/items", reportBody("LOST"))

	w := do(t, r, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/items", nil)
	req.Header.Set("Origin", "https://desk.example.edu")
	pre := httptest.NewRecorder()
	r.ServeHTTP(pre, req)
	if pre.Code != http.StatusNoContent || pre.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d, origin %q", pre.Code, pre.Header().Get("Access-Control-Allow-Origin"))
	}
}
