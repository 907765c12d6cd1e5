package service

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/events"
	"github.com/timmy/reclaim/internal/repository"
	"github.com/timmy/reclaim/internal/storage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordingIndex struct {
	fakeIndex
	mu       sync.Mutex
	upserts  []*repository.ImagePayload
	statuses map[string]string
}

func (r *recordingIndex) Upsert(_ context.Context, _ []float32, payload *repository.ImagePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, payload)
	return nil
}

func (r *recordingIndex) SetStatus(_ context.Context, itemID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]string)
	}
	r.statuses[itemID] = status
	return nil
}

func (r *recordingIndex) Delete(context.Context, string) error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.MatchEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evts ...*events.MatchEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

type reportHarness struct {
	db      *gorm.DB
	svc     *ReportService
	items   *repository.ItemRepository
	matches *repository.MatchRepository
	photos  *storage.MemoryStore
	index   *recordingIndex
	pub     *recordingPublisher
}

// newReportHarness wires a ReportService over in-memory sqlite. A nil enc
// disables photo embedding and validation.
func newReportHarness(t *testing.T, enc *stubImageEncoder) *reportHarness {
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
	// Import workers write concurrently; a shared-cache memory database
	// reports table locks unless access goes through one connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	h :=  &reportHarness{
		db:      db,
		items:   repository.NewItemRepository(db),
		matches: repository.NewMatchRepository(db),
		photos:  storage.NewMemoryStore(""),
		index:   &recordingIndex{},
		pub:     &recordingPublisher{},
	}

	var image ImageEncoder
	var validator *CategoryValidator
	if enc != nil {
		image = enc
		validator = newTestValidator(enc)
	}
	embeddings := NewEmbeddingService(&bowEmbedder{}, image, h.photos, nil, &EmbeddingServiceConfig{
		InputSize: 16,
		CacheSize: 128,
	})
	h.svc = NewReportService(ReportDeps{
		Items:      h.items,
		Matches:    h.matches,
		Index:      h.index,
		Photos:     h.photos,
		Embeddings: embeddings,
		Validator:  validator,
		Matcher:    NewMatcher(embeddings, &overlapReranker{}, nil, nil, DefaultMatcherConfig()),
		Publisher:  h.pub,
	}, ReportConfig{})
	return h
}

func phoneReport(status string) *ReportInput {
	return &ReportInput{
		TenantID:    "tenant-1",
		Status:      status,
		Category:    "phone",
		Brand:       "Apple",
		Color:       "black",
		Description: "iPhone 13 black, small scratch",
	}
}

func TestReportService_ReportMatchesOppositeStatus(t *testing.T) {
	h := newReportHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.Report(ctx, phoneReport("found"))
	if err != nil {
		t.Fatalf("Report(found) error = %v", err)
	}
	if first.Item.Status != domain.ItemStatusFound {
		t.Errorf("status = %q, want FOUND", first.Item.Status)
	}
	if len(first.Matches) != 0 {
		t.Errorf("first report matched %d items, want 0", len(first.Matches))
	}
	if first.Item.TextModel != "bow-test" || len(first.Item.TextEmbedding) == 0 {
		t.Errorf("text vector not stored: model %q, %d dims", first.Item.TextModel, len(first.Item.TextEmbedding))
	}

	second, err := h.svc.Report(ctx, phoneReport("LOST"))
	if err != nil {
		t.Fatalf("Report(lost) error = %v", err)
	}
	if len(second.Matches) != 1 {
		t.Fatalf("second report matched %d items, want 1", len(second.Matches))
	}
	m := second.Matches[0]
	if m.LostItemID != second.Item.ID || m.FoundItemID != first.Item.ID {
		t.Errorf("match oriented %s/%s, want %s/%s", m.LostItemID, m.FoundItemID, second.Item.ID, first.Item.ID)
	}
	if m.Status != domain.MatchStatusPending {
		t.Errorf("match status = %q, want PENDING", m.Status)
	}
	if got := h.pub.types(); len(got) != 1 || got[0] != events.EventMatchFound {
		t.Errorf("published %v, want [%s]", got, events.EventMatchFound)
	}

	listed, err := h.svc.MatchesForItem(ctx, first.Item.ID)
	if err != nil || len(listed) != 1 {
		t.Errorf("MatchesForItem() = %d matches, %v; want 1", len(listed), err)
	}
}

func TestReportService_RunTenantMatchingIsIdempotent(t *testing.T) {
	h := newReportHarness(t, nil)
	ctx := context.Background()

	for _, status := range []string{"LOST", "FOUND"} {
		if _, err := h.svc.Report(ctx, phoneReport(status)); err != nil {
			t.Fatalf("Report(%s) error = %v", status, err)
		}
	}

	for run := 0; run < 2; run++ {
		stats, err := h.svc.RunTenantMatching(ctx, "tenant-1")
		if err != nil {
			t.Fatalf("run %d: RunTenantMatching() error = %v", run, err)
		}
		if stats.Candidates != 1 || stats.Created != 0 {
			t.Errorf("run %d: stats = %+v, want 1 candidate and 0 created", run, stats)
		}
	}

	all, err := h.svc.ListMatches(ctx, "tenant-1", "", 0)
	if err != nil {
		t.Fatalf("ListMatches() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("stored %d matches, want 1", len(all))
	}
}

func TestReportService_InvalidReports(t *testing.T) {
	h := newReportHarness(t, nil)

	tests := []struct {
		name string
		in   ReportInput
	}{
		{"missing tenant", ReportInput{Status: "LOST", Category: "phone"}},
		{"unknown status", ReportInput{TenantID: "t", Status: "RECLAIMED", Category: "phone"}},
		{"missing category", ReportInput{TenantID: "t", Status: "LOST", Category: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Report(context.Background(), &tt.in)
			if !errors.Is(err, ErrInvalidReport) {
				t.Errorf("Report() error = %v, want ErrInvalidReport", err)
			}
		})
	}
}

func TestReportService_PhotoHandling(t *testing.T) {
	photo := testPNG(t, 8, 8, func(int, int) color.Color { return color.White })

	t.Run("rejected photo is deleted", func(t *testing.T) {
		h := newReportHarness(t, &stubImageEncoder{image: mix(t, "phone"), texts: labelSpace()})
		h.photos.Put("uploads/p1.png", photo)

		in := phoneReport("LOST")
		in.Category = "bag"
		in.PhotoKey = "uploads/p1.png"
		res, err := h.svc.Report(context.Background(), in)
		if !errors.Is(err, ErrPhotoRejected) {
			t.Fatalf("Report() error = %v, want ErrPhotoRejected", err)
		}
		if res == nil || res.Validation == nil || res.Validation.Outcome != OutcomeMismatch {
			t.Fatalf("validation = %+v, want %s", res, OutcomeMismatch)
		}
		if ok, _ := h.photos.Exists(context.Background(), in.PhotoKey); ok {
			t.Error("rejected photo still stored")
		}
		stored, _ := h.items.ListOpen(context.Background(), "tenant-1")
		if len(stored) != 0 {
			t.Errorf("stored %d items after rejection, want 0", len(stored))
		}
	})

	t.Run("accepted photo is embedded and indexed", func(t *testing.T) {
		h := newReportHarness(t, &stubImageEncoder{image: mix(t, "phone"), texts: labelSpace()})
		h.photos.Put("uploads/p2.png", photo)

		in := phoneReport("FOUND")
		in.PhotoKey = "uploads/p2.png"
		res, err := h.svc.Report(context.Background(), in)
		if err != nil {
			t.Fatalf("Report() error = %v", err)
		}
		if !res.Validation.Accepted {
			t.Errorf("validation = %+v, want accepted", res.Validation)
		}
		if !res.Item.HasImage() || res.Item.ImageModel != "clip-test" {
			t.Errorf("image vector missing: model %q", res.Item.ImageModel)
		}
		if len(h.index.upserts) != 1 || h.index.upserts[0].Status != "FOUND" {
			t.Errorf("index upserts = %+v, want one FOUND payload", h.index.upserts)
		}
	})

	t.Run("missing photo is tolerated", func(t *testing.T) {
		h := newReportHarness(t, &stubImageEncoder{image: mix(t, "phone"), texts: labelSpace()})

		in := phoneReport("FOUND")
		in.PhotoKey = "uploads/missing.png"
		res, err := h.svc.Report(context.Background(), in)
		if err != nil {
			t.Fatalf("Report() error = %v", err)
		}
		if res.Item.HasImage() || res.Validation != nil {
			t.Errorf("expected a text-only item without validation, got %+v", res)
		}
	})
}

func TestReportService_ReviewTransitions(t *testing.T) {
	h := newReportHarness(t, nil)
	ctx := context.Background()

	newMatch := func(t *testing.T) *domain.Match {
		t.Helper()
		lost, err := h.svc.Report(ctx, phoneReport("LOST"))
		if err != nil {
			t.Fatalf("Report(lost) error = %v", err)
		}
		found, err := h.svc.Report(ctx, phoneReport("FOUND"))
		if err != nil {
			t.Fatalf("Report(found) error = %v", err)
		}
		for i := range found.Matches {
			if found.Matches[i].LostItemID == lost.Item.ID {
				return &found.Matches[i]
			}
		}
		t.Fatalf("no match between %s and %s", lost.Item.ID, found.Item.ID)
		return nil
	}

	t.Run("approve then reclaim", func(t *testing.T) {
		m := newMatch(t)
		got, err := h.svc.Approve(ctx, m.ID)
		if err != nil || got.Status != domain.MatchStatusApproved {
			t.Fatalf("Approve() = %v, %v", got, err)
		}
		if _, err := h.svc.Approve(ctx, m.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second Approve() error = %v, want ErrInvalidTransition", err)
		}
		if _, err := h.svc.Reject(ctx, m.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Reject() of approved match error = %v, want ErrInvalidTransition", err)
		}

		got, err = h.svc.Reclaim(ctx, m.ID)
		if err != nil || got.Status != domain.MatchStatusReclaimed {
			t.Fatalf("Reclaim() = %v, %v", got, err)
		}
		for _, id := range []string{m.LostItemID, m.FoundItemID} {
			item, err := h.svc.GetItem(ctx, id)
			if err != nil {
				t.Fatalf("GetItem(%s) error = %v", id, err)
			}
			if item.Status != domain.ItemStatusReclaimed {
				t.Errorf("item %s status = %q, want RECLAIMED", id, item.Status)
			}
			if h.index.statuses[id] != string(domain.ItemStatusReclaimed) {
				t.Errorf("index status of %s = %q, want RECLAIMED", id, h.index.statuses[id])
			}
		}
		if _, err := h.svc.Reclaim(ctx, m.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second Reclaim() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("reject pending", func(t *testing.T) {
		m := newMatch(t)
		got, err := h.svc.Reject(ctx, m.ID)
		if err != nil || got.Status != domain.MatchStatusRejected {
			t.Fatalf("Reject() = %v, %v", got, err)
		}
		if _, err := h.svc.Reclaim(ctx, m.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Reclaim() of rejected match error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("unknown match", func(t *testing.T) {
		if _, err := h.svc.Approve(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
			t.Errorf("Approve() error = %v, want ErrNotFound", err)
		}
	})
}

func TestReportService_Reindex(t *testing.T) {
	h := newReportHarness(t, nil)
	ctx := context.Background()

	stale := &domain.Item{
		ID:            uuid.NewString(),
		TenantID:      "tenant-1",
		Status:        domain.ItemStatusLost,
		Category:      "wallet",
		Description:   "brown leather wallet",
		TextEmbedding: []float32{1, 0},
		TextModel:     "old-model",
	}
	if err := h.items.Create(ctx, stale); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := h.svc.Reindex(ctx, "tenant-1", 0)
	if err != nil || n != 1 {
		t.Fatalf("Reindex() = %d, %v; want 1", n, err)
	}
	got, err := h.items.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.TextModel != "bow-test" || len(got.TextEmbedding) != bowDims {
		t.Errorf("after reindex: model %q, %d dims", got.TextModel, len(got.TextEmbedding))
	}

	n, err = h.svc.Reindex(ctx, "tenant-1", 0)
	if err != nil || n != 0 {
		t.Errorf("second Reindex() = %d, %v; want 0", n, err)
	}
}
