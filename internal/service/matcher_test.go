package service

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/metrics"
)

func testItem(id string, status domain.ItemStatus, category, brand, color, desc string) domain.Item {
	return domain.Item{
		ID:          id,
		TenantID:    "tenant-1",
		Status:      status,
		Category:    category,
		Brand:       brand,
		Color:       color,
		Description: desc,
	}
}

func newTestMatcher(rr CrossEncoder, v FeatureVerifier) *Matcher {
	return NewMatcher(newTestEmbeddings(nil, nil), rr, v, nil, DefaultMatcherConfig())
}

// scorePair runs the pipeline for one pair regardless of threshold. It
// returns nil when a gate rejects the pair.
func scorePair(ctx context.Context, m *Matcher, a, b *domain.Item) (*MatchCandidate, error) {
	if !pairable(a, b) {
		return nil, nil
	}
	lost, found := orient(a, b)
	vectors, err := m.textVectors(ctx, []*domain.Item{lost, found})
	if err != nil {
		return nil, err
	}
	res := m.evaluate(ctx, &pairGroup{lost: lost, founds: []*domain.Item{found}}, vectors)
	if len(res) == 0 {
		return nil, nil
	}
	return &res[0], nil
}

func TestMatcher_NumericMismatchSuppressesMatch(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	lost := testItem("l1", domain.ItemStatusLost, "phone", "Apple", "black", "iPhone 13 black, small scratch")
	found := testItem("f1", domain.ItemStatusFound, "phone", "Apple", "black", "iPhone 14 black, small scratch")

	got, err := m.FindMatches(context.Background(), []domain.Item{lost}, []domain.Item{found})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no match for iPhone 13 vs 14, got %+v", got)
	}

	c, err := scorePair(context.Background(), m, &lost, &found)
	if err != nil || c == nil {
		t.Fatalf("scorePair() = %v, %v; want a scored pair", c, err)
	}
	prePenalty := c.Breakdown.Base + c.Breakdown.Brand + c.Breakdown.Color
	if prePenalty < m.cfg.Threshold {
		t.Errorf("score before numeric penalty = %.4f, want >= %.2f", prePenalty, m.cfg.Threshold)
	}
	if !c.Breakdown.NumericPenalty {
		t.Error("expected numeric penalty to be applied")
	}
	if c.Score >= m.cfg.Threshold {
		t.Errorf("final score = %.4f, want < %.2f", c.Score, m.cfg.Threshold)
	}
}

func TestMatcher_SameModelMatches(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	lost := testItem("l1", domain.ItemStatusLost, "phone", "Apple", "black", "iPhone 13 black, small scratch")
	found := testItem("f1", domain.ItemStatusFound, "mobile", "apple", "Black", "iphone 13 black small scratch")

	got, err := m.FindMatches(context.Background(), []domain.Item{lost}, []domain.Item{found})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one match, got %d", len(got))
	}
	if got[0].LostItemID != "l1" || got[0].FoundItemID != "f1" {
		t.Errorf("unexpected pair %s/%s", got[0].LostItemID, got[0].FoundItemID)
	}
	if got[0].Breakdown.Brand <= 0 || got[0].Breakdown.Color <= 0 {
		t.Errorf("expected brand and color boosts, got %+v", got[0].Breakdown)
	}
}

func TestMatcher_ConnectivitySuffixIsNotAVariant(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	lost := testItem("l1", domain.ItemStatusLost, "phone", "Samsung", "blue", "Galaxy S21 with cracked corner and blue sticker")
	found := testItem("f1", domain.ItemStatusFound, "phone", "samsung", "blue", "Galaxy S21 5G with cracked corner and blue sticker")

	got, err := m.FindMatches(context.Background(), []domain.Item{lost}, []domain.Item{found})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one match for S21 vs S21 5G, got %d", len(got))
	}
	if got[0].Breakdown.VariantPenalty || got[0].Breakdown.NumericPenalty {
		t.Errorf("unexpected penalty: %+v", got[0].Breakdown)
	}
}

func TestMatcher_GenericDescriptionPenalty(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	ctx := context.Background()

	genericLost := testItem("l1", domain.ItemStatusLost, "charger", "", "black", "black wired charger")
	genericFound := testItem("f1", domain.ItemStatusFound, "charger", "", "black", "black wired charger")
	detailedLost := testItem("l2", domain.ItemStatusLost, "charger", "", "black", "black wired charger with frayed red tip")

	generic, err := scorePair(ctx, m, &genericLost, &genericFound)
	if err != nil || generic == nil {
		t.Fatalf("scorePair(generic) = %v, %v", generic, err)
	}
	detailed, err := scorePair(ctx, m, &detailedLost, &genericFound)
	if err != nil || detailed == nil {
		t.Fatalf("scorePair(detailed) = %v, %v", detailed, err)
	}

	if !generic.Breakdown.GenericLost || !generic.Breakdown.GenericFound {
		t.Errorf("expected both sides flagged generic, got %+v", generic.Breakdown)
	}
	if detailed.Breakdown.GenericLost {
		t.Error("detailed lost description should not be flagged generic")
	}
	if generic.Score >= detailed.Score {
		t.Errorf("generic pair score %.4f should be below detailed pair score %.4f", generic.Score, detailed.Score)
	}
}

func TestMatcher_CategoryGateIsAbsolute(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	img := domain.Vector{1, 0, 0, 0}
	lost := testItem("l1", domain.ItemStatusLost, "phone", "Apple", "black", "black leather with gold zip")
	found := testItem("f1", domain.ItemStatusFound, "bag", "Apple", "black", "black leather with gold zip")
	lost.ImageEmbedding, lost.ImageModel = img, "clip"
	found.ImageEmbedding, found.ImageModel = img, "clip"

	got, err := m.FindMatches(context.Background(), []domain.Item{lost}, []domain.Item{found})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("cross-category pair was matched: %+v", got)
	}
	if c, _ := scorePair(context.Background(), m, &lost, &found); c != nil {
		t.Errorf("scorePair() should reject cross-category pair, got %+v", c)
	}
}

func TestMatcher_ScoreBounds(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, &stubVerifier{ok: true})
	img := domain.Vector{0.6, 0.8, 0, 0}
	pool := []domain.Item{
		testItem("f1", domain.ItemStatusFound, "phone", "Apple", "black", "iphone 13 pro black with case"),
		testItem("f2", domain.ItemStatusFound, "phone", "Samsung", "blue", "galaxy s21 blue"),
		testItem("f3", domain.ItemStatusFound, "phone", "", "", ""),
		testItem("f4", domain.ItemStatusFound, "smartphone", "apple", "black", "iphone 13 pro black with case"),
	}
	pool[3].ImageEmbedding, pool[3].ImageModel = img, "clip"
	lost := testItem("l1", domain.ItemStatusLost, "phone", "Apple", "Black", "iPhone 13 Pro black with case")
	lost.ImageEmbedding, lost.ImageModel = img, "clip"

	got, err := m.FindMatches(context.Background(), []domain.Item{lost}, pool)
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one match")
	}
	for _, c := range got {
		if c.Score < 0 || c.Score > 1 {
			t.Errorf("score %.4f for %s out of [0, 1]", c.Score, c.FoundItemID)
		}
	}
}

func TestMatcher_RoleSymmetry(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	lost := testItem("l1", domain.ItemStatusLost, "wallet", "Fossil", "brown", "brown leather wallet with library card")
	found := testItem("f1", domain.ItemStatusFound, "wallet", "fossil", "brown", "leather wallet, library card inside")

	forward, err := m.FindMatches(context.Background(), []domain.Item{lost}, []domain.Item{found})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	backward, err := m.FindMatches(context.Background(), []domain.Item{found}, []domain.Item{lost})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if !reflect.DeepEqual(forward, backward) {
		t.Errorf("role reversal changed the result:\nforward  %+v\nbackward %+v", forward, backward)
	}
	if len(forward) != 1 || forward[0].LostItemID != "l1" {
		t.Errorf("expected one (l1, f1) match, got %+v", forward)
	}
}

func TestMatcher_NullImageTolerance(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, &stubVerifier{ok: true})
	lost := testItem("l1", domain.ItemStatusLost, "keys", "", "silver", "two keys on a red carabiner with a bottle opener")
	found := testItem("f1", domain.ItemStatusFound, "keys", "", "silver", "keys with red carabiner and bottle opener")
	textOnly, err := scorePair(context.Background(), m, &lost, &found)
	if err != nil || textOnly == nil {
		t.Fatalf("scorePair() = %v, %v", textOnly, err)
	}

	lost.ImageEmbedding, lost.ImageModel = domain.Vector{1, 0, 0}, "clip"
	mixed, err := scorePair(context.Background(), m, &lost, &found)
	if err != nil || mixed == nil {
		t.Fatalf("scorePair() = %v, %v", mixed, err)
	}
	if mixed.Score != textOnly.Score {
		t.Errorf("missing image changed the score: %.4f vs %.4f", mixed.Score, textOnly.Score)
	}
	if mixed.Breakdown.Visual != 0 || mixed.Breakdown.Verified {
		t.Errorf("expected no visual contribution, got %+v", mixed.Breakdown)
	}
	if mixed.Score <= 0 || mixed.Score >= 1 {
		t.Errorf("text-only score should be neither zero nor perfect, got %.4f", mixed.Score)
	}
}

func TestMatcher_VisualSignal(t *testing.T) {
	lost := testItem("l1", domain.ItemStatusLost, "phone", "", "", "phone cracked screen blue sticker")
	found := testItem("f1", domain.ItemStatusFound, "phone", "", "", "phone cracked case lanyard")
	same := domain.Vector{0, 1, 0, 0}

	tests := []struct {
		name         string
		lostImg      domain.Vector
		foundImg     domain.Vector
		foundModel   string
		verifier     *stubVerifier
		wantMatch    bool
		wantVerified bool
		wantCalls    int32
	}{
		{"verified override", same, same, "clip", &stubVerifier{ok: true}, true, true, 1},
		{"verification refused", same, same, "clip", &stubVerifier{ok: false}, false, false, 1},
		{"verification error", same, same, "clip", &stubVerifier{err: errors.New("boom")}, false, false, 1},
		{"low visual similarity", same, domain.Vector{1, 0, 0, 0}, "clip", &stubVerifier{ok: true}, false, false, 0},
		{"image model differs", same, same, "clip-v2", &stubVerifier{ok: true}, false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(&overlapReranker{}, tt.verifier)
			l, f := lost, found
			l.ImageEmbedding, l.ImageModel = tt.lostImg, "clip"
			f.ImageEmbedding, f.ImageModel = tt.foundImg, tt.foundModel

			got, err := m.FindMatches(context.Background(), []domain.Item{l}, []domain.Item{f})
			if err != nil {
				t.Fatalf("FindMatches() error = %v", err)
			}
			if (len(got) == 1) != tt.wantMatch {
				t.Fatalf("match emitted = %v, want %v (%+v)", len(got) == 1, tt.wantMatch, got)
			}
			if tt.wantVerified && (!got[0].Breakdown.Verified || got[0].Score < 0.95) {
				t.Errorf("expected verified score >= 0.95, got %+v", got[0])
			}
			if calls := tt.verifier.calls.Load(); calls != tt.wantCalls {
				t.Errorf("verifier calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestMatcher_Determinism(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	newItems := []domain.Item{
		testItem("l1", domain.ItemStatusLost, "bag", "Herschel", "navy", "navy backpack with laptop sleeve and keychain"),
	}
	pool := []domain.Item{
		testItem("f1", domain.ItemStatusFound, "backpack", "herschel", "navy", "backpack with laptop sleeve, keychain attached"),
		testItem("f2", domain.ItemStatusFound, "bag", "", "navy", "navy tote bag with books"),
		testItem("f3", domain.ItemStatusFound, "bag", "Herschel", "", "herschel backpack laptop sleeve"),
	}

	first, err := m.FindMatches(context.Background(), newItems, pool)
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := m.FindMatches(context.Background(), newItems, pool)
		if err != nil {
			t.Fatalf("FindMatches() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestMatcher_PairingRules(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	desc := "grey hoodie with university logo on the back"
	lost := testItem("l1", domain.ItemStatusLost, "clothing", "", "grey", desc)
	otherTenant := testItem("f1", domain.ItemStatusFound, "clothing", "", "grey", desc)
	otherTenant.TenantID = "tenant-2"
	reclaimed := testItem("f2", domain.ItemStatusReclaimed, "clothing", "", "grey", desc)
	sameStatus := testItem("l2", domain.ItemStatusLost, "clothing", "", "grey", desc)
	good := testItem("f3", domain.ItemStatusFound, "hoodie", "", "grey", desc)

	pool := []domain.Item{otherTenant, reclaimed, sameStatus, good, good}
	got, err := m.FindMatches(context.Background(), []domain.Item{lost}, pool)
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) != 1 || got[0].FoundItemID != "f3" {
		t.Fatalf("expected only (l1, f3), got %+v", got)
	}
	if got[0].TenantID != "tenant-1" {
		t.Errorf("candidate tenant = %q", got[0].TenantID)
	}
}

func TestMatcher_NewItemsPairAmongThemselves(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	desc := "silver casio watch with scratched glass"
	batch := []domain.Item{
		testItem("l1", domain.ItemStatusLost, "watch", "Casio", "silver", desc),
		testItem("f1", domain.ItemStatusFound, "watch", "Casio", "silver", desc),
	}
	got, err := m.FindMatches(context.Background(), batch, batch)
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one deduplicated pair, got %+v", got)
	}
}

func TestMatcher_EmptyPool(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	lost := testItem("l1", domain.ItemStatusLost, "umbrella", "", "", "")
	got, err := m.FindMatches(context.Background(), []domain.Item{lost}, nil)
	if err != nil || len(got) != 0 {
		t.Errorf("FindMatches() = %v, %v; want empty", got, err)
	}
}

func TestMatcher_StaleAndBrokenVectors(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	desc := "blue hydro flask bottle covered in travel stickers"
	broken := testItem("l1", domain.ItemStatusLost, "bottle", "", "blue", desc)
	broken.TextEmbedding, broken.TextModel = domain.Vector{1, 2, 3}, "bow-test"
	stale := testItem("l2", domain.ItemStatusLost, "bottle", "", "blue", desc)
	stale.TextEmbedding, stale.TextModel = domain.Vector{1, 2, 3}, "old-model"
	found := testItem("f1", domain.ItemStatusFound, "bottle", "", "blue", desc)

	got, err := m.FindMatches(context.Background(), []domain.Item{found}, []domain.Item{broken, stale})
	if err != nil {
		t.Fatalf("FindMatches() error = %v", err)
	}
	if len(got) != 1 || got[0].LostItemID != "l2" {
		t.Fatalf("expected only the re-embedded item to match, got %+v", got)
	}
	if len(stale.TextEmbedding) != 3 {
		t.Error("matcher must not mutate input items")
	}
}

func TestMatcher_TextEmbeddingFailure(t *testing.T) {
	m := NewMatcher(newTestEmbeddings(&bowEmbedder{err: errModelDown}, nil), nil, nil, nil, DefaultMatcherConfig())
	lost := testItem("l1", domain.ItemStatusLost, "bag", "", "", "red bag")
	found := testItem("f1", domain.ItemStatusFound, "bag", "", "", "red bag")
	if _, err := m.FindMatches(context.Background(), []domain.Item{lost}, []domain.Item{found}); !errors.Is(err, errModelDown) {
		t.Errorf("FindMatches() error = %v, want %v", err, errModelDown)
	}
}

func TestMatcher_RerankerModes(t *testing.T) {
	lost := testItem("l1", domain.ItemStatusLost, "laptop", "Dell", "silver", "dell xps 13 with stickers on the lid")
	found := testItem("f1", domain.ItemStatusFound, "laptop", "dell", "silver", "dell xps 13 laptop stickers on lid")

	probs, err := scorePair(context.Background(), newTestMatcher(&overlapReranker{}, nil), &lost, &found)
	if err != nil || probs == nil {
		t.Fatalf("scorePair() = %v, %v", probs, err)
	}

	t.Run("logits", func(t *testing.T) {
		c, err := scorePair(context.Background(), newTestMatcher(&overlapReranker{logits: true}, nil), &lost, &found)
		if err != nil || c == nil {
			t.Fatalf("scorePair() = %v, %v", c, err)
		}
		if math.Abs(c.Score-probs.Score) > 1e-3 {
			t.Errorf("logit score %.4f differs from probability score %.4f", c.Score, probs.Score)
		}
	})

	for name, rr := range map[string]CrossEncoder{
		"failing reranker": &overlapReranker{err: errModelDown},
		"no reranker":      nil,
	} {
		t.Run(name, func(t *testing.T) {
			c, err := scorePair(context.Background(), newTestMatcher(rr, nil), &lost, &found)
			if err != nil || c == nil {
				t.Fatalf("scorePair() = %v, %v", c, err)
			}
			if !c.Breakdown.RerankFallback {
				t.Error("expected rerank fallback")
			}
			if c.Breakdown.Rerank != c.Breakdown.TextCosine {
				t.Errorf("fallback rerank %.4f should equal text cosine %.4f", c.Breakdown.Rerank, c.Breakdown.TextCosine)
			}
		})
	}
}

// fixedReranker scores every document with the same probability.
type fixedReranker struct{ p float64 }

func (r fixedReranker) Model() string       { return "fixed-test" }
func (r fixedReranker) ReturnsLogits() bool { return false }

func (r fixedReranker) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	out := make([]float64, len(docs))
	for i := range out {
		out[i] = r.p
	}
	return out, nil
}

func TestMatcher_RerankGate(t *testing.T) {
	cfg := DefaultMatcherConfig()
	if cfg.RerankGate <= cfg.TextGate {
		t.Fatalf("default rerank gate %.2f must exceed text gate %.2f", cfg.RerankGate, cfg.TextGate)
	}
	lost := testItem("l1", domain.ItemStatusLost, "laptop", "Dell", "silver", "dell xps 13 with stickers on the lid")
	found := testItem("f1", domain.ItemStatusFound, "laptop", "dell", "silver", "dell xps 13 laptop stickers on lid")

	tests := []struct {
		name       string
		p          float64
		wantScored bool
	}{
		{name: "between the gates", p: (cfg.TextGate + cfg.RerankGate) / 2},
		{name: "rerank below text gate", p: cfg.TextGate - 0.05},
		{name: "at the rerank gate", p: cfg.RerankGate, wantScored: true},
		{name: "confident", p: 0.9, wantScored: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := metrics.New(metrics.DefaultConfig())
			m := NewMatcher(newTestEmbeddings(nil, nil), fixedReranker{p: tt.p}, nil, rec, cfg)
			c, err := scorePair(context.Background(), m, &lost, &found)
			if err != nil {
				t.Fatalf("scorePair() error = %v", err)
			}
			if (c != nil) != tt.wantScored {
				t.Fatalf("scorePair() = %+v, want scored %v", c, tt.wantScored)
			}

			out := httptest.NewRecorder()
			rec.Handler().ServeHTTP(out, httptest.NewRequest("GET", "/metrics", nil))
			rejected := strings.Contains(out.Body.String(), `reclaim_matcher_pairs_rejected_total{stage="`+stageRerank+`"} 1`)
			if rejected == tt.wantScored {
				t.Errorf("rejected at rerank stage = %v, want %v", rejected, !tt.wantScored)
			}
			if c != nil && c.Breakdown.TextCosine < cfg.TextGate {
				t.Errorf("text cosine %.4f below the text gate", c.Breakdown.TextCosine)
			}
		})
	}
}

func TestMatcher_CancelledContext(t *testing.T) {
	m := newTestMatcher(&overlapReranker{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lost := testItem("l1", domain.ItemStatusLost, "bag", "", "", "red bag")
	found := testItem("f1", domain.ItemStatusFound, "bag", "", "", "red bag")
	if _, err := m.FindMatches(ctx, []domain.Item{lost}, []domain.Item{found}); !errors.Is(err, context.Canceled) {
		t.Errorf("FindMatches() error = %v, want context.Canceled", err)
	}
}

func TestSortCandidates(t *testing.T) {
	c := []MatchCandidate{
		{LostItemID: "b", FoundItemID: "x", Score: 0.7},
		{LostItemID: "a", FoundItemID: "y", Score: 0.9},
		{LostItemID: "a", FoundItemID: "x", Score: 0.7},
	}
	SortCandidates(c)
	want := []string{"a/y", "a/x", "b/x"}
	for i, w := range want {
		if got := c[i].LostItemID + "/" + c[i].FoundItemID; got != w {
			t.Errorf("position %d = %s, want %s", i, got, w)
		}
	}
}
