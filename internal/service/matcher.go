package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/metrics"
)

// Rejection stages reported to metrics.
const (
	stageCategory  = "category"
	stageVector    = "vector"
	stageText      = "text"
	stageRerank    = "rerank"
	stageThreshold = "threshold"
)

// MatchCandidate is a scored (lost, found) pair.
type MatchCandidate struct {
	TenantID    string                `json:"tenant_id"`
	LostItemID  string                `json:"lost_item_id"`
	FoundItemID string                `json:"found_item_id"`
	Score       float64               `json:"score"`
	Breakdown   domain.ScoreBreakdown `json:"breakdown"`
}

// SortCandidates orders candidates by descending score, breaking ties by
// item IDs so that output is stable.
func SortCandidates(c []MatchCandidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].LostItemID != c[j].LostItemID {
			return c[i].LostItemID < c[j].LostItemID
		}
		return c[i].FoundItemID < c[j].FoundItemID
	})
}

// DefaultMatcherConfig returns the tuning used when nothing is configured.
func DefaultMatcherConfig() config.MatcherConfig {
	return config.MatcherConfig{
		Threshold:         0.65,
		TextGate:          0.35,
		RerankGate:        0.45,
		DescriptionWeight: 0.70,
		GenericLost:       0.75,
		GenericFound:      0.85,
		GenericMaxWords:   2,
		BrandBoost:        0.15,
		BrandPenalty:      0.05,
		ColorBoost:        0.05,
		NumericPenalty:    0.5,
		VariantPenalty:    0.6,
		VisualWeight:      0.25,
		VisualOverride:    0.85,
		VerifiedScore:     0.95,
		MinKeypointMatch:  defaultMinMatches,
		TimeoutSec:        120,
	}
}

// Matcher scores lost/found pairs through a staged pipeline: category
// gate, text cosine gate, cross-encoder rerank gate, then the composite
// score with attribute adjustments and the optional visual signal.
//
// Matcher never mutates the items it is given.
type Matcher struct {
	embeddings *EmbeddingService
	reranker   CrossEncoder    // nil falls back to text cosine
	verifier   FeatureVerifier // nil disables the visual override
	metrics    *metrics.Recorder
	cfg        config.MatcherConfig
}

// NewMatcher creates a new matcher.
func NewMatcher(embeddings *EmbeddingService, reranker CrossEncoder, verifier FeatureVerifier, rec *metrics.Recorder, cfg config.MatcherConfig) *Matcher {
	return &Matcher{
		embeddings: embeddings,
		reranker:   reranker,
		verifier:   verifier,
		metrics:    rec,
		cfg:        cfg,
	}
}

type pairGroup struct {
	lost   *domain.Item
	founds []*domain.Item
}

// FindMatches pairs every new item with every opposite-status item of the
// same tenant in pool (and with the other new items) and returns the pairs
// whose score reaches the threshold, in no particular order.
//
// Only a text embedding failure or context cancellation is an error. Bad
// pairs are skipped and logged.
func (m *Matcher) FindMatches(ctx context.Context, newItems, pool []domain.Item) ([]MatchCandidate, error) {
	all := make([]*domain.Item, 0, len(newItems)+len(pool))
	seen := make(map[string]bool, len(newItems)+len(pool))
	newIDs := make(map[string]bool, len(newItems))
	for _, list := range [][]domain.Item{newItems, pool} {
		for i := range list {
			it := &list[i]
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			all = append(all, it)
		}
	}
	for i := range newItems {
		newIDs[newItems[i].ID] = true
	}

	groups, order := m.pairUp(all, newIDs)
	if len(order) == 0 {
		return nil, nil
	}

	vectors, err := m.textVectors(ctx, all)
	if err != nil {
		return nil, err
	}

	var out []MatchCandidate
	for _, lostID := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, c := range m.evaluate(ctx, groups[lostID], vectors) {
			if c.Score >= m.cfg.Threshold {
				m.metrics.MatchEmitted()
				out = append(out, c)
			} else {
				m.metrics.PairRejected(stageThreshold)
			}
		}
	}

	logger.With(logger.Fields{
		logger.FieldCount: len(out),
		"items":           len(all),
		"new_items":       len(newIDs),
	}).Debug(ctx, "Matching pass finished")
	return out, nil
}

// pairUp builds the deduplicated (lost, found) pairs that involve at least
// one new item, grouped by lost item.
func (m *Matcher) pairUp(all []*domain.Item, newIDs map[string]bool) (map[string]*pairGroup, []string) {
	groups := make(map[string]*pairGroup)
	var order []string
	paired := make(map[[2]string]bool)
	for _, a := range all {
		if !newIDs[a.ID] {
			continue
		}
		for _, b := range all {
			if !pairable(a, b) {
				continue
			}
			lost, found := orient(a, b)
			key := [2]string{lost.ID, found.ID}
			if paired[key] {
				continue
			}
			paired[key] = true
			g, ok := groups[lost.ID]
			if !ok {
				g = &pairGroup{lost: lost}
				groups[lost.ID] = g
				order = append(order, lost.ID)
			}
			g.founds = append(g.founds, found)
		}
	}
	return groups, order
}

func pairable(a, b *domain.Item) bool {
	return a.ID != b.ID &&
		a.TenantID == b.TenantID &&
		a.Matchable() && b.Matchable() &&
		a.Status.Opposite() == b.Status
}

func orient(a, b *domain.Item) (lost, found *domain.Item) {
	if a.Status == domain.ItemStatusLost {
		return a, b
	}
	return b, a
}

// textVectors returns the text vector of every item, re-embedding those
// that have none or were embedded by another model.
func (m *Matcher) textVectors(ctx context.Context, items []*domain.Item) (map[string][]float32, error) {
	model := m.embeddings.TextModel()
	out := make(map[string][]float32, len(items))
	var (
		stale  []*domain.Item
		fields []ItemFields
	)
	for _, it := range items {
		if len(it.TextEmbedding) > 0 && it.TextModel == model {
			out[it.ID] = it.TextEmbedding
			continue
		}
		stale = append(stale, it)
		fields = append(fields, FieldsOf(it))
	}
	if len(stale) == 0 {
		return out, nil
	}
	vecs, err := m.embeddings.EmbedTexts(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("embedding stale item texts: %w", err)
	}
	for i, it := range stale {
		out[it.ID] = vecs[i]
	}
	return out, nil
}

// evaluate scores every pair of one group that passes the gates.
func (m *Matcher) evaluate(ctx context.Context, g *pairGroup, vectors map[string][]float32) []MatchCandidate {
	lost := g.lost
	var (
		survivors []*domain.Item
		cosines   []float64
	)
	for _, found := range g.founds {
		m.metrics.PairEvaluated()
		if !sameCategory(lost.Category, found.Category) {
			m.metrics.PairRejected(stageCategory)
			continue
		}
		cos, err := cosine(vectors[lost.ID], vectors[found.ID])
		if err != nil {
			logger.With(logger.Fields{
				"lost_id":  lost.ID,
				"found_id": found.ID,
			}).Warn(ctx, "Skipping pair with unusable text vectors: %v", err)
			m.metrics.PairRejected(stageVector)
			continue
		}
		if cos < m.cfg.TextGate {
			m.metrics.PairRejected(stageText)
			continue
		}
		survivors = append(survivors, found)
		cosines = append(cosines, cos)
	}
	if len(survivors) == 0 {
		return nil
	}

	rerank, fallback := m.rerank(ctx, lost, survivors, cosines)
	out := make([]MatchCandidate, 0, len(survivors))
	for i, found := range survivors {
		if rerank[i] < m.cfg.RerankGate {
			m.metrics.PairRejected(stageRerank)
			continue
		}
		out = append(out, m.score(ctx, lost, found, cosines[i], rerank[i], fallback))
	}
	return out
}

// rerank scores the lost description against each found description as
// probabilities. When no cross-encoder is available or it fails, the text
// cosine stands in and fallback is true.
func (m *Matcher) rerank(ctx context.Context, lost *domain.Item, founds []*domain.Item, cosines []float64) ([]float64, bool) {
	fallback := func() []float64 {
		out := make([]float64, len(cosines))
		for i, c := range cosines {
			out[i] = clamp01(c)
		}
		return out
	}
	if m.reranker == nil {
		return fallback(), true
	}

	docs := make([]string, len(founds))
	for i, f := range founds {
		docs[i] = descriptionText(FieldsOf(f))
	}
	raw, err := m.reranker.Rerank(ctx, descriptionText(FieldsOf(lost)), docs)
	if err == nil && len(raw) != len(docs) {
		err = fmt.Errorf("reranker returned %d scores for %d documents", len(raw), len(docs))
	}
	if err != nil {
		logger.With(logger.Fields{
			logger.FieldItemID: lost.ID,
			logger.FieldModel:  m.reranker.Model(),
		}).Warn(ctx, "Reranker failed, falling back to text cosine: %v", err)
		m.metrics.RerankFallback()
		return fallback(), true
	}

	out := make([]float64, len(raw))
	for i, r := range raw {
		if m.reranker.ReturnsLogits() {
			r = sigmoid(r)
		}
		out[i] = clamp01(r)
	}
	return out, false
}

// score assembles the final score of a pair that passed every gate.
func (m *Matcher) score(ctx context.Context, lost, found *domain.Item, textCos, desc float64, fallback bool) MatchCandidate {
	cfg := m.cfg
	b := domain.ScoreBreakdown{
		TextCosine:     round4(textCos),
		Rerank:         round4(desc),
		RerankFallback: fallback,
	}

	if isGeneric(lost.Description, cfg.GenericMaxWords) {
		desc *= cfg.GenericLost
		b.GenericLost = true
	}
	if isGeneric(found.Description, cfg.GenericMaxWords) {
		desc *= cfg.GenericFound
		b.GenericFound = true
	}

	score := cfg.DescriptionWeight * desc
	b.Base = round4(score)

	if bl, bf := cleanField(lost.Brand), cleanField(found.Brand); bl != "" && bf != "" {
		if bl == bf {
			b.Brand = cfg.BrandBoost
		} else {
			b.Brand = -cfg.BrandPenalty
		}
		score += b.Brand
	}
	if cl, cf := cleanField(lost.Color), cleanField(found.Color); cl != "" && cl == cf {
		b.Color = cfg.ColorBoost
		score += b.Color
	}

	lostText := lost.Category + " " + lost.Description
	foundText := found.Category + " " + found.Description
	if disjoint(numberTokens(lostText), numberTokens(foundText)) {
		score *= cfg.NumericPenalty
		b.NumericPenalty = true
	}
	if lv, fv := variantTokens(lostText), variantTokens(foundText); differ(lv, fv) {
		score *= cfg.VariantPenalty
		b.VariantPenalty = true
		logger.With(logger.Fields{
			"lost_variants":  setKeys(lv),
			"found_variants": setKeys(fv),
		}).Debug(ctx, "Variant mismatch between %s and %s", lost.ID, found.ID)
	}

	score = m.visual(ctx, lost, found, score, &b)

	final := round4(clamp01(score))
	return MatchCandidate{
		TenantID:    lost.TenantID,
		LostItemID:  lost.ID,
		FoundItemID: found.ID,
		Score:       final,
		Breakdown:   b,
	}
}

// visual adds the image contribution when both items carry image vectors
// from the same model, and lifts keypoint-verified pairs.
func (m *Matcher) visual(ctx context.Context, lost, found *domain.Item, score float64, b *domain.ScoreBreakdown) float64 {
	if !lost.HasImage() || !found.HasImage() {
		return score
	}
	if lost.ImageModel != found.ImageModel {
		logger.CtxDebug(ctx, "Image models differ for %s (%s) and %s (%s), ignoring visual signal",
			lost.ID, lost.ImageModel, found.ID, found.ImageModel)
		return score
	}
	vc, err := cosine(lost.ImageEmbedding, found.ImageEmbedding)
	if err != nil {
		logger.With(logger.Fields{
			"lost_id":  lost.ID,
			"found_id": found.ID,
		}).Warn(ctx, "Ignoring unusable image vectors: %v", err)
		return score
	}
	b.VisualCosine = round4(vc)
	b.Visual = round4(m.cfg.VisualWeight * math.Max(0, vc))
	score += b.Visual

	if vc >= m.cfg.VisualOverride && m.verifier != nil {
		ok, err := m.verifier.Verify(ctx, lost, found)
		switch {
		case err != nil:
			logger.FromContext(ctx).WithError(err).Warn("Keypoint verification failed")
		case ok:
			b.Verified = true
			score = math.Max(score, m.cfg.VerifiedScore)
		}
	}
	return score
}
