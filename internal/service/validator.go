package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/metrics"
)

const (
	categoryOther    = "other"
	categoryBadImage = "bad_image"
)

// Validation outcomes, also used as metric labels.
const (
	OutcomeMatch         = "match"
	OutcomeBadImage      = "bad_image"
	OutcomeLowConfidence = "low_confidence"
	OutcomeOther         = "other"
	OutcomeMismatch      = "mismatch"
	OutcomeWarned        = "warned"
	OutcomeSkipped       = "skipped"
)

type labelSet struct {
	category string
	phrases  []string
}

// categoryLabels describe what a photo of each selectable category looks
// like. The last two sets are the catch-all bucket and unusable photos.
var categoryLabels = []labelSet{
	{"phone", []string{"a photo of a smartphone", "a photo of an iPhone", "a mobile phone with a cracked screen", "a phone in a protective case"}},
	{"laptop", []string{"a photo of a laptop computer", "a closed notebook computer", "a MacBook"}},
	{"tablet", []string{"a photo of a tablet", "an iPad", "an e-reader"}},
	{"headphones", []string{"a pair of headphones", "wireless earbuds", "AirPods in a charging case"}},
	{"electronics", []string{"a phone charger", "a USB cable", "a power bank", "an electronic gadget"}},
	{"bag", []string{"a photo of a backpack", "a handbag", "a suitcase", "a tote bag"}},
	{"wallet", []string{"a photo of a wallet", "a leather billfold", "a card holder"}},
	{"keys", []string{"a bunch of keys", "a key on a keychain", "a car key fob"}},
	{"watch", []string{"a wristwatch", "a smartwatch"}},
	{"jewelry", []string{"a ring", "a necklace", "a bracelet", "a pair of earrings"}},
	{"documents", []string{"an ID card", "a passport", "a bank card", "a paper document"}},
	{"clothing", []string{"a jacket", "a sweater or hoodie", "a hat or cap", "a scarf", "a piece of clothing"}},
	{"glasses", []string{"a pair of glasses", "sunglasses", "a glasses case"}},
	{"bottle", []string{"a water bottle", "a thermos flask", "a reusable tumbler"}},
	{"umbrella", []string{"an umbrella", "a folded umbrella"}},
	{categoryOther, []string{"a miscellaneous object", "a box or container", "a toy", "sports equipment", "a household item", "a book"}},
	{categoryBadImage, []string{"a blurry photo", "a completely black image", "a blank white image", "an out of focus picture"}},
}

// Categories lists the selectable categories, "other" included.
func Categories() []string {
	out := make([]string, 0, len(categoryLabels))
	for _, set := range categoryLabels {
		if set.category != categoryBadImage {
			out = append(out, set.category)
		}
	}
	return out
}

// ValidationResult is the verdict on one photo.
type ValidationResult struct {
	Accepted   bool    `json:"accepted"`
	Message    string  `json:"message"`
	Outcome    string  `json:"outcome"`
	Observed   string  `json:"observed,omitempty"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
}

// CategoryValidatorConfig holds the decision thresholds.
type CategoryValidatorConfig struct {
	LowConfidence  float64 // below this a mismatch is accepted
	HighConfidence float64 // at or above this a mismatch is rejected
	LogitScale     float64
	InputSize      int
}

// CategoryValidator checks that a photo looks like the declared category
// by zero-shot classification against label phrases in a joint
// image-text space.
type CategoryValidator struct {
	encoder ImageEncoder
	metrics *metrics.Recorder
	cfg     CategoryValidatorConfig

	group singleflight.Group
	mu    sync.RWMutex
	index *labelIndex
}

// labelIndex holds one normalized vector per label phrase.
type labelIndex struct {
	vecs  [][]float32
	owner []int // index into categoryLabels per vector
	text  []string
}

// NewCategoryValidator creates a validator around a CLIP-style encoder.
func NewCategoryValidator(encoder ImageEncoder, rec *metrics.Recorder, cfg CategoryValidatorConfig) *CategoryValidator {
	if cfg.LogitScale <= 0 {
		cfg.LogitScale = 100
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 224
	}
	return &CategoryValidator{encoder: encoder, metrics: rec, cfg: cfg}
}

// labels embeds every label phrase once. Concurrent first callers share a
// single encoder call; a failed attempt is retried on the next call.
func (v *CategoryValidator) labels(ctx context.Context) (*labelIndex, error) {
	v.mu.RLock()
	idx := v.index
	v.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}

	res, err, _ := v.group.Do("labels", func() (interface{}, error) {
		v.mu.RLock()
		idx := v.index
		v.mu.RUnlock()
		if idx != nil {
			return idx, nil
		}

		idx = &labelIndex{}
		for i, set := range categoryLabels {
			for _, p := range set.phrases {
				idx.text = append(idx.text, p)
				idx.owner = append(idx.owner, i)
			}
		}
		vecs, err := v.encoder.EncodeTexts(ctx, idx.text)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(idx.text) {
			return nil, fmt.Errorf("encoder returned %d label vectors for %d phrases", len(vecs), len(idx.text))
		}
		for i := range vecs {
			vecs[i] = normalizeL2(vecs[i])
		}
		idx.vecs = vecs

		v.mu.Lock()
		v.index = idx
		v.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*labelIndex), nil
}

// Validate classifies photo and compares the result with declared.
// It never fails: when the photo cannot be classified it is accepted.
func (v *CategoryValidator) Validate(ctx context.Context, photo []byte, declared string) ValidationResult {
	res := v.validate(ctx, photo, declared)
	v.metrics.Validation(res.Outcome)
	logger.With(logger.Fields{
		"declared":         declared,
		"observed":         res.Observed,
		logger.FieldStatus: res.Outcome,
		logger.FieldScore:  res.Confidence,
	}).Debug(ctx, "Photo validated: accepted=%v", res.Accepted)
	return res
}

func (v *CategoryValidator) validate(ctx context.Context, photo []byte, declared string) ValidationResult {
	prepared, err := preprocessPhoto(photo, v.cfg.InputSize)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Photo could not be decoded, skipping category validation")
		return skipped()
	}
	idx, err := v.labels(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Label embedding failed, skipping category validation")
		return skipped()
	}
	imgs, err := v.encoder.EncodeImages(ctx, [][]byte{prepared})
	if err != nil || len(imgs) != 1 {
		logger.FromContext(ctx).WithError(err).Warn("Photo encoding failed, skipping category validation")
		return skipped()
	}
	img := normalizeL2(imgs[0])

	logits := make([]float64, len(idx.vecs))
	for i, lv := range idx.vecs {
		c, err := cosine(img, lv)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Photo and label vectors are incompatible, skipping category validation")
			return skipped()
		}
		logits[i] = c
	}
	probs := softmax(logits, v.cfg.LogitScale)

	best := 0
	for i := range probs {
		if probs[i] > probs[best] {
			best = i
		}
	}
	var confidence float64
	for i, p := range probs {
		if idx.owner[i] == idx.owner[best] {
			confidence += p
		}
	}

	// Decide on the reported value so a confidence shown as the threshold
	// is treated as reaching it.
	confidence = round4(confidence)

	observed := categoryLabels[idx.owner[best]].category
	res := ValidationResult{
		Observed:   observed,
		Label:      idx.text[best],
		Confidence: confidence,
	}

	switch {
	case observed == categoryBadImage:
		res.Outcome = OutcomeBadImage
		res.Message = "Photo rejected: the image is too blurry or dark to recognise. Please upload a clearer photo."
	case sameCategory(observed, declared):
		res.Accepted, res.Outcome = true, OutcomeMatch
		res.Message = "Photo matches the selected category."
	case confidence < v.cfg.LowConfidence:
		res.Accepted, res.Outcome = true, OutcomeLowConfidence
		res.Message = "Photo accepted."
	case sameCategory(declared, categoryOther):
		res.Accepted, res.Outcome = true, OutcomeOther
		res.Message = "Photo accepted."
	case confidence >= v.cfg.HighConfidence:
		res.Outcome = OutcomeMismatch
		res.Message = fmt.Sprintf("Photo rejected: it looks like %s, not %s. Please check the selected category.", res.Label, cleanField(declared))
	default:
		res.Accepted, res.Outcome = true, OutcomeWarned
		res.Message = fmt.Sprintf("Photo accepted, but it may not show a %s (it looks like %s).", cleanField(declared), res.Label)
	}
	return res
}

func skipped() ValidationResult {
	return ValidationResult{
		Accepted: true,
		Outcome:  OutcomeSkipped,
		Message:  "Photo accepted without category validation.",
	}
}
