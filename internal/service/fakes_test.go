package service

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync/atomic"

	"github.com/timmy/reclaim/internal/domain"
)

const bowDims = 256

// bowEmbedder hashes tokens into a bag-of-words vector.
type bowEmbedder struct {
	model string
	calls atomic.Int32
	err   error
}

func (e *bowEmbedder) Model() string {
	if e.model == "" {
		return "bow-test"
	}
	return e.model
}

func (e *bowEmbedder) Dimensions() int { return bowDims }

func (e *bowEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = bowVector(t)
	}
	return out, nil
}

func bowVector(text string) []float32 {
	v := make([]float32, bowDims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[h.Sum32()%bowDims]++
	}
	return v
}

// overlapReranker scores by the overlap coefficient of description tokens.
type overlapReranker struct {
	logits bool
	err    error
	calls  atomic.Int32
}

func (r *overlapReranker) Model() string       { return "overlap-test" }
func (r *overlapReranker) ReturnsLogits() bool { return r.logits }

func (r *overlapReranker) Rerank(_ context.Context, query string, docs []string) ([]float64, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	q := toSet(tokenize(query)...)
	out := make([]float64, len(docs))
	for i, d := range docs {
		ds := toSet(tokenize(d)...)
		shared := 0
		for w := range q {
			if _, ok := ds[w]; ok {
				shared++
			}
		}
		smaller := min(len(q), len(ds))
		if smaller == 0 {
			continue
		}
		p := float64(shared) / float64(smaller)
		if r.logits {
			// map back through the inverse sigmoid
			p = min(max(p, 1e-6), 1-1e-6)
			p = logit(p)
		}
		out[i] = p
	}
	return out, nil
}

// stubVerifier returns a fixed verdict.
type stubVerifier struct {
	ok    bool
	err   error
	calls atomic.Int32
}

func (v *stubVerifier) Verify(context.Context, *domain.Item, *domain.Item) (bool, error) {
	v.calls.Add(1)
	return v.ok, v.err
}

// stubImageEncoder maps image bytes and texts to configured vectors.
type stubImageEncoder struct {
	model  string
	image  []float32
	texts  map[string][]float32
	err    error
	tcalls atomic.Int32
}

func (e *stubImageEncoder) Model() string {
	if e.model == "" {
		return "clip-test"
	}
	return e.model
}

func (e *stubImageEncoder) EncodeImages(_ context.Context, images [][]byte) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(images))
	for i := range images {
		out[i] = e.image
	}
	return out, nil
}

func (e *stubImageEncoder) EncodeTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.tcalls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.texts[t]
		if !ok {
			v = make([]float32, 4)
		}
		out[i] = v
	}
	return out, nil
}

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

var errModelDown = errors.New("model unavailable")

func newTestEmbeddings(text TextEmbedder, image ImageEncoder) *EmbeddingService {
	if text == nil {
		text = &bowEmbedder{}
	}
	return NewEmbeddingService(text, image, nil, nil, &EmbeddingServiceConfig{CacheSize: 128})
}
