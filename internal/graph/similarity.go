package graph

import (
	"math"
	"regexp"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gopkg.in/neurosnap/sentences.v1"
	"gopkg.in/neurosnap/sentences.v1/english"

	"github.com/tsawler/prose/v3"

	"github.com/vthunder/delibd/internal/dlog"
	"github.com/vthunder/delibd/internal/embedding"
)

// Backend is the similarity contract (spec §4.2): symmetric, bounded to
// [0,1], identical-normalized-input -> 1.0, empty-normalized-input ->
// 0.0, never propagates an internal exception.
type Backend interface {
	ComputeSimilarity(a, b string) float64
	FindSimilar(query string, candidates []string, threshold float64) []CandidateMatch
}

// CandidateMatch is one FindSimilar result.
type CandidateMatch struct {
	Index int
	Text  string
	Score float64
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalize lowercases, collapses whitespace, and trims — the single
// normalization rule shared by every tier (spec §4.2).
func normalize(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// sentenceTokenizer is the shared English sentence-boundary detector
// used to split multi-sentence decision questions into pseudo-documents
// before IDF is computed, so a single long question contributes more
// than one document-frequency observation. Built once at package init;
// a nil tokenizer (construction failure) degrades to treating the whole
// string as one sentence.
var sentenceTokenizer *sentences.DefaultSentenceTokenizer

func init() {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		dlog.Warn("similarity", "sentence tokenizer unavailable, IDF will treat inputs as single sentences: %v", err)
		return
	}
	sentenceTokenizer = tok
}

// splitSentences breaks s into sentences, falling back to the whole
// string when the tokenizer failed to construct.
func splitSentences(s string) []string {
	if sentenceTokenizer == nil || s == "" {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	sents := sentenceTokenizer.Tokenize(s)
	out := make([]string, 0, len(sents))
	for _, sent := range sents {
		out = append(out, sent.Text)
	}
	if len(out) == 0 {
		return []string{s}
	}
	return out
}

// tokenize splits normalized text into words for the TF-IDF and
// token-Jaccard tiers, using prose's tokenizer (POS tagging and entity
// extraction disabled since only the raw token stream is needed here).
// Falls back to a plain whitespace split if prose fails to parse the
// input at all, which only happens on pathological input.
func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	doc, err := prose.NewDocument(s, prose.WithTagging(false), prose.WithExtraction(false))
	if err != nil {
		return strings.Fields(s)
	}
	tokens := doc.Tokens()
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, t.Text)
	}
	return out
}

// NewBackend selects the best available similarity backend at startup:
// embedding client first, TF-IDF cosine second, token-Jaccard last (the
// last is always available and has no external dependency). Mirrors
// the fallback-chain wording of spec §4.2. cache may be nil, in which
// case the embedding tier talks to embedder directly with no
// memoization.
func NewBackend(embedder *embedding.Client, corpus []string, cache *Cache) Backend {
	if embedder != nil {
		if _, err := embedder.Embed("connectivity probe"); err == nil {
			dlog.Info("similarity", "using embedding backend")
			return &embeddingBackend{client: embedder, fallback: newTFIDFBackend(corpus), cache: cache}
		}
		dlog.Info("similarity", "embedding backend unavailable, falling back to TF-IDF")
	}
	return newTFIDFBackend(corpus)
}

// safeCompute wraps a similarity computation so that any panic or
// degenerate input yields 0.0 rather than propagating (spec §4.2, §7
// kind 6).
func safeCompute(a, b string, fn func(na, nb string) float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Warn("similarity", "compute_similarity panicked: %v", r)
			score = 0.0
		}
	}()

	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return 0.0
	}
	if na == nb {
		return 1.0
	}
	return fn(na, nb)
}

func findSimilarGeneric(query string, candidates []string, threshold float64, score func(a, b string) float64) []CandidateMatch {
	nq := normalize(query)
	if nq == "" {
		return nil
	}
	var out []CandidateMatch
	for i, c := range candidates {
		if normalize(c) == "" {
			continue // find_similar skips candidates whose normalized question is empty
		}
		s := score(query, c)
		if s >= threshold {
			out = append(out, CandidateMatch{Index: i, Text: c, Score: s})
		}
	}
	// descending by score
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// --- Embedding tier ---

type embeddingBackend struct {
	client   *embedding.Client
	fallback Backend
	cache    *Cache
}

// embed returns the embedding for normalized text, consulting the
// shared L2 cache (keyed by normalized text, spec §4.3) before falling
// through to the Ollama client, and populating it on a successful
// round trip. Returns ok=false on any embedding failure or degenerate
// (all-zero) vector.
func (b *embeddingBackend) embed(normalized string) (emb []float64, ok bool) {
	if b.cache != nil {
		if cached, hit := b.cache.L2.Get(normalized); hit {
			return cached, true
		}
	}
	emb, err := b.client.Embed(normalized)
	if err != nil || vectorNorm(emb) == 0 {
		return nil, false
	}
	if b.cache != nil {
		b.cache.L2.Set(normalized, emb)
	}
	return emb, true
}

func (b *embeddingBackend) ComputeSimilarity(a, bTxt string) float64 {
	return safeCompute(a, bTxt, func(na, nb string) float64 {
		ea, ok := b.embed(na)
		if !ok {
			return b.fallback.ComputeSimilarity(a, bTxt)
		}
		eb, ok := b.embed(nb)
		if !ok {
			return b.fallback.ComputeSimilarity(a, bTxt)
		}
		sim := embedding.CosineSimilarity(ea, eb)
		// cosine can be slightly negative for unrelated text; clamp to [0,1]
		return math.Max(0.0, math.Min(1.0, sim))
	})
}

func (b *embeddingBackend) FindSimilar(query string, candidates []string, threshold float64) []CandidateMatch {
	return findSimilarGeneric(query, candidates, threshold, b.ComputeSimilarity)
}

// EmbedForIndex exposes the raw embedding vector for a piece of text so
// callers can feed sqlite-vec's ANN index (DB.UpsertVecEmbedding),
// rather than going through the (a, b) pairwise ComputeSimilarity
// interface every other tier is limited to.
func (b *embeddingBackend) EmbedForIndex(text string) ([]float64, bool) {
	return b.embed(normalize(text))
}

// EmbeddingProvider is implemented by similarity backends that can
// expose a raw embedding vector, letting callers opportunistically
// index it in sqlite-vec. Only the embedding tier satisfies this; the
// TF-IDF and Jaccard tiers have no vector representation to offer.
type EmbeddingProvider interface {
	EmbedForIndex(text string) ([]float64, bool)
}

// --- TF-IDF tier ---

type tfidfBackend struct {
	idf      map[string]float64
	fallback Backend
}

func newTFIDFBackend(corpus []string) Backend {
	fb := &jaccardBackend{}
	idf := buildIDF(corpus)
	if len(idf) == 0 {
		dlog.Info("similarity", "empty corpus, using token-Jaccard backend")
		return fb
	}
	return &tfidfBackend{idf: idf, fallback: fb}
}

func buildIDF(corpus []string) map[string]float64 {
	docFreq := map[string]int{}
	n := 0
	for _, doc := range corpus {
		for _, sentence := range splitSentences(doc) {
			tokens := tokenize(normalize(sentence))
			if len(tokens) == 0 {
				continue
			}
			n++
			seen := map[string]bool{}
			for _, t := range tokens {
				if !seen[t] {
					docFreq[t]++
					seen[t] = true
				}
			}
		}
	}
	idf := make(map[string]float64, len(docFreq))
	for term, df := range docFreq {
		idf[term] = math.Log(float64(1+n) / float64(1+df))
	}
	return idf
}

func (b *tfidfBackend) vector(tokens []string) map[string]float64 {
	tf := map[string]float64{}
	for _, t := range tokens {
		tf[t]++
	}
	vec := make(map[string]float64, len(tf))
	for term, count := range tf {
		idf, ok := b.idf[term]
		if !ok {
			idf = math.Log(2) // unseen term: treat as rare
		}
		vec[term] = count * idf
	}
	return vec
}

func cosineSparse(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for term, va := range a {
		normA += va * va
		if vb, ok := b[term]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (b *tfidfBackend) ComputeSimilarity(a, bTxt string) float64 {
	return safeCompute(a, bTxt, func(na, nb string) float64 {
		va := b.vector(tokenize(na))
		vb := b.vector(tokenize(nb))
		if len(va) == 0 || len(vb) == 0 {
			return b.fallback.ComputeSimilarity(a, bTxt)
		}
		return cosineSparse(va, vb)
	})
}

func (b *tfidfBackend) FindSimilar(query string, candidates []string, threshold float64) []CandidateMatch {
	return findSimilarGeneric(query, candidates, threshold, b.ComputeSimilarity)
}

// --- Token-Jaccard tier (always available, no external dependency) ---

type jaccardBackend struct{}

func (jaccardBackend) ComputeSimilarity(a, b string) float64 {
	return safeCompute(a, b, func(na, nb string) float64 {
		setA := tokenSet(na)
		setB := tokenSet(nb)
		if len(setA) == 0 || len(setB) == 0 {
			return 0.0
		}
		inter := 0
		for t := range setA {
			if setB[t] {
				inter++
			}
		}
		union := len(setA) + len(setB) - inter
		if union == 0 {
			return 0.0
		}
		return float64(inter) / float64(union)
	})
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range tokenize(s) {
		out[t] = true
	}
	return out
}

func (b jaccardBackend) FindSimilar(query string, candidates []string, threshold float64) []CandidateMatch {
	return findSimilarGeneric(query, candidates, threshold, b.ComputeSimilarity)
}

// vectorNorm is the embedding tier's degenerate-vector guard: embed
// treats an all-zero embedding (seen from some backends on malformed
// input) as a failure, so ComputeSimilarity falls back to the next tier
// instead of scoring 0 through CosineSimilarity's zero-norm check.
func vectorNorm(v []float64) float64 {
	return math.Sqrt(floats.Dot(v, v))
}
