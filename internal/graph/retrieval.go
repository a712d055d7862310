package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vthunder/delibd/internal/config"
	"github.com/vthunder/delibd/internal/dlog"
)

// Retriever implements adaptive-k candidate selection and tiered,
// token-budgeted context formatting (spec §4.4). Grounded on the
// original_source retrieval.py module, reshaped to Go idiom.
type Retriever struct {
	db      *DB
	backend Backend
	cache   *Cache
	cfg     config.DecisionGraph
}

// NewRetriever constructs a retriever over the given storage, backend,
// and cache using the decision_graph config section.
func NewRetriever(db *DB, backend Backend, cache *Cache, cfg config.DecisionGraph) *Retriever {
	return &Retriever{db: db, backend: backend, cache: cache, cfg: cfg}
}

// adaptiveK picks k from graph size, per spec §4.4/P7.
func adaptiveK(n int, cfg config.AdaptiveK) int {
	if n < cfg.SmallThreshold {
		return cfg.KSmall
	}
	if n < cfg.MediumThreshold {
		return cfg.KMedium
	}
	return cfg.KLarge
}

// FindRelevant returns the scored candidates for a question, honoring
// the L1 query cache. Per spec §4.4 the cache key always uses a
// threshold tag of "0.0" — find_similar is called with the noise floor
// but the *cache key* is threshold-independent, matching the original's
// documented quirk (cache is keyed by query+k only, not by the runtime
// threshold, since the threshold is a fixed config value per process).
func (r *Retriever) FindRelevant(question string) ([]ScoredNode, error) {
	nq := normalize(question)
	if nq == "" {
		return nil, nil
	}

	n, err := r.db.Count()
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	k := adaptiveK(n, r.cfg.AdaptiveK)
	kTag := strconv.Itoa(k)

	cacheKey := QueryCacheKey(nq, "0.0", kTag)
	if cached, ok := r.cache.L1.Get(cacheKey); ok {
		return cached, nil
	}

	nodes, err := r.db.ListNodes(r.cfg.QueryWindow, 0)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes = r.narrowByVecIndex(question, nodes, k)

	questions := make([]string, len(nodes))
	for i, node := range nodes {
		questions[i] = node.Question
	}

	matches := r.backend.FindSimilar(question, questions, r.cfg.NoiseFloor)

	var scored []ScoredNode
	for _, m := range matches {
		if m.Score < r.cfg.NoiseFloor {
			continue // defensive re-filter per spec §4.4
		}
		if m.Index < 0 || m.Index >= len(nodes) {
			continue
		}
		scored = append(scored, ScoredNode{Node: nodes[m.Index], Score: m.Score})
	}
	if len(scored) > k {
		scored = scored[:k]
	}

	r.cache.L1.Set(cacheKey, scored)
	return scored, nil
}

// narrowByVecIndex uses the decision_vec ANN index (when the active
// backend exposes raw embeddings and the index is populated) to cut the
// full-scan candidate set down to the query's approximate neighborhood
// before the generic similarity scan runs, a pure optimization: scoring
// and thresholding still happen identically afterward, so results are
// unaffected when the index is empty or unavailable (spec §4.2's
// embedding tier may use "an index, when available").
func (r *Retriever) narrowByVecIndex(question string, nodes []*DecisionNode, k int) []*DecisionNode {
	ep, ok := r.backend.(EmbeddingProvider)
	if !ok {
		return nodes
	}
	qEmb, ok := ep.EmbedForIndex(question)
	if !ok {
		return nodes
	}
	ids, ok := r.db.FindSimilarByVec(qEmb, k*5)
	if !ok || len(ids) == 0 {
		return nodes
	}

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	filtered := make([]*DecisionNode, 0, len(ids))
	for _, n := range nodes {
		if idSet[n.ID] {
			filtered = append(filtered, n)
		}
	}
	if len(filtered) == 0 {
		return nodes
	}
	return filtered
}

// Tier is a formatting band (spec §4.4, GLOSSARY).
type Tier string

const (
	TierStrong   Tier = "strong"
	TierModerate Tier = "moderate"
	TierBrief    Tier = "brief"
)

// TieredContext is the result of format_context_tiered.
type TieredContext struct {
	Text            string
	TokensUsed      int
	TierDistribution map[Tier]int
}

// estimateTokens approximates token count at one token per four chars,
// the heuristic used throughout spec §4.4.
func estimateTokens(s string) int {
	return len(s) / 4
}

func classifyTier(score float64, tb config.TierBoundaries) Tier {
	if score >= tb.Strong {
		return TierStrong
	}
	if score >= tb.Moderate {
		return TierModerate
	}
	return TierBrief
}

func renderStrong(n *DecisionNode, score float64, stances []*ParticipantStance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Past Deliberation (strong, similarity %.2f)\n", score)
	fmt.Fprintf(&b, "- Timestamp: %s\n", n.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "- Status: %s\n", n.ConvergenceStatus)
	fmt.Fprintf(&b, "- Consensus: %s\n", n.Consensus)
	if n.WinningOption != nil {
		fmt.Fprintf(&b, "- Winning option: %s\n", *n.WinningOption)
	}
	fmt.Fprintf(&b, "- Participants: %s\n", strings.Join(n.Participants, ", "))
	for _, s := range stances {
		option := "—"
		if s.VoteOption != nil {
			option = *s.VoteOption
		}
		confidence := ""
		if s.Confidence != nil {
			confidence = fmt.Sprintf(" (%.0f%%)", *s.Confidence*100)
		}
		rationale := ""
		if s.Rationale != nil {
			rationale = ": " + *s.Rationale
		}
		fmt.Fprintf(&b, "  - %s voted %s%s%s\n", s.Participant, option, confidence, rationale)
	}
	return b.String()
}

func renderModerate(n *DecisionNode, score float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Past Deliberation (moderate, similarity %.2f)\n", score)
	fmt.Fprintf(&b, "- Consensus: %s\n", n.Consensus)
	if n.WinningOption != nil {
		fmt.Fprintf(&b, "- Result: %s\n", *n.WinningOption)
	} else {
		fmt.Fprintf(&b, "- Result: %s\n", n.ConvergenceStatus)
	}
	return b.String()
}

func renderBrief(n *DecisionNode) string {
	head := n.Consensus
	if n.WinningOption != nil {
		head = *n.WinningOption
	}
	if len(head) > 80 {
		head = head[:80]
	}
	return fmt.Sprintf("- %s → %s\n", n.Question, head)
}

// FormatContextTiered renders scored candidates into tiered, budgeted
// context. Items below noiseFloor are excluded; items are processed in
// descending score order; if appending a block would exceed the token
// budget the function stops without appending it (spec §4.4/P5).
func (r *Retriever) FormatContextTiered(scored []ScoredNode, tb config.TierBoundaries, tokenBudget int) (TieredContext, error) {
	result := TieredContext{TierDistribution: map[Tier]int{TierStrong: 0, TierModerate: 0, TierBrief: 0}}

	header := "## Similar Past Deliberations\n\n"
	headerTokens := estimateTokens(header)
	if headerTokens > tokenBudget {
		return result, nil
	}
	var b strings.Builder
	b.WriteString(header)
	result.TokensUsed = headerTokens

	ordered := append([]ScoredNode(nil), scored...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	for _, sn := range ordered {
		if sn.Score < r.cfg.NoiseFloor {
			continue
		}
		tier := classifyTier(sn.Score, tb)

		var block string
		switch tier {
		case TierStrong:
			stances, err := r.db.ListStances(sn.Node.ID)
			if err != nil {
				return result, fmt.Errorf("list stances: %w", err)
			}
			block = renderStrong(sn.Node, sn.Score, stances)
		case TierModerate:
			block = renderModerate(sn.Node, sn.Score)
		default:
			block = renderBrief(sn.Node)
		}

		blockTokens := estimateTokens(block)
		if result.TokensUsed+blockTokens > tokenBudget {
			break // stop before exceeding; never truncate an appended block
		}
		b.WriteString(block)
		result.TokensUsed += blockTokens
		result.TierDistribution[tier]++
	}

	result.Text = b.String()
	if result.TierDistribution[TierStrong] == 0 && result.TierDistribution[TierModerate] == 0 && result.TierDistribution[TierBrief] == 0 {
		result.Text = ""
		result.TokensUsed = 0
	}
	return result, nil
}

// GetContextForDeliberation is the end-to-end convenience used by the
// integration facade: find relevant candidates, then tier-format them,
// logging one MEASUREMENT line per call (spec §4.4, §4.6, §6).
func (r *Retriever) GetContextForDeliberation(question string, tokenBudget int, tb config.TierBoundaries) string {
	var ctx TieredContext
	scored, err := r.FindRelevant(question)
	if err != nil {
		dlog.Warn("retriever", "find_relevant failed: %v", err)
	} else if len(scored) > 0 {
		ctx, err = r.FormatContextTiered(scored, tb, tokenBudget)
		if err != nil {
			dlog.Warn("retriever", "format_context_tiered failed: %v", err)
			ctx = TieredContext{}
		}
	}

	dbSize, _ := r.db.Count()
	dlog.Measurement("retriever", map[string]any{
		"question":     dlog.Truncate(question, 80),
		"scored_count": len(scored),
		"strong":       ctx.TierDistribution[TierStrong],
		"moderate":     ctx.TierDistribution[TierModerate],
		"brief":        ctx.TierDistribution[TierBrief],
		"tokens_used":  ctx.TokensUsed,
		"token_budget": tokenBudget,
		"db_size":      dbSize,
	})

	return ctx.Text
}
