package graph

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/vthunder/delibd/internal/config"
	"github.com/vthunder/delibd/internal/dlog"
)

// StanceInput is one participant's final position, as handed to the
// facade by the orchestrator at the end of a deliberation. Decoupled
// from the deliberation package's own response/vote types so that
// package graph never imports package deliberation (spec §9: "avoid
// back-references by passing the storage handle to each, not the
// facade").
type StanceInput struct {
	Participant   string
	VoteOption    *string
	Confidence    *float64
	Rationale     *string
	FinalPosition string
}

// DeliberationOutcome is everything the facade needs to persist one
// completed deliberation (spec §4.6 store_deliberation).
type DeliberationOutcome struct {
	Question          string
	Participants      []string
	ConvergenceStatus ConvergenceStatus
	Consensus         string
	WinningOption     *string
	TranscriptPath    string
	Stances           []StanceInput
}

// Integration is the graph integration facade (C6): the single
// component the orchestrator talks to, and the sole externally-visible
// error boundary for graph errors (spec §4.6, §7).
type Integration struct {
	db        *DB
	retriever *Retriever
	worker    *Worker
	cache     *Cache
	backend   Backend
	cfg       config.DecisionGraph

	storedCount int
}

// NewIntegration wires storage, retriever, cache, worker, and the
// similarity backend into one facade.
func NewIntegration(db *DB, retriever *Retriever, worker *Worker, cache *Cache, backend Backend, cfg config.DecisionGraph) *Integration {
	return &Integration{db: db, retriever: retriever, worker: worker, cache: cache, backend: backend, cfg: cfg}
}

// StoreDeliberation derives and writes a DecisionNode plus one
// ParticipantStance per participant, enqueues similarity computation
// (falling back to synchronous scoring when the worker is not running),
// and invalidates the retriever's L1 cache. This is the only facade
// operation whose error propagates to the caller (spec §4.6, §7 kind 3).
func (g *Integration) StoreDeliberation(o DeliberationOutcome) (string, error) {
	node := &DecisionNode{
		Question:          o.Question,
		Timestamp:         time.Now(),
		Consensus:         o.Consensus,
		WinningOption:     o.WinningOption,
		ConvergenceStatus: o.ConvergenceStatus,
		Participants:      o.Participants,
		TranscriptPath:    o.TranscriptPath,
		Metadata:          map[string]any{},
	}

	decisionID, err := g.db.SaveNode(node)
	if err != nil {
		return "", fmt.Errorf("store_deliberation: save node: %w", err)
	}

	for _, s := range o.Stances {
		stance := &ParticipantStance{
			DecisionID:    decisionID,
			Participant:   s.Participant,
			VoteOption:    s.VoteOption,
			Confidence:    s.Confidence,
			Rationale:     s.Rationale,
			FinalPosition: s.FinalPosition,
		}
		if _, err := g.db.SaveStance(stance); err != nil {
			// A stance failure is still a store_deliberation-originated
			// integrity error and must propagate, per spec §7 kind 3.
			return "", fmt.Errorf("store_deliberation: save stance for %s: %w", s.Participant, err)
		}
	}

	g.enqueueOrFallback(decisionID)

	// Invalidate L1 so subsequent retrievals see this decision (spec §4.6, §5).
	if g.cache != nil {
		g.cache.L1.InvalidateAll()
	}

	g.storedCount++
	g.logGrowthMilestones()

	return decisionID, nil
}

// enqueueOrFallback tries the async worker first; on QueueFull or when
// the worker is not running, it falls back to synchronous scoring for
// up to 100 nodes inline (spec §4.5, §9, E6). Every error here is
// logged and swallowed — only store_deliberation's own write errors
// propagate.
func (g *Integration) enqueueOrFallback(decisionID string) {
	if g.worker != nil && g.worker.IsRunning() {
		err := g.worker.Enqueue(decisionID, PriorityHigh, 0)
		if err == nil {
			return
		}
		dlog.Warn("graph", "enqueue failed for %s, falling back to synchronous scoring: %v", decisionID, err)
	}

	const syncBatchCap = 100
	batch := g.cfg.BatchSize
	if batch > syncBatchCap {
		batch = syncBatchCap
	}
	if err := ComputeAndPersistSimilarities(context.Background(), g.db, g.backend, g.cache, decisionID, batch, g.cfg.SimilarityThreshold); err != nil {
		dlog.Warn("graph", "synchronous similarity fallback failed for %s: %v", decisionID, err)
	}
}

// logGrowthMilestones logs row counts every 100 decisions stored by this
// process and a growth checkpoint (the count, no rate) every 500, plus a
// capacity warning on each store once the graph holds 4500 or more
// decisions (spec §4.6, supplemented from
// original_source/decision_graph/integration.py).
func (g *Integration) logGrowthMilestones() {
	if g.storedCount%100 == 0 {
		stats, err := g.db.Stats()
		if err == nil {
			dlog.Info("graph", "stats at %d stored decisions: %v", g.storedCount, stats)
		}
	}
	if g.storedCount%500 == 0 {
		dlog.Info("graph", "growth checkpoint: %d decisions stored", g.storedCount)
	}
	if total, err := g.db.Count(); err == nil && total >= 4500 {
		dlog.Warn("graph", "decision graph approaching capacity: %d decisions stored", total)
	}
}

// GetContextForDeliberation returns tiered context for a question, or
// "" on any internal failure — a deliberation never fails because
// memory lookup failed (spec §4.6, §7 kind 7).
func (g *Integration) GetContextForDeliberation(question string) (ctx string) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Warn("graph", "get_context_for_deliberation panicked: %v", r)
			ctx = ""
		}
	}()
	return g.retriever.GetContextForDeliberation(question, g.cfg.ContextTokenBudget, g.cfg.TierBoundaries)
}

// GraphStats returns observation-only row counts; an empty map on
// failure rather than an error (spec §4.6).
func (g *Integration) GraphStats() map[string]int {
	stats, err := g.db.Stats()
	if err != nil {
		dlog.Warn("graph", "graph_stats failed: %v", err)
		return map[string]int{}
	}
	return stats
}

// GraphMetrics folds process resource usage (via gopsutil, the same
// library the teacher uses for process liveness checks) into the
// decision graph's health signal.
func (g *Integration) GraphMetrics() map[string]any {
	out := map[string]any{"cache_hit_rate": 0.0}
	if g.cache != nil {
		out["cache_hit_rate"] = g.cache.Stats.HitRate()
		out["cache_stats"] = g.cache.Stats.Snapshot()
	}
	out["goroutines"] = runtime.NumGoroutine()

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			out["rss_bytes"] = memInfo.RSS
		}
	}
	return out
}

// HealthCheck reports a best-effort health payload; never raises.
func (g *Integration) HealthCheck() map[string]any {
	health := map[string]any{"status": "ok"}
	if _, err := g.db.Count(); err != nil {
		health["status"] = "degraded"
		health["error"] = err.Error()
	}
	if g.worker != nil {
		health["worker_running"] = g.worker.IsRunning()
		health["jobs_failed"] = g.worker.JobsFailed()
	}
	return health
}
