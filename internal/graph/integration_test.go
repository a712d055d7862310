package graph

import (
	"testing"
	"time"

	"github.com/vthunder/delibd/internal/config"
)

func newTestIntegration(t *testing.T) (*Integration, *DB) {
	t.Helper()
	d := openTestDB(t)
	cache := NewCache(10, 10, time.Minute)
	cfg := config.DecisionGraph{
		BatchSize:           10,
		SimilarityThreshold: 0.5,
		ContextTokenBudget:  10000,
		TierBoundaries:      config.TierBoundaries{Strong: 0.8, Moderate: 0.5},
		QueryWindow:         50,
		NoiseFloor:          0.2,
		AdaptiveK:           config.AdaptiveK{SmallThreshold: 100, KSmall: 5, MediumThreshold: 1000, KMedium: 3, KLarge: 2},
	}
	retriever := NewRetriever(d, jaccardBackend{}, cache, cfg)
	g := NewIntegration(d, retriever, nil, cache, jaccardBackend{}, cfg)
	return g, d
}

func TestStoreDeliberation_PersistsNodeAndStances(t *testing.T) {
	g, d := newTestIntegration(t)

	opt := "A"
	outcome := DeliberationOutcome{
		Question:          "should we adopt feature flags",
		Participants:       []string{"opus@claude", "gpt@codex"},
		ConvergenceStatus:  StatusUnanimousConsensus,
		Consensus:          "yes",
		WinningOption:      &opt,
		Stances: []StanceInput{
			{Participant: "opus@claude", VoteOption: &opt, FinalPosition: "agreed"},
			{Participant: "gpt@codex", VoteOption: &opt, FinalPosition: "agreed too"},
		},
	}

	id, err := g.StoreDeliberation(outcome)
	if err != nil {
		t.Fatalf("StoreDeliberation: %v", err)
	}
	if id == "" {
		t.Fatal("expected a decision id")
	}

	node, err := d.GetNode(id)
	if err != nil || node == nil {
		t.Fatalf("expected stored node to be retrievable: %v %v", node, err)
	}
	stances, err := d.ListStances(id)
	if err != nil {
		t.Fatalf("ListStances: %v", err)
	}
	if len(stances) != 2 {
		t.Errorf("expected 2 stances persisted, got %d", len(stances))
	}
}

func TestStoreDeliberation_PropagatesSaveNodeError(t *testing.T) {
	g, _ := newTestIntegration(t)

	// no Question, no Participants: SaveNode rejects this
	_, err := g.StoreDeliberation(DeliberationOutcome{})
	if err == nil {
		t.Error("expected an invalid decision to surface an error")
	}
}

func TestStoreDeliberation_SynchronousFallbackScoresWithoutAWorker(t *testing.T) {
	g, d := newTestIntegration(t)

	first, err := g.StoreDeliberation(DeliberationOutcome{
		Question: "use postgres for storage", Participants: []string{"p"}, ConvergenceStatus: StatusConverged,
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.StoreDeliberation(DeliberationOutcome{
		Question: "use postgres for storage and caching", Participants: []string{"p"}, ConvergenceStatus: StatusConverged,
	})
	if err != nil {
		t.Fatal(err)
	}

	matches, err := d.ListSimilar(second, 0.2, 10)
	if err != nil {
		t.Fatalf("ListSimilar: %v", err)
	}
	found := false
	for _, m := range matches {
		if m.Node.ID == first {
			found = true
		}
	}
	if !found {
		t.Error("expected the synchronous fallback path to have scored and persisted a similarity edge")
	}
}

func TestGetContextForDeliberation_RecoversFromPanic(t *testing.T) {
	g, _ := newTestIntegration(t)
	g.retriever = nil // forces GetContextForDeliberation to panic on the nil dereference

	got := g.GetContextForDeliberation("anything")
	if got != "" {
		t.Errorf("expected a panic to be recovered into an empty string, got %q", got)
	}
}

func TestGraphStats_EmptyOnFailure(t *testing.T) {
	g, d := newTestIntegration(t)
	d.Close() // force subsequent queries to fail

	stats := g.GraphStats()
	if len(stats) != 0 {
		t.Errorf("expected an empty map on failure, got %v", stats)
	}
}

func TestHealthCheck_ReportsDegradedOnDBFailure(t *testing.T) {
	g, d := newTestIntegration(t)
	d.Close()

	health := g.HealthCheck()
	if health["status"] != "degraded" {
		t.Errorf("expected degraded status after closing the db, got %v", health)
	}
}

func TestHealthCheck_OKWithNoWorker(t *testing.T) {
	g, _ := newTestIntegration(t)
	health := g.HealthCheck()
	if health["status"] != "ok" {
		t.Errorf("expected ok status, got %v", health)
	}
	if _, present := health["worker_running"]; present {
		t.Error("expected no worker_running key when no worker is configured")
	}
}

func TestGraphMetrics_ReportsCacheHitRateAndGoroutines(t *testing.T) {
	g, _ := newTestIntegration(t)
	metrics := g.GraphMetrics()
	if _, ok := metrics["cache_hit_rate"]; !ok {
		t.Error("expected cache_hit_rate in metrics")
	}
	if _, ok := metrics["goroutines"]; !ok {
		t.Error("expected goroutines in metrics")
	}
}
