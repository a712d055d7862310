package graph

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisions.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpen_CreatesSchemaAndIsReusable(t *testing.T) {
	d := openTestDB(t)
	n, err := d.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty database, got %d nodes", n)
	}
}

func TestSaveNode_AssignsIDAndRoundTrips(t *testing.T) {
	d := openTestDB(t)

	n := &DecisionNode{
		Question:          "should we migrate to postgres",
		Consensus:         "yes",
		ConvergenceStatus: StatusUnanimousConsensus,
		Participants:      []string{"opus@claude", "gpt@codex"},
		Metadata:          map[string]any{"rounds": float64(2)},
	}
	id, err := d.SaveNode(n)
	if err != nil {
		t.Fatalf("SaveNode: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}

	got, err := d.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got == nil {
		t.Fatal("expected node to be found")
	}
	if got.Question != n.Question || got.Consensus != n.Consensus {
		t.Errorf("round-tripped node mismatch: %+v", got)
	}
	if len(got.Participants) != 2 {
		t.Errorf("expected 2 participants, got %v", got.Participants)
	}
	if got.Metadata["rounds"] != float64(2) {
		t.Errorf("expected metadata to round-trip, got %v", got.Metadata)
	}
}

func TestGetNode_MissingReturnsNilNotError(t *testing.T) {
	d := openTestDB(t)
	got, err := d.GetNode("does-not-exist")
	if err != nil {
		t.Fatalf("expected no error for missing id, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing id, got %+v", got)
	}
}

func TestSaveNode_RejectsFutureTimestampAndEmptyFields(t *testing.T) {
	d := openTestDB(t)

	future := &DecisionNode{
		Question:     "q",
		Timestamp:    time.Now().Add(48 * time.Hour),
		Participants: []string{"p"},
	}
	if _, err := d.SaveNode(future); err == nil {
		t.Error("expected future timestamp to be rejected")
	}

	noQuestion := &DecisionNode{Participants: []string{"p"}}
	if _, err := d.SaveNode(noQuestion); err == nil {
		t.Error("expected empty question to be rejected")
	}

	noParticipants := &DecisionNode{Question: "q"}
	if _, err := d.SaveNode(noParticipants); err == nil {
		t.Error("expected empty participants to be rejected")
	}
}

func TestListNodes_OrderedNewestFirst(t *testing.T) {
	d := openTestDB(t)

	older := &DecisionNode{Question: "first", Timestamp: time.Now().Add(-time.Hour), Participants: []string{"p"}}
	newer := &DecisionNode{Question: "second", Timestamp: time.Now(), Participants: []string{"p"}}
	if _, err := d.SaveNode(older); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SaveNode(newer); err != nil {
		t.Fatal(err)
	}

	nodes, err := d.ListNodes(10, 0)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].Question != "second" {
		t.Errorf("expected newest-first order, got %+v", nodes)
	}

	count, err := d.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected Count() == 2, got %d", count)
	}
}

func TestSaveStance_TruncatesFinalPositionAndRoundTrips(t *testing.T) {
	d := openTestDB(t)

	node := &DecisionNode{Question: "q", Participants: []string{"opus@claude"}}
	id, err := d.SaveNode(node)
	if err != nil {
		t.Fatal(err)
	}

	longPosition := make([]byte, 600)
	for i := range longPosition {
		longPosition[i] = 'x'
	}
	opt := "A"
	conf := 0.75
	rationale := "because"
	stance := &ParticipantStance{
		DecisionID:    id,
		Participant:   "opus@claude",
		VoteOption:    &opt,
		Confidence:    &conf,
		Rationale:     &rationale,
		FinalPosition: string(longPosition),
	}
	stanceID, err := d.SaveStance(stance)
	if err != nil {
		t.Fatalf("SaveStance: %v", err)
	}
	if stanceID == 0 {
		t.Error("expected a non-zero stance id")
	}
	if len(stance.FinalPosition) != 500 {
		t.Errorf("expected FinalPosition truncated to 500 chars, got %d", len(stance.FinalPosition))
	}

	stances, err := d.ListStances(id)
	if err != nil {
		t.Fatalf("ListStances: %v", err)
	}
	if len(stances) != 1 {
		t.Fatalf("expected 1 stance, got %d", len(stances))
	}
	got := stances[0]
	if got.VoteOption == nil || *got.VoteOption != "A" {
		t.Errorf("expected vote option A, got %v", got.VoteOption)
	}
	if got.Confidence == nil || *got.Confidence != 0.75 {
		t.Errorf("expected confidence 0.75, got %v", got.Confidence)
	}
	if len(got.FinalPosition) != 500 {
		t.Errorf("expected stored FinalPosition length 500, got %d", len(got.FinalPosition))
	}
}

func TestSaveSimilarity_RejectsOutOfRangeScoreAndUpserts(t *testing.T) {
	d := openTestDB(t)

	a := &DecisionNode{Question: "a", Participants: []string{"p"}}
	b := &DecisionNode{Question: "b", Participants: []string{"p"}}
	aID, _ := d.SaveNode(a)
	bID, _ := d.SaveNode(b)

	bad := &DecisionSimilarity{SourceID: aID, TargetID: bID, SimilarityScore: 1.5}
	if err := d.SaveSimilarity(bad); err == nil {
		t.Error("expected out-of-range similarity score to be rejected")
	}

	edge := &DecisionSimilarity{SourceID: aID, TargetID: bID, SimilarityScore: 0.4}
	if err := d.SaveSimilarity(edge); err != nil {
		t.Fatalf("SaveSimilarity: %v", err)
	}

	// upsert: re-saving the same (source, target) pair replaces the score
	edge2 := &DecisionSimilarity{SourceID: aID, TargetID: bID, SimilarityScore: 0.9}
	if err := d.SaveSimilarity(edge2); err != nil {
		t.Fatalf("SaveSimilarity (upsert): %v", err)
	}

	matches, err := d.ListSimilar(aID, 0.5, 10)
	if err != nil {
		t.Fatalf("ListSimilar: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match above threshold after upsert, got %d", len(matches))
	}
	if matches[0].Score != 0.9 {
		t.Errorf("expected upserted score 0.9, got %v", matches[0].Score)
	}
	if matches[0].Node.ID != bID {
		t.Errorf("expected target node b, got %v", matches[0].Node)
	}
}

func TestListSimilar_FiltersByThreshold(t *testing.T) {
	d := openTestDB(t)

	a := &DecisionNode{Question: "a", Participants: []string{"p"}}
	b := &DecisionNode{Question: "b", Participants: []string{"p"}}
	aID, _ := d.SaveNode(a)
	bID, _ := d.SaveNode(b)

	if err := d.SaveSimilarity(&DecisionSimilarity{SourceID: aID, TargetID: bID, SimilarityScore: 0.2}); err != nil {
		t.Fatal(err)
	}

	matches, err := d.ListSimilar(aID, 0.5, 10)
	if err != nil {
		t.Fatalf("ListSimilar: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected below-threshold edge to be filtered out, got %v", matches)
	}
}

func TestTransaction_RollsBackOnErrorAndCommitsOnSuccess(t *testing.T) {
	d := openTestDB(t)

	node := &DecisionNode{Question: "q", Participants: []string{"p"}}
	id, err := d.SaveNode(node)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = d.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE decision_nodes SET consensus = ? WHERE id = ?`, "should not stick", id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected Transaction to surface the callback error, got %v", err)
	}

	got, err := d.GetNode(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Consensus == "should not stick" {
		t.Error("expected rollback to discard the uncommitted write")
	}

	err = d.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE decision_nodes SET consensus = ? WHERE id = ?`, "committed", id)
		return err
	})
	if err != nil {
		t.Fatalf("expected successful transaction to commit, got %v", err)
	}
	got, err = d.GetNode(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Consensus != "committed" {
		t.Errorf("expected committed write to persist, got %q", got.Consensus)
	}
}

func TestStats_ReportsRowCounts(t *testing.T) {
	d := openTestDB(t)

	a := &DecisionNode{Question: "a", Participants: []string{"p"}}
	b := &DecisionNode{Question: "b", Participants: []string{"p"}}
	aID, _ := d.SaveNode(a)
	bID, _ := d.SaveNode(b)
	if _, err := d.SaveStance(&ParticipantStance{DecisionID: aID, Participant: "p"}); err != nil {
		t.Fatal(err)
	}
	if err := d.SaveSimilarity(&DecisionSimilarity{SourceID: aID, TargetID: bID, SimilarityScore: 0.5}); err != nil {
		t.Fatal(err)
	}

	stats, err := d.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["nodes"] != 2 {
		t.Errorf("expected 2 nodes, got %d", stats["nodes"])
	}
	if stats["stances"] != 1 {
		t.Errorf("expected 1 stance, got %d", stats["stances"])
	}
	if stats["edges"] != 1 {
		t.Errorf("expected 1 edge, got %d", stats["edges"])
	}
}

func TestDecisionRowID_StableAndNonNegative(t *testing.T) {
	a := decisionRowID("same-id")
	b := decisionRowID("same-id")
	c := decisionRowID("different-id")
	if a != b {
		t.Error("expected decisionRowID to be deterministic for the same input")
	}
	if a == c {
		t.Error("expected different ids to hash to different rowids (in the common case)")
	}
	if a < 0 || c < 0 {
		t.Error("expected non-negative rowids for vec0's integer primary key")
	}
}

func TestNormalizeFloat32ForVec_ProducesUnitLength(t *testing.T) {
	out := normalizeFloat32ForVec([]float64{3, 4})
	var sumSq float64
	for _, x := range out {
		sumSq += float64(x) * float64(x)
	}
	if diff := sumSq - 1.0; diff > 1e-4 || diff < -1e-4 {
		t.Errorf("expected unit-length vector, got squared norm %v", sumSq)
	}
}

func TestNormalizeFloat32ForVec_ZeroVectorDoesNotPanic(t *testing.T) {
	out := normalizeFloat32ForVec([]float64{0, 0, 0})
	if len(out) != 3 {
		t.Errorf("expected a same-length zero vector back, got %v", out)
	}
}

func TestFindSimilarByVec_UnavailableReturnsFalse(t *testing.T) {
	d := openTestDB(t)
	// sqlite-vec may or may not be loadable in the test environment; either
	// way, querying before any embedding has been indexed must report
	// unavailability rather than error.
	if _, ok := d.FindSimilarByVec([]float64{1, 2, 3}, 5); ok {
		t.Skip("sqlite-vec ANN index became available with indexed data; behavior covered by UpsertVecEmbedding round trip")
	}
}

func TestUpsertVecEmbedding_NoopOnEmptyEmbedding(t *testing.T) {
	d := openTestDB(t)
	node := &DecisionNode{Question: "q", Participants: []string{"p"}}
	id, err := d.SaveNode(node)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertVecEmbedding(id, nil); err != nil {
		t.Errorf("expected nil embedding to no-op without error, got %v", err)
	}
}
