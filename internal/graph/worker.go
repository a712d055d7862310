package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vthunder/delibd/internal/config"
	"github.com/vthunder/delibd/internal/dlog"
)

// Priority selects which of the worker's two bounded queues a job lands
// in (spec §4.5, §9: "the worker's priority queues map to two bounded
// channels").
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

type similarityJob struct {
	nodeID string
}

// Worker drains two bounded priority queues, computing and persisting
// similarity edges so writes to the graph never block the deliberation
// path. Adapted from the teacher's focus.Queue (priority-ordered,
// notify-channel-signaled) but reshaped into the spec's two-channel,
// high-before-low drain model instead of a single mixed-priority slice.
type Worker struct {
	db      *DB
	backend Backend
	cache   *Cache
	cfg     config.DecisionGraph

	high chan similarityJob
	low  chan similarityJob

	running    atomic.Bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	jobsFailed atomic.Int64
	wg         sync.WaitGroup
}

// NewWorker constructs a worker with bounded channels of size
// cfg.MaxQueueSize for each priority level.
func NewWorker(db *DB, backend Backend, cache *Cache, cfg config.DecisionGraph) *Worker {
	size := cfg.MaxQueueSize
	if size <= 0 {
		size = 1000
	}
	return &Worker{
		db:      db,
		backend: backend,
		cache:   cache,
		cfg:     cfg,
		high:    make(chan similarityJob, size),
		low:     make(chan similarityJob, size),
	}
}

// Start is idempotent: calling it while already running is a no-op.
func (w *Worker) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
	dlog.Info("worker", "background similarity worker started")
}

// Stop signals the loop, waits up to timeout for in-flight work, then
// returns regardless (spec §4.5, §5).
func (w *Worker) Stop(timeout time.Duration) {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		dlog.Warn("worker", "stop timed out after %s, in-flight work abandoned", timeout)
	}
}

// IsRunning reports whether the worker loop is active. The integration
// facade consults this to decide between async enqueue and the
// synchronous fallback path (spec §4.5, §4.6).
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// Enqueue schedules similarity computation for nodeID at the given
// priority after delay. If the worker is not running, the job is
// dropped silently (spec §4.5). A full queue returns *QueueFullError;
// an invalid priority panics, matching "invalid priority raises".
func (w *Worker) Enqueue(nodeID string, priority Priority, delay time.Duration) error {
	if !w.IsRunning() {
		return nil
	}

	var target chan similarityJob
	switch priority {
	case PriorityHigh:
		target = w.high
	case PriorityLow:
		target = w.low
	default:
		panic(fmt.Sprintf("graph: invalid worker priority %d", priority))
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	select {
	case target <- similarityJob{nodeID: nodeID}:
		return nil
	default:
		name := "low"
		if priority == PriorityHigh {
			name = "high"
		}
		return &QueueFullError{Queue: name}
	}
}

// JobsFailed returns the count of whole-job failures since start.
func (w *Worker) JobsFailed() int64 { return w.jobsFailed.Load() }

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		select {
		case job := <-w.high:
			w.runJob(job)
		default:
			select {
			case job := <-w.high:
				w.runJob(job)
			case job := <-w.low:
				w.runJob(job)
			case <-w.stopCh:
				return
			}
		}
	}
}

func (w *Worker) runJob(job similarityJob) {
	defer func() {
		if r := recover(); r != nil {
			w.jobsFailed.Add(1)
			dlog.Warn("worker", "job for %s panicked: %v", job.nodeID, r)
		}
	}()

	if err := ComputeAndPersistSimilarities(context.Background(), w.db, w.backend, w.cache, job.nodeID, w.cfg.BatchSize, w.cfg.SimilarityThreshold); err != nil {
		w.jobsFailed.Add(1)
		dlog.Warn("worker", "job for %s failed: %v", job.nodeID, err)
	}
}

// ComputeAndPersistSimilarities loads the node and up to batchSize
// recent *other* nodes, scores each pair, and upserts edges scoring at
// or above threshold. Self-comparison is skipped; per-pair exceptions
// are logged and the loop continues (spec §4.5). Shared by the async
// worker loop and the synchronous fallback path (spec §4.5, §4.6).
func ComputeAndPersistSimilarities(ctx context.Context, db *DB, backend Backend, cache *Cache, nodeID string, batchSize int, threshold float64) error {
	node, err := db.GetNode(nodeID)
	if err != nil {
		return fmt.Errorf("get node: %w", err)
	}
	if node == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}

	others, err := db.ListNodes(batchSize+1, 0)
	if err != nil {
		return fmt.Errorf("list recent nodes: %w", err)
	}

	if ep, ok := backend.(EmbeddingProvider); ok {
		if emb, ok := ep.EmbedForIndex(node.Question); ok {
			if err := db.UpsertVecEmbedding(node.ID, emb); err != nil {
				dlog.Warn("worker", "decision_vec index failed for %s: %v", node.ID, err)
			}
		}
	}

	compared := 0
	for _, other := range others {
		if other.ID == node.ID {
			continue // skip self-comparison
		}
		if compared >= batchSize {
			break
		}
		compared++

		score := func() (s float64) {
			defer func() {
				if r := recover(); r != nil {
					dlog.Warn("worker", "similarity(%s,%s) panicked: %v", node.ID, other.ID, r)
					s = 0.0
				}
			}()
			return backend.ComputeSimilarity(node.Question, other.Question)
		}()

		if score < threshold {
			continue
		}

		if err := db.SaveSimilarity(&DecisionSimilarity{
			SourceID:        node.ID,
			TargetID:        other.ID,
			SimilarityScore: score,
			ComputedAt:      time.Now(),
		}); err != nil {
			dlog.Warn("worker", "save_similarity(%s,%s) failed: %v", node.ID, other.ID, err)
			continue
		}
	}

	if cache != nil {
		cache.L1.InvalidateAll()
	}
	return nil
}
