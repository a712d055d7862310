// Package config loads and validates the deliberation server's
// configuration, following the teacher's godotenv-plus-env-var pattern
// for operational knobs and YAML for the structured parts (tier
// boundaries, adaptive-k thresholds, tool security lists).
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vthunder/delibd/internal/dlog"
)

// TierBoundaries holds the strong/moderate similarity cutoffs used by
// the retriever's tiered context formatter (spec §4.4).
type TierBoundaries struct {
	Strong   float64 `yaml:"strong"`
	Moderate float64 `yaml:"moderate"`
}

// AdaptiveK holds the graph-size thresholds and k values for the
// retriever's adaptive candidate count (spec §4.4).
type AdaptiveK struct {
	SmallThreshold  int `yaml:"small_threshold"`  // n < this -> KSmall
	KSmall          int `yaml:"k_small"`
	MediumThreshold int `yaml:"medium_threshold"` // n < this -> KMedium, else KLarge
	KMedium         int `yaml:"k_medium"`
	KLarge          int `yaml:"k_large"`
}

// DecisionGraph configures the storage/retrieval/cache subsystems (C1-C4).
type DecisionGraph struct {
	Enabled             bool           `yaml:"enabled"`
	DBPath              string         `yaml:"db_path"`
	ContextTokenBudget  int            `yaml:"context_token_budget"`
	TierBoundaries      TierBoundaries `yaml:"tier_boundaries"`
	QueryWindow         int            `yaml:"query_window"`
	NoiseFloor          float64        `yaml:"noise_floor"`
	AdaptiveK           AdaptiveK      `yaml:"adaptive_k"`
	QueryCacheSize      int            `yaml:"query_cache_size"`
	EmbeddingCacheSize  int            `yaml:"embedding_cache_size"`
	QueryTTLSeconds     int            `yaml:"query_ttl_seconds"`
	BatchSize           int            `yaml:"batch_size"`           // worker: recent-other-nodes sample size
	SimilarityThreshold float64        `yaml:"similarity_threshold"` // worker: edge-write threshold
	MaxQueueSize        int            `yaml:"max_queue_size"`
}

// ConvergenceDetection configures the semantic convergence checks (C9).
type ConvergenceDetection struct {
	Enabled              bool    `yaml:"enabled"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	DivergenceFloor      float64 `yaml:"divergence_floor"`
	StableRoundsRequired int     `yaml:"stable_rounds_required"`
}

// EarlyStopping configures model-controlled vote-driven early stop (C9).
type EarlyStopping struct {
	Enabled          bool    `yaml:"enabled"`
	Threshold        float64 `yaml:"threshold"`
	RespectMinRounds bool    `yaml:"respect_min_rounds"`
}

// FileTree configures round-1 repository-structure injection.
type FileTree struct {
	Enabled  bool `yaml:"enabled"`
	MaxDepth int  `yaml:"max_depth"`
	MaxFiles int  `yaml:"max_files"`
}

// ToolSecurity configures the whitelist enforcement each tool applies.
type ToolSecurity struct {
	ExcludePatterns  []string `yaml:"exclude_patterns"`
	MaxFileSizeBytes int64    `yaml:"max_file_size_bytes"`
}

// Deliberation configures the orchestrator and vote/convergence engine (C8-C10).
type Deliberation struct {
	Rounds               int                  `yaml:"rounds"`
	ConvergenceDetection ConvergenceDetection `yaml:"convergence_detection"`
	EarlyStopping        EarlyStopping        `yaml:"early_stopping"`
	FileTree             FileTree             `yaml:"file_tree"`
	ToolContextMaxRounds int                  `yaml:"tool_context_max_rounds"`
	ToolOutputMaxChars   int                  `yaml:"tool_output_max_chars"`
	ToolSecurity         ToolSecurity         `yaml:"tool_security"`
	ResponseBudgetChars  int                  `yaml:"response_budget_chars"`
}

// Config is the root configuration object.
type Config struct {
	DecisionGraph DecisionGraph `yaml:"decision_graph"`
	Deliberation  Deliberation  `yaml:"deliberation"`
}

// Default returns a config with every default named in spec §4-§6.
func Default() *Config {
	return &Config{
		DecisionGraph: DecisionGraph{
			Enabled:            true,
			DBPath:             "state/decisions.db",
			ContextTokenBudget: 2000,
			TierBoundaries:     TierBoundaries{Strong: 0.75, Moderate: 0.60},
			QueryWindow:        1000,
			NoiseFloor:         0.40,
			AdaptiveK: AdaptiveK{
				SmallThreshold:  100,
				KSmall:          5,
				MediumThreshold: 1000,
				KMedium:         3,
				KLarge:          2,
			},
			QueryCacheSize:      256,
			EmbeddingCacheSize:  512,
			QueryTTLSeconds:     300,
			BatchSize:           50,
			SimilarityThreshold: 0.5,
			MaxQueueSize:        1000,
		},
		Deliberation: Deliberation{
			Rounds: 2,
			ConvergenceDetection: ConvergenceDetection{
				Enabled:              true,
				SimilarityThreshold:  0.85,
				DivergenceFloor:      0.40,
				StableRoundsRequired: 2,
			},
			EarlyStopping: EarlyStopping{
				Enabled:          true,
				Threshold:        2.0 / 3.0,
				RespectMinRounds: true,
			},
			FileTree: FileTree{
				Enabled:  true,
				MaxDepth: 3,
				MaxFiles: 200,
			},
			ToolContextMaxRounds: 2,
			ToolOutputMaxChars:   1000,
			ToolSecurity: ToolSecurity{
				ExcludePatterns:  []string{".git/**", "node_modules/**", "vendor/**"},
				MaxFileSizeBytes: 1 << 20,
			},
			ResponseBudgetChars: 200000,
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv expands ${VAR} references against the process
// environment; a missing required variable is a startup failure.
func substituteEnv(raw []byte) ([]byte, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		val, ok := os.LookupEnv(string(name))
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("missing required environment variable %q", name)
			}
			return m
		}
		return []byte(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Load reads config.yaml (path overridable via DELIB_CONFIG), applies
// ${VAR} substitution, overlays DELIB_* operational overrides, and
// validates the result. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional, mirrors cmd/bud/main.go

	if path == "" {
		path = os.Getenv("DELIB_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dlog.Info("config", "no config file at %s, using defaults", path)
	} else {
		expanded, err := substituteEnv(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("DELIB_DB_PATH"); v != "" {
		cfg.DecisionGraph.DBPath = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate enforces every numeric range and ordering constraint named
// in spec §6. Fatal at startup per the error taxonomy in §7 (kind 4).
func (c *Config) Validate() error {
	dg := c.DecisionGraph
	if dg.ContextTokenBudget < 500 || dg.ContextTokenBudget > 10000 {
		return fmt.Errorf("decision_graph.context_token_budget must be in [500, 10000], got %d", dg.ContextTokenBudget)
	}
	if dg.QueryWindow < 50 || dg.QueryWindow > 10000 {
		return fmt.Errorf("decision_graph.query_window must be in [50, 10000], got %d", dg.QueryWindow)
	}
	if !(dg.TierBoundaries.Strong > dg.TierBoundaries.Moderate && dg.TierBoundaries.Moderate > 0 && dg.TierBoundaries.Strong <= 1) {
		return fmt.Errorf("decision_graph.tier_boundaries must satisfy strong > moderate > 0 and strong <= 1, got strong=%v moderate=%v", dg.TierBoundaries.Strong, dg.TierBoundaries.Moderate)
	}

	ft := c.Deliberation.FileTree
	if ft.MaxDepth < 1 || ft.MaxDepth > 10 {
		return fmt.Errorf("deliberation.file_tree.max_depth must be in [1, 10], got %d", ft.MaxDepth)
	}
	if ft.MaxFiles < 10 || ft.MaxFiles > 1000 {
		return fmt.Errorf("deliberation.file_tree.max_files must be in [10, 1000], got %d", ft.MaxFiles)
	}

	return nil
}
