// Package config holds the livingmemory configuration surface: defaults,
// YAML loading, range validation and runtime-change checking.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// ErrInvalid wraps every configuration schema violation. Fatal at startup.
var ErrInvalid = errors.New("invalid config")

// Retrieval modes for the recall engine.
const (
	ModeHybrid = "hybrid"
	ModeDense  = "dense"
	ModeSparse = "sparse"
)

// SessionManager bounds the per-conversation session map.
type SessionManager struct {
	MaxSessions int `yaml:"max_sessions"`
	SessionTTL  int `yaml:"session_ttl"`
}

// RecallEngine controls retrieval mode and the weighted reranker.
type RecallEngine struct {
	TopK             int     `yaml:"top_k"`
	RetrievalMode    string  `yaml:"retrieval_mode"`
	RecallStrategy   string  `yaml:"recall_strategy"`
	SimilarityWeight float64 `yaml:"similarity_weight"`
	ImportanceWeight float64 `yaml:"importance_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
}

// Fusion parameterizes the dense/sparse result fusion strategies.
type Fusion struct {
	Strategy        string  `yaml:"strategy"`
	RRFK            int     `yaml:"rrf_k"`
	DenseWeight     float64 `yaml:"dense_weight"`
	SparseWeight    float64 `yaml:"sparse_weight"`
	ConvexLambda    float64 `yaml:"convex_lambda"`
	InterleaveRatio float64 `yaml:"interleave_ratio"`
	RankBiasFactor  float64 `yaml:"rank_bias_factor"`
	DiversityBonus  float64 `yaml:"diversity_bonus"`
}

// ReflectionEngine controls the two-stage LLM pipeline.
type ReflectionEngine struct {
	SummaryTriggerRounds  int     `yaml:"summary_trigger_rounds"`
	ImportanceThreshold   float64 `yaml:"importance_threshold"`
	EventExtractionPrompt string  `yaml:"event_extraction_prompt"`
	EvaluationPrompt      string  `yaml:"evaluation_prompt"`
}

// SparseRetriever controls the BM25 full-text side.
type SparseRetriever struct {
	Enabled         bool    `yaml:"enabled"`
	BM25K1          float64 `yaml:"bm25_k1"`
	BM25B           float64 `yaml:"bm25_b"`
	UseCJKSegmenter bool    `yaml:"use_cjk_segmenter"`
}

// ForgettingAgent controls periodic decay and pruning.
type ForgettingAgent struct {
	Enabled             bool    `yaml:"enabled"`
	CheckIntervalHours  int     `yaml:"check_interval_hours"`
	RetentionDays       int     `yaml:"retention_days"`
	ImportanceDecayRate float64 `yaml:"importance_decay_rate"`
	ImportanceThreshold float64 `yaml:"importance_threshold"`
	ForgettingBatchSize int     `yaml:"forgetting_batch_size"`
}

// Filtering decides whether recall is scoped to session/persona.
type Filtering struct {
	UseSessionFiltering bool `yaml:"use_session_filtering"`
	UsePersonaFiltering bool `yaml:"use_persona_filtering"`
}

// Timezone selects the IANA zone used for "now" in rerank and forgetting.
type Timezone struct {
	Timezone string `yaml:"timezone"`
}

// Config is the full nested configuration.
type Config struct {
	LogLevel         string           `yaml:"log_level"`
	SessionManager   SessionManager   `yaml:"session_manager"`
	RecallEngine     RecallEngine     `yaml:"recall_engine"`
	Fusion           Fusion           `yaml:"fusion"`
	ReflectionEngine ReflectionEngine `yaml:"reflection_engine"`
	SparseRetriever  SparseRetriever  `yaml:"sparse_retriever"`
	ForgettingAgent  ForgettingAgent  `yaml:"forgetting_agent"`
	Filtering        Filtering        `yaml:"filtering"`
	TimezoneSettings Timezone         `yaml:"timezone_settings"`
}

// Default returns the configuration the engines run with when nothing is
// overridden. The values mirror the documented schema defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		SessionManager: SessionManager{
			MaxSessions: 1000,
			SessionTTL:  3600,
		},
		RecallEngine: RecallEngine{
			TopK:             5,
			RetrievalMode:    ModeHybrid,
			RecallStrategy:   "weighted",
			SimilarityWeight: 0.6,
			ImportanceWeight: 0.2,
			RecencyWeight:    0.2,
		},
		Fusion: Fusion{
			Strategy:        "rrf",
			RRFK:            60,
			DenseWeight:     0.7,
			SparseWeight:    0.3,
			ConvexLambda:    0.5,
			InterleaveRatio: 0.5,
			RankBiasFactor:  0.1,
			DiversityBonus:  0.1,
		},
		ReflectionEngine: ReflectionEngine{
			SummaryTriggerRounds: 10,
			ImportanceThreshold:  0.5,
		},
		SparseRetriever: SparseRetriever{
			Enabled:         true,
			BM25K1:          1.2,
			BM25B:           0.75,
			UseCJKSegmenter: true,
		},
		ForgettingAgent: ForgettingAgent{
			Enabled:             true,
			CheckIntervalHours:  24,
			RetentionDays:       90,
			ImportanceDecayRate: 0.005,
			ImportanceThreshold: 0.1,
			ForgettingBatchSize: 1000,
		},
		Filtering: Filtering{
			UseSessionFiltering: true,
			UsePersonaFiltering: true,
		},
		TimezoneSettings: Timezone{Timezone: "Asia/Shanghai"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func rangeErr(field string, value any, bounds string) error {
	return fmt.Errorf("%w: %s = %v, must be %s", ErrInvalid, field, value, bounds)
}

// Validate applies the schema range checks. The reranker weight-sum drift is
// a warning condition surfaced through WeightSumWarning, not an error.
func (c *Config) Validate() error {
	if c.SessionManager.MaxSessions < 1 || c.SessionManager.MaxSessions > 10000 {
		return rangeErr("session_manager.max_sessions", c.SessionManager.MaxSessions, "in [1,10000]")
	}
	if c.SessionManager.SessionTTL < 60 || c.SessionManager.SessionTTL > 86400 {
		return rangeErr("session_manager.session_ttl", c.SessionManager.SessionTTL, "in [60,86400]")
	}

	if c.RecallEngine.TopK < 1 || c.RecallEngine.TopK > 50 {
		return rangeErr("recall_engine.top_k", c.RecallEngine.TopK, "in [1,50]")
	}
	switch c.RecallEngine.RetrievalMode {
	case ModeHybrid, ModeDense, ModeSparse:
	default:
		return rangeErr("recall_engine.retrieval_mode", c.RecallEngine.RetrievalMode, "one of hybrid|dense|sparse")
	}
	switch c.RecallEngine.RecallStrategy {
	case "weighted", "similarity":
	default:
		return rangeErr("recall_engine.recall_strategy", c.RecallEngine.RecallStrategy, "one of weighted|similarity")
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"recall_engine.similarity_weight", c.RecallEngine.SimilarityWeight},
		{"recall_engine.importance_weight", c.RecallEngine.ImportanceWeight},
		{"recall_engine.recency_weight", c.RecallEngine.RecencyWeight},
	} {
		if w.value < 0 || w.value > 1 {
			return rangeErr(w.name, w.value, "in [0,1]")
		}
	}

	switch c.Fusion.Strategy {
	case "rrf", "hybrid_rrf", "weighted", "convex", "interleave",
		"rank_fusion", "score_fusion", "cascade", "adaptive":
	default:
		return rangeErr("fusion.strategy", c.Fusion.Strategy, "a known fusion strategy")
	}
	if c.Fusion.RRFK < 1 || c.Fusion.RRFK > 1000 {
		return rangeErr("fusion.rrf_k", c.Fusion.RRFK, "in [1,1000]")
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"fusion.dense_weight", c.Fusion.DenseWeight},
		{"fusion.sparse_weight", c.Fusion.SparseWeight},
		{"fusion.convex_lambda", c.Fusion.ConvexLambda},
		{"fusion.interleave_ratio", c.Fusion.InterleaveRatio},
		{"fusion.rank_bias_factor", c.Fusion.RankBiasFactor},
		{"fusion.diversity_bonus", c.Fusion.DiversityBonus},
	} {
		if w.value < 0 || w.value > 1 {
			return rangeErr(w.name, w.value, "in [0,1]")
		}
	}

	if c.ReflectionEngine.SummaryTriggerRounds < 1 || c.ReflectionEngine.SummaryTriggerRounds > 100 {
		return rangeErr("reflection_engine.summary_trigger_rounds", c.ReflectionEngine.SummaryTriggerRounds, "in [1,100]")
	}
	if c.ReflectionEngine.ImportanceThreshold < 0 || c.ReflectionEngine.ImportanceThreshold > 1 {
		return rangeErr("reflection_engine.importance_threshold", c.ReflectionEngine.ImportanceThreshold, "in [0,1]")
	}

	if c.SparseRetriever.BM25K1 < 0.1 || c.SparseRetriever.BM25K1 > 10 {
		return rangeErr("sparse_retriever.bm25_k1", c.SparseRetriever.BM25K1, "in [0.1,10]")
	}
	if c.SparseRetriever.BM25B < 0 || c.SparseRetriever.BM25B > 1 {
		return rangeErr("sparse_retriever.bm25_b", c.SparseRetriever.BM25B, "in [0,1]")
	}

	if c.ForgettingAgent.CheckIntervalHours < 1 || c.ForgettingAgent.CheckIntervalHours > 168 {
		return rangeErr("forgetting_agent.check_interval_hours", c.ForgettingAgent.CheckIntervalHours, "in [1,168]")
	}
	if c.ForgettingAgent.RetentionDays < 1 || c.ForgettingAgent.RetentionDays > 3650 {
		return rangeErr("forgetting_agent.retention_days", c.ForgettingAgent.RetentionDays, "in [1,3650]")
	}
	if c.ForgettingAgent.ImportanceDecayRate < 0 || c.ForgettingAgent.ImportanceDecayRate > 1 {
		return rangeErr("forgetting_agent.importance_decay_rate", c.ForgettingAgent.ImportanceDecayRate, "in [0,1]")
	}
	if c.ForgettingAgent.ImportanceThreshold < 0 || c.ForgettingAgent.ImportanceThreshold > 1 {
		return rangeErr("forgetting_agent.importance_threshold", c.ForgettingAgent.ImportanceThreshold, "in [0,1]")
	}
	if c.ForgettingAgent.ForgettingBatchSize < 100 || c.ForgettingAgent.ForgettingBatchSize > 10000 {
		return rangeErr("forgetting_agent.forgetting_batch_size", c.ForgettingAgent.ForgettingBatchSize, "in [100,10000]")
	}

	if _, err := time.LoadLocation(c.TimezoneSettings.Timezone); err != nil {
		return fmt.Errorf("%w: timezone_settings.timezone = %q is not an IANA zone", ErrInvalid, c.TimezoneSettings.Timezone)
	}
	return nil
}

// WeightSumWarning reports whether the reranker weights drift from summing
// to 1 by more than 0.1, and the actual sum. Callers log it; it never
// rejects the config.
func (c *Config) WeightSumWarning() (bool, float64) {
	sum := c.RecallEngine.SimilarityWeight + c.RecallEngine.ImportanceWeight + c.RecallEngine.RecencyWeight
	return math.Abs(sum-1.0) > 0.1, sum
}

// Location resolves the configured timezone, falling back to the default
// zone when the name no longer loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimezoneSettings.Timezone)
	if err != nil {
		loc, _ = time.LoadLocation(Default().TimezoneSettings.Timezone)
		if loc == nil {
			loc = time.UTC
		}
	}
	return loc
}
