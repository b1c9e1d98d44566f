package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	Topic     TopicConfig     `json:"topic"`
	Tracker   TrackerConfig   `json:"tracker"`
	Persona   PersonaConfig   `json:"persona"`
	Ingest    IngestConfig    `json:"ingest"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type LLMConfig struct {
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// MemoryConfig tunes strength dynamics of the memory graph. Decay rate and
// reinforcement alpha are configuration, not constants.
type MemoryConfig struct {
	DecayRatePerHour     float64 `json:"decay_rate_per_hour"`    // λ in strength *= exp(-λΔt)
	ReinforceAlpha       float64 `json:"reinforce_alpha"`        // s += α(1-s) per recall
	ForgetThreshold      float64 `json:"forget_threshold"`       // remove below this, if forgettable
	SweepIntervalMinutes int     `json:"sweep_interval_minutes"` // decay+forget cadence
}

type TopicConfig struct {
	SimilarityThreshold    float64  `json:"similarity_threshold"`
	MessageThreshold       int      `json:"message_threshold"`
	TriggerIntervalMinutes int      `json:"trigger_interval_minutes"`
	DormantAfterMinutes    int      `json:"dormant_after_minutes"`
	CloseAfterMinutes      int      `json:"close_after_minutes"`
	HeatTimeConstantMin    float64  `json:"heat_time_constant_minutes"`
	HeatSaturation         float64  `json:"heat_saturation"`
	ConfidenceFloor        float64  `json:"confidence_floor"`
	MaxClustersPerGroup    int      `json:"max_clusters_per_group"`
	MaxPendingPerGroup     int      `json:"max_pending_per_group"`
	ExcludeKeywords        []string `json:"exclude_keywords"`
}

type TrackerConfig struct {
	DefaultDelayMinutes    int `json:"default_delay_minutes"`
	RecheckIntervalMinutes int `json:"recheck_interval_minutes"`
	MaxMissedFollowups     int `json:"max_missed_followups"`
	MaxOpenPerGroup        int `json:"max_open_per_group"`
}

// PersonaConfig carries the opaque persona text the host may ask us to
// inject verbatim into extraction system prompts.
type PersonaConfig struct {
	Enabled bool   `json:"enabled"`
	Text    string `json:"text"`
}

type IngestConfig struct {
	Discord DiscordIngestConfig `json:"discord"`
	Slack   SlackIngestConfig   `json:"slack"`
}

type DiscordIngestConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type SlackIngestConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with every tunable at its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8090, LogLevel: "info"},
		LLM:    LLMConfig{TimeoutSeconds: 60},
		Memory: MemoryConfig{
			DecayRatePerHour:     0.01,
			ReinforceAlpha:       0.2,
			ForgetThreshold:      0.12,
			SweepIntervalMinutes: 60,
		},
		Topic: TopicConfig{
			SimilarityThreshold:    0.5,
			MessageThreshold:       12,
			TriggerIntervalMinutes: 5,
			DormantAfterMinutes:    30,
			CloseAfterMinutes:      120,
			HeatTimeConstantMin:    60,
			HeatSaturation:         10,
			ConfidenceFloor:        0.3,
			MaxClustersPerGroup:    50,
			MaxPendingPerGroup:     500,
		},
		Tracker: TrackerConfig{
			DefaultDelayMinutes:    60,
			RecheckIntervalMinutes: 60,
			MaxMissedFollowups:     3,
			MaxOpenPerGroup:        100,
		},
	}
}

// DecayInterval returns the sweep cadence as a duration.
func (c MemoryConfig) DecayInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// TriggerInterval returns the extraction time trigger as a duration.
func (c TopicConfig) TriggerInterval() time.Duration {
	return time.Duration(c.TriggerIntervalMinutes) * time.Minute
}

// DormantAfter returns the idle window before a cluster goes dormant.
func (c TopicConfig) DormantAfter() time.Duration {
	return time.Duration(c.DormantAfterMinutes) * time.Minute
}

// CloseAfter returns the further idle window before a dormant cluster closes.
func (c TopicConfig) CloseAfter() time.Duration {
	return time.Duration(c.CloseAfterMinutes) * time.Minute
}

// DefaultDelay returns the follow-up delay used when no time reference parses.
func (c TrackerConfig) DefaultDelay() time.Duration {
	return time.Duration(c.DefaultDelayMinutes) * time.Minute
}

// RecheckInterval returns how long an unresolved due item waits before the
// next follow-up attempt.
func (c TrackerConfig) RecheckInterval() time.Duration {
	return time.Duration(c.RecheckIntervalMinutes) * time.Minute
}

// Validate rejects configurations that would violate strength invariants.
func (c *Config) Validate() error {
	if c.Memory.DecayRatePerHour < 0 {
		return fmt.Errorf("memory.decay_rate_per_hour must be >= 0, got %v", c.Memory.DecayRatePerHour)
	}
	if c.Memory.ReinforceAlpha < 0 || c.Memory.ReinforceAlpha > 1 {
		return fmt.Errorf("memory.reinforce_alpha must be in [0,1], got %v", c.Memory.ReinforceAlpha)
	}
	if c.Memory.ForgetThreshold < 0 || c.Memory.ForgetThreshold > 1 {
		return fmt.Errorf("memory.forget_threshold must be in [0,1], got %v", c.Memory.ForgetThreshold)
	}
	if c.Topic.SimilarityThreshold < 0 || c.Topic.SimilarityThreshold > 1 {
		return fmt.Errorf("topic.similarity_threshold must be in [0,1], got %v", c.Topic.SimilarityThreshold)
	}
	if c.Topic.MessageThreshold <= 0 {
		return fmt.Errorf("topic.message_threshold must be > 0, got %d", c.Topic.MessageThreshold)
	}
	if c.Topic.MaxPendingPerGroup <= 0 {
		return fmt.Errorf("topic.max_pending_per_group must be > 0, got %d", c.Topic.MaxPendingPerGroup)
	}
	if c.Tracker.MaxMissedFollowups <= 0 {
		return fmt.Errorf("tracker.max_missed_followups must be > 0, got %d", c.Tracker.MaxMissedFollowups)
	}
	return nil
}
