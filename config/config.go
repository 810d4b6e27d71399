package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the RAG service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Eval      EvalConfig      `mapstructure:"eval"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	MaxUploadMB   int    `mapstructure:"max_upload_mb"`
	StreamEnabled bool   `mapstructure:"stream_enabled"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	if s.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be > 0")
	}
	return nil
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai or any openai-compatible endpoint
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Chat      string `mapstructure:"chat"`      // answer generation
	Condense  string `mapstructure:"condense"`  // follow-up rewriting
	Judge     string `mapstructure:"judge"`     // evaluation scoring
	Dataset   string `mapstructure:"dataset"`   // golden dataset generation
	Embedding string `mapstructure:"embedding"` // text embeddings
	Fallback  string `mapstructure:"fallback"`
}

func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers must configure at least one provider")
	}
	for name, p := range l.Providers {
		if strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("llm.providers.%s.api_key is required", name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("llm.providers.%s.models must not be empty", name)
		}
	}
	if strings.TrimSpace(l.Routing.Chat) == "" {
		return fmt.Errorf("llm.routing.chat is required")
	}
	if strings.TrimSpace(l.Routing.Embedding) == "" {
		return fmt.Errorf("llm.routing.embedding is required")
	}
	return nil
}

// ProviderFor returns the provider that declares the given model key,
// along with the model's config. Routing entries reference model keys,
// not API names.
func (l LLMConfig) ProviderFor(model string) (LLMProvider, LLMModel, error) {
	for _, p := range l.Providers {
		if m, ok := p.Models[model]; ok {
			return p, m, nil
		}
	}
	return LLMProvider{}, LLMModel{}, fmt.Errorf("no provider declares model %q", model)
}

// RetrievalConfig controls embedding and search behaviour shared by
// ingestion and chat.
type RetrievalConfig struct {
	EmbeddingDimensions int          `mapstructure:"embedding_dimensions"`
	TopK                int          `mapstructure:"top_k"`
	Hybrid              bool         `mapstructure:"hybrid"` // blend pgvector with keyword search
	WriterBatchSize     int          `mapstructure:"writer_batch_size"`
	Rerank              RerankConfig `mapstructure:"rerank"`
}

func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.EmbeddingDimensions <= 0 {
		r.EmbeddingDimensions = 1536
	}
	if r.TopK <= 0 {
		r.TopK = 10
	}
	if r.WriterBatchSize <= 0 {
		r.WriterBatchSize = 32
	}
	r.Rerank = r.Rerank.Normalize()
	return r
}

func (r RetrievalConfig) Validate() error {
	if r.Rerank.Enabled && strings.TrimSpace(r.Rerank.BaseURL) == "" {
		return fmt.Errorf("retrieval.rerank.base_url required when rerank is enabled")
	}
	return nil
}

// RerankConfig configures the cross-encoder scoring service.
type RerankConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	TopN    int           `mapstructure:"top_n"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (r RerankConfig) Normalize() RerankConfig {
	if strings.TrimSpace(r.Model) == "" {
		r.Model = "cross-encoder/ms-marco-MiniLM-L-2-v2"
	}
	if r.TopN <= 0 {
		r.TopN = 3
	}
	if r.Timeout <= 0 {
		r.Timeout = 30 * time.Second
	}
	return r
}

// IngestConfig controls how uploaded documents are split into chunks.
type IngestConfig struct {
	DefaultStrategy string          `mapstructure:"default_strategy"` // standard or sentence_window
	ChunkSize       int             `mapstructure:"chunk_size"`
	ChunkOverlap    int             `mapstructure:"chunk_overlap"`
	WindowSize      int             `mapstructure:"window_size"`
	MaxPDFPages     int             `mapstructure:"max_pdf_pages"`
	Web             WebIngestConfig `mapstructure:"web"`
}

// WebIngestConfig controls URL ingestion via headless Chrome.
type WebIngestConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

func (i IngestConfig) Normalize() IngestConfig {
	if strings.TrimSpace(i.DefaultStrategy) == "" {
		i.DefaultStrategy = "standard"
	}
	if i.ChunkSize <= 0 {
		i.ChunkSize = 1000
	}
	if i.ChunkOverlap <= 0 {
		i.ChunkOverlap = 200
	}
	if i.WindowSize <= 0 {
		i.WindowSize = 3
	}
	if i.MaxPDFPages <= 0 {
		i.MaxPDFPages = 200
	}
	if i.Web.Timeout <= 0 {
		i.Web.Timeout = 25 * time.Second
	}
	if i.Web.MaxChars <= 0 {
		i.Web.MaxChars = 200_000
	}
	return i
}

func (i IngestConfig) Validate() error {
	switch i.DefaultStrategy {
	case "standard", "sentence_window":
	default:
		return fmt.Errorf("ingest.default_strategy must be standard or sentence_window, got %q", i.DefaultStrategy)
	}
	if i.ChunkOverlap >= i.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be smaller than chunk_size")
	}
	return nil
}

// StorageConfig contains storage configurations
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	History  HistoryConfig  `mapstructure:"history"`
}

// HistoryConfig selects where per-session chat history lives.
type HistoryConfig struct {
	Backend string        `mapstructure:"backend"` // memory or redis
	TTL     time.Duration `mapstructure:"ttl"`
}

func (h HistoryConfig) Validate() error {
	switch h.Backend {
	case "", "memory", "redis":
		return nil
	}
	return fmt.Errorf("storage.history.backend must be memory or redis, got %q", h.Backend)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// EvalConfig controls the evaluation harness.
type EvalConfig struct {
	Dataset     string        `mapstructure:"dataset"`
	ResultsDir  string        `mapstructure:"results_dir"`
	Sleep       time.Duration `mapstructure:"sleep"` // pause between questions
	Schedule    string        `mapstructure:"schedule"`
	TestsetSize int           `mapstructure:"testset_size"`
}

func (e EvalConfig) Normalize() EvalConfig {
	if strings.TrimSpace(e.Dataset) == "" {
		e.Dataset = "golden_dataset.csv"
	}
	if strings.TrimSpace(e.ResultsDir) == "" {
		e.ResultsDir = "."
	}
	if e.Sleep <= 0 {
		e.Sleep = 10 * time.Second
	}
	if e.TestsetSize <= 0 {
		e.TestsetSize = 10
	}
	return e
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", time.Minute)
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("server.max_upload_mb", 32)
	viper.SetDefault("server.stream_enabled", true)
	viper.SetDefault("ingest.chunk_overlap", 200)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.history.backend", "memory")
	viper.SetDefault("storage.history.ttl", 24*time.Hour)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RAG")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (RAG_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Retrieval = config.Retrieval.Normalize()
	config.Ingest = config.Ingest.Normalize()
	config.Eval = config.Eval.Normalize()

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	if err := config.Ingest.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.History.Validate(); err != nil {
		panic(err)
	}
	return &config
}
