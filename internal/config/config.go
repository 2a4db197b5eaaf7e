package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DeploymentAssistant = "assistant"
	DeploymentGemini    = "gemini"

	KindOllama     = "ollama"
	KindOpenRouter = "openrouter"
	KindOpenAI     = "openai"
	KindVertex     = "vertex"

	StoreChromem  = "chromem"
	StorePgvector = "pgvector"

	ChunkModeChars  = "chars"
	ChunkModeTokens = "tokens"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Retry     RetryConfig      `yaml:"retry"`
	Redis     RedisConfig      `yaml:"redis"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Assistant DeploymentConfig `yaml:"assistant"`
	Gemini    DeploymentConfig `yaml:"gemini"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RetryConfig bounds the retries of embedder and generator calls
type RetryConfig struct {
	MaxRetries uint64        `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// RedisConfig enables the embedding cache when Addr is set
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ArchiveConfig enables archiving of raw uploads to S3 when Bucket is set
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

type DeploymentConfig struct {
	Enabled      bool              `yaml:"enabled"`
	BasePath     string            `yaml:"base_path"`
	EmbedLLM     LLMConfig         `yaml:"embed_llm"`
	InferenceLLM LLMConfig         `yaml:"inference_llm"`
	VectorStore  VectorStoreConfig `yaml:"vector_store"`
	RAG          RAGConfig         `yaml:"rag"`
	Generation   GenerationConfig  `yaml:"generation"`
	Brief        BriefConfig       `yaml:"brief"`
}

type LLMConfig struct {
	Kind      string `yaml:"kind"`
	BaseURL   string `yaml:"base_url"`
	Key       string `yaml:"key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	Project   string `yaml:"project"`
	Location  string `yaml:"location"`
}

type VectorStoreConfig struct {
	Kind          string         `yaml:"kind"`
	Path          string         `yaml:"path"`
	Collection    string         `yaml:"collection"`
	Compress      bool           `yaml:"compress"`
	ExportPath    string         `yaml:"export_path"`
	EncryptionKey string         `yaml:"encryption_key"`
	Database      DatabaseConfig `yaml:"database"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
	Debug    bool   `yaml:"debug"`
}

type RAGConfig struct {
	ChunkMode    string `yaml:"chunk_mode"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	MaxChunks    int    `yaml:"max_chunks"`
	TopK         int    `yaml:"top_k"`
}

type GenerationConfig struct {
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
}

// BriefConfig drives the briefing route: Instruction is sent together with
// the contents of SourceFile.
type BriefConfig struct {
	SourceFile  string  `yaml:"source_file"`
	Instruction string  `yaml:"instruction"`
	Temperature float64 `yaml:"temperature"`
}

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 120 * time.Second,
			Workers:        8,
			QueueSize:      64,
			MaxUploadBytes: 32 << 20,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		Redis: RedisConfig{TTL: 24 * time.Hour},
		Assistant: DeploymentConfig{
			Enabled:      true,
			EmbedLLM:     LLMConfig{Kind: KindOllama, BaseURL: "http://localhost:11434", Model: "nomic-embed-text"},
			InferenceLLM: LLMConfig{Kind: KindOllama, BaseURL: "http://localhost:11434", Model: "llama3.2"},
			VectorStore:  VectorStoreConfig{Kind: StoreChromem, Collection: "assistant_documents"},
			RAG: RAGConfig{
				ChunkMode:    ChunkModeTokens,
				ChunkSize:    128,
				ChunkOverlap: 0,
				MaxChunks:    5000,
				TopK:         5,
			},
			Generation: GenerationConfig{MaxOutputTokens: 8192, Temperature: 0.7, TopP: 0.95},
		},
		Gemini: DeploymentConfig{
			Enabled:      true,
			BasePath:     "/api/gemini",
			EmbedLLM:     LLMConfig{Kind: KindOllama, BaseURL: "http://localhost:11434", Model: "all-minilm"},
			InferenceLLM: LLMConfig{Kind: KindVertex, Model: "gemini-2.5-flash-lite", Location: "us-central1"},
			VectorStore:  VectorStoreConfig{Kind: StoreChromem, Collection: "gemini_documents"},
			RAG: RAGConfig{
				ChunkMode:    ChunkModeChars,
				ChunkSize:    1000,
				ChunkOverlap: 200,
				TopK:         5,
			},
			Generation: GenerationConfig{MaxOutputTokens: 8192, Temperature: 0.7, TopP: 0.95},
			Brief:      BriefConfig{Temperature: 1.0},
		},
	}
}

// LoadConfig reads the optional .env file, the YAML file at path and the
// environment overrides, in that order. An empty path yields the defaults.
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Deployment returns the named deployment section
func (c *Config) Deployment(name string) (*DeploymentConfig, error) {
	switch name {
	case DeploymentAssistant:
		return &c.Assistant, nil
	case DeploymentGemini:
		return &c.Gemini, nil
	default:
		return nil, fmt.Errorf("unknown deployment: %s", name)
	}
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("RAG_SERVER_ADDR", c.Server.Addr)
	c.Log.Level = getEnv("RAG_LOG_LEVEL", c.Log.Level)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)

	for _, d := range []*DeploymentConfig{&c.Assistant, &c.Gemini} {
		for _, llm := range []*LLMConfig{&d.EmbedLLM, &d.InferenceLLM} {
			switch llm.Kind {
			case KindVertex:
				llm.Project = getEnv("GCP_PROJECT_ID", llm.Project)
				llm.Location = getEnv("GCP_LOCATION", llm.Location)
			case KindOpenAI:
				llm.Key = getEnv("OPENAI_API_KEY", llm.Key)
			case KindOpenRouter:
				llm.Key = getEnv("OPENROUTER_API_KEY", llm.Key)
			}
		}
		if d.VectorStore.Kind == StorePgvector {
			d.VectorStore.Database.DSN = getEnv("DATABASE_DSN", d.VectorStore.Database.DSN)
		}
	}
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Workers <= 0 {
		errs = append(errs, errors.New("server.workers must be > 0"))
	}
	if c.Server.QueueSize <= 0 {
		errs = append(errs, errors.New("server.queue_size must be > 0"))
	}
	if !c.Assistant.Enabled && !c.Gemini.Enabled {
		errs = append(errs, errors.New("at least one deployment must be enabled"))
	}
	for name, d := range map[string]*DeploymentConfig{DeploymentAssistant: &c.Assistant, DeploymentGemini: &c.Gemini} {
		if !d.Enabled {
			continue
		}
		if err := d.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *DeploymentConfig) validate() error {
	var errs []error
	switch d.RAG.ChunkMode {
	case ChunkModeChars, ChunkModeTokens:
	default:
		errs = append(errs, fmt.Errorf("unknown chunk mode %q", d.RAG.ChunkMode))
	}
	if d.RAG.ChunkSize <= 0 {
		errs = append(errs, errors.New("rag.chunk_size must be > 0"))
	}
	if d.RAG.ChunkOverlap < 0 || d.RAG.ChunkOverlap >= d.RAG.ChunkSize {
		errs = append(errs, errors.New("rag.chunk_overlap must be >= 0 and < rag.chunk_size"))
	}
	if d.RAG.TopK <= 0 {
		errs = append(errs, errors.New("rag.top_k must be > 0"))
	}
	for _, llm := range []LLMConfig{d.EmbedLLM, d.InferenceLLM} {
		switch llm.Kind {
		case KindOllama, KindOpenRouter, KindOpenAI, KindVertex:
		default:
			errs = append(errs, fmt.Errorf("unknown llm kind %q", llm.Kind))
		}
	}
	switch d.VectorStore.Kind {
	case StoreChromem:
		if d.VectorStore.EncryptionKey != "" && len(d.VectorStore.EncryptionKey) != 32 {
			errs = append(errs, errors.New("vector_store.encryption_key must be 32 bytes long"))
		}
	case StorePgvector:
		if d.VectorStore.Database.DSN == "" {
			errs = append(errs, errors.New("vector_store.database.dsn is required for pgvector"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector store %q", d.VectorStore.Kind))
	}
	return errors.Join(errs...)
}

// getEnv returns the environment value for key or defaultValue when unset
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
