package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultGuardrailEnabled is the guardrail state used when neither the config
// file nor GUARDRAIL_ENABLED sets it.
const DefaultGuardrailEnabled = false

const (
	defaultServerAddress        = ":8090"
	defaultMaxConversationTurns = 5
	defaultWorkingLanguage      = "en"
	defaultRateLimitRequests    = 20
	defaultRateLimitWindow      = 60
	defaultSearchTimeout        = 30
	defaultQuestionsTimeout     = 20
	defaultTranslatorTimeout    = 10
	defaultGuardrailTimeout     = 15
	defaultSentinelMaster       = "mymaster"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig    BasicConfig               `json:"basic_config"`
	Databases      map[string]DatabaseConfig `json:"databases"`
	Redis          RedisConfig               `json:"redis" envPrefix:"REDIS_"`
	Auth           AuthConfig                `json:"auth" envPrefix:"AUTH_"`
	KnowledgeGraph KnowledgeGraphConfig      `json:"knowledge_graph" envPrefix:"KNOWLEDGE_GRAPH_"`
	Translator     TranslatorConfig          `json:"translator" envPrefix:"TRANSLATOR_"`
	Guardrail      GuardrailConfig           `json:"guardrail" envPrefix:"GUARDRAIL_"`
	RateLimit      RateLimitConfig           `json:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Audit          AuditConfig               `json:"audit" envPrefix:"AUDIT_"`
	Telemetry      TelemetryConfig           `json:"telemetry" envPrefix:"OTEL_"`
}

type BasicConfig struct {
	AppName              string `json:"app_name" env:"APP_NAME"`
	ServerAddress        string `json:"server_address" env:"SERVER_ADDRESS"`
	DatabaseDriver       string `json:"database_driver" env:"KGCHAT_DB"`
	MaxConversationTurns int    `json:"max_conversation_turns" env:"MAX_CONVERSATION_TURNS"`
	ProductCatalogPath   string `json:"product_catalog_path" env:"PRODUCT_CATALOG_PATH"`
	MinWorkers           int    `json:"min_workers" env:"MIN_WORKERS"`
	MaxWorkers           int    `json:"max_workers" env:"MAX_WORKERS"`
	QueueSize            int    `json:"queue_size" env:"QUEUE_SIZE"`
	// WorkerIdleTimeout is expressed in seconds.
	WorkerIdleTimeout int `json:"worker_idle_timeout" env:"WORKER_IDLE_TIMEOUT"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	Username string `json:"username" env:"USERNAME"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
	// SentinelAddrs switches to a Sentinel managed master when set.
	SentinelAddrs    []string `json:"sentinel_addrs" env:"SENTINEL_ADDRS" envSeparator:","`
	MasterName       string   `json:"master_name" env:"SENTINEL_MASTER"`
	SentinelPassword string   `json:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// UsesSentinel reports whether the master is discovered through Sentinel.
func (r RedisConfig) UsesSentinel() bool {
	return len(r.SentinelAddrs) > 0
}

type AuthConfig struct {
	Issuer        string `json:"issuer" env:"ISSUER"`
	ClientID      string `json:"client_id" env:"CLIENT_ID"`
	HMACSecret    string `json:"hmac_secret" env:"HMAC_SECRET"`
	PublicKeyPath string `json:"public_key_path" env:"PUBLIC_KEY_PATH"`
	JWKSURL       string `json:"jwks_url" env:"JWKS_URL"`
	RequiredRole  string `json:"required_role" env:"REQUIRED_ROLE"`
}

type KnowledgeGraphConfig struct {
	BaseURL string `json:"base_url" env:"API_URL"`
	// Timeouts are expressed in seconds.
	SearchTimeout    int `json:"search_timeout" env:"SEARCH_TIMEOUT"`
	QuestionsTimeout int `json:"questions_timeout" env:"QUESTIONS_TIMEOUT"`
}

type TranslatorConfig struct {
	Endpoint           string   `json:"endpoint" env:"ENDPOINT"`
	Key                string   `json:"key" env:"KEY"`
	Location           string   `json:"location" env:"LOCATION"`
	CategoryID         string   `json:"category_id" env:"CATEGORY_ID"`
	WorkingLanguage    string   `json:"working_language" env:"WORKING_LANGUAGE"`
	SecondaryLanguages []string `json:"secondary_languages" env:"SECONDARY_LANGUAGES" envSeparator:","`
	Timeout            int      `json:"timeout" env:"TIMEOUT"`
}

type GuardrailConfig struct {
	Enabled       *bool  `json:"enabled" env:"ENABLED"`
	OpenAIKey     string `json:"openai_key" env:"OPENAI_KEY"`
	AzureEndpoint string `json:"azure_endpoint" env:"AZURE_ENDPOINT"`
	APIVersion    string `json:"api_version" env:"API_VERSION"`
	Model         string `json:"model" env:"MODEL"`
	Timeout       int    `json:"timeout" env:"TIMEOUT"`
}

// IsEnabled reports the effective guardrail switch.
func (g GuardrailConfig) IsEnabled() bool {
	if g.Enabled == nil {
		return DefaultGuardrailEnabled
	}
	return *g.Enabled
}

type RateLimitConfig struct {
	Backend  string `json:"backend" env:"BACKEND"`
	Requests int    `json:"requests" env:"REQUESTS"`
	// Window is expressed in seconds.
	Window int `json:"window_seconds" env:"WINDOW_SECONDS"`
}

type AuditConfig struct {
	Backend         string `json:"backend" env:"BACKEND"`
	Directory       string `json:"directory" env:"DIRECTORY"`
	Bucket          string `json:"bucket" env:"BUCKET"`
	CredentialsFile string `json:"credentials_file" env:"CREDENTIALS_FILE"`
}

type TelemetryConfig struct {
	Endpoint    string `json:"endpoint" env:"EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" env:"SERVICE_NAME"`
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies .env and process environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// A missing .env file is the normal case outside local development.
	if err := godotenv.Load(filepath.Join(filepath.Dir(absPath), ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	if cfg.BasicConfig.ProductCatalogPath != "" && !filepath.IsAbs(cfg.BasicConfig.ProductCatalogPath) {
		cfg.BasicConfig.ProductCatalogPath = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.ProductCatalogPath)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.AppName == "" {
		c.BasicConfig.AppName = "assistant"
	}
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = defaultServerAddress
	}
	if c.BasicConfig.DatabaseDriver == "" {
		c.BasicConfig.DatabaseDriver = "sqlite3"
	}
	if c.BasicConfig.MaxConversationTurns <= 0 {
		c.BasicConfig.MaxConversationTurns = defaultMaxConversationTurns
	}
	if c.Translator.WorkingLanguage == "" {
		c.Translator.WorkingLanguage = defaultWorkingLanguage
	}
	if len(c.Translator.SecondaryLanguages) == 0 {
		c.Translator.SecondaryLanguages = []string{"de", "fr"}
	}
	if c.Translator.Timeout <= 0 {
		c.Translator.Timeout = defaultTranslatorTimeout
	}
	if c.Guardrail.Timeout <= 0 {
		c.Guardrail.Timeout = defaultGuardrailTimeout
	}
	if c.KnowledgeGraph.SearchTimeout <= 0 {
		c.KnowledgeGraph.SearchTimeout = defaultSearchTimeout
	}
	if c.KnowledgeGraph.QuestionsTimeout <= 0 {
		c.KnowledgeGraph.QuestionsTimeout = defaultQuestionsTimeout
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "redis"
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = defaultRateLimitRequests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = defaultRateLimitWindow
	}
	if c.Redis.UsesSentinel() && c.Redis.MasterName == "" {
		c.Redis.MasterName = defaultSentinelMaster
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "none"
	}
	if c.Auth.RequiredRole == "" {
		c.Auth.RequiredRole = "employee"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.BasicConfig.AppName
	}
}

func (c *Config) validate() error {
	if _, ok := c.Databases[c.BasicConfig.DatabaseDriver]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.DatabaseDriver)
	}
	if c.KnowledgeGraph.BaseURL == "" {
		return errors.New("knowledge_graph.base_url must be configured")
	}
	if c.Auth.HMACSecret == "" && c.Auth.PublicKeyPath == "" && c.Auth.JWKSURL == "" && c.Auth.Issuer == "" {
		return errors.New("auth needs an issuer, jwks_url, public_key_path or hmac_secret")
	}
	switch c.RateLimit.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported rate_limit.backend: %s", c.RateLimit.Backend)
	}
	switch c.Audit.Backend {
	case "none", "local", "gcs":
	default:
		return fmt.Errorf("unsupported audit.backend: %s", c.Audit.Backend)
	}
	if c.Audit.Backend == "gcs" && c.Audit.Bucket == "" {
		return errors.New("audit.bucket must be configured for the gcs backend")
	}
	if c.Audit.Backend == "local" && c.Audit.Directory == "" {
		return errors.New("audit.directory must be configured for the local backend")
	}
	return nil
}

// RateLimitWindow returns the limiter window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.Window) * time.Second
}

// SearchTimeout returns the knowledge graph local search timeout.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.KnowledgeGraph.SearchTimeout) * time.Second
}

// QuestionsTimeout returns the knowledge graph question suggestion timeout.
func (c *Config) QuestionsTimeout() time.Duration {
	return time.Duration(c.KnowledgeGraph.QuestionsTimeout) * time.Second
}
