package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreMongo    = "mongo"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds every runtime setting. It is read once at startup and passed
// to the application container.
type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	HTTPPort string `mapstructure:"HTTP_PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogFile  string `mapstructure:"LOG_FILE"`

	StoreBackend      string `mapstructure:"STORE_BACKEND"`
	StateTable        string `mapstructure:"STATE_TABLE"`
	MongoURI          string `mapstructure:"MONGO_URI"`
	MongoDatabase     string `mapstructure:"MONGO_DATABASE"`
	MongoTransactions bool   `mapstructure:"MONGO_TRANSACTIONS"`

	LLMProvider          string `mapstructure:"LLM_PROVIDER"`
	OpenAIModel          string `mapstructure:"OPENAI_MODEL"`
	OpenAIEmbeddingModel string `mapstructure:"OPENAI_EMBEDDING_MODEL"`
	OpenAIBaseURL        string `mapstructure:"OPENAI_BASE_URL"`
	OpenAIAPIKey         string `mapstructure:"OPENAI_API_KEY"`
	ParamPrefix          string `mapstructure:"PARAM_PREFIX"`
	GeminiAPIKey         string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel          string `mapstructure:"GEMINI_MODEL"`
	GeminiEmbeddingModel string `mapstructure:"GEMINI_EMBEDDING_MODEL"`
	ModerationEnabled    bool   `mapstructure:"MODERATION_ENABLED"`

	DependencyTimeout      time.Duration `mapstructure:"DEPENDENCY_TIMEOUT"`
	RetryBackoff           time.Duration `mapstructure:"RETRY_BACKOFF"`
	HistoryWindow          int           `mapstructure:"HISTORY_WINDOW"`
	RouterHistory          int           `mapstructure:"ROUTER_HISTORY"`
	MaxMessageLength       int           `mapstructure:"MAX_MESSAGE_LENGTH"`
	ConfirmKeywords        []string      `mapstructure:"CONFIRM_KEYWORDS"`
	DuplicateConfirmWindow time.Duration `mapstructure:"DUPLICATE_CONFIRM_WINDOW"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`
	LockWait time.Duration `mapstructure:"LOCK_WAIT"`

	PGVectorDSN         string `mapstructure:"PGVECTOR_DSN"`
	EmbeddingDimensions int    `mapstructure:"EMBEDDING_DIMENSIONS"`
	KnowledgeTopK       int    `mapstructure:"KNOWLEDGE_TOP_K"`

	AMQPURL            string `mapstructure:"AMQP_URL"`
	BookingEventsQueue string `mapstructure:"BOOKING_EVENTS_QUEUE"`

	JWTSecret    string        `mapstructure:"JWT_SECRET"`
	JWTTTL       time.Duration `mapstructure:"JWT_TTL"`
	AuthRequired bool          `mapstructure:"AUTH_REQUIRED"`

	RateLimitPerMin int           `mapstructure:"RATE_LIMIT_PER_MIN"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	CatalogCacheTTL time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
}

var defaults = map[string]any{
	"APP_ENV":   "development",
	"HTTP_PORT": "8080",
	"LOG_LEVEL": "info",
	"LOG_FILE":  "",

	"STORE_BACKEND":      StoreDynamoDB,
	"STATE_TABLE":        "",
	"MONGO_URI":          "mongodb://localhost:27017",
	"MONGO_DATABASE":     "BussTicketBD",
	"MONGO_TRANSACTIONS": false,

	"LLM_PROVIDER":           ProviderOpenAI,
	"OPENAI_MODEL":           "gpt-4o-mini",
	"OPENAI_EMBEDDING_MODEL": "text-embedding-3-large",
	"OPENAI_BASE_URL":        "https://api.openai.com/v1",
	"OPENAI_API_KEY":         "",
	"PARAM_PREFIX":           "",
	"GEMINI_API_KEY":         "",
	"GEMINI_MODEL":           "gemini-1.5-flash",
	"GEMINI_EMBEDDING_MODEL": "text-embedding-004",
	"MODERATION_ENABLED":     false,

	"DEPENDENCY_TIMEOUT":       "10s",
	"RETRY_BACKOFF":            "300ms",
	"HISTORY_WINDOW":           15,
	"ROUTER_HISTORY":           10,
	"MAX_MESSAGE_LENGTH":       1000,
	"CONFIRM_KEYWORDS":         "yes,confirm,book,proceed,ok,correct,right,sure,definitely",
	"DUPLICATE_CONFIRM_WINDOW": "2m",

	"REDIS_URL": "",
	"LOCK_TTL":  "30s",
	"LOCK_WAIT": "5s",

	"PGVECTOR_DSN":         "",
	"EMBEDDING_DIMENSIONS": 3072,
	"KNOWLEDGE_TOP_K":      5,

	"AMQP_URL":             "",
	"BOOKING_EVENTS_QUEUE": "booking.confirmed",

	"JWT_SECRET":    "",
	"JWT_TTL":       "30m",
	"AUTH_REQUIRED": false,

	"RATE_LIMIT_PER_MIN": 120,
	"CORS_ORIGINS":       "*",
	"CATALOG_CACHE_TTL":  "10m",
}

// Load reads an optional .env file, an optional config.yaml and the process
// environment, in increasing order of precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.ConfirmKeywords = splitList(cfg.ConfirmKeywords)
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements. Secrets that PARAM_PREFIX can
// supply are left to ValidateSecrets.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb store")
		}
	case StoreMongo:
		if strings.TrimSpace(c.MongoURI) == "" || strings.TrimSpace(c.MongoDatabase) == "" {
			return errors.New("config: MONGO_URI and MONGO_DATABASE are required for the mongo store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.ParamPrefix == "" {
			return errors.New("config: OPENAI_API_KEY or PARAM_PREFIX is required for the openai provider")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" && c.ParamPrefix == "" {
			return errors.New("config: GEMINI_API_KEY or PARAM_PREFIX is required for the gemini provider")
		}
	default:
		return fmt.Errorf("config: unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	if c.DependencyTimeout <= 0 {
		return errors.New("config: DEPENDENCY_TIMEOUT must be positive")
	}
	if c.HistoryWindow <= 0 || c.RouterHistory <= 0 {
		return errors.New("config: HISTORY_WINDOW and ROUTER_HISTORY must be positive")
	}
	if len(c.ConfirmKeywords) == 0 {
		return errors.New("config: CONFIRM_KEYWORDS must not be empty")
	}
	if c.AuthRequired && c.JWTSecret == "" && c.ParamPrefix == "" {
		return errors.New("config: JWT_SECRET or PARAM_PREFIX is required when AUTH_REQUIRED is set")
	}
	return nil
}

// ValidateSecrets checks the secrets that may arrive from the parameter
// store under PARAM_PREFIX. Call it once those have been filled in.
func (c Config) ValidateSecrets() error {
	if c.LLMProvider == ProviderGemini && strings.TrimSpace(c.GeminiAPIKey) == "" {
		return errors.New("config: GEMINI_API_KEY is required for the gemini provider")
	}
	if c.AuthRequired && strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET is required when AUTH_REQUIRED is set")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// splitList flattens comma separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
