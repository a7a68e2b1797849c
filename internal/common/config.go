package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	OCR          OCRConfig          `yaml:"ocr"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Budget       BudgetConfig       `yaml:"budget"`
	Workers      WorkersConfig      `yaml:"workers"`
	Sanitize     SanitizeConfig     `yaml:"sanitize"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"` // postgres | sqlite | memory
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// OCRConfig holds configuration for the local text extraction fallback
type OCRConfig struct {
	Binary        string `yaml:"binary"`
	TessdataDir   string `yaml:"tessdata_dir"`
	Lang          string `yaml:"lang"`
	HeicConverter string `yaml:"heic_converter"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	LiteModel     string        `yaml:"lite_model"`
	APIKey        string        `yaml:"-"`
	Temperature   float32       `yaml:"temperature"`
	Timeout       time.Duration `yaml:"timeout"`
	TokensPerUnit int           `yaml:"tokens_per_unit"`
}

// OrchestratorConfig bounds the per-page grading loop
type OrchestratorConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	MinConfidence   float64       `yaml:"min_confidence"`
	TextFloorRunes  int           `yaml:"text_floor_runes"`
	PlanConcurrency int           `yaml:"plan_concurrency"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// BudgetConfig is the per-job budget handed to every new job
type BudgetConfig struct {
	TimeLimit time.Duration    `yaml:"time_limit"`
	CostUnits int64            `yaml:"cost_units"`
	PerKiB    int64            `yaml:"per_kib"`
	Weights   map[string]int64 `yaml:"weights"`
}

// WorkersConfig sizes the page and review pools
type WorkersConfig struct {
	QueueBackend    string        `yaml:"queue_backend"` // sql | memory
	PageWorkers     int           `yaml:"page_workers"`
	ReviewWorkers   int           `yaml:"review_workers"`
	QueueSize       int           `yaml:"queue_size"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ProcessTimeout  time.Duration `yaml:"process_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ReviewCostUnits int64         `yaml:"review_cost_units"`
}

// SanitizeConfig bounds tool outputs
type SanitizeConfig struct {
	MaxTextRunes int `yaml:"max_text_runes"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			GRPCAddr: ":8080",
			HTTPAddr: ":8081",
		},
		OCR: OCRConfig{
			Binary:        "tesseract",
			Lang:          "eng",
			HeicConverter: "magick",
		},
		LLM: LLMConfig{
			BaseURL:       "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			LiteModel:     "gpt-4o-mini",
			Timeout:       45 * time.Second,
			TokensPerUnit: 100,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:   3,
			MinConfidence:   0.75,
			TextFloorRunes:  400,
			PlanConcurrency: 4,
			CallTimeout:     30 * time.Second,
		},
		Budget: BudgetConfig{
			TimeLimit: 10 * time.Minute,
			CostUnits: 1000,
			PerKiB:    1,
		},
		Workers: WorkersConfig{
			QueueBackend:    "sql",
			PageWorkers:     4,
			ReviewWorkers:   1,
			QueueSize:       100,
			LeaseTTL:        5 * time.Minute,
			PollInterval:    500 * time.Millisecond,
			ProcessTimeout:  10 * time.Minute,
			MaxAttempts:     3,
			ReviewCostUnits: 60,
		},
		Sanitize: SanitizeConfig{
			MaxTextRunes: 8000,
		},
	}
}

// LoadConfig loads configuration: defaults, then the optional YAML file named by
// GRADER_CONFIG, then environment variables (a .env file is read first if present).
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path := os.Getenv("GRADER_CONFIG"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("read %s", path), err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("parse %s", path), err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)

	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)

	c.OCR.Binary = getEnv("TESSERACT_BIN", c.OCR.Binary)
	c.OCR.TessdataDir = getEnv("TESSDATA_PREFIX", c.OCR.TessdataDir)
	c.OCR.Lang = getEnv("OCR_LANG", c.OCR.Lang)
	c.OCR.HeicConverter = getEnv("HEIC_CONVERTER", c.OCR.HeicConverter)

	c.LLM.BaseURL = getEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("OPENAI_MODEL", c.LLM.Model)
	c.LLM.LiteModel = getEnv("OPENAI_LITE_MODEL", c.LLM.LiteModel)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", c.LLM.Temperature)
	c.LLM.Timeout = getEnvAsDuration("OPENAI_TIMEOUT", c.LLM.Timeout)
	c.LLM.TokensPerUnit = getEnvAsInt("OPENAI_TOKENS_PER_UNIT", c.LLM.TokensPerUnit)

	c.Orchestrator.MaxIterations = getEnvAsInt("GRADER_MAX_ITERATIONS", c.Orchestrator.MaxIterations)
	c.Orchestrator.MinConfidence = getEnvAsFloat64("GRADER_MIN_CONFIDENCE", c.Orchestrator.MinConfidence)
	c.Orchestrator.TextFloorRunes = getEnvAsInt("GRADER_TEXT_FLOOR", c.Orchestrator.TextFloorRunes)
	c.Orchestrator.PlanConcurrency = getEnvAsInt("GRADER_PLAN_CONCURRENCY", c.Orchestrator.PlanConcurrency)
	c.Orchestrator.CallTimeout = getEnvAsDuration("GRADER_CALL_TIMEOUT", c.Orchestrator.CallTimeout)

	c.Budget.TimeLimit = getEnvAsDuration("BUDGET_TIME_LIMIT", c.Budget.TimeLimit)
	c.Budget.CostUnits = getEnvAsInt64("BUDGET_COST_UNITS", c.Budget.CostUnits)
	c.Budget.PerKiB = getEnvAsInt64("BUDGET_PER_KIB", c.Budget.PerKiB)
	if raw := os.Getenv("BUDGET_COST_WEIGHTS"); raw != "" {
		if c.Budget.Weights == nil {
			c.Budget.Weights = map[string]int64{}
		}
		for name, units := range parseWeights(raw) {
			c.Budget.Weights[name] = units
		}
	}

	c.Workers.QueueBackend = getEnv("QUEUE_BACKEND", c.Workers.QueueBackend)
	c.Workers.PageWorkers = getEnvAsInt("PAGE_WORKERS", c.Workers.PageWorkers)
	c.Workers.ReviewWorkers = getEnvAsInt("REVIEW_WORKERS", c.Workers.ReviewWorkers)
	c.Workers.QueueSize = getEnvAsInt("QUEUE_SIZE", c.Workers.QueueSize)
	c.Workers.LeaseTTL = getEnvAsDuration("LEASE_TTL", c.Workers.LeaseTTL)
	c.Workers.PollInterval = getEnvAsDuration("QUEUE_POLL_INTERVAL", c.Workers.PollInterval)
	c.Workers.ProcessTimeout = getEnvAsDuration("PROCESS_TIMEOUT", c.Workers.ProcessTimeout)
	c.Workers.MaxAttempts = getEnvAsInt("MAX_ATTEMPTS", c.Workers.MaxAttempts)
	c.Workers.ReviewCostUnits = getEnvAsInt64("REVIEW_COST_UNITS", c.Workers.ReviewCostUnits)

	c.Sanitize.MaxTextRunes = getEnvAsInt("SANITIZE_MAX_TEXT_RUNES", c.Sanitize.MaxTextRunes)
}

// parseWeights reads "extract_text=40,verify_answer=20".
func parseWeights(raw string) map[string]int64 {
	out := map[string]int64{}
	for _, pair := range strings.Split(raw, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil || n < 0 {
			continue
		}
		out[strings.TrimSpace(name)] = n
	}
	return out
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
		}
	case "memory":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unsupported DB_DRIVER %q", c.Database.Driver), ErrInvalidInput)
	}
	if c.Workers.QueueBackend != "sql" && c.Workers.QueueBackend != "memory" {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unsupported QUEUE_BACKEND %q", c.Workers.QueueBackend), ErrInvalidInput)
	}
	if c.Workers.QueueBackend == "sql" && c.Database.Driver == "memory" {
		return NewAppError("CONFIG_ERROR", "QUEUE_BACKEND=sql needs a SQL database", ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" && c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR or HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Orchestrator.MaxIterations < 1 {
		return NewAppError("CONFIG_ERROR", "GRADER_MAX_ITERATIONS must be >= 1", ErrInvalidInput)
	}
	if c.Orchestrator.MinConfidence < 0 || c.Orchestrator.MinConfidence > 1 {
		return NewAppError("CONFIG_ERROR", "GRADER_MIN_CONFIDENCE must be within [0,1]", ErrInvalidInput)
	}
	if c.Budget.CostUnits <= 0 || c.Budget.TimeLimit <= 0 {
		return NewAppError("CONFIG_ERROR", "budget limits must be positive", ErrInvalidInput)
	}
	if c.Workers.PageWorkers < 1 || c.Workers.ReviewWorkers < 1 {
		return NewAppError("CONFIG_ERROR", "worker counts must be >= 1", ErrInvalidInput)
	}
	return nil
}
