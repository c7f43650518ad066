// Package config loads application configuration for the trading
// simulator from environment variables (and an optional .env file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// AgentSpec is one configured trading agent.
type AgentSpec struct {
	Name        string
	Kind        string // agent.Kind, e.g. "llm-trader"
	InitialCash float64
	Symbols     []domain.Symbol
	LiveEnabled bool // whether the scheduler fans this agent out on each firing
}

// Config holds application configuration, loaded once at startup.
type Config struct {
	// Storage
	DatabasePath string
	JournalDir   string

	// Vendor market data API
	VendorBaseURL      string
	VendorAPIKey       string
	VendorTimeout      time.Duration
	VendorBaseDelay    time.Duration
	VendorMaxDelay     time.Duration
	VendorMaxRetries   int
	VendorRequestDelay time.Duration
	SecondaryBaseURL   string
	SecondaryAPIKey    string
	Index              string // index code driving constituent-based ingestion, e.g. "000300.SH"

	// LLM-tool collaborator
	CollaboratorBaseURL string
	CollaboratorAPIKey  string

	// Driver defaults
	MaxSteps   int
	MaxRetries int
	BaseDelay  time.Duration

	// Agents
	Agents []AgentSpec

	// Logging
	LogLevel string
	Pretty   bool
}

// Load reads configuration from environment variables, applying defaults
// for anything unset. It loads a .env file first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath: getEnv("DATABASE_PATH", "./data/sentinel.db"),
		JournalDir:   getEnv("JOURNAL_DIR", "./data/journal"),

		VendorBaseURL:      getEnv("VENDOR_BASE_URL", ""),
		VendorAPIKey:       getEnv("VENDOR_API_KEY", ""),
		VendorTimeout:      getEnvAsDuration("VENDOR_TIMEOUT", 30*time.Second),
		VendorBaseDelay:    getEnvAsDuration("VENDOR_BASE_DELAY", time.Second),
		VendorMaxDelay:     getEnvAsDuration("VENDOR_MAX_DELAY", 30*time.Second),
		VendorMaxRetries:   getEnvAsInt("VENDOR_MAX_RETRIES", 4),
		VendorRequestDelay: getEnvAsDuration("VENDOR_REQUEST_DELAY", 250*time.Millisecond),
		SecondaryBaseURL:   getEnv("VENDOR_SECONDARY_BASE_URL", ""),
		SecondaryAPIKey:    getEnv("VENDOR_SECONDARY_API_KEY", ""),
		Index:              getEnv("INDEX_CODE", "000300.SH"),

		CollaboratorBaseURL: getEnv("COLLABORATOR_BASE_URL", ""),
		CollaboratorAPIKey:  getEnv("COLLABORATOR_API_KEY", ""),

		MaxSteps:   getEnvAsInt("DRIVER_MAX_STEPS", 20),
		MaxRetries: getEnvAsInt("DRIVER_MAX_RETRIES", 3),
		BaseDelay:  getEnvAsDuration("DRIVER_BASE_DELAY", 2*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvAsBool("LOG_PRETTY", false),
	}

	agents, err := parseAgents(getEnv("AGENTS", ""))
	if err != nil {
		return nil, fmt.Errorf("parse AGENTS: %w", err)
	}
	cfg.Agents = agents

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("AGENTS must configure at least one agent")
	}
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent entry missing a name")
		}
		if a.InitialCash <= 0 {
			return fmt.Errorf("agent %q: initial cash must be positive", a.Name)
		}
	}
	return nil
}

// parseAgents reads the AGENTS env var, a ';'-separated list of
// "name:kind:cash:SYM1|SYM2|...[:live]" entries. Kept deliberately simple
// (no YAML/JSON dependency in the pack targets this shape). It is the only
// source of agent entries: the CLI's --config flag is accepted but no file
// is read from it.
func parseAgents(raw string) ([]AgentSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []AgentSpec
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) < 4 {
			return nil, fmt.Errorf("agent entry %q: expected name:kind:cash:symbols[:live]", entry)
		}
		cash, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("agent entry %q: invalid cash %q: %w", entry, fields[2], err)
		}
		var symbols []domain.Symbol
		for _, s := range strings.Split(fields[3], "|") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, domain.Symbol(s))
			}
		}
		live := len(fields) >= 5 && fields[4] == "live"

		out = append(out, AgentSpec{
			Name:        fields[0],
			Kind:        fields[1],
			InitialCash: cash,
			Symbols:     symbols,
			LiveEnabled: live,
		})
	}
	return out, nil
}

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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
