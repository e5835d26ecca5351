// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Agent configures the interactive client.
type Agent struct {
	StorageBaseURL      string        `validate:"omitempty,url"`
	HostedSessionCookie string
	LocalDBPath         string        `validate:"required"`
	Provider            string        `validate:"oneof=openai anthropic"`
	Model               string        `validate:"required"`
	GenerationBaseURL   string        `validate:"omitempty,url"`
	GenerationAPIKey    string
	ParamPrefix         string        `validate:"required_without=GenerationAPIKey"`
	GenerationTimeout   time.Duration `validate:"gte=0"`
	LogLevel            string        `validate:"oneof=debug info warn error"`
	LogFormat           string        `validate:"oneof=json console"`
}

// StorageAPI configures the hosted storage service.
type StorageAPI struct {
	StateTable string `validate:"required"`
	Port       string `validate:"required,numeric"`
	CookieName string `validate:"required"`
	LogLevel   string `validate:"oneof=debug info warn error"`
	LogFormat  string `validate:"oneof=json console"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadDotEnv loads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() error {
	err := godotenv.Load()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LoadAgent reads the client configuration.
func LoadAgent() (*Agent, error) {
	timeout, err := getEnvDuration("GENERATION_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}
	provider := strings.ToLower(getEnv("GENERATION_PROVIDER", "openai"))
	cfg := &Agent{
		StorageBaseURL:      getEnv("STORAGE_BASE_URL", ""),
		HostedSessionCookie: getEnv("HOSTED_SESSION_COOKIE", ""),
		LocalDBPath:         getEnv("LOCAL_DB_PATH", defaultDBPath()),
		Provider:            provider,
		Model:               getEnv("GENERATION_MODEL", defaultModel(provider)),
		GenerationBaseURL:   getEnv("GENERATION_BASE_URL", ""),
		GenerationAPIKey:    getEnv("GENERATION_API_KEY", ""),
		ParamPrefix:         strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		GenerationTimeout:   timeout,
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "warn")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "console")),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid agent configuration: %w", err)
	}
	return cfg, nil
}

// Hosted reports whether a storage service is configured.
func (a *Agent) Hosted() bool {
	return a.StorageBaseURL != ""
}

// LoadStorageAPI reads the storage service configuration.
func LoadStorageAPI() (*StorageAPI, error) {
	cfg := &StorageAPI{
		StateTable: getEnv("STATE_TABLE", ""),
		Port:       getEnv("PORT", "8080"),
		CookieName: getEnv("SESSION_COOKIE_NAME", "canvas_session"),
		LogLevel:   strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:  strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid storage-api configuration: %w", err)
	}
	return cfg, nil
}

// OnLambda reports whether the process runs inside AWS Lambda.
func OnLambda() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

func defaultModel(provider string) string {
	if provider == "anthropic" {
		return "claude-sonnet-4-5"
	}
	return "gpt-4o"
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "data", "canvas-agent.db")
	}
	return filepath.Join(dir, "canvas-agent", "canvas-agent.db")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}
