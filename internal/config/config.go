package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	BackendGitHub   = "github"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	EngineLua = "lua"
	EngineGo  = "go"
)

type Config struct {
	// Discord Bot
	DiscordToken string `env:"DISCORD_TOKEN"`
	OwnerID      string `env:"BOT_OWNER_ID"`

	// Generative backend
	LLMProvider  string `env:"LLM_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	OpenAIModel  string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIURL    string `env:"OPENAI_BASE_URL"`

	// Ledger persistence; empty backend is resolved from what is configured
	LedgerBackend  string `env:"LEDGER_BACKEND"`
	GitHubToken    string `env:"GITHUB_TOKEN"`
	GitHubRepo     string `env:"GITHUB_REPO"`
	GitHubFile     string `env:"GITHUB_FILE" envDefault:"data/users.json"`
	GitHubBranch   string `env:"GITHUB_BRANCH"`
	GitHubAPIURL   string `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`
	DatabaseURL    string `env:"DATABASE_URL"`
	LedgerDocument string `env:"LEDGER_DOCUMENT" envDefault:"users"`

	// Sandbox
	SandboxEngine        string        `env:"SANDBOX_ENGINE" envDefault:"lua"`
	SandboxTimeout       time.Duration `env:"SANDBOX_TIMEOUT" envDefault:"5s"`
	SandboxMaxConcurrent int64         `env:"SANDBOX_MAX_CONCURRENT" envDefault:"2"`

	// Web Server; empty bind disables the API
	WebBind             string `env:"WEB_BIND"`
	WebUIBaseURL        string
	DiscordClientID     string `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret string `env:"DISCORD_CLIENT_SECRET"`
	DiscordRedirectURI  string `env:"DISCORD_REDIRECT_URI" envDefault:"http://localhost:3000/api/auth/callback"`

	// Session
	JWTSecret string `env:"JWT_SECRET"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads the process environment, with .env applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment without touching .env.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.WebUIBaseURL = extractBaseURL(cfg.DiscordRedirectURI)
	cfg.LedgerBackend = cfg.resolveBackend()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolveBackend() string {
	if c.LedgerBackend != "" {
		return c.LedgerBackend
	}
	switch {
	case c.GitHubRepo != "":
		return BackendGitHub
	case c.DatabaseURL != "":
		return BackendPostgres
	}
	return BackendMemory
}

// Validate reports the first setting the process cannot start with.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}

	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.LedgerBackend {
	case BackendGitHub:
		if c.GitHubRepo == "" {
			return errors.New("GITHUB_REPO is required for the github ledger backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres ledger backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	switch c.SandboxEngine {
	case EngineLua, EngineGo:
	default:
		return fmt.Errorf("unknown SANDBOX_ENGINE %q", c.SandboxEngine)
	}
	if c.SandboxTimeout <= 0 {
		return errors.New("SANDBOX_TIMEOUT must be positive")
	}
	if c.SandboxMaxConcurrent < 1 {
		return errors.New("SANDBOX_MAX_CONCURRENT must be at least 1")
	}

	if c.WebBind != "" {
		if c.DiscordClientID == "" {
			return errors.New("DISCORD_CLIENT_ID is required when WEB_BIND is set")
		}
		if c.DiscordClientSecret == "" {
			return errors.New("DISCORD_CLIENT_SECRET is required when WEB_BIND is set")
		}
		if c.JWTSecret == "" {
			return errors.New("JWT_SECRET is required when WEB_BIND is set")
		}
	}
	return nil
}

// Persistent reports whether ledger writes reach a remote store.
func (c *Config) Persistent() bool {
	return c.LedgerBackend != BackendMemory
}

func extractBaseURL(redirectURI string) string {
	// e.g., "http://localhost:3000/api/auth/callback" -> "http://localhost:3000"
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "http://localhost:3000"
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}
