// Package config builds the service configuration once at startup from
// flags, QBANK_* environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jinjjij/Capstone-Qbank/internal/generate"
)

// Languages the service has message catalogs for.
var Languages = []string{"en", "ko"}

// LLM configures the OpenAI-compatible model endpoint.
type LLM struct {
	URL         string
	Key         string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	MaxTokens   int
}

// Enabled reports whether a model endpoint is configured.
func (l LLM) Enabled() bool {
	return l.Key != ""
}

// Config is the complete service configuration.
type Config struct {
	Addr   string
	DBPath string

	LLM LLM

	BatchCap       int
	MaxSourceChars int
	MaxCount       int
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	SessionTTL    time.Duration
	SecureCookies bool
	AdminEmails   []string
	AdminIDs      []int64

	// AIRate is the sustained number of AI requests per minute per user.
	AIRate  float64
	AIBurst int

	Lang    string
	Tracing bool
}

// RegisterServeFlags adds every configuration flag with its default.
func RegisterServeFlags(f *pflag.FlagSet) {
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "qbank.db", "SQLite database path")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the LLM (AI features are disabled without one)")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.Duration("llm-timeout", 60*time.Second, "Timeout of a single LLM call")
	f.Int("llm-max-attempts", 3, "Attempts per LLM call, including the first")
	f.Int("llm-max-tokens", 2000, "Completion token limit per LLM call")
	f.Int("gen-batch-cap", 5, "Maximum questions requested per LLM call")
	f.Int("gen-max-source-chars", 20000, "Source text is truncated to this many characters")
	f.Int("gen-max-count", 50, "Maximum questions per generation request")
	f.Duration("gen-backoff-base", 500*time.Millisecond, "First retry delay")
	f.Duration("gen-backoff-cap", 8*time.Second, "Maximum retry delay")
	f.Duration("session-ttl", 7*24*time.Hour, "Login session lifetime")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.StringSlice("admin-emails", nil, "Emails treated as administrators")
	f.StringSlice("admin-ids", nil, "User ids treated as administrators")
	f.Float64("ai-rate", 6, "AI requests per minute per user")
	f.Int("ai-burst", 3, "AI request burst per user")
	f.StringP("lang", "l", "ko", "Default message language (en, ko)")
	f.Bool("tracing", false, "Export OpenTelemetry spans to stdout")
}

// Load builds and validates the configuration from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:   v.GetString("addr"),
		DBPath: v.GetString("db"),
		LLM: LLM{
			URL:         v.GetString("llm-url"),
			Key:         v.GetString("llm-key"),
			Model:       v.GetString("llm-model"),
			Timeout:     v.GetDuration("llm-timeout"),
			MaxAttempts: v.GetInt("llm-max-attempts"),
			MaxTokens:   v.GetInt("llm-max-tokens"),
		},
		BatchCap:       v.GetInt("gen-batch-cap"),
		MaxSourceChars: v.GetInt("gen-max-source-chars"),
		MaxCount:       v.GetInt("gen-max-count"),
		BackoffBase:    v.GetDuration("gen-backoff-base"),
		BackoffCap:     v.GetDuration("gen-backoff-cap"),
		SessionTTL:     v.GetDuration("session-ttl"),
		SecureCookies:  v.GetBool("secure-cookies"),
		AIRate:         v.GetFloat64("ai-rate"),
		AIBurst:        v.GetInt("ai-burst"),
		Lang:           strings.ToLower(strings.TrimSpace(v.GetString("lang"))),
		Tracing:        v.GetBool("tracing"),
	}

	for _, e := range splitList(v.GetStringSlice("admin-emails")) {
		cfg.AdminEmails = append(cfg.AdminEmails, strings.ToLower(e))
	}
	for _, s := range splitList(v.GetStringSlice("admin-ids")) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return Config{}, fmt.Errorf("admin-ids: invalid user id %q", s)
		}
		cfg.AdminIDs = append(cfg.AdminIDs, id)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db must not be empty"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm-timeout must be positive"))
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, errors.New("llm-max-attempts must be at least 1"))
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, errors.New("llm-max-tokens must be at least 1"))
	}
	if c.BatchCap < 1 {
		errs = append(errs, errors.New("gen-batch-cap must be at least 1"))
	}
	if c.MaxCount < 1 {
		errs = append(errs, errors.New("gen-max-count must be at least 1"))
	}
	if c.MaxSourceChars < 1 {
		errs = append(errs, errors.New("gen-max-source-chars must be at least 1"))
	}
	if c.BackoffBase < 0 || c.BackoffCap < c.BackoffBase {
		errs = append(errs, errors.New("gen-backoff-cap must not be below gen-backoff-base"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session-ttl must be positive"))
	}
	if c.AIRate <= 0 || c.AIBurst < 1 {
		errs = append(errs, errors.New("ai-rate and ai-burst must be positive"))
	}
	if !supported(c.Lang) {
		errs = append(errs, fmt.Errorf("lang must be one of %s", strings.Join(Languages, ", ")))
	}
	return errors.Join(errs...)
}

// Generate returns the pipeline bounds.
func (c Config) Generate() generate.Config {
	return generate.Config{
		BatchCap:       c.BatchCap,
		MaxAttempts:    c.LLM.MaxAttempts,
		CallTimeout:    c.LLM.Timeout,
		BackoffBase:    c.BackoffBase,
		BackoffCap:     c.BackoffCap,
		MaxSourceChars: c.MaxSourceChars,
		MaxCount:       c.MaxCount,
		MaxTokens:      c.LLM.MaxTokens,
	}
}

// IsAdminIdentity reports whether the id or email is on an admin list.
func (c Config) IsAdminIdentity(id int64, email string) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range c.AdminEmails {
		if a == email {
			return true
		}
	}
	return false
}

// splitList flattens comma-separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func supported(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}
