// Package config provides the typed gateway configuration document. The
// document is loaded from JSON, validated, and published as an immutable
// snapshot through the Store; in-flight requests keep the snapshot they
// started with.
package config

import (
	"strings"
	"time"

	"github.com/user/smartroute-go/internal/models"
)

// Config is the full gateway configuration document.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Providers   ProvidersConfig   `json:"providers"`
	Models      ModelsConfig      `json:"models"`
	Timeouts    TimeoutsConfig    `json:"timeouts"`
	Retries     RetriesConfig     `json:"retries"`
	Router      RouterConfig      `json:"router"`
	Health      HealthConfig      `json:"health"`
	Params      ParamsConfig      `json:"params"`
	General     GeneralConfig     `json:"general"`
	LogRotation LogRotationConfig `json:"log_rotation"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	LogDir   string `json:"log_dir"`
}

// ProviderConfig describes one upstream endpoint.
type ProviderConfig struct {
	BaseURL   string                `json:"base_url"`
	APIKey    string                `json:"api_key"`
	Protocol  models.ProtocolFlavor `json:"protocol"`
	VerifySSL bool                  `json:"verify_ssl"`
}

// Endpoint converts the provider entry into its resolved endpoint form.
func (p ProviderConfig) Endpoint() models.ProviderEndpoint {
	flavor := p.Protocol
	if flavor == "" {
		flavor = models.FlavorOpenAI
	}
	return models.ProviderEndpoint{
		BaseURL:   strings.TrimRight(p.BaseURL, "/"),
		APIKey:    p.APIKey,
		Protocol:  flavor,
		VerifyTLS: p.VerifySSL,
	}
}

// ProvidersConfig holds the default upstream, named custom providers and
// the bare-model-name to provider map.
type ProvidersConfig struct {
	Upstream ProviderConfig            `json:"upstream"`
	Custom   map[string]ProviderConfig `json:"custom"`
	Map      map[string]string         `json:"model_provider_map"`
}

// ModelsConfig holds the per-tier candidate pools and selection strategies.
type ModelsConfig struct {
	T1         []string          `json:"t1"`
	T2         []string          `json:"t2"`
	T3         []string          `json:"t3"`
	Strategies map[string]string `json:"strategies"`
}

// For returns the configured model entries for a tier.
func (m ModelsConfig) For(tier models.Tier) []string {
	switch tier {
	case models.TierT1:
		return m.T1
	case models.TierT2:
		return m.T2
	case models.TierT3:
		return m.T3
	}
	return nil
}

// StrategyFor returns the tier's strategy, defaulting to sequential.
func (m ModelsConfig) StrategyFor(tier models.Tier) models.Strategy {
	switch models.Strategy(m.Strategies[string(tier)]) {
	case models.StrategyRandom:
		return models.StrategyRandom
	case models.StrategyAdaptive:
		return models.StrategyAdaptive
	default:
		return models.StrategySequential
	}
}

// AllModels returns the deduplicated union of every tier pool, in
// configured order.
func (m ModelsConfig) AllModels() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, pool := range [][]string{m.T1, m.T2, m.T3} {
		for _, entry := range pool {
			if entry == "" {
				continue
			}
			if _, ok := seen[entry]; ok {
				continue
			}
			seen[entry] = struct{}{}
			out = append(out, entry)
		}
	}
	return out
}

// TierMillis holds one millisecond value per tier.
type TierMillis struct {
	T1 int `json:"t1"`
	T2 int `json:"t2"`
	T3 int `json:"t3"`
}

// For returns the tier's value as a duration, or def when unset.
func (t TierMillis) For(tier models.Tier, def time.Duration) time.Duration {
	var ms int
	switch tier {
	case models.TierT1:
		ms = t.T1
	case models.TierT2:
		ms = t.T2
	case models.TierT3:
		ms = t.T3
	}
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// TimeoutsConfig holds the two-phase timeouts per tier. Connect covers
// dial, TLS, request write and the first response header byte; generation
// covers reading the response body.
type TimeoutsConfig struct {
	Connect    TierMillis `json:"connect"`
	Generation TierMillis `json:"generation"`
}

// TierCounts holds one integer per tier.
type TierCounts struct {
	T1 int `json:"t1"`
	T2 int `json:"t2"`
	T3 int `json:"t3"`
}

// For returns the tier's count, or def when unset.
func (t TierCounts) For(tier models.Tier, def int) int {
	var n int
	switch tier {
	case models.TierT1:
		n = t.T1
	case models.TierT2:
		n = t.T2
	case models.TierT3:
		n = t.T3
	}
	if n <= 0 {
		return def
	}
	return n
}

// RetryConditions widens the default retry set with operator-supplied
// status codes and body keywords.
type RetryConditions struct {
	StatusCodes   []int    `json:"status_codes"`
	ErrorKeywords []string `json:"error_keywords"`
	RetryOnEmpty  bool     `json:"retry_on_empty"`
}

// StatusRetryable reports whether the operator opted the status code into
// the retry set.
func (c RetryConditions) StatusRetryable(code int) bool {
	for _, s := range c.StatusCodes {
		if s == code {
			return true
		}
	}
	return false
}

// MatchKeyword returns the first configured keyword present in the body,
// case-insensitively, or "" when none match.
func (c RetryConditions) MatchKeyword(body string) string {
	lower := strings.ToLower(body)
	for _, kw := range c.ErrorKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

// RetriesConfig holds the failover budgets and retry conditions.
type RetriesConfig struct {
	Rounds     TierCounts      `json:"rounds"`
	MaxRetries TierCounts      `json:"max_retries"`
	Conditions RetryConditions `json:"conditions"`
}

// RouterConfig configures the intent-classification model.
type RouterConfig struct {
	Enabled        bool   `json:"enabled"`
	Model          string `json:"model"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	VerifySSL      bool   `json:"verify_ssl"`
	PromptTemplate string `json:"prompt_template"`
	TimeoutMs      int    `json:"timeout_ms"`

	// LegacyRandomTier restores the historical pick-a-random-tier behavior
	// when the router is disabled. Deprecated; off by default.
	LegacyRandomTier bool `json:"legacy_random_tier"`
}

// Timeout returns the classifier call timeout.
func (r RouterConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// HealthConfig tunes failure-score decay and persistence.
type HealthConfig struct {
	DecayRate float64 `json:"decay_rate"` // points per minute
	StatsPath string  `json:"stats_path"`
}

// ParamsConfig holds the default-parameter overlays. Global params fill
// absent keys only; model params overwrite unconditionally.
type ParamsConfig struct {
	Global map[string]any            `json:"global_params"`
	Model  map[string]map[string]any `json:"model_params"`
}

// GeneralConfig holds gateway-wide settings.
type GeneralConfig struct {
	GatewayAPIKey    string `json:"gateway_api_key"`
	LogRetentionDays int    `json:"log_retention_days"`
	DatabasePath     string `json:"database_path"`
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
}

// DefaultPromptTemplate is the intent-classification prompt. {history}
// is replaced with the recent user turns.
const DefaultPromptTemplate = `You are an intent router for an advanced AI Agent system.
Analyze the user's request history and classify the complexity into one of three levels.

T1 (Passive / Text-Only): pure conversation, greetings, simple factual questions answerable from internal knowledge. No tools, no side effects.

T2 (Active / Single-Task): standard tool usage such as web search or a calculator, code generation, simple system operations, analysis of user-provided files.

T3 (Agentic / Complex Flow): multi-step agent workflows, deep system control, high-stakes reasoning or architectural design.

User History:
{history}

Respond ONLY with the label: "T1", "T2", or "T3".`

// Default returns the default configuration document.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     6688,
			LogLevel: "info",
			LogDir:   "logs",
		},
		Providers: ProvidersConfig{
			Upstream: ProviderConfig{
				BaseURL:   "https://api.openai.com/v1",
				Protocol:  models.FlavorOpenAI,
				VerifySSL: true,
			},
			Custom: map[string]ProviderConfig{},
			Map:    map[string]string{},
		},
		Models: ModelsConfig{
			T1: []string{"gpt-4o-mini"},
			T2: []string{"gpt-4o"},
			T3: []string{"gpt-4-turbo"},
			Strategies: map[string]string{
				"t1": string(models.StrategySequential),
				"t2": string(models.StrategySequential),
				"t3": string(models.StrategySequential),
			},
		},
		Timeouts: TimeoutsConfig{
			Connect:    TierMillis{T1: 5000, T2: 5000, T3: 5000},
			Generation: TierMillis{T1: 5000, T2: 15000, T3: 30000},
		},
		Retries: RetriesConfig{
			Rounds:     TierCounts{T1: 1, T2: 1, T3: 1},
			MaxRetries: TierCounts{T1: 2, T2: 2, T3: 2},
			Conditions: RetryConditions{
				StatusCodes:   []int{429, 500, 502, 503, 504},
				ErrorKeywords: []string{"rate limit", "quota exceeded", "overloaded", "timeout", "try again"},
				RetryOnEmpty:  true,
			},
		},
		Router: RouterConfig{
			Enabled:        false,
			Model:          "gpt-4o-mini",
			BaseURL:        "https://api.openai.com/v1",
			VerifySSL:      true,
			PromptTemplate: DefaultPromptTemplate,
			TimeoutMs:      10000,
		},
		Health: HealthConfig{
			DecayRate: 1.0,
			StatsPath: "model_stats.v1.json",
		},
		Params: ParamsConfig{
			Global: map[string]any{},
			Model:  map[string]map[string]any{},
		},
		General: GeneralConfig{
			LogRetentionDays: 7,
			DatabasePath:     "logs.db",
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks the document for structural errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &Error{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Providers.Upstream.BaseURL == "" {
		return &Error{Field: "providers.upstream.base_url", Message: "is required"}
	}
	for id, p := range c.Providers.Custom {
		if p.BaseURL == "" {
			return &Error{Field: "providers.custom." + id + ".base_url", Message: "is required"}
		}
	}
	for tier, s := range c.Models.Strategies {
		switch models.Strategy(s) {
		case models.StrategySequential, models.StrategyRandom, models.StrategyAdaptive, "":
		default:
			return &Error{Field: "models.strategies." + tier, Message: "unknown strategy " + s}
		}
	}
	if c.Health.DecayRate < 0 {
		return &Error{Field: "health.decay_rate", Message: "must not be negative"}
	}
	if c.General.LogRetentionDays < 0 {
		return &Error{Field: "general.log_retention_days", Message: "must not be negative"}
	}
	return nil
}

// Error is a configuration validation error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "config: " + e.Field + " " + e.Message
}
