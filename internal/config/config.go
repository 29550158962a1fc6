package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the on-disk configuration for the careline pipeline.
//
// Notes:
//   - Secrets (provider api keys) must never be stored here. Keys are managed
//     via a separate local secrets file.
//   - Field names are snake_case to match the rest of the service surface.
type Config struct {
	// Providers is the model provider registry available to the gateway.
	Providers []Provider `json:"providers"`

	// RoutingTable maps complexity classes to (provider, model) pairs.
	// Order within a class is the explicit fallback order.
	RoutingTable []Route `json:"routing_table"`

	// HealthcareMode enforces mandatory disclaimer injection and refuses to
	// downgrade routing below the healthcare-tier floor.
	HealthcareMode bool `json:"healthcare_mode"`

	// Disclaimer is the operator-configured medical disclaimer appended to
	// every response when healthcare_mode is on.
	Disclaimer string `json:"disclaimer,omitempty"`

	Retrieval RetrievalConfig `json:"retrieval"`
	Embedding EmbeddingConfig `json:"embedding"`
	Index     IndexConfig     `json:"index"`

	// MaxInputChars bounds text inputs. Defaults to 4000.
	MaxInputChars *int `json:"max_input_chars,omitempty"`

	// DisallowedPatterns replaces the built-in input rejection patterns
	// (control characters, script markup) when set. Entries are Go regular
	// expressions.
	DisallowedPatterns []string `json:"disallowed_patterns,omitempty"`

	// ContextMaxTurns bounds retained turns per session. Defaults to 10.
	ContextMaxTurns *int `json:"context_max_turns,omitempty"`

	// ContextMaxAgeHours evicts retained turns older than this on append.
	// Unset disables age-based eviction.
	ContextMaxAgeHours *int `json:"context_max_age_hours,omitempty"`

	// RequestDeadlineMs is the total per-request budget. Defaults to 30000.
	RequestDeadlineMs *int `json:"request_deadline_ms,omitempty"`

	// Temperature is the deterministic generation temperature. Defaults to 0.3.
	Temperature *float64 `json:"temperature,omitempty"`

	// ContextDBPath is the sqlite file backing the context store.
	ContextDBPath string `json:"context_db_path,omitempty"`

	// StageLogPath is the sqlite file backing the stage-call log.
	StageLogPath string `json:"stage_log_path,omitempty"`

	// CrisisResourcesPath points at the YAML crisis-resource table.
	CrisisResourcesPath string `json:"crisis_resources_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// Provider declares one model provider usable by the gateway.
type Provider struct {
	// ID is a stable internal id (primary key for secrets and routing).
	ID string `json:"id"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	// Models is the allowed model list for this provider.
	Models []ProviderModel `json:"models"`
}

type ProviderModel struct {
	ModelName string `json:"model_name"`

	// HealthcareTier marks models that satisfy the healthcare routing floor.
	HealthcareTier bool `json:"healthcare_tier,omitempty"`

	// IsDefault marks the single default healthcare-tier model across all
	// providers.
	IsDefault bool `json:"is_default,omitempty"`
}

// Route is one row of the routing table.
type Route struct {
	// Class is one of: "critical" | "complex" | "simple".
	Class      string `json:"class"`
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
}

type RetrievalConfig struct {
	// KRaw is the pre-dedupe k-NN count. Defaults to 20.
	KRaw *int `json:"k_raw,omitempty"`

	// KFinal is the post-dedupe citation count. Defaults to 5.
	KFinal *int `json:"k_final,omitempty"`

	// MinSimilarity is the floor below which hits are discarded. Defaults to 0.2.
	MinSimilarity *float64 `json:"min_similarity,omitempty"`

	// AllowedTiers restricts retrieval to these authority tiers. Defaults to [1,2,3].
	AllowedTiers []int `json:"allowed_tiers,omitempty"`

	// CacheTTLSeconds bounds retrieval cache entries. Defaults to 3600.
	CacheTTLSeconds *int `json:"cache_ttl_seconds,omitempty"`
}

type EmbeddingConfig struct {
	// BaseURL is the Ollama server URL. Defaults to http://localhost:11434.
	BaseURL string `json:"base_url,omitempty"`

	Model string `json:"model"`

	// ModelVersion participates in the retrieval cache key. Bump it when the
	// embedding model changes so stale vectors never satisfy new queries.
	ModelVersion string `json:"model_version"`
}

type IndexConfig struct {
	// Host/Port locate the qdrant gRPC endpoint.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	Collection string `json:"collection"`
}

// Complexity classes recognized by the router.
const (
	RouteClassCritical = "critical"
	RouteClassComplex  = "complex"
	RouteClassSimple   = "simple"
)

const (
	defaultKRaw              = 20
	defaultKFinal            = 5
	defaultMinSimilarity     = 0.2
	defaultMaxInputChars     = 4000
	defaultContextMaxTurns   = 10
	defaultRequestDeadlineMs = 30000
	defaultTemperature       = 0.3
	defaultCacheTTLSeconds   = 3600

	defaultEmbeddingBaseURL = "http://localhost:11434"
	defaultIndexHost        = "localhost"
	defaultIndexPort        = 6334
)

// DefaultDisclaimer is used when healthcare_mode is on and no operator
// disclaimer is configured.
const DefaultDisclaimer = "This information is educational and is not a substitute for professional medical advice. Consult a qualified clinician for diagnosis and treatment."

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		switch strings.TrimSpace(p.Type) {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, p.Type)
		}
		if strings.TrimSpace(p.Type) == "openai_compatible" && strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		names := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := names[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			names[name] = struct{}{}
			if m.IsDefault {
				if !m.HealthcareTier {
					return fmt.Errorf("providers[%d].models[%d]: default model must be healthcare_tier", i, j)
				}
				defaultCount++
			}
		}
	}
	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}

	if len(c.RoutingTable) == 0 {
		return errors.New("missing routing_table")
	}
	for i := range c.RoutingTable {
		r := c.RoutingTable[i]
		switch strings.TrimSpace(r.Class) {
		case RouteClassCritical, RouteClassComplex, RouteClassSimple:
		default:
			return fmt.Errorf("routing_table[%d]: invalid class %q", i, r.Class)
		}
		pid := strings.TrimSpace(r.ProviderID)
		if pid == "" {
			return fmt.Errorf("routing_table[%d]: missing provider_id", i)
		}
		if _, ok := seen[pid]; !ok {
			return fmt.Errorf("routing_table[%d]: unknown provider_id %q", i, pid)
		}
		model := strings.TrimSpace(r.Model)
		if model == "" {
			return fmt.Errorf("routing_table[%d]: missing model", i)
		}
		if !c.providerHasModel(pid, model) {
			return fmt.Errorf("routing_table[%d]: model %q not declared for provider %q", i, model, pid)
		}
	}

	for i, tier := range c.Retrieval.AllowedTiers {
		if tier < 1 || tier > 5 {
			return fmt.Errorf("retrieval.allowed_tiers[%d]: invalid tier %d (must be in [1,5])", i, tier)
		}
	}
	if c.Retrieval.KRaw != nil && *c.Retrieval.KRaw <= 0 {
		return errors.New("retrieval.k_raw must be positive")
	}
	if c.Retrieval.KFinal != nil && *c.Retrieval.KFinal <= 0 {
		return errors.New("retrieval.k_final must be positive")
	}
	if c.Retrieval.MinSimilarity != nil && (*c.Retrieval.MinSimilarity < 0 || *c.Retrieval.MinSimilarity > 1) {
		return errors.New("retrieval.min_similarity must be in [0,1]")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return errors.New("temperature must be in [0,2]")
	}
	if c.MaxInputChars != nil && *c.MaxInputChars <= 0 {
		return errors.New("max_input_chars must be positive")
	}
	if c.ContextMaxTurns != nil && *c.ContextMaxTurns <= 0 {
		return errors.New("context_max_turns must be positive")
	}
	if c.ContextMaxAgeHours != nil && *c.ContextMaxAgeHours <= 0 {
		return errors.New("context_max_age_hours must be positive")
	}
	for i, p := range c.DisallowedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("disallowed_patterns[%d]: %v", i, err)
		}
	}
	if c.RequestDeadlineMs != nil && *c.RequestDeadlineMs <= 0 {
		return errors.New("request_deadline_ms must be positive")
	}

	if strings.TrimSpace(c.Embedding.Model) == "" {
		return errors.New("missing embedding.model")
	}
	if strings.TrimSpace(c.Embedding.ModelVersion) == "" {
		return errors.New("missing embedding.model_version")
	}
	if strings.TrimSpace(c.Index.Collection) == "" {
		return errors.New("missing index.collection")
	}

	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	return nil
}

func (c *Config) providerHasModel(providerID, model string) bool {
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != providerID {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == model {
				return true
			}
		}
		return false
	}
	return false
}

// DefaultModelID returns the default healthcare-tier model wire id
// (<provider_id>/<model_name>). It assumes Validate() has passed.
func (c *Config) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			mn := strings.TrimSpace(m.ModelName)
			if mn == "" {
				continue
			}
			return pid + "/" + mn, true
		}
	}
	return "", false
}

// SplitModelID splits a wire model id "<provider_id>/<model_name>" into its
// parts. Model names may themselves contain slashes; only the first one
// separates.
func SplitModelID(id string) (providerID, model string) {
	providerID, model, _ = strings.Cut(strings.TrimSpace(id), "/")
	return providerID, model
}

// IsHealthcareTier reports whether the given (provider, model) pair satisfies
// the healthcare routing floor.
func (c *Config) IsHealthcareTier(providerID, model string) bool {
	if c == nil {
		return false
	}
	providerID = strings.TrimSpace(providerID)
	model = strings.TrimSpace(model)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != providerID {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == model {
				return m.HealthcareTier
			}
		}
		return false
	}
	return false
}

// RoutesForClass returns the routing rows for one complexity class in
// declared (fallback) order.
func (c *Config) RoutesForClass(class string) []Route {
	if c == nil {
		return nil
	}
	class = strings.TrimSpace(class)
	out := make([]Route, 0, len(c.RoutingTable))
	for _, r := range c.RoutingTable {
		if strings.TrimSpace(r.Class) == class {
			out = append(out, r)
		}
	}
	return out
}

func (c *Config) EffectiveKRaw() int {
	if c == nil || c.Retrieval.KRaw == nil || *c.Retrieval.KRaw <= 0 {
		return defaultKRaw
	}
	return *c.Retrieval.KRaw
}

func (c *Config) EffectiveKFinal() int {
	if c == nil || c.Retrieval.KFinal == nil || *c.Retrieval.KFinal <= 0 {
		return defaultKFinal
	}
	return *c.Retrieval.KFinal
}

func (c *Config) EffectiveMinSimilarity() float64 {
	if c == nil || c.Retrieval.MinSimilarity == nil {
		return defaultMinSimilarity
	}
	return *c.Retrieval.MinSimilarity
}

func (c *Config) EffectiveAllowedTiers() []int {
	if c == nil || len(c.Retrieval.AllowedTiers) == 0 {
		return []int{1, 2, 3}
	}
	return append([]int(nil), c.Retrieval.AllowedTiers...)
}

func (c *Config) EffectiveCacheTTLSeconds() int {
	if c == nil || c.Retrieval.CacheTTLSeconds == nil || *c.Retrieval.CacheTTLSeconds <= 0 {
		return defaultCacheTTLSeconds
	}
	return *c.Retrieval.CacheTTLSeconds
}

func (c *Config) EffectiveMaxInputChars() int {
	if c == nil || c.MaxInputChars == nil || *c.MaxInputChars <= 0 {
		return defaultMaxInputChars
	}
	return *c.MaxInputChars
}

func (c *Config) EffectiveContextMaxTurns() int {
	if c == nil || c.ContextMaxTurns == nil || *c.ContextMaxTurns <= 0 {
		return defaultContextMaxTurns
	}
	return *c.ContextMaxTurns
}

// EffectiveContextMaxAgeHours returns the turn age limit, 0 when age-based
// eviction is disabled.
func (c *Config) EffectiveContextMaxAgeHours() int {
	if c == nil || c.ContextMaxAgeHours == nil || *c.ContextMaxAgeHours <= 0 {
		return 0
	}
	return *c.ContextMaxAgeHours
}

func (c *Config) EffectiveRequestDeadlineMs() int {
	if c == nil || c.RequestDeadlineMs == nil || *c.RequestDeadlineMs <= 0 {
		return defaultRequestDeadlineMs
	}
	return *c.RequestDeadlineMs
}

func (c *Config) EffectiveTemperature() float64 {
	if c == nil || c.Temperature == nil {
		return defaultTemperature
	}
	return *c.Temperature
}

func (c *Config) EffectiveDisclaimer() string {
	if c == nil {
		return DefaultDisclaimer
	}
	if d := strings.TrimSpace(c.Disclaimer); d != "" {
		return d
	}
	return DefaultDisclaimer
}

func (c *Config) EffectiveEmbeddingBaseURL() string {
	if c == nil {
		return defaultEmbeddingBaseURL
	}
	if u := strings.TrimSpace(c.Embedding.BaseURL); u != "" {
		return u
	}
	return defaultEmbeddingBaseURL
}

func (c *Config) EffectiveIndexHost() string {
	if c == nil {
		return defaultIndexHost
	}
	if h := strings.TrimSpace(c.Index.Host); h != "" {
		return h
	}
	return defaultIndexHost
}

func (c *Config) EffectiveIndexPort() int {
	if c == nil || c.Index.Port <= 0 {
		return defaultIndexPort
	}
	return c.Index.Port
}

func (c *Config) EffectiveContextDBPath() string {
	if c != nil {
		if p := strings.TrimSpace(c.ContextDBPath); p != "" {
			return p
		}
	}
	return filepath.Join(stateDir(), "context.db")
}

func (c *Config) EffectiveStageLogPath() string {
	if c != nil {
		if p := strings.TrimSpace(c.StageLogPath); p != "" {
			return p
		}
	}
	return filepath.Join(stateDir(), "stagelog.db")
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "."
	}
	return filepath.Join(home, ".careline")
}

// DefaultConfigPath returns ~/.careline/config.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "careline.config.json"
	}
	return filepath.Join(home, ".careline", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
