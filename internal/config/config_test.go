package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		HealthcareMode: true,
		Providers: []Provider{
			{
				ID:   "openai",
				Type: "openai",
				Models: []ProviderModel{
					{ModelName: "gpt-4o", HealthcareTier: true, IsDefault: true},
					{ModelName: "gpt-4o-mini"},
				},
			},
		},
		RoutingTable: []Route{
			{Class: RouteClassCritical, ProviderID: "openai", Model: "gpt-4o"},
			{Class: RouteClassComplex, ProviderID: "openai", Model: "gpt-4o"},
			{Class: RouteClassSimple, ProviderID: "openai", Model: "gpt-4o-mini"},
		},
		Embedding: EmbeddingConfig{Model: "nomic-embed-text", ModelVersion: "v1"},
		Index:     IndexConfig{Collection: "careline_corpus"},
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "no_providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantSub: "missing providers",
		},
		{
			name:    "provider_id_with_slash",
			mutate:  func(c *Config) { c.Providers[0].ID = "open/ai" },
			wantSub: "must not contain /",
		},
		{
			name: "duplicate_provider_id",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, c.Providers[0])
			},
			wantSub: "duplicate id",
		},
		{
			name:    "bad_provider_type",
			mutate:  func(c *Config) { c.Providers[0].Type = "azure" },
			wantSub: "invalid type",
		},
		{
			name: "openai_compatible_needs_base_url",
			mutate: func(c *Config) {
				c.Providers[0].Type = "openai_compatible"
				c.Providers[0].BaseURL = ""
			},
			wantSub: "base_url is required",
		},
		{
			name: "default_must_be_healthcare_tier",
			mutate: func(c *Config) {
				c.Providers[0].Models[0].HealthcareTier = false
			},
			wantSub: "default model must be healthcare_tier",
		},
		{
			name: "no_default_model",
			mutate: func(c *Config) {
				c.Providers[0].Models[0].IsDefault = false
			},
			wantSub: "missing default model",
		},
		{
			name: "multiple_default_models",
			mutate: func(c *Config) {
				c.Providers[0].Models[1].IsDefault = true
				c.Providers[0].Models[1].HealthcareTier = true
			},
			wantSub: "multiple default models",
		},
		{
			name:    "empty_routing_table",
			mutate:  func(c *Config) { c.RoutingTable = nil },
			wantSub: "missing routing_table",
		},
		{
			name:    "bad_route_class",
			mutate:  func(c *Config) { c.RoutingTable[0].Class = "urgent" },
			wantSub: "invalid class",
		},
		{
			name:    "route_unknown_provider",
			mutate:  func(c *Config) { c.RoutingTable[0].ProviderID = "nope" },
			wantSub: "unknown provider_id",
		},
		{
			name:    "route_undeclared_model",
			mutate:  func(c *Config) { c.RoutingTable[0].Model = "gpt-5" },
			wantSub: "not declared",
		},
		{
			name:    "bad_allowed_tier",
			mutate:  func(c *Config) { c.Retrieval.AllowedTiers = []int{0} },
			wantSub: "invalid tier",
		},
		{
			name:    "bad_min_similarity",
			mutate:  func(c *Config) { v := 1.5; c.Retrieval.MinSimilarity = &v },
			wantSub: "min_similarity",
		},
		{
			name:    "bad_temperature",
			mutate:  func(c *Config) { v := 3.0; c.Temperature = &v },
			wantSub: "temperature",
		},
		{
			name:    "missing_embedding_model",
			mutate:  func(c *Config) { c.Embedding.Model = "" },
			wantSub: "embedding.model",
		},
		{
			name:    "missing_model_version",
			mutate:  func(c *Config) { c.Embedding.ModelVersion = " " },
			wantSub: "model_version",
		},
		{
			name:    "missing_collection",
			mutate:  func(c *Config) { c.Index.Collection = "" },
			wantSub: "index.collection",
		},
		{
			name:    "bad_disallowed_pattern",
			mutate:  func(c *Config) { c.DisallowedPatterns = []string{`(unclosed`} },
			wantSub: "disallowed_patterns[0]",
		},
		{
			name:    "bad_context_max_age",
			mutate:  func(c *Config) { v := 0; c.ContextMaxAgeHours = &v },
			wantSub: "context_max_age_hours",
		},
		{
			name:    "bad_log_format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantSub: "log_format",
		},
		{
			name:    "bad_log_level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantSub: "log_level",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantSub)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error = %q, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestDefaultModelID(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	id, ok := cfg.DefaultModelID()
	if !ok || id != "openai/gpt-4o" {
		t.Fatalf("DefaultModelID = %q,%v", id, ok)
	}

	cfg.Providers[0].Models[0].IsDefault = false
	if _, ok := cfg.DefaultModelID(); ok {
		t.Fatalf("no default model should report ok=false")
	}
}

func TestSplitModelID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in            string
		wantProvider  string
		wantModelName string
	}{
		{in: "openai/gpt-4o", wantProvider: "openai", wantModelName: "gpt-4o"},
		{in: " openai/gpt-4o ", wantProvider: "openai", wantModelName: "gpt-4o"},
		{in: "local/llama/3.1", wantProvider: "local", wantModelName: "llama/3.1"},
		{in: "bare", wantProvider: "bare", wantModelName: ""},
	}
	for _, tc := range tests {
		p, m := SplitModelID(tc.in)
		if p != tc.wantProvider || m != tc.wantModelName {
			t.Fatalf("SplitModelID(%q) = %q,%q", tc.in, p, m)
		}
	}
}

func TestIsHealthcareTier(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if !cfg.IsHealthcareTier("openai", "gpt-4o") {
		t.Fatalf("gpt-4o is healthcare tier")
	}
	if cfg.IsHealthcareTier("openai", "gpt-4o-mini") {
		t.Fatalf("gpt-4o-mini is not healthcare tier")
	}
	if cfg.IsHealthcareTier("nope", "gpt-4o") {
		t.Fatalf("unknown provider cannot be healthcare tier")
	}
}

func TestRoutesForClass(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	routes := cfg.RoutesForClass(RouteClassSimple)
	if len(routes) != 1 || routes[0].Model != "gpt-4o-mini" {
		t.Fatalf("RoutesForClass(simple) = %v", routes)
	}
	if got := cfg.RoutesForClass("unknown"); len(got) != 0 {
		t.Fatalf("unknown class must yield no routes, got %v", got)
	}
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if got := cfg.EffectiveKRaw(); got != 20 {
		t.Fatalf("EffectiveKRaw = %d", got)
	}
	if got := cfg.EffectiveKFinal(); got != 5 {
		t.Fatalf("EffectiveKFinal = %d", got)
	}
	if got := cfg.EffectiveMinSimilarity(); got != 0.2 {
		t.Fatalf("EffectiveMinSimilarity = %v", got)
	}
	if got := cfg.EffectiveAllowedTiers(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("EffectiveAllowedTiers = %v", got)
	}
	if got := cfg.EffectiveMaxInputChars(); got != 4000 {
		t.Fatalf("EffectiveMaxInputChars = %d", got)
	}
	if got := cfg.EffectiveContextMaxTurns(); got != 10 {
		t.Fatalf("EffectiveContextMaxTurns = %d", got)
	}
	if got := cfg.EffectiveContextMaxAgeHours(); got != 0 {
		t.Fatalf("EffectiveContextMaxAgeHours = %d, age eviction defaults off", got)
	}
	if got := cfg.EffectiveRequestDeadlineMs(); got != 30000 {
		t.Fatalf("EffectiveRequestDeadlineMs = %d", got)
	}
	if got := cfg.EffectiveTemperature(); got != 0.3 {
		t.Fatalf("EffectiveTemperature = %v", got)
	}
	if got := cfg.EffectiveEmbeddingBaseURL(); got != "http://localhost:11434" {
		t.Fatalf("EffectiveEmbeddingBaseURL = %q", got)
	}
	if got := cfg.EffectiveIndexHost(); got != "localhost" {
		t.Fatalf("EffectiveIndexHost = %q", got)
	}
	if got := cfg.EffectiveIndexPort(); got != 6334 {
		t.Fatalf("EffectiveIndexPort = %d", got)
	}

	k := 7
	cfg.Retrieval.KFinal = &k
	if got := cfg.EffectiveKFinal(); got != 7 {
		t.Fatalf("override EffectiveKFinal = %d", got)
	}
}

func TestEffectiveDisclaimer(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if got := cfg.EffectiveDisclaimer(); got != DefaultDisclaimer {
		t.Fatalf("EffectiveDisclaimer = %q", got)
	}
	cfg.Disclaimer = "  Operator text.  "
	if got := cfg.EffectiveDisclaimer(); got != "Operator text." {
		t.Fatalf("EffectiveDisclaimer = %q", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := validConfig()

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Providers) != 1 || got.Providers[0].ID != "openai" {
		t.Fatalf("providers = %v", got.Providers)
	}
	if !got.HealthcareMode {
		t.Fatalf("healthcare_mode lost in round trip")
	}
	if got.Index.Collection != "careline_corpus" {
		t.Fatalf("collection = %q", got.Index.Collection)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Providers = nil
	if err := Save(filepath.Join(t.TempDir(), "config.json"), cfg); err == nil {
		t.Fatalf("invalid config must not be persisted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("missing file must fail")
	}
}
