// Package config loads runner configuration from .metacrit/config.toml with
// environment overrides. API keys are taken from the environment (optionally
// a .env file), never from the TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/metacrit/internal/prompt"
)

type Config struct {
	Provider     ProviderConfig `toml:"provider"`
	MetaProvider ProviderConfig `toml:"meta_provider"`
	Loop         LoopConfig     `toml:"loop"`
	Retry        RetryConfig    `toml:"retry"`
	Harness      HarnessConfig  `toml:"harness"`
	Dataset      DatasetConfig  `toml:"dataset"`
}

type ProviderConfig struct {
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"-"` // env only
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	TimeoutMS   int     `toml:"timeout_ms"`
}

type LoopConfig struct {
	MaxIterations       int    `toml:"max_iterations"`
	CritiqueEnabled     bool   `toml:"critique_enabled"`
	MetaCritiqueEnabled bool   `toml:"meta_critique_enabled"`
	StopOnNoChange      bool   `toml:"stop_on_no_change"`
	MetaCritiqueBudget  int    `toml:"meta_critique_budget"`
	SystemPrompt        string `toml:"system_prompt"`
	InitialCriterion    string `toml:"initial_criterion"`
}

type RetryConfig struct {
	Budget      int `toml:"budget"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

type HarnessConfig struct {
	Concurrency int  `toml:"concurrency"`
	CarrySpec   bool `toml:"carry_spec"`
	Strict      bool `toml:"strict"`
}

type DatasetConfig struct {
	Path                  string  `toml:"path"`
	TestFraction          float64 `toml:"test_fraction"`
	Seed                  int64   `toml:"seed"`
	UseJailbreakTemplates bool    `toml:"use_jailbreak_templates"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "qwen2.5",
			Temperature: 0.8,
			MaxTokens:   512,
			TimeoutMS:   120000,
		},
		MetaProvider: ProviderConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.8,
			MaxTokens:   512,
			TimeoutMS:   120000,
		},
		Loop: LoopConfig{
			MaxIterations:       1,
			CritiqueEnabled:     true,
			MetaCritiqueEnabled: true,
			StopOnNoChange:      false,
			MetaCritiqueBudget:  10,
			SystemPrompt:        prompt.DefaultSystemPrompt,
			InitialCriterion:    prompt.DefaultCriterion,
		},
		Retry:   RetryConfig{Budget: 3, BaseDelayMS: 250},
		Harness: HarnessConfig{Concurrency: 1, CarrySpec: true, Strict: false},
		Dataset: DatasetConfig{TestFraction: 0.1, Seed: 0, UseJailbreakTemplates: true},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads .metacrit/config.toml under root, merges it over defaults and
// applies environment overrides. A .env file in root is honored when
// present.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, ".metacrit", "config.toml")
	res.Path = path

	// best-effort: missing .env is the normal case
	_ = godotenv.Load(filepath.Join(root, ".env"))

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(&res.Config)
			return res
		}
		res.ParseError = err
		applyEnv(&res.Config)
		return res
	}

	res.Found = true
	var parsed fileConfig
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		applyEnv(&res.Config)
		return res
	}

	res.Config = merge(Default(), parsed)
	applyEnv(&res.Config)
	return res
}

// fileConfig mirrors Config for parsing; booleans are pointers so an absent
// key is distinguishable from an explicit false.
type fileConfig struct {
	Provider     ProviderConfig `toml:"provider"`
	MetaProvider ProviderConfig `toml:"meta_provider"`
	Loop         struct {
		MaxIterations       int    `toml:"max_iterations"`
		CritiqueEnabled     *bool  `toml:"critique_enabled"`
		MetaCritiqueEnabled *bool  `toml:"meta_critique_enabled"`
		StopOnNoChange      *bool  `toml:"stop_on_no_change"`
		MetaCritiqueBudget  int    `toml:"meta_critique_budget"`
		SystemPrompt        string `toml:"system_prompt"`
		InitialCriterion    string `toml:"initial_criterion"`
	} `toml:"loop"`
	Retry   RetryConfig `toml:"retry"`
	Harness struct {
		Concurrency int   `toml:"concurrency"`
		CarrySpec   *bool `toml:"carry_spec"`
		Strict      *bool `toml:"strict"`
	} `toml:"harness"`
	Dataset struct {
		Path                  string  `toml:"path"`
		TestFraction          float64 `toml:"test_fraction"`
		Seed                  int64   `toml:"seed"`
		UseJailbreakTemplates *bool   `toml:"use_jailbreak_templates"`
	} `toml:"dataset"`
}

func merge(def Config, cfg fileConfig) Config {
	def.Provider = mergeProvider(def.Provider, cfg.Provider)
	def.MetaProvider = mergeProvider(def.MetaProvider, cfg.MetaProvider)
	// Loop
	if cfg.Loop.MaxIterations != 0 {
		def.Loop.MaxIterations = cfg.Loop.MaxIterations
	}
	if cfg.Loop.CritiqueEnabled != nil {
		def.Loop.CritiqueEnabled = *cfg.Loop.CritiqueEnabled
	}
	if cfg.Loop.MetaCritiqueEnabled != nil {
		def.Loop.MetaCritiqueEnabled = *cfg.Loop.MetaCritiqueEnabled
	}
	if cfg.Loop.StopOnNoChange != nil {
		def.Loop.StopOnNoChange = *cfg.Loop.StopOnNoChange
	}
	if cfg.Loop.MetaCritiqueBudget != 0 {
		def.Loop.MetaCritiqueBudget = cfg.Loop.MetaCritiqueBudget
	}
	if cfg.Loop.SystemPrompt != "" {
		def.Loop.SystemPrompt = cfg.Loop.SystemPrompt
	}
	if cfg.Loop.InitialCriterion != "" {
		def.Loop.InitialCriterion = cfg.Loop.InitialCriterion
	}
	// Retry
	if cfg.Retry.Budget != 0 {
		def.Retry.Budget = cfg.Retry.Budget
	}
	if cfg.Retry.BaseDelayMS != 0 {
		def.Retry.BaseDelayMS = cfg.Retry.BaseDelayMS
	}
	// Harness
	if cfg.Harness.Concurrency != 0 {
		def.Harness.Concurrency = cfg.Harness.Concurrency
	}
	if cfg.Harness.CarrySpec != nil {
		def.Harness.CarrySpec = *cfg.Harness.CarrySpec
	}
	if cfg.Harness.Strict != nil {
		def.Harness.Strict = *cfg.Harness.Strict
	}
	// Dataset
	if cfg.Dataset.Path != "" {
		def.Dataset.Path = cfg.Dataset.Path
	}
	if cfg.Dataset.TestFraction != 0 {
		def.Dataset.TestFraction = cfg.Dataset.TestFraction
	}
	if cfg.Dataset.Seed != 0 {
		def.Dataset.Seed = cfg.Dataset.Seed
	}
	if cfg.Dataset.UseJailbreakTemplates != nil {
		def.Dataset.UseJailbreakTemplates = *cfg.Dataset.UseJailbreakTemplates
	}
	return def
}

func mergeProvider(def ProviderConfig, cfg ProviderConfig) ProviderConfig {
	if cfg.BaseURL != "" {
		def.BaseURL = cfg.BaseURL
	}
	if cfg.Model != "" {
		def.Model = cfg.Model
	}
	if cfg.Temperature != 0 {
		def.Temperature = cfg.Temperature
	}
	if cfg.MaxTokens != 0 {
		def.MaxTokens = cfg.MaxTokens
	}
	if cfg.TimeoutMS != 0 {
		def.TimeoutMS = cfg.TimeoutMS
	}
	return def
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("METACRIT_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("METACRIT_META_API_KEY"); v != "" {
		cfg.MetaProvider.APIKey = v
	}
	if v := os.Getenv("METACRIT_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("METACRIT_META_BASE_URL"); v != "" {
		cfg.MetaProvider.BaseURL = v
	}
	if v := os.Getenv("METACRIT_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("METACRIT_META_MODEL"); v != "" {
		cfg.MetaProvider.Model = v
	}
}
