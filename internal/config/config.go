// Package config loads and persists the application configuration:
// logging switches, LLM vendor/model registry, embedding settings, and the
// injection budget. Config lives at <dataDir>/config.json. API keys are
// never stored here; they live in the secure store and are referenced by
// vendor id.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// AdapterName selects the provider request adapter for a model.
type AdapterName string

const (
	AdapterOpenAI    AdapterName = "openai"
	AdapterAnthropic AdapterName = "anthropic"
	AdapterGoogle    AdapterName = "google"
)

// VendorConfig describes one API vendor. The API key is held in the secure
// store under "vendor/<id>" and is deliberately absent from this struct so
// config exports cannot leak it.
type VendorConfig struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	BaseURL        string `json:"base_url"`
	ProviderType   string `json:"provider_type"`
	Builtin        bool   `json:"builtin"`
	MaxTokensLimit int    `json:"max_tokens_limit,omitempty"`
}

// ModelProfile describes a usable model and its sampling/reasoning knobs.
type ModelProfile struct {
	ID               string      `json:"id"`
	VendorID         string      `json:"vendor_id"`
	ModelName        string      `json:"model_name"`
	Adapter          AdapterName `json:"adapter"`
	Multimodal       bool        `json:"multimodal"`
	Reasoning        bool        `json:"reasoning"`
	Tools            bool        `json:"tools"`
	MaxOutputTokens  int         `json:"max_output_tokens,omitempty"`
	Temperature      *float64    `json:"temperature,omitempty"`
	TopP             *float64    `json:"top_p,omitempty"`
	TopK             *int        `json:"top_k,omitempty"`
	ThinkingEnabled  bool        `json:"thinking_enabled,omitempty"`
	ThinkingBudget   int         `json:"thinking_budget,omitempty"`
	ReasoningEffort  string      `json:"reasoning_effort,omitempty"`
	IncludeThoughts  bool        `json:"include_thoughts,omitempty"`
	GeminiAPIVersion string      `json:"gemini_api_version,omitempty"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	// Provider: "openai" (any OpenAI-compatible endpoint) or "genai".
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model"`
	// VLModel is the multimodal embedding model; empty disables VL indexing.
	VLModel string `json:"vl_model,omitempty"`
}

// BudgetConfig drives the injection budget manager.
type BudgetConfig struct {
	TotalBudget           int            `json:"total_budget"`
	ReservedUserInput     int            `json:"reserved_user_input"`
	ReservedSystem        int            `json:"reserved_system"`
	TypeLimits            map[string]int `json:"type_limits"`
	EnableSmartTruncation bool           `json:"enable_smart_truncation"`
}

// DefaultBudgetConfig returns the stock budget allocation.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		TotalBudget:       30000,
		ReservedUserInput: 4000,
		ReservedSystem:    2000,
		TypeLimits: map[string]int{
			"rag":           8000,
			"memory":        4000,
			"web_search":    6000,
			"context":       3000,
			"system_prompt": 2000,
			"tool_results":  5000,
		},
		EnableSmartTruncation: true,
	}
}

// Config is the root application configuration.
type Config struct {
	Logging     logging.Config    `json:"logging"`
	Vendors     []VendorConfig    `json:"vendors"`
	Models      []ModelProfile    `json:"models"`
	Assignments map[string]string `json:"assignments"` // role -> model profile id
	Embedding   EmbeddingConfig   `json:"embedding"`
	Budget      BudgetConfig      `json:"budget"`
}

// Default returns a config with builtin vendors and stock budgets.
func Default() *Config {
	return &Config{
		Logging: logging.Config{Level: "info"},
		Vendors: []VendorConfig{
			{ID: "openai", Name: "OpenAI", BaseURL: "https://api.openai.com/v1", ProviderType: "openai", Builtin: true},
			{ID: "anthropic", Name: "Anthropic", BaseURL: "https://api.anthropic.com/v1", ProviderType: "anthropic", Builtin: true},
			{ID: "google", Name: "Google", BaseURL: "https://generativelanguage.googleapis.com", ProviderType: "google", Builtin: true},
		},
		Assignments: map[string]string{},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		Budget: DefaultBudgetConfig(),
	}
}

// Load reads config.json under dataDir, merging defaults for absent sections.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, apperr.FileSystem("config.Load", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "config.Load", err, "config.json is malformed")
	}
	if cfg.Budget.TotalBudget <= 0 {
		cfg.Budget = DefaultBudgetConfig()
	}
	return cfg, nil
}

// Save writes config.json under dataDir.
func (c *Config) Save(dataDir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return apperr.Internal("config.Save", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "config.json"), data, 0644); err != nil {
		return apperr.FileSystem("config.Save", err)
	}
	return nil
}

// Model returns the profile with the given id.
func (c *Config) Model(id string) (*ModelProfile, error) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i], nil
		}
	}
	return nil, apperr.Configuration("config.Model", "unknown model profile %q", id)
}

// Vendor returns the vendor with the given id.
func (c *Config) Vendor(id string) (*VendorConfig, error) {
	for i := range c.Vendors {
		if c.Vendors[i].ID == id {
			return &c.Vendors[i], nil
		}
	}
	return nil, apperr.Configuration("config.Vendor", "unknown vendor %q", id)
}

// AssignedModel resolves a role (e.g. "chat", "grading", "rerank") to its
// model profile.
func (c *Config) AssignedModel(role string) (*ModelProfile, error) {
	id, ok := c.Assignments[role]
	if !ok || id == "" {
		return nil, apperr.Configuration("config.AssignedModel", "no model assigned for role %q", role)
	}
	return c.Model(id)
}

// Validate checks referential integrity between models and vendors.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return apperr.Configuration("config.Validate", "model profile without id")
		}
		if seen[m.ID] {
			return apperr.Configuration("config.Validate", "duplicate model profile id %q", m.ID)
		}
		seen[m.ID] = true
		if _, err := c.Vendor(m.VendorID); err != nil {
			return fmt.Errorf("model %q: %w", m.ID, err)
		}
		switch m.Adapter {
		case AdapterOpenAI, AdapterAnthropic, AdapterGoogle, "":
		default:
			return apperr.Configuration("config.Validate", "model %q has unknown adapter %q", m.ID, m.Adapter)
		}
	}
	return nil
}
