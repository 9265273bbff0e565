// Package pricing resolves per-model token prices and computes call costs.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/visiquate/cco-sub021/internal/core"
)

// ModelPricing holds USD-per-million-token rates for one model.
// Cache rates are optional; a missing cache rate is billed at the input rate.
type ModelPricing struct {
	Tier                 core.Tier `yaml:"tier,omitempty" json:"tier,omitempty" mapstructure:"tier"`
	InputPerMillion      float64   `yaml:"input_per_million" json:"input_per_million" mapstructure:"input_per_million"`
	OutputPerMillion     float64   `yaml:"output_per_million" json:"output_per_million" mapstructure:"output_per_million"`
	CacheWritePerMillion *float64  `yaml:"cache_write_per_million,omitempty" json:"cache_write_per_million,omitempty" mapstructure:"cache_write_per_million"`
	CacheReadPerMillion  *float64  `yaml:"cache_read_per_million,omitempty" json:"cache_read_per_million,omitempty" mapstructure:"cache_read_per_million"`
}

// Entry is the result of a table lookup.
type Entry struct {
	// Model is the table key that matched, empty for unknown models.
	Model string
	Tier  core.Tier
	// Known is false when the model fell through to the zero-cost entry.
	Known bool
	rates rates
}

// rates are nanodollars per million tokens.
type rates struct {
	input, output, cacheWrite, cacheRead core.Nanos
}

func (p ModelPricing) rates() rates {
	r := rates{
		input:  core.FromUSD(p.InputPerMillion),
		output: core.FromUSD(p.OutputPerMillion),
	}
	r.cacheWrite, r.cacheRead = r.input, r.input
	if p.CacheWritePerMillion != nil {
		r.cacheWrite = core.FromUSD(*p.CacheWritePerMillion)
	}
	if p.CacheReadPerMillion != nil {
		r.cacheRead = core.FromUSD(*p.CacheReadPerMillion)
	}
	return r
}

// Table maps model identifiers to pricing. A Table is immutable after
// construction and safe for concurrent use; reloads build a new Table.
type Table struct {
	entries  map[string]Entry
	prefixes []string // keys sorted longest first
	byTier   map[core.Tier]string
}

// NewTable builds a table from model -> pricing.
func NewTable(models map[string]ModelPricing) *Table {
	t := &Table{
		entries:  make(map[string]Entry, len(models)),
		prefixes: make([]string, 0, len(models)),
		byTier:   make(map[core.Tier]string),
	}
	for model, p := range models {
		key := strings.ToLower(strings.TrimSpace(model))
		if key == "" {
			continue
		}
		tier := p.Tier
		if tier == "" {
			tier = core.TierOf(key)
		}
		t.entries[key] = Entry{Model: key, Tier: tier, Known: true, rates: p.rates()}
		t.prefixes = append(t.prefixes, key)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	for tier, model := range canonicalTierModels {
		if _, ok := t.entries[model]; ok {
			t.byTier[tier] = model
		}
	}
	return t
}

// canonicalTierModels is the entry a model falls back to when only its tier is recognizable.
var canonicalTierModels = map[core.Tier]string{
	core.TierOpus:   "claude-opus-4-1",
	core.TierSonnet: "claude-sonnet-4-5",
	core.TierHaiku:  "claude-haiku-4-5",
}

// Lookup resolves pricing for a model: exact match, then the longest table key
// that prefixes the model, then the canonical entry for the model's tier.
// Unknown models resolve to a zero-cost entry with Known=false.
func (t *Table) Lookup(model string) Entry {
	key := strings.ToLower(strings.TrimSpace(model))
	if e, ok := t.entries[key]; ok {
		return e
	}
	if key != "" {
		for _, prefix := range t.prefixes {
			if strings.HasPrefix(key, prefix) {
				return t.entries[prefix]
			}
		}
	}
	tier := core.TierOf(key)
	if canonical, ok := t.byTier[tier]; ok {
		return t.entries[canonical]
	}
	return Entry{Tier: tier}
}

// Len returns the number of priced models.
func (t *Table) Len() int {
	return len(t.entries)
}

// Models returns the priced model keys in sorted order.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func float(v float64) *float64 { return &v }

// DefaultModels returns the built-in price list.
func DefaultModels() map[string]ModelPricing {
	return map[string]ModelPricing{
		"claude-opus-4-1": {
			Tier: core.TierOpus, InputPerMillion: 15, OutputPerMillion: 75,
			CacheWritePerMillion: float(18.75), CacheReadPerMillion: float(1.50),
		},
		"claude-sonnet-4-5": {
			Tier: core.TierSonnet, InputPerMillion: 3, OutputPerMillion: 15,
			CacheWritePerMillion: float(3.75), CacheReadPerMillion: float(0.30),
		},
		"claude-haiku-4-5": {
			Tier: core.TierHaiku, InputPerMillion: 0.80, OutputPerMillion: 4,
			CacheWritePerMillion: float(1.00), CacheReadPerMillion: float(0.08),
		},
		"gpt-5.1-codex-mini": {Tier: core.TierGPT4, InputPerMillion: 2, OutputPerMillion: 6},
		"gpt-4o":             {Tier: core.TierGPT4, InputPerMillion: 2.5, OutputPerMillion: 10, CacheReadPerMillion: float(1.25)},
		"gpt-4o-mini":        {Tier: core.TierGPT4, InputPerMillion: 0.15, OutputPerMillion: 0.60, CacheReadPerMillion: float(0.075)},
		"deepseek-chat":      {Tier: core.TierDeepSeek, InputPerMillion: 0.27, OutputPerMillion: 1.10},
		"deepseek-coder":     {Tier: core.TierDeepSeek, InputPerMillion: 0.14, OutputPerMillion: 0.28},
		"qwen2.5-coder":      {Tier: core.TierLocal},
	}
}

// DefaultTable returns a table of the built-in prices.
func DefaultTable() *Table {
	return NewTable(DefaultModels())
}

// Merge returns base with overrides applied on top. Neither input is modified.
func Merge(base, overrides map[string]ModelPricing) map[string]ModelPricing {
	out := make(map[string]ModelPricing, len(base)+len(overrides))
	for k, v := range base {
		out[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		out[strings.ToLower(k)] = v
	}
	return out
}

// file is the on-disk pricing format.
type file struct {
	Models map[string]ModelPricing `yaml:"models"`
}

// LoadFile reads a YAML pricing file of the form:
//
//	models:
//	  claude-sonnet-4-5:
//	    tier: sonnet
//	    input_per_million: 3
//	    output_per_million: 15
//	    cache_write_per_million: 3.75
//	    cache_read_per_million: 0.30
func LoadFile(path string) (map[string]ModelPricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return Parse(data)
}

// Parse decodes pricing YAML and validates the rates.
func Parse(data []byte) (map[string]ModelPricing, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	for model, p := range f.Models {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("pricing for %q: %w", model, err)
		}
	}
	return f.Models, nil
}

func (p ModelPricing) validate() error {
	if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
		return fmt.Errorf("rates must not be negative")
	}
	if p.CacheWritePerMillion != nil && *p.CacheWritePerMillion < 0 {
		return fmt.Errorf("cache write rate must not be negative")
	}
	if p.CacheReadPerMillion != nil && *p.CacheReadPerMillion < 0 {
		return fmt.Errorf("cache read rate must not be negative")
	}
	if p.Tier != "" {
		if _, ok := core.ParseTier(string(p.Tier)); !ok {
			return fmt.Errorf("unknown tier %q", p.Tier)
		}
	}
	return nil
}
