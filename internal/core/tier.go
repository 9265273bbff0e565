package core

import "strings"

// Tier is a coarse capability/cost class a model belongs to.
type Tier string

const (
	TierOpus     Tier = "opus"
	TierSonnet   Tier = "sonnet"
	TierHaiku    Tier = "haiku"
	TierGPT4     Tier = "gpt4"
	TierGPT35    Tier = "gpt35"
	TierDeepSeek Tier = "deepseek"
	TierLocal    Tier = "local"
	TierUnknown  Tier = "unknown"
)

// AllTiers lists every tier in display order. Aggregators allocate one
// counter set per entry, so the list must cover every value TierOf can return.
var AllTiers = []Tier{
	TierOpus, TierSonnet, TierHaiku, TierGPT4, TierGPT35, TierDeepSeek, TierLocal, TierUnknown,
}

// localModelHints are substrings of model names served by local inference.
var localModelHints = []string{"qwen", "llama", "mistral", "codellama", "phi", "gemma"}

// TierOf infers the tier of a model name by case-insensitive substring match.
func TierOf(model string) Tier {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return TierOpus
	case strings.Contains(m, "sonnet"):
		return TierSonnet
	case strings.Contains(m, "haiku"):
		return TierHaiku
	case strings.Contains(m, "gpt-4") || strings.Contains(m, "gpt4") || strings.Contains(m, "gpt-5"):
		return TierGPT4
	case strings.Contains(m, "gpt-3.5") || strings.Contains(m, "gpt35"):
		return TierGPT35
	case strings.Contains(m, "deepseek"):
		return TierDeepSeek
	}
	for _, hint := range localModelHints {
		if strings.Contains(m, hint) {
			return TierLocal
		}
	}
	return TierUnknown
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTiers {
		if t == known {
			return t, true
		}
	}
	return "", false
}
