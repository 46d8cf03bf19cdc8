package usage

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Rate holds per-million-token USD prices for one model.
type Rate struct {
	Input       float64 `yaml:"input"`
	Output      float64 `yaml:"output"`
	CacheRead   float64 `yaml:"cache_read"`
	CacheWrite  float64 `yaml:"cache_write"`
}

// FallbackModel is used to price any model id missing from the table.
const FallbackModel = "claude-sonnet-4-6"

// DefaultPricing is the built-in rate table, carried from the prototype's
// DEFAULT_PRICING constant.
func DefaultPricing() map[string]Rate {
	return map[string]Rate{
		"claude-opus-4-5":   {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
		"claude-opus-4-6":   {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
		"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
		"claude-sonnet-4-6": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
		"claude-haiku-4-5":  {Input: 0.80, Output: 4.00, CacheRead: 0.08, CacheWrite: 1.00},
	}
}

// LoadPricing reads a YAML rate table from path, falling back to
// DefaultPricing when path is empty or unreadable.
func LoadPricing(path string) map[string]Rate {
	if path == "" {
		return DefaultPricing()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPricing()
	}
	var table map[string]Rate
	if err := yaml.Unmarshal(data, &table); err != nil {
		return DefaultPricing()
	}
	return table
}

// roundCost rounds to 6 decimal digits, matching the prototype's round(cost, 6).
func roundCost(v float64) float64 {
	const factor = 1_000_000.0
	return float64(int64(v*factor+0.5)) / factor
}

// CalculateCost prices one usage update against pricing, falling back to
// FallbackModel when model is unrecognized. Returns 0 if no rate is found
// even for the fallback.
func CalculateCost(input, output, cacheRead, cacheCreation int, model string, pricing map[string]Rate) float64 {
	rate, ok := pricing[model]
	if !ok {
		rate, ok = pricing[FallbackModel]
		if !ok {
			return 0
		}
	}
	cost := float64(input)/1_000_000*rate.Input +
		float64(output)/1_000_000*rate.Output +
		float64(cacheRead)/1_000_000*rate.CacheRead +
		float64(cacheCreation)/1_000_000*rate.CacheWrite
	return roundCost(cost)
}
