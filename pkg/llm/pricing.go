package llm

import "strings"

// modelPrice is USD per 1M tokens.
type modelPrice struct {
	input  float64
	output float64
}

// priceTable is keyed by model prefix; longest matching prefix wins.
var priceTable = map[string]modelPrice{
	"gpt-4o-mini":   {input: 0.15, output: 0.60},
	"gpt-4o":        {input: 2.50, output: 10.00},
	"gpt-4.1-mini":  {input: 0.40, output: 1.60},
	"gpt-4.1":       {input: 2.00, output: 8.00},
	"o3-mini":       {input: 1.10, output: 4.40},
	"o3":            {input: 2.00, output: 8.00},
	"gpt-3.5-turbo": {input: 0.50, output: 1.50},
}

// Cost computes the USD cost of a completion from the local price table.
// Returns false when the model is not priced.
func Cost(model string, usage *Usage) (float64, bool) {
	if usage == nil {
		return 0, false
	}

	var bestPrefix string
	var best modelPrice
	for prefix, price := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = price
		}
	}
	if bestPrefix == "" {
		return 0, false
	}

	cost := float64(usage.PromptTokens)*best.input/1e6 + float64(usage.CompletionTokens)*best.output/1e6
	return cost, true
}
