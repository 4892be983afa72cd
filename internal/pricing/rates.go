package pricing

import "strings"

// Rate is the upstream price in USD per million tokens.
type Rate struct {
	Prompt     float64
	Completion float64
}

type baseRate struct {
	match string
	rate  Rate
}

// baseRates is matched by substring in order, so the more specific names
// must come first (gpt-4-turbo before gpt-4).
var baseRates = []baseRate{
	{"gpt-4-turbo", Rate{Prompt: 10, Completion: 30}},
	{"gpt-4", Rate{Prompt: 30, Completion: 60}},
	{"gpt-3.5-turbo", Rate{Prompt: 0.5, Completion: 1.5}},
	{"claude-3-opus", Rate{Prompt: 15, Completion: 75}},
	{"claude-3-sonnet", Rate{Prompt: 3, Completion: 15}},
	{"claude-3-haiku", Rate{Prompt: 0.25, Completion: 1.25}},
}

// GenericRate applies to models missing from the table.
var GenericRate = Rate{Prompt: 0.5, Completion: 1.5}

// BaseRate returns the upstream rate for a model id.
func BaseRate(model string) Rate {
	model = strings.ToLower(model)
	for _, r := range baseRates {
		if strings.Contains(model, r.match) {
			return r.rate
		}
	}
	return GenericRate
}
