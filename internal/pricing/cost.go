// Package pricing converts per-turn token and tool-call tallies into USD.
// Every function here is pure; missing rate data degrades to zero cost and
// never fails a turn.
package pricing

import "strings"

// Usage is the token count pair reported by the provider at finish.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Rates holds per-million-token USD rates for one model.
type Rates struct {
	InputCostPerMillion  float64
	OutputCostPerMillion float64
}

// SearchCall records the outcome of one search tool invocation. A successful
// call with zero results still pays the base fee; a hard HTTP failure is
// never recorded at all.
type SearchCall struct {
	ResultCount int `json:"resultCount"`
}

// ExtractCall records the outcome of one extract tool invocation.
type ExtractCall struct {
	URLCount int `json:"urlCount"`
}

const (
	searchBaseFee      = 0.005
	searchIncluded     = 10
	searchPerExtra     = 0.001
	extractPerURL      = 0.001
	ocrPerThousandUSD  = 2.0
	freeModelSuffix    = ":free"
	tokensPerMillion   = 1e6
)

// Resolve returns the effective token rates for a model. Upstream rates come
// from the client's pricing cache and may be absent; a model id carrying the
// :free suffix forces zero rates regardless of what the cache says.
func Resolve(modelID string, prompt, completion float64) Rates {
	if strings.HasSuffix(modelID, freeModelSuffix) {
		return Rates{}
	}
	return Rates{
		InputCostPerMillion:  prompt,
		OutputCostPerMillion: completion,
	}
}

// TokenCost returns the prompt and completion USD cost for the given usage.
func TokenCost(u Usage, r Rates) (prompt, completion float64) {
	prompt = float64(u.InputTokens) * r.InputCostPerMillion / tokensPerMillion
	completion = float64(u.OutputTokens) * r.OutputCostPerMillion / tokensPerMillion
	return prompt, completion
}

// SearchCost sums the cost of search invocations: a base fee per call covers
// up to ten results, results beyond that are billed individually.
func SearchCost(calls []SearchCall) float64 {
	var total float64
	for _, c := range calls {
		total += searchBaseFee
		if c.ResultCount > searchIncluded {
			total += float64(c.ResultCount-searchIncluded) * searchPerExtra
		}
	}
	return total
}

// ExtractCost sums the per-URL cost of extract invocations.
func ExtractCost(calls []ExtractCall) float64 {
	var total float64
	for _, c := range calls {
		total += float64(c.URLCount) * extractPerURL
	}
	return total
}

// OCRCost returns the cost of OCR-processing pageCount PDF pages.
func OCRCost(pageCount int) float64 {
	if pageCount <= 0 {
		return 0
	}
	return float64(pageCount) / 1000 * ocrPerThousandUSD
}
