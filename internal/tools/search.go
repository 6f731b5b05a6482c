package tools

import (
	"context"
	"encoding/json"

	"github.com/skiff-chat/skiff/internal/models"
	"github.com/skiff-chat/skiff/internal/pricing"
)

// SearchToolName is the function name offered to the model.
const SearchToolName = "search"

// SearchToolDescription tells the model when to reach for web search.
const SearchToolDescription = "Search the web for current information. " +
	"Provide a concise objective and optionally up to five keyword queries."

// SearchToolSchema is the JSON schema of the search tool's input.
var SearchToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"objective": {"type": "string", "maxLength": 500, "description": "What the search should accomplish"},
		"search_queries": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
		"mode": {"type": "string", "enum": ["agentic", "one-shot"]},
		"max_results": {"type": "integer", "minimum": 1, "maximum": 20},
		"max_chars_per_result": {"type": "integer"},
		"include_domains": {"type": "array", "items": {"type": "string"}},
		"exclude_domains": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["objective"]
}`)

// SearchInput is the search tool's input as produced by the model.
type SearchInput struct {
	Objective         string   `json:"objective"`
	SearchQueries     []string `json:"search_queries,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	MaxResults        int      `json:"max_results,omitempty"`
	MaxCharsPerResult int      `json:"max_chars_per_result,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
}

// SearchResult is one discovered document.
type SearchResult struct {
	URL      string   `json:"url"`
	Title    string   `json:"title,omitempty"`
	Excerpts []string `json:"excerpts,omitempty"`
}

// SearchOutput is the search tool's result union.
type SearchOutput struct {
	Results []SearchResult `json:"results"`

	Err *ErrorOutput `json:"-"`
}

// IsError reports whether the call failed.
func (o SearchOutput) IsError() bool { return o.Err != nil }

// Payload is the JSON handed back to the model: the error arm when the call
// failed, the result list otherwise.
func (o SearchOutput) Payload() json.RawMessage {
	if o.Err != nil {
		return marshalPayload(o.Err)
	}
	return marshalPayload(o)
}

// Sources normalizes the results into citation sources. An errored call
// yields none.
func (o SearchOutput) Sources() []models.Source {
	if o.Err != nil {
		return nil
	}
	sources := make([]models.Source, 0, len(o.Results))
	for _, r := range o.Results {
		sources = append(sources, models.Source{
			ID:         r.URL,
			SourceType: "url",
			URL:        r.URL,
			Title:      r.Title,
		})
	}
	return sources
}

// Record folds the call into the turn's cost accumulators. A hard failure
// contributes nothing; a successful zero-result call still pays the base fee.
func (o SearchOutput) Record() (pricing.SearchCall, bool) {
	if o.Err != nil {
		return pricing.SearchCall{}, false
	}
	return pricing.SearchCall{ResultCount: len(o.Results)}, true
}

type searchAPIResponse struct {
	Results []SearchResult `json:"results"`
}

func clampSearchInput(input SearchInput) SearchInput {
	if len(input.Objective) > 500 {
		input.Objective = input.Objective[:500]
	}
	if len(input.SearchQueries) > 5 {
		input.SearchQueries = input.SearchQueries[:5]
	}
	if input.Mode != "agentic" && input.Mode != "one-shot" {
		input.Mode = "one-shot"
	}
	if input.MaxResults < 1 || input.MaxResults > 20 {
		input.MaxResults = 10
	}
	return input
}

// Search runs one web search against the Parallel API.
func (c *Client) Search(ctx context.Context, apiKey string, input SearchInput) SearchOutput {
	input = clampSearchInput(input)

	var res searchAPIResponse
	if errOut := c.post(ctx, apiKey, "/v1beta/search", input, &res); errOut != nil {
		return SearchOutput{Err: errOut}
	}
	return SearchOutput{Results: res.Results}
}
