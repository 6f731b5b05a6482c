package tools

import (
	"context"
	"encoding/json"

	"github.com/skiff-chat/skiff/internal/pricing"
)

// ExtractToolName is the function name offered to the model.
const ExtractToolName = "extract"

// ExtractToolDescription tells the model when to pull full page content.
const ExtractToolDescription = "Extract the readable content of up to ten URLs. " +
	"Use after a search when excerpts are not enough."

// ExtractToolSchema is the JSON schema of the extract tool's input.
var ExtractToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"objective": {"type": "string", "maxLength": 500, "description": "What the extraction should accomplish"},
		"urls": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 10},
		"search_queries": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["objective", "urls"]
}`)

// ExtractInput is the extract tool's input as produced by the model.
type ExtractInput struct {
	Objective     string   `json:"objective"`
	URLs          []string `json:"urls"`
	SearchQueries []string `json:"search_queries,omitempty"`
}

// ExtractResult is one extracted page.
type ExtractResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// ExtractOutput is the extract tool's result union.
type ExtractOutput struct {
	Results []ExtractResult `json:"results"`

	Err *ErrorOutput `json:"-"`
}

// IsError reports whether the call failed.
func (o ExtractOutput) IsError() bool { return o.Err != nil }

// Payload is the JSON handed back to the model.
func (o ExtractOutput) Payload() json.RawMessage {
	if o.Err != nil {
		return marshalPayload(o.Err)
	}
	return marshalPayload(o)
}

// Record folds the call into the turn's cost accumulators; the URL count is
// the number of pages actually extracted. A hard failure contributes nothing.
func (o ExtractOutput) Record() (pricing.ExtractCall, bool) {
	if o.Err != nil {
		return pricing.ExtractCall{}, false
	}
	return pricing.ExtractCall{URLCount: len(o.Results)}, true
}

type extractAPIResponse struct {
	Results []ExtractResult `json:"results"`
}

func clampExtractInput(input ExtractInput) ExtractInput {
	if len(input.Objective) > 500 {
		input.Objective = input.Objective[:500]
	}
	if len(input.URLs) > 10 {
		input.URLs = input.URLs[:10]
	}
	return input
}

// Extract fetches the readable content of the given URLs via the Parallel API.
func (c *Client) Extract(ctx context.Context, apiKey string, input ExtractInput) ExtractOutput {
	if len(input.URLs) == 0 {
		return ExtractOutput{Err: newError(CodeRequestFailed, "At least one URL is required.")}
	}
	input = clampExtractInput(input)

	var res extractAPIResponse
	if errOut := c.post(ctx, apiKey, "/v1beta/extract", input, &res); errOut != nil {
		return ExtractOutput{Err: errOut}
	}
	return ExtractOutput{Results: res.Results}
}
