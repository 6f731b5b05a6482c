package pricing_test

import (
	"math"
	"testing"

	"github.com/skiff-chat/skiff/internal/pricing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSearchCost(t *testing.T) {
	tests := []struct {
		name  string
		calls []pricing.SearchCall
		want  float64
	}{
		{
			name:  "No calls",
			calls: nil,
			want:  0,
		},
		{
			name:  "Ten results covered by base fee",
			calls: []pricing.SearchCall{{ResultCount: 10}},
			want:  0.005,
		},
		{
			name:  "Fifteen results",
			calls: []pricing.SearchCall{{ResultCount: 15}},
			want:  0.010,
		},
		{
			name:  "Zero-result call still pays base fee",
			calls: []pricing.SearchCall{{ResultCount: 0}},
			want:  0.005,
		},
		{
			name:  "Multiple calls sum",
			calls: []pricing.SearchCall{{ResultCount: 10}, {ResultCount: 12}},
			want:  0.005 + 0.005 + 2*0.001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pricing.SearchCost(tt.calls); !almostEqual(got, tt.want) {
				t.Errorf("SearchCost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractCost(t *testing.T) {
	if got := pricing.ExtractCost(nil); got != 0 {
		t.Errorf("ExtractCost(nil) = %v, want 0", got)
	}
	got := pricing.ExtractCost([]pricing.ExtractCall{{URLCount: 1000}})
	if !almostEqual(got, 1.0) {
		t.Errorf("ExtractCost(1000 urls) = %v, want 1.0", got)
	}
}

func TestOCRCost(t *testing.T) {
	tests := []struct {
		pages int
		want  float64
	}{
		{pages: 1000, want: 2.0},
		{pages: 0, want: 0},
		{pages: -3, want: 0},
		{pages: 500, want: 1.0},
	}
	for _, tt := range tests {
		if got := pricing.OCRCost(tt.pages); !almostEqual(got, tt.want) {
			t.Errorf("OCRCost(%d) = %v, want %v", tt.pages, got, tt.want)
		}
	}
}

func TestTokenCost(t *testing.T) {
	rates := pricing.Rates{InputCostPerMillion: 3, OutputCostPerMillion: 15}
	prompt, completion := pricing.TokenCost(pricing.Usage{InputTokens: 1_000_000, OutputTokens: 500_000}, rates)
	if !almostEqual(prompt, 3.0) {
		t.Errorf("prompt cost = %v, want 3.0", prompt)
	}
	if !almostEqual(completion, 7.5) {
		t.Errorf("completion cost = %v, want 7.5", completion)
	}

	prompt, completion = pricing.TokenCost(pricing.Usage{}, rates)
	if prompt != 0 || completion != 0 {
		t.Errorf("zero usage cost = (%v, %v), want (0, 0)", prompt, completion)
	}
}

func TestResolveFreeSuffix(t *testing.T) {
	got := pricing.Resolve("meta-llama/llama-3-8b:free", 3, 15)
	if got.InputCostPerMillion != 0 || got.OutputCostPerMillion != 0 {
		t.Errorf("Resolve(:free) = %+v, want zero rates", got)
	}

	got = pricing.Resolve("anthropic/claude-sonnet-4", 3, 15)
	if got.InputCostPerMillion != 3 || got.OutputCostPerMillion != 15 {
		t.Errorf("Resolve() = %+v, want upstream rates", got)
	}
}
