package stream_test

import (
	"testing"
	"time"

	"github.com/skiff-chat/skiff/internal/pricing"
	"github.com/skiff-chat/skiff/internal/provider"
	"github.com/skiff-chat/skiff/internal/stream"
	"github.com/skiff-chat/skiff/internal/tools"
)

func TestFirstTokenCapturedOnce(t *testing.T) {
	start := time.Now()
	s := stream.NewSession("t1", start)

	s.Apply(provider.Event{Kind: provider.EventReasoningStart}, start.Add(200*time.Millisecond))
	s.Apply(provider.Event{Kind: provider.EventTextStart}, start.Add(900*time.Millisecond))

	meta := s.Finalize("test/model", pricing.Rates{}, start.Add(2*time.Second))
	if meta.TimeToFirstTokenMs != 200 {
		t.Errorf("TimeToFirstTokenMs = %d, want 200", meta.TimeToFirstTokenMs)
	}
}

func TestZeroUsageMetadata(t *testing.T) {
	start := time.Now()
	s := stream.NewSession("t1", start)

	meta := s.Finalize("test/model", pricing.Rates{InputCostPerMillion: 3, OutputCostPerMillion: 15}, start.Add(time.Second))
	if meta.TokensPerSecond != 0 {
		t.Errorf("TokensPerSecond = %v, want 0", meta.TokensPerSecond)
	}
	if meta.TimeToFirstTokenMs != 0 {
		t.Errorf("TimeToFirstTokenMs = %d, want 0 when no first-token event fired", meta.TimeToFirstTokenMs)
	}
	if meta.Cost.Total != 0 {
		t.Errorf("Cost.Total = %v, want 0", meta.Cost.Total)
	}
}

func TestFinalizeAtMostOnce(t *testing.T) {
	start := time.Now()
	s := stream.NewSession("t1", start)
	s.AddUsage(pricing.Usage{InputTokens: 10, OutputTokens: 20})

	first := s.Finalize("test/model", pricing.Rates{}, start.Add(2*time.Second))

	// A second finalize with different inputs must not recompute.
	s.AddUsage(pricing.Usage{InputTokens: 99, OutputTokens: 99})
	second := s.Finalize("other/model", pricing.Rates{InputCostPerMillion: 100}, start.Add(10*time.Second))

	if second.OutputTokens != first.OutputTokens || second.Model != first.Model {
		t.Errorf("second Finalize() = %+v, want identical to first %+v", second, first)
	}
	if !s.Finished() {
		t.Error("Finished() = false after Finalize")
	}
}

func TestUsageAccumulatesAcrossRounds(t *testing.T) {
	start := time.Now()
	s := stream.NewSession("t1", start)

	s.Apply(provider.Event{Kind: provider.EventToolCall, Usage: pricing.Usage{InputTokens: 10, OutputTokens: 4}}, start)
	s.Apply(provider.Event{Kind: provider.EventFinish, Usage: pricing.Usage{InputTokens: 25, OutputTokens: 30}}, start)

	meta := s.Finalize("test/model", pricing.Rates{}, start.Add(2*time.Second))
	if meta.InputTokens != 35 || meta.OutputTokens != 34 {
		t.Errorf("usage = %d/%d, want 35/34", meta.InputTokens, meta.OutputTokens)
	}
	if meta.TokensPerSecond != 17 {
		t.Errorf("TokensPerSecond = %v, want 17", meta.TokensPerSecond)
	}
}

func TestSourcesAndToolRecords(t *testing.T) {
	start := time.Now()
	s := stream.NewSession("t1", start)

	s.RecordSearch(tools.SearchOutput{Results: []tools.SearchResult{
		{URL: "https://go.dev", Title: "Go"},
	}})
	s.RecordSearch(tools.SearchOutput{Err: &tools.ErrorOutput{Error: true, Code: tools.CodeRateLimited}})
	s.RecordExtract(tools.ExtractOutput{Results: []tools.ExtractResult{{URL: "https://go.dev/doc"}}})
	s.AddOCRPages(500)

	meta := s.Finalize("test/model", pricing.Rates{}, start.Add(time.Second))

	if len(meta.Sources) != 1 {
		t.Fatalf("len(Sources) = %d, want 1 (errored search contributes none)", len(meta.Sources))
	}
	if meta.Cost.Search != 0.005 {
		t.Errorf("Cost.Search = %v, want one base fee", meta.Cost.Search)
	}
	if meta.Cost.Extract != 0.001 {
		t.Errorf("Cost.Extract = %v, want 0.001", meta.Cost.Extract)
	}
	if meta.Cost.OCR != 1.0 {
		t.Errorf("Cost.OCR = %v, want 1.0", meta.Cost.OCR)
	}
}

func TestOutputTokenFallbackEstimate(t *testing.T) {
	start := time.Now()
	s := stream.NewSession("t1", start)

	s.Apply(provider.Event{Kind: provider.EventTextStart}, start)
	s.Apply(provider.Event{Kind: provider.EventTextDelta, Delta: "hello world, this is streamed output"}, start)
	s.Apply(provider.Event{Kind: provider.EventFinish}, start)

	meta := s.Finalize("test/model", pricing.Rates{}, start.Add(time.Second))
	if meta.OutputTokens == 0 {
		t.Error("OutputTokens = 0, want estimated count for streamed text")
	}
}
