// Package stream holds the per-turn accumulators that turn a provider event
// stream into final turn metadata. A Session lives for exactly one HTTP
// response and is owned by the request handler; nothing here is safe for
// concurrent use and nothing needs to be.
package stream

import (
	"time"

	"github.com/skiff-chat/skiff/internal/models"
	"github.com/skiff-chat/skiff/internal/pricing"
	"github.com/skiff-chat/skiff/internal/provider"
	"github.com/skiff-chat/skiff/internal/tools"
)

// Session accumulates the observable state of one in-flight turn.
type Session struct {
	threadID  string
	startTime time.Time

	firstTokenTime time.Time
	firstTokenSet  bool

	sources      []models.Source
	searchCalls  []pricing.SearchCall
	extractCalls []pricing.ExtractCall
	ocrPageCount int

	usage      pricing.Usage
	outputText []byte

	finished bool
	metadata models.Metadata
}

// NewSession starts a session for one turn.
func NewSession(threadID string, start time.Time) *Session {
	return &Session{threadID: threadID, startTime: start}
}

// ThreadID returns the thread the session belongs to.
func (s *Session) ThreadID() string { return s.threadID }

// Apply folds one provider event into the session. Events must arrive in
// stream order; the first text-start or reasoning-start captures the
// first-token time, later occurrences are no-ops.
func (s *Session) Apply(ev provider.Event, at time.Time) {
	switch ev.Kind {
	case provider.EventTextStart, provider.EventReasoningStart:
		if !s.firstTokenSet {
			s.firstTokenSet = true
			s.firstTokenTime = at
		}
	case provider.EventTextDelta:
		s.outputText = append(s.outputText, ev.Delta...)
	case provider.EventSource:
		s.sources = append(s.sources, ev.Source)
	case provider.EventToolCall:
		s.AddUsage(ev.Usage)
	case provider.EventFinish:
		s.AddUsage(ev.Usage)
	case provider.EventReasoningDelta:
	}
}

// AddUsage accumulates provider-reported usage across model rounds.
func (s *Session) AddUsage(u pricing.Usage) {
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
}

// RecordSearch folds a search tool result into the accumulators: discovered
// sources join the citation list and the result count joins the cost tally.
// A hard failure contributes nothing.
func (s *Session) RecordSearch(out tools.SearchOutput) {
	s.sources = append(s.sources, out.Sources()...)
	if call, ok := out.Record(); ok {
		s.searchCalls = append(s.searchCalls, call)
	}
}

// RecordExtract folds an extract tool result into the cost tally.
func (s *Session) RecordExtract(out tools.ExtractOutput) {
	if call, ok := out.Record(); ok {
		s.extractCalls = append(s.extractCalls, call)
	}
}

// AddOCRPages records PDF pages routed through the OCR engine this turn.
func (s *Session) AddOCRPages(pages int) {
	if pages > 0 {
		s.ocrPageCount += pages
	}
}

// Finalize computes the turn metadata. It runs at most once: later calls
// return the already-computed value unchanged. If the provider reported no
// output tokens despite streamed text, the count is estimated from the text.
func (s *Session) Finalize(modelID string, rates pricing.Rates, now time.Time) models.Metadata {
	if s.finished {
		return s.metadata
	}
	s.finished = true

	usage := s.usage
	if usage.OutputTokens == 0 && len(s.outputText) > 0 {
		usage.OutputTokens = pricing.EstimateTokens(string(s.outputText))
	}

	elapsed := now.Sub(s.startTime)
	var tps float64
	if usage.OutputTokens > 0 && elapsed > 0 {
		tps = float64(usage.OutputTokens) / elapsed.Seconds()
	}

	var ttft int64
	if s.firstTokenSet {
		ttft = s.firstTokenTime.Sub(s.startTime).Milliseconds()
	}

	prompt, completion := pricing.TokenCost(usage, rates)
	search := pricing.SearchCost(s.searchCalls)
	extract := pricing.ExtractCost(s.extractCalls)
	ocr := pricing.OCRCost(s.ocrPageCount)

	s.metadata = models.Metadata{
		InputTokens:        usage.InputTokens,
		OutputTokens:       usage.OutputTokens,
		TokensPerSecond:    tps,
		TimeToFirstTokenMs: ttft,
		Cost: models.CostBreakdown{
			Prompt:     prompt,
			Completion: completion,
			Search:     search,
			Extract:    extract,
			OCR:        ocr,
			Total:      prompt + completion + search + extract + ocr,
		},
		Model:   modelID,
		Sources: s.sources,
	}
	return s.metadata
}

// Finished reports whether Finalize has run.
func (s *Session) Finished() bool { return s.finished }
