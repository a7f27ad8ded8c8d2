package provider

import (
	"sort"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

type candidateState struct {
	role         string
	parts        []domain.Part
	finishReason string
}

// Accumulator folds streamed chunks into a single result. Text parts are
// concatenated per candidate; everything else keeps the latest value seen.
type Accumulator struct {
	candidates   map[int]*candidateState
	usage        *domain.UsageMetadata
	modelVersion string
	responseID   string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		candidates: make(map[int]*candidateState),
	}
}

func (a *Accumulator) Add(chunk domain.GenerationChunk) {
	for _, c := range chunk.Candidates {
		idx := 0
		if c.Index != nil {
			idx = *c.Index
		}

		st, ok := a.candidates[idx]
		if !ok {
			st = &candidateState{}
			a.candidates[idx] = st
		}

		if c.FinishReason != "" {
			st.finishReason = c.FinishReason
		}
		if c.Content == nil {
			continue
		}
		if c.Content.Role != "" {
			st.role = c.Content.Role
		}
		for _, p := range c.Content.Parts {
			st.appendPart(p)
		}
	}

	if chunk.UsageMetadata != nil {
		u := *chunk.UsageMetadata
		a.usage = &u
	}
	if chunk.ModelVersion != "" {
		a.modelVersion = chunk.ModelVersion
	}
	if chunk.ResponseID != "" {
		a.responseID = chunk.ResponseID
	}
}

// appendPart merges consecutive text-only parts of the same kind. Parts
// carrying anything else are kept as received.
func (st *candidateState) appendPart(p domain.Part) {
	if n := len(st.parts); n > 0 {
		last := st.parts[n-1]
		if p.TextOnly() && last.TextOnly() && last.Thought == p.Thought {
			st.parts[n-1] = domain.Part{Text: last.Text + p.Text, Thought: p.Thought}
			return
		}
	}
	st.parts = append(st.parts, p)
}

// Summary returns the materialized result, candidates ordered by index.
func (a *Accumulator) Summary(semantics domain.UsageSemantics) *domain.GenerationSummary {
	indexes := make([]int, 0, len(a.candidates))
	for idx := range a.candidates {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	candidates := make([]domain.Candidate, 0, len(indexes))
	for _, idx := range indexes {
		st := a.candidates[idx]
		c := domain.Candidate{
			FinishReason: st.finishReason,
			Index:        intPtr(idx),
		}
		if len(st.parts) > 0 {
			parts := make([]domain.Part, len(st.parts))
			copy(parts, st.parts)
			c.Content = &domain.Content{Role: st.role, Parts: parts}
		}
		candidates = append(candidates, c)
	}

	var usage *domain.UsageMetadata
	if a.usage != nil {
		u := *a.usage
		usage = &u
	}

	return &domain.GenerationSummary{
		Candidates:     candidates,
		UsageMetadata:  usage,
		UsageSemantics: semantics,
		ModelVersion:   a.modelVersion,
		ResponseID:     a.responseID,
	}
}

func intPtr(i int) *int { return &i }
