package relay

import (
	"encoding/json"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

// DonePayload is the literal end-of-stream marker.
const DonePayload = "[DONE]"

// candidateFrame carries a candidate as the chunk had it. Index defaults to
// zero; finishReason only appears when the provider sent one.
type candidateFrame struct {
	Content       *domain.Content            `json:"content,omitempty"`
	FinishReason  string                     `json:"finishReason,omitempty"`
	Index         int                        `json:"index"`
	SafetyRatings json.RawMessage            `json:"safetyRatings,omitempty"`
	Extra         map[string]json.RawMessage `json:"-"`
}

func (f candidateFrame) MarshalJSON() ([]byte, error) {
	type fields candidateFrame
	known, err := json.Marshal(fields(f))
	if err != nil || len(f.Extra) == 0 {
		return known, err
	}

	merged := make(map[string]json.RawMessage, len(f.Extra)+4)
	for k, v := range f.Extra {
		merged[k] = v
	}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

type chunkFrame struct {
	Candidates     []candidateFrame      `json:"candidates,omitempty"`
	UsageMetadata  *domain.UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
	ResponseID     string                `json:"responseId,omitempty"`
	PromptFeedback json.RawMessage       `json:"promptFeedback,omitempty"`
}

// finalFrame closes a successful stream. Content is never repeated here.
type finalFrame struct {
	Final           bool                  `json:"final"`
	ContentRepeated bool                  `json:"contentRepeated"`
	UsageMetadata   *domain.UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion    string                `json:"modelVersion,omitempty"`
	ResponseID      string                `json:"responseId,omitempty"`
}

var errorPayload = []byte(`{"error":true,"message":"Generation failed"}`)

func frameFromChunk(chunk domain.GenerationChunk) chunkFrame {
	f := chunkFrame{
		UsageMetadata:  chunk.UsageMetadata,
		ModelVersion:   chunk.ModelVersion,
		ResponseID:     chunk.ResponseID,
		PromptFeedback: chunk.PromptFeedback,
	}

	for _, c := range chunk.Candidates {
		cf := candidateFrame{
			Content:       c.Content,
			FinishReason:  c.FinishReason,
			SafetyRatings: c.SafetyRatings,
			Extra:         c.Extra,
		}
		if c.Index != nil {
			cf.Index = *c.Index
		}
		f.Candidates = append(f.Candidates, cf)
	}

	return f
}

func frameFromSummary(s *domain.GenerationSummary) finalFrame {
	return finalFrame{
		Final:         true,
		UsageMetadata: s.UsageMetadata,
		ModelVersion:  s.ModelVersion,
		ResponseID:    s.ResponseID,
	}
}
