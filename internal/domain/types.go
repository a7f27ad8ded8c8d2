package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type GenerationRequest struct {
	Contents          []Content         `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig"`
	Tools             json.RawMessage   `json:"tools,omitempty"`
	ToolConfig        json.RawMessage   `json:"toolConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one piece of content. Raw holds the part as it was received and
// is marshaled verbatim, so fields the proxy does not model still reach the
// other side. Text and Thought are decoded from it.
type Part struct {
	Text    string
	Thought bool
	Raw     json.RawMessage

	textOnly bool
}

type textPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

func (p *Part) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*p = Part{Raw: append(json.RawMessage(nil), data...), textOnly: true}
	for key, value := range fields {
		switch key {
		case "text":
			if err := json.Unmarshal(value, &p.Text); err != nil {
				return fmt.Errorf("part text: %w", err)
			}
		case "thought":
			if err := json.Unmarshal(value, &p.Thought); err != nil {
				return fmt.Errorf("part thought: %w", err)
			}
		default:
			p.textOnly = false
		}
	}
	return nil
}

func (p Part) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(textPart{Text: p.Text, Thought: p.Thought})
}

// TextOnly reports whether the part carries nothing besides text and the
// thought flag.
func (p Part) TextOnly() bool {
	return len(p.Raw) == 0 || p.textOnly
}

// GenerationConfig exposes the generation parameters non-Gemini adapters
// translate. Raw holds the object as received and is what gets marshaled.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (g *GenerationConfig) UnmarshalJSON(data []byte) error {
	type fields GenerationConfig
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*g = GenerationConfig(f)
	g.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (g GenerationConfig) MarshalJSON() ([]byte, error) {
	if len(g.Raw) > 0 {
		return g.Raw, nil
	}
	type fields GenerationConfig
	return json.Marshal(fields(g))
}

type GenerationChunk struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
	ResponseID     string          `json:"responseId,omitempty"`
	PromptFeedback json.RawMessage `json:"promptFeedback,omitempty"`
}

type Candidate struct {
	Content       *Content        `json:"content,omitempty"`
	FinishReason  string          `json:"finishReason,omitempty"`
	Index         *int            `json:"index,omitempty"`
	SafetyRatings json.RawMessage `json:"safetyRatings,omitempty"`

	// Extra holds candidate fields not listed above, such as citation or
	// grounding metadata.
	Extra map[string]json.RawMessage `json:"-"`
}

var candidateKeys = []string{"content", "finishReason", "index", "safetyRatings"}

func (c *Candidate) UnmarshalJSON(data []byte) error {
	type fields Candidate
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, key := range candidateKeys {
		delete(all, key)
	}

	*c = Candidate(f)
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

type UsageMetadata struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`
	ThoughtsTokenCount      int64 `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount,omitempty"`
}

// UsageSemantics states how a provider reports token usage for a
// conversation.
type UsageSemantics string

const (
	// UsageCumulative means each report is the running total to date and
	// replaces any earlier report for the same conversation.
	UsageCumulative UsageSemantics = "cumulative"
	UsageDelta      UsageSemantics = "delta"
)

// GenerationSummary is the fully materialized result of a streaming call.
type GenerationSummary struct {
	Candidates     []Candidate
	UsageMetadata  *UsageMetadata
	UsageSemantics UsageSemantics
	ModelVersion   string
	ResponseID     string
}

type UsageRecord struct {
	AccountingKey string    `json:"accountingKey"`
	UserID        string    `json:"userId"`
	Day           string    `json:"day"`
	TokensUsed    int64     `json:"tokensUsed"`
	RequestCount  int64     `json:"requestCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type QuotaReason string

const (
	QuotaReasonNone            QuotaReason = "none"
	QuotaReasonPerUserExceeded QuotaReason = "per_user_exceeded"
	QuotaReasonGlobalExceeded  QuotaReason = "global_exceeded"
)

type QuotaDecision struct {
	Allowed    bool
	Reason     QuotaReason
	Day        string
	TokensUsed int64
	// GlobalTokensUsed is only populated when Reason is QuotaReasonGlobalExceeded.
	GlobalTokensUsed int64
	UserLimit        int64
	GlobalLimit      int64
}

// DayFormat is the layout of UsageRecord.Day.
const DayFormat = "2006-01-02"

// Day returns the UTC calendar date of t.
func Day(t time.Time) string {
	return t.UTC().Format(DayFormat)
}
