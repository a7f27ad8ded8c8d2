package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/provider"
)

const DefaultModelID = "anthropic.claude-3-5-haiku-20241022-v1:0"

type Provider struct {
	client      *bedrockruntime.Client
	credentials aws.CredentialsProvider
	region      string
	modelID     string
}

func New(ctx context.Context, region, model string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithConfig(cfg, model), nil
}

func NewWithConfig(cfg aws.Config, model string) *Provider {
	if model == "" {
		model = DefaultModelID
	}
	return &Provider{
		client:      bedrockruntime.NewFromConfig(cfg),
		credentials: cfg.Credentials,
		region:      cfg.Region,
		modelID:     mapModelID(model),
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

func (p *Provider) Name() string {
	return "Amazon Bedrock"
}

func (p *Provider) Model() string {
	return p.modelID
}

func (p *Provider) Configured(ctx context.Context) error {
	if p.credentials == nil || p.region == "" {
		return domain.ErrProviderNotConfigured
	}
	if _, err := p.credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderNotConfigured, err)
	}
	return nil
}

func (p *Provider) StreamGenerate(ctx context.Context, req domain.GenerationRequest) (provider.Stream, error) {
	if err := p.Configured(ctx); err != nil {
		return nil, err
	}

	input, err := toConverseInput(p.modelID, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	output, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: converse stream: %v", domain.ErrProviderError, err)
	}

	responseID, _ := awsmiddleware.GetRequestIDMetadata(output.ResultMetadata)
	stream := output.GetStream()

	return provider.Start(ctx, cancel, domain.UsageCumulative, func(ctx context.Context, emit provider.EmitFunc) error {
		defer stream.Close()

		for event := range stream.Events() {
			chunk, ok := chunkFromEvent(event)
			if !ok {
				continue
			}
			chunk.ModelVersion = p.modelID
			chunk.ResponseID = responseID

			if !emit(chunk) {
				return ctx.Err()
			}
		}

		if err := stream.Err(); err != nil {
			return fmt.Errorf("%w: stream error: %v", domain.ErrProviderError, err)
		}
		return nil
	}), nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.Configured(ctx)
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
		"llama3-70b":        "meta.llama3-70b-instruct-v1:0",
		"llama3-8b":         "meta.llama3-8b-instruct-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}

// toConverseInput maps the request onto the Converse API. Only text is
// translated; tools and non-text parts are rejected as invalid requests.
func toConverseInput(modelID string, req domain.GenerationRequest) (*bedrockruntime.ConverseStreamInput, error) {
	if supplied(req.Tools) || supplied(req.ToolConfig) {
		return nil, fmt.Errorf("%w: tools are not supported by Amazon Bedrock", domain.ErrInvalidRequest)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(modelID),
	}

	for _, c := range req.Contents {
		msg := types.Message{Role: mapRole(c.Role)}
		for _, part := range c.Parts {
			if part.Text == "" && !part.TextOnly() {
				return nil, fmt.Errorf("%w: only text parts are supported by Amazon Bedrock", domain.ErrInvalidRequest)
			}
			if part.Text == "" || part.Thought {
				continue
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: part.Text})
		}
		if len(msg.Content) > 0 {
			input.Messages = append(input.Messages, msg)
		}
	}

	if req.SystemInstruction != nil {
		for _, part := range req.SystemInstruction.Parts {
			if part.Text != "" {
				input.System = append(input.System, &types.SystemContentBlockMemberText{Value: part.Text})
			}
		}
	}

	if gc := req.GenerationConfig; gc != nil {
		inf := &types.InferenceConfiguration{StopSequences: gc.StopSequences}
		if gc.MaxOutputTokens != nil {
			inf.MaxTokens = aws.Int32(int32(*gc.MaxOutputTokens))
		}
		if gc.Temperature != nil {
			inf.Temperature = aws.Float32(float32(*gc.Temperature))
		}
		if gc.TopP != nil {
			inf.TopP = aws.Float32(float32(*gc.TopP))
		}
		input.InferenceConfig = inf
	}

	return input, nil
}

func supplied(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func mapRole(role string) types.ConversationRole {
	if strings.EqualFold(role, "model") || strings.EqualFold(role, "assistant") {
		return types.ConversationRoleAssistant
	}
	return types.ConversationRoleUser
}

// chunkFromEvent converts a stream event into a chunk. Events that carry
// nothing the client needs report false.
func chunkFromEvent(event types.ConverseStreamOutput) (domain.GenerationChunk, bool) {
	switch v := event.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		text, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText)
		if !ok || text.Value == "" {
			return domain.GenerationChunk{}, false
		}
		return domain.GenerationChunk{
			Candidates: []domain.Candidate{{
				Content: &domain.Content{
					Role:  "model",
					Parts: []domain.Part{{Text: text.Value}},
				},
			}},
		}, true

	case *types.ConverseStreamOutputMemberMessageStop:
		return domain.GenerationChunk{
			Candidates: []domain.Candidate{{
				FinishReason: mapStopReason(v.Value.StopReason),
			}},
		}, true

	case *types.ConverseStreamOutputMemberMetadata:
		if v.Value.Usage == nil {
			return domain.GenerationChunk{}, false
		}
		u := v.Value.Usage
		return domain.GenerationChunk{
			UsageMetadata: &domain.UsageMetadata{
				PromptTokenCount:     int64(aws.ToInt32(u.InputTokens)),
				CandidatesTokenCount: int64(aws.ToInt32(u.OutputTokens)),
				TotalTokenCount:      int64(aws.ToInt32(u.TotalTokens)),
			},
		}, true
	}

	return domain.GenerationChunk{}, false
}

func mapStopReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence, types.StopReasonToolUse:
		return "STOP"
	case types.StopReasonMaxTokens:
		return "MAX_TOKENS"
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return "SAFETY"
	default:
		return string(reason)
	}
}
