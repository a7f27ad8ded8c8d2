package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/genproxy/internal/domain"
)

func TestMapModelID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude-3-5-haiku", "anthropic.claude-3-5-haiku-20241022-v1:0"},
		{"llama3-8b", "meta.llama3-8b-instruct-v1:0"},
		{"amazon.nova-lite-v1:0", "amazon.nova-lite-v1:0"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := mapModelID(tt.in); got != tt.want {
				t.Errorf("mapModelID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToConverseInput(t *testing.T) {
	maxTokens := 256
	temp := 0.4
	req := domain.GenerationRequest{
		Contents: []domain.Content{
			{Role: "user", Parts: []domain.Part{{Text: "hi"}}},
			{Role: "model", Parts: []domain.Part{{Text: "hidden", Thought: true}, {Text: "hello"}}},
		},
		GenerationConfig: &domain.GenerationConfig{
			MaxOutputTokens: &maxTokens,
			Temperature:     &temp,
			StopSequences:   []string{"END"},
		},
		SystemInstruction: &domain.Content{Parts: []domain.Part{{Text: "be brief"}}},
	}

	input, err := toConverseInput("model-x", req)
	if err != nil {
		t.Fatalf("toConverseInput() error = %v", err)
	}

	if aws.ToString(input.ModelId) != "model-x" {
		t.Errorf("ModelId = %s", aws.ToString(input.ModelId))
	}
	if len(input.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(input.Messages))
	}
	if input.Messages[1].Role != types.ConversationRoleAssistant {
		t.Errorf("role = %s, want assistant", input.Messages[1].Role)
	}
	if len(input.Messages[1].Content) != 1 {
		t.Errorf("assistant content blocks = %d, want 1 (thought dropped)", len(input.Messages[1].Content))
	}
	if len(input.System) != 1 {
		t.Errorf("system blocks = %d, want 1", len(input.System))
	}
	if aws.ToInt32(input.InferenceConfig.MaxTokens) != 256 {
		t.Errorf("MaxTokens = %d", aws.ToInt32(input.InferenceConfig.MaxTokens))
	}
	if aws.ToFloat32(input.InferenceConfig.Temperature) != float32(0.4) {
		t.Errorf("Temperature = %v", aws.ToFloat32(input.InferenceConfig.Temperature))
	}
	if input.InferenceConfig.TopP != nil {
		t.Error("TopP should stay unset")
	}
}

func TestToConverseInput_RejectsUnsupported(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"tools", `{"contents":[{"parts":[{"text":"hi"}]}],"generationConfig":{},"tools":[{"functionDeclarations":[{"name":"lookup"}]}]}`},
		{"tool config", `{"contents":[{"parts":[{"text":"hi"}]}],"generationConfig":{},"toolConfig":{"functionCallingConfig":{"mode":"ANY"}}}`},
		{"inline data", `{"contents":[{"parts":[{"inlineData":{"mimeType":"image/png","data":"AA=="}}]}],"generationConfig":{}}`},
		{"function call", `{"contents":[{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{}}}]}],"generationConfig":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req domain.GenerationRequest
			if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
				t.Fatalf("unmarshal request: %v", err)
			}

			if _, err := toConverseInput("model-x", req); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Errorf("toConverseInput() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestToConverseInput_NullToolsAccepted(t *testing.T) {
	var req domain.GenerationRequest
	body := `{"contents":[{"parts":[{"text":"hi","thoughtSignature":"SIG"}]}],"generationConfig":{"seed":3},"tools":null}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}

	input, err := toConverseInput("model-x", req)
	if err != nil {
		t.Fatalf("toConverseInput() error = %v", err)
	}
	if len(input.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(input.Messages))
	}
}

func TestChunkFromEvent(t *testing.T) {
	t.Run("text delta", func(t *testing.T) {
		chunk, ok := chunkFromEvent(&types.ConverseStreamOutputMemberContentBlockDelta{
			Value: types.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(0),
				Delta:             &types.ContentBlockDeltaMemberText{Value: "hel"},
			},
		})
		if !ok {
			t.Fatal("expected a chunk")
		}
		if chunk.Candidates[0].Content.Parts[0].Text != "hel" {
			t.Errorf("text = %q", chunk.Candidates[0].Content.Parts[0].Text)
		}
	})

	t.Run("message stop", func(t *testing.T) {
		chunk, ok := chunkFromEvent(&types.ConverseStreamOutputMemberMessageStop{
			Value: types.MessageStopEvent{StopReason: types.StopReasonMaxTokens},
		})
		if !ok || chunk.Candidates[0].FinishReason != "MAX_TOKENS" {
			t.Errorf("chunk = %+v, ok = %v", chunk, ok)
		}
	})

	t.Run("metadata", func(t *testing.T) {
		chunk, ok := chunkFromEvent(&types.ConverseStreamOutputMemberMetadata{
			Value: types.ConverseStreamMetadataEvent{
				Usage: &types.TokenUsage{
					InputTokens:  aws.Int32(10),
					OutputTokens: aws.Int32(20),
					TotalTokens:  aws.Int32(30),
				},
			},
		})
		if !ok || chunk.UsageMetadata == nil {
			t.Fatalf("chunk = %+v, ok = %v", chunk, ok)
		}
		if chunk.UsageMetadata.TotalTokenCount != 30 || chunk.UsageMetadata.PromptTokenCount != 10 {
			t.Errorf("usage = %+v", chunk.UsageMetadata)
		}
	})

	t.Run("message start ignored", func(t *testing.T) {
		if _, ok := chunkFromEvent(&types.ConverseStreamOutputMemberMessageStart{}); ok {
			t.Error("message start should not produce a chunk")
		}
	})
}

func TestConfigured(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		p := NewWithConfig(aws.Config{Region: "us-east-1"}, "")
		if err := p.Configured(context.Background()); !errors.Is(err, domain.ErrProviderNotConfigured) {
			t.Errorf("Configured() = %v, want ErrProviderNotConfigured", err)
		}
	})

	t.Run("static credentials", func(t *testing.T) {
		p := NewWithConfig(aws.Config{
			Region: "us-east-1",
			Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil
			}),
		}, "")
		if err := p.Configured(context.Background()); err != nil {
			t.Errorf("Configured() = %v", err)
		}
		if p.Model() != DefaultModelID {
			t.Errorf("Model() = %s", p.Model())
		}
	})
}
