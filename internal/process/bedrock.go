package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockMessage is a message in the Anthropic Bedrock request format.
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ModelInvoker is the slice of the Bedrock runtime client this stage needs.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockSummarizeStage replaces the extractive summarizer with an
// LLM-backed one. It keeps the same stage contract; a per-item model error
// falls back to the item's existing summary rather than failing the chain.
type BedrockSummarizeStage struct {
	client  ModelInvoker
	modelID string
}

// NewBedrockSummarizeStage connects to AWS Bedrock in the given region.
func NewBedrockSummarizeStage(ctx context.Context, modelID, region string) (*BedrockSummarizeStage, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	log.Printf("[BedrockSummarize] Initialized with model=%s, region=%s", modelID, region)
	return &BedrockSummarizeStage{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// NewBedrockSummarizeStageWithClient injects a client, used by tests.
func NewBedrockSummarizeStageWithClient(client ModelInvoker, modelID string) *BedrockSummarizeStage {
	return &BedrockSummarizeStage{client: client, modelID: modelID}
}

func (s *BedrockSummarizeStage) Name() string { return "bedrock-summarize" }

const summarizeSystemPrompt = `You summarize ingested content items for a personal digest. ` +
	`Reply with a single plain-text sentence of at most 40 words capturing the key point. ` +
	`No preamble, no markdown.`

func (s *BedrockSummarizeStage) Run(ctx context.Context, in ProcessingInput) (ProcessingOutput, error) {
	items := make([]ProcessedItem, len(in.Items))
	for i, item := range in.Items {
		items[i] = item
		summary, err := s.summarize(ctx, item.Item.Text)
		if err != nil {
			log.Printf("[BedrockSummarize] Model call failed for %s, keeping lexical summary: %v", item.Item.URI, err)
			continue
		}
		items[i].Summary = summary
	}
	return ProcessingOutput{Items: items, Metadata: in.Metadata}, nil
}

func (s *BedrockSummarizeStage) summarize(ctx context.Context, text string) (string, error) {
	// Bound the prompt; items can carry large article bodies.
	if len(text) > 8000 {
		text = text[:8000]
	}
	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        200,
		System:           summarizeSystemPrompt,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []bedrockContentBlock{{Type: "text", Text: text}},
		}},
		Temperature: 0.2,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	output, err := s.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(s.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock invoke: %w", err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	var summary string
	for _, content := range response.Content {
		if content.Type == "text" {
			summary += content.Text
		}
	}
	if summary == "" {
		return "", fmt.Errorf("empty model response")
	}
	return summary, nil
}
