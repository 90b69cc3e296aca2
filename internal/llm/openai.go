package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIProvider talks to the OpenAI API (or any compatible endpoint).
// SDK-level retries are disabled; callers decide how to degrade.
type OpenAIProvider struct {
	client         openai.Client
	embeddingModel string
	embeddingDims  int
}

func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	model := strings.TrimSpace(cfg.EmbeddingModel)
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIProvider{
		client:         openai.NewClient(opts...),
		embeddingModel: model,
		embeddingDims:  cfg.EmbeddingDims,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = " "
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(p.embeddingModel),
	}
	if p.embeddingDims > 0 {
		params.Dimensions = openai.Int(int64(p.embeddingDims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Completion{}, errors.New("openai completion: model is empty")
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("openai completion: no choices returned")
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return Completion{Text: resp.Choices[0].Message.Content, Model: model}, nil
}

func (p *OpenAIProvider) Classify(ctx context.Context, req ClassifyRequest) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("openai classify: model is empty")
	}
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        req.SchemaName,
			Schema:      req.Schema,
			Strict:      openai.Bool(true),
			Description: openai.String(req.SchemaName + " JSON"),
			Type:        "json_schema",
		},
	}
	params := responses.ResponseNewParams{
		Model:           req.Model,
		MaxOutputTokens: openai.Int(64),
		Instructions:    openai.String(req.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}
	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai classify: %w", err)
	}
	return resp.OutputText(), nil
}
