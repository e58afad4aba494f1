package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jonathanhollander/assetforge/internal/config"
	"github.com/jonathanhollander/assetforge/internal/models"
)

// OpenAIBackend drives the official openai-go SDK. Image asset kinds go
// through the Images API; prompt/text kinds through chat completions.
type OpenAIBackend struct {
	model string
	opts  []option.RequestOption
}

func NewOpenAIBackend(cfg config.Provider) (*OpenAIBackend, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("provider %q: api key env %q is empty", cfg.ID, cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %q: model is required", cfg.ID)
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIBackend{model: cfg.Model, opts: opts}, nil
}

func (b *OpenAIBackend) Generate(ctx context.Context, req models.GenerationRequest) (Output, error) {
	if req.Kind == models.AssetKindPrompt {
		return b.complete(ctx, req)
	}
	return b.image(ctx, req)
}

func (b *OpenAIBackend) complete(ctx context.Context, req models.GenerationRequest) (Output, error) {
	client := openai.NewClient(b.opts...)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Brief),
		},
	})
	if err != nil {
		return Output{}, err
	}
	if len(resp.Choices) == 0 {
		return Output{}, errors.New("openai: empty choices")
	}
	return Output{
		Content:     []byte(resp.Choices[0].Message.Content),
		ContentType: "text/plain",
	}, nil
}

func (b *OpenAIBackend) image(ctx context.Context, req models.GenerationRequest) (Output, error) {
	client := openai.NewClient(b.opts...)

	resp, err := client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         req.Brief,
		Model:          openai.ImageModel(b.model),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		N:              openai.Int(1),
	})
	if err != nil {
		return Output{}, err
	}
	if len(resp.Data) == 0 {
		return Output{}, errors.New("openai: empty image data")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return Output{}, fmt.Errorf("openai: decode image payload: %w", err)
	}
	return Output{Content: raw, ContentType: "image/png"}, nil
}
