package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jonathanhollander/assetforge/internal/config"
	"github.com/jonathanhollander/assetforge/internal/models"
)

// AnthropicBackend drives the official anthropic-sdk-go messages API. It is a
// text provider: whatever the asset kind, its candidate is prose (a prompt,
// caption, or description) that competes on the same score dimensions.
type AnthropicBackend struct {
	model  string
	client anthropic.Client
}

func NewAnthropicBackend(cfg config.Provider) (*AnthropicBackend, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("provider %q: api key env %q is empty", cfg.ID, cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %q: model is required", cfg.ID)
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, aoption.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicBackend{
		model:  cfg.Model,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (b *AnthropicBackend) Generate(ctx context.Context, req models.GenerationRequest) (Output, error) {
	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Brief)),
		},
	})
	if err != nil {
		return Output{}, err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return Output{}, errors.New("anthropic: response had no text content")
	}
	return Output{Content: []byte(sb.String()), ContentType: "text/plain"}, nil
}
