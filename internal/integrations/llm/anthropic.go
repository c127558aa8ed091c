package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	"holderbot/internal/httpx"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicClassifier struct {
	client anthropic.Client
	model  string
	prompt string
}

func NewAnthropic(apiKey, model, prompt string, opts ...option.RequestOption) *AnthropicClassifier {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpx.Client()),
	}, opts...)
	return &AnthropicClassifier{
		client: anthropic.NewClient(opts...),
		model:  model,
		prompt: prompt,
	}
}

func (c *AnthropicClassifier) Provider() string { return "anthropic" }
func (c *AnthropicClassifier) Model() string    { return c.model }

func (c *AnthropicClassifier) ClassifyImage(ctx context.Context, img ImageInput) (Prediction, Usage, error) {
	log.Printf("llm vision provider=anthropic model=%s holder=%s bytes=%d", c.model, img.HolderID, len(img.Data))
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)),
				anthropic.NewTextBlock(c.prompt),
			),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return Prediction{}, Usage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d", len(block.Text), usage.InputTokens, usage.OutputTokens)
			p, err := ParseReply(block.Text)
			return p, usage, err
		}
	}
	return Prediction{}, usage, fmt.Errorf("%w: no text content in Anthropic response", ErrUnparseable)
}
