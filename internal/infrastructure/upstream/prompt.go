package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaigo "github.com/sashabaranov/go-openai"
)

// ErrPromptFailed is returned when the text model gives no usable answer
var ErrPromptFailed = errors.New("prompt text generation failed")

const (
	optimizeSystemPrompt = "You rewrite image generation prompts. Keep the subject and intent, add concrete " +
		"details about composition, lighting and style. Answer with the rewritten prompt only."
	randomSystemPrompt = "You invent a single vivid image generation prompt. Answer with the prompt only, " +
		"no quotes, at most 60 words."
)

// PromptClient produces prompt text through a chat completion model
type PromptClient struct {
	client *openaigo.Client
	model  string
}

// NewPromptClient creates a prompt client against an OpenAI compatible endpoint
func NewPromptClient(baseURL, apiKey, model string) *PromptClient {
	cfg := openaigo.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openaigo.GPT4oMini
	}
	return &PromptClient{
		client: openaigo.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Optimize rewrites text into a more detailed image prompt
func (p *PromptClient) Optimize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: prompt is empty", ErrPromptFailed)
	}
	return p.complete(ctx, optimizeSystemPrompt, text)
}

// Random invents a prompt, optionally around a theme
func (p *PromptClient) Random(ctx context.Context, theme string) (string, error) {
	input := "Surprise me."
	if strings.TrimSpace(theme) != "" {
		input = "Theme: " + theme
	}
	return p.complete(ctx, randomSystemPrompt, input)
}

func (p *PromptClient) complete(ctx context.Context, systemPrompt, userInput string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model: p.model,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openaigo.ChatMessageRoleUser, Content: userInput},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPromptFailed, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty response", ErrPromptFailed)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
