package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

var _ Client = (*OpenAI)(nil)

// OpenAI talks to any OpenAI-compatible endpoint.
type OpenAI struct {
	client     *openai.Client
	chatModel  string
	embedModel openai.EmbeddingModel
}

// NewOpenAI creates an OpenAI-compatible client. BaseURL is optional and
// defaults to the public API.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required (inference.api_key)")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(oc),
		chatModel:  cfg.ChatModel,
		embedModel: openai.EmbeddingModel(cfg.EmbedModel),
	}, nil
}

// Classify asks the chat model for the JSON classification of message.
func (c *OpenAI) Classify(ctx context.Context, message string) (string, error) {
	return c.chat(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: classifyPrompt(message)},
	})
}

// Generate returns the chat model's reply to prompt.
func (c *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	return c.chat(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
}

func (c *OpenAI) chat(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.chatModel,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding of text from the embedding model.
func (c *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: c.embedModel,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("creating embedding: empty embedding")
	}
	return resp.Data[0].Embedding, nil
}
