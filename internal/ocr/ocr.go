// Package ocr transcribes handwritten answer images through an
// OpenAI-compatible vision model.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const transcriptionPrompt = `Transcribe the handwritten text in this image exactly as written.
The image contains a student's answer to the question: %q
Return only the transcribed text, nothing else.
If the image contains no readable text, return an empty response.`

// Client wraps an OpenAI-compatible vision API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a transcription client against the given endpoint.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Transcribe extracts the handwritten text from a base64-encoded image.
// The question text gives the model context for ambiguous strokes.
// An empty string with a nil error means the image held no readable text.
func (c *Client) Transcribe(ctx context.Context, imageBase64, questionText string) (string, error) {
	imageURL := imageBase64
	if !strings.HasPrefix(imageURL, "data:") {
		imageURL = "data:image/png;base64," + imageURL
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: fmt.Sprintf(transcriptionPrompt, questionText),
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("vision API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision model returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("image transcribed", "chars", len(text))
	return text, nil
}
