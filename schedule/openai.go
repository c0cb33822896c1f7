package schedule

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const promptTemplate = `Extract upcoming live streams announced in the chat message below.

A message announces a stream when it mentions a live stream, a call, a session
or any start time ("starting in", "at 3pm", "tomorrow"...). For every announced
stream return its name and exactly one of:
- "start_time_absolute": the start in ISO 8601 (YYYY-MM-DDTHH:MM:00Z)
- "start_time_relative": the offset from now in seconds

Reply with JSON only, shaped as:
{"streams": [{"name": "Stream Name", "start_time_absolute": "2024-01-01T15:00:00Z"}]}
When nothing is announced reply with {"streams": []}.

Today's date is %s. The message was posted in the %q group.

Message:
"""%s"""`

// OpenAIExtractor asks a chat completion model to pull announcements out of a message.
type OpenAIExtractor struct {
	Client *openai.Client
	Model  string
	Now    func() time.Time
}

func NewOpenAIExtractor(apiKey, model string) *OpenAIExtractor {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIExtractor{Client: openai.NewClient(apiKey), Model: model, Now: time.Now}
}

func (e *OpenAIExtractor) Extract(ctx context.Context, text, group string) ([]Announcement, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	prompt := fmt.Sprintf(promptTemplate, now().UTC().Format("02 January 2006"), group, text)
	resp, err := e.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.01,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrParse)
	}
	return ParseResponse(resp.Choices[0].Message.Content)
}
