package provider

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/example/androidvision/internal/payload"
)

type openaiError = openai.Error

const (
	// SystemPrompt and UserPrompt keep the output format predictable; they are
	// not configurable.
	SystemPrompt = "You are a helpful assistant that can read and extract text from images using advanced vision understanding."
	UserPrompt   = "Please extract all the text visible in this image. Only return the text content, nothing else."

	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1000
)

// chatAdapter speaks the OpenAI-compatible chat completions protocol shared
// by every supported backend.
type chatAdapter struct {
	id     ID
	cfg    Config
	client openai.Client
}

func newChatAdapter(id ID, cfg Config, opts ...option.RequestOption) chatAdapter {
	if cfg.Temperature == nil {
		t := DefaultTemperature
		cfg.Temperature = &t
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	// A single attempt per request: retries could duplicate billable calls.
	opts = append(opts, option.WithMaxRetries(0))
	return chatAdapter{id: id, cfg: cfg, client: openai.NewClient(opts...)}
}

func (a chatAdapter) ID() ID { return a.id }

func (a chatAdapter) BuildRequest(p payload.Payload) Request {
	return Request{
		Provider: a.id,
		Model:    a.cfg.Model,
		Params: openai.ChatCompletionNewParams{
			Model: openai.ChatModel(a.cfg.Model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(SystemPrompt),
				openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
					openai.TextContentPart(UserPrompt),
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL: p.DataURL(),
					}),
				}),
			},
			Temperature: openai.Float(*a.cfg.Temperature),
			MaxTokens:   openai.Int(a.cfg.MaxTokens),
		},
	}
}

func (a chatAdapter) Invoke(ctx context.Context, req Request) (*openai.ChatCompletion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, req.Params)
	if err != nil {
		return nil, asAPIError(a.id, err)
	}
	return resp, nil
}

func (a chatAdapter) ExtractText(resp *openai.ChatCompletion) (string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrUnexpectedResponseShape
	}
	// An explicit empty string is a valid completion; an absent or null one is not.
	message := resp.Choices[0].Message
	if !message.JSON.Content.Valid() {
		return "", ErrUnexpectedResponseShape
	}
	return message.Content, nil
}
