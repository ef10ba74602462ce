package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chorushq/chorus/internal/common/config"
)

// OpenAIChat captures the subset of the go-openai client used here.
type OpenAIChat interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIProvider serves completions from the Chat Completions API and
// doubles as the embedding backend for the playbook catalog.
type OpenAIProvider struct {
	chat       OpenAIChat
	model      string
	embedModel string
	maxTokens  int
}

// NewOpenAIProvider builds a provider over the real go-openai client.
func NewOpenAIProvider(cfg config.ProviderConfig, embedModel string) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return newOpenAIProvider(openai.NewClient(cfg.APIKey), cfg, embedModel), nil
}

func newOpenAIProvider(chat OpenAIChat, cfg config.ProviderConfig, embedModel string) *OpenAIProvider {
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIProvider{chat: chat, model: cfg.Model, embedModel: embedModel, maxTokens: maxTokens}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete issues a chat completion. JSONMode maps to the json_object
// response format.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	if len(messages) == 0 {
		return nil, &Error{Provider: p.Name(), Status: http.StatusBadRequest,
			Message: "at least one message is required"}
	}

	request := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: p.Name(), Message: "completion returned no choices", Retryable: true}
	}

	return &Response{
		Provider: p.Name(),
		Model:    model,
		Content:  resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// embed computes one vector per input text, preserving input order.
func (p *OpenAIProvider) embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	resp, err := p.chat.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.embedModel),
	})
	if err != nil {
		return nil, Usage{}, p.wrapError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, Usage{}, &Error{Provider: p.Name(),
			Message: fmt.Sprintf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))}
	}

	vectors := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vectors) {
			idx = i
		}
		vectors[idx] = d.Embedding
	}
	return vectors, Usage{InputTokens: resp.Usage.PromptTokens}, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return &Error{
			Provider:  p.Name(),
			Status:    apiErr.HTTPStatusCode,
			Code:      code,
			Message:   apiErr.Message,
			Retryable: retryableStatus(apiErr.HTTPStatusCode),
			Err:       err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Provider:  p.Name(),
			Status:    reqErr.HTTPStatusCode,
			Message:   reqErr.Error(),
			Retryable: retryableStatus(reqErr.HTTPStatusCode),
			Err:       err,
		}
	}
	return &Error{Provider: p.Name(), Message: err.Error(), Retryable: true, Err: err}
}

// retryableStatus classifies an HTTP status for chain fallback: rate limits
// and server errors fall through, auth and model-not-found do not.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= http.StatusInternalServerError
}
