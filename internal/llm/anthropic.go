package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chorushq/chorus/internal/common/config"
)

// AnthropicMessages captures the subset of the Anthropic SDK used here. It
// is satisfied by *sdk.MessageService so tests can substitute a mock.
type AnthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider serves completions from the Anthropic Messages API.
// JSONMode is enforced by the prompt rather than a request parameter; the
// Messages API has no response-format switch.
type AnthropicProvider struct {
	msg       AnthropicMessages
	model     string
	maxTokens int
}

// NewAnthropicProvider builds a provider over the real SDK client.
func NewAnthropicProvider(cfg config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return newAnthropicProvider(&client.Messages, cfg), nil
}

func newAnthropicProvider(msg AnthropicMessages, cfg config.ProviderConfig) *AnthropicProvider {
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{msg: msg, model: cfg.Model, maxTokens: maxTokens}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete translates the request into a Messages call and joins the text
// blocks of the reply.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, &Error{Provider: p.Name(), Status: http.StatusBadRequest,
				Message: fmt.Sprintf("unsupported message role %q", m.Role)}
		}
	}
	if len(conversation) == 0 {
		return nil, &Error{Provider: p.Name(), Status: http.StatusBadRequest,
			Message: "at least one user or assistant message is required"}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Provider: p.Name(),
		Model:    model,
		Content:  text.String(),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return &Error{
			Provider:  p.Name(),
			Status:    apierr.StatusCode,
			Message:   apierr.Error(),
			Retryable: retryableStatus(apierr.StatusCode),
			Err:       err,
		}
	}
	// Network and deadline failures carry no status; treat as transient.
	return &Error{Provider: p.Name(), Message: err.Error(), Retryable: true, Err: err}
}
