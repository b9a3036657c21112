package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/chatctx/internal/observability"
	"github.com/haasonsaas/chatctx/pkg/models"
)

// AnthropicClient implements ChatModel and Summarizer against Anthropic's
// Messages API. Replies and summaries may run different models; summaries
// default to the reply model when none is configured.
//
// Safe for concurrent use; each call is an independent request with retry
// and exponential backoff for transient failures.
type AnthropicClient struct {
	client       anthropic.Client
	replyModel   string
	summaryModel string
	maxTokens    int
	maxRetries   int
	retryDelay   time.Duration
	metrics      *observability.Metrics
}

// AnthropicConfig holds configuration for creating an AnthropicClient.
// All fields except APIKey are optional.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the API endpoint for proxies.
	BaseURL string

	// ReplyModel handles ordinary replies. Default: claude-sonnet-4-20250514.
	ReplyModel string

	// SummaryModel handles summarization. Default: claude-3-5-haiku-20241022.
	SummaryModel string

	// MaxTokens caps generation length. Default: 1024.
	MaxTokens int

	// MaxRetries for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration

	// Metrics records request counters and latencies when set.
	Metrics *observability.Metrics
}

// NewAnthropicClient creates a client with validated configuration.
func NewAnthropicClient(config AnthropicConfig) (*AnthropicClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.ReplyModel == "" {
		config.ReplyModel = "claude-sonnet-4-20250514"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = "claude-3-5-haiku-20241022"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(options...),
		replyModel:   config.ReplyModel,
		summaryModel: config.SummaryModel,
		maxTokens:    config.MaxTokens,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		metrics:      config.Metrics,
	}, nil
}

// Name returns the provider identifier used in metrics and logging.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Reply generates an ordinary chat reply for the prompt.
func (c *AnthropicClient) Reply(ctx context.Context, p Prompt) (*Reply, error) {
	messages := make([]anthropic.MessageParam, 0, len(p.Turns)+1)
	for _, t := range p.Turns {
		if t == nil || t.Content == "" {
			continue
		}
		switch t.Role {
		case models.RoleAI:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		case models.RoleHuman:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(p.Input)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.replyModel),
		MaxTokens: int64(c.maxTokens),
		Messages:  messages,
	}
	if system := systemText(p); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.complete(ctx, c.replyModel, params)
	if err != nil {
		return nil, err
	}
	return &Reply{
		Text: messageText(resp),
		Usage: models.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// Summarize folds conversation text into an updated summary using the
// summarizer model variant.
func (c *AnthropicClient) Summarize(ctx context.Context, existingSummary, newTurnsText string) (string, error) {
	prompt := BuildSummaryPrompt(existingSummary, newTurnsText)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.summaryModel),
		MaxTokens: int64(c.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	resp, err := c.complete(ctx, c.summaryModel, params)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(messageText(resp)), nil
}

// complete issues the request with retry and records metrics.
func (c *AnthropicClient) complete(ctx context.Context, model string, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	start := time.Now()

	var resp *anthropic.Message
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				c.record(model, "error", start, nil)
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err = c.client.Messages.New(ctx, params)
		if err == nil {
			c.record(model, "success", start, resp)
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	c.record(model, "error", start, nil)
	return nil, err
}

func (c *AnthropicClient) record(model, status string, start time.Time, resp *anthropic.Message) {
	if c.metrics == nil {
		return
	}
	prompt, completion := 0, 0
	if resp != nil {
		prompt = int(resp.Usage.InputTokens)
		completion = int(resp.Usage.OutputTokens)
	}
	c.metrics.RecordLLMRequest(c.Name(), model, status, time.Since(start).Seconds(), prompt, completion)
}

// messageText concatenates the text blocks of a response.
func messageText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(variant.Text)
		}
	}
	return sb.String()
}
