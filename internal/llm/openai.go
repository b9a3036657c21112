package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatctx/internal/observability"
	"github.com/haasonsaas/chatctx/pkg/models"
)

// OpenAIClient implements ChatModel and Summarizer against OpenAI's chat
// completions API.
//
// Unlike the Anthropic client, the system instruction travels inside the
// messages array rather than as a separate parameter.
type OpenAIClient struct {
	client       *openai.Client
	replyModel   string
	summaryModel string
	maxTokens    int
	maxRetries   int
	retryDelay   time.Duration
	metrics      *observability.Metrics
}

// OpenAIConfig holds configuration for creating an OpenAIClient.
// All fields except APIKey are optional.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// ReplyModel handles ordinary replies. Default: gpt-4o.
	ReplyModel string

	// SummaryModel handles summarization. Default: gpt-4o-mini.
	SummaryModel string

	MaxTokens  int
	MaxRetries int
	RetryDelay time.Duration
	Metrics    *observability.Metrics
}

// NewOpenAIClient creates a client with validated configuration.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.ReplyModel == "" {
		config.ReplyModel = "gpt-4o"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = "gpt-4o-mini"
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

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		replyModel:   config.ReplyModel,
		summaryModel: config.SummaryModel,
		maxTokens:    config.MaxTokens,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		metrics:      config.Metrics,
	}, nil
}

// Name returns the provider identifier used in metrics and logging.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Reply generates an ordinary chat reply for the prompt.
func (c *OpenAIClient) Reply(ctx context.Context, p Prompt) (*Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(p.Turns)+2)
	if system := systemText(p); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, t := range p.Turns {
		if t == nil || t.Content == "" {
			continue
		}
		switch t.Role {
		case models.RoleAI:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: t.Content,
			})
		case models.RoleHuman:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: t.Content,
			})
		}
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: p.Input,
	})

	resp, err := c.complete(ctx, c.replyModel, messages)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}
	return &Reply{
		Text: resp.Choices[0].Message.Content,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Summarize folds conversation text into an updated summary using the
// summarizer model variant.
func (c *OpenAIClient) Summarize(ctx context.Context, existingSummary, newTurnsText string) (string, error) {
	prompt := BuildSummaryPrompt(existingSummary, newTurnsText)
	resp, err := c.complete(ctx, c.summaryModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// complete issues the request with retry and records metrics.
func (c *OpenAIClient) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (*openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}

	start := time.Now()
	var lastErr error
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
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			c.record(model, "success", start, &resp)
			return &resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	c.record(model, "error", start, nil)
	return nil, lastErr
}

func (c *OpenAIClient) record(model, status string, start time.Time, resp *openai.ChatCompletionResponse) {
	if c.metrics == nil {
		return
	}
	prompt, completion := 0, 0
	if resp != nil {
		prompt = resp.Usage.PromptTokens
		completion = resp.Usage.CompletionTokens
	}
	c.metrics.RecordLLMRequest(c.Name(), model, status, time.Since(start).Seconds(), prompt, completion)
}
