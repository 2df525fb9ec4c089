// Package openai adapts the Azure OpenAI service to the relay's completion and
// assistant interfaces using the official openai-go SDK.
package openai

import (
	"context"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"github.com/stupiduntilnot/chaaya/internal/assistant"
	"github.com/stupiduntilnot/chaaya/internal/model"
)

// DefaultMaxCompletionTokens caps the length of each generated reply.
const DefaultMaxCompletionTokens = 1024

// ErrNoChoices is returned when the service answers without any completion.
var ErrNoChoices = errors.New("chat completion returned no choices")

// AzureConfig identifies an Azure OpenAI resource.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	// Timeout bounds each HTTP request; 0 leaves it to the caller's context.
	Timeout time.Duration
}

func newAzureClient(cfg AzureConfig) openaisdk.Client {
	opts := []option.RequestOption{
		azure.WithEndpoint(strings.TrimRight(cfg.Endpoint, "/"), cfg.APIVersion),
		azure.WithAPIKey(cfg.APIKey),
		// Retrying is the caller's decision.
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return openaisdk.NewClient(opts...)
}

// CompletionClient performs one chat completion per call against a deployment.
type CompletionClient struct {
	client     openaisdk.Client
	deployment string
	maxTokens  int64
}

func NewCompletionClient(cfg AzureConfig, deployment string, maxTokens int) *CompletionClient {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxCompletionTokens
	}
	return &CompletionClient{
		client:     newAzureClient(cfg),
		deployment: deployment,
		maxTokens:  int64(maxTokens),
	}
}

// ChatCompletion sends the ordered history and returns the first choice.
func (c *CompletionClient) ChatCompletion(ctx context.Context, messages []model.Message) (model.CompletionResponse, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:               openaisdk.ChatModel(c.deployment),
		Messages:            buildMessages(messages),
		MaxCompletionTokens: openaisdk.Int(c.maxTokens),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.CompletionResponse{}, errors.Wrapf(err, "chat completion deployment=%s", c.deployment)
	}
	if len(resp.Choices) == 0 {
		return model.CompletionResponse{}, ErrNoChoices
	}
	return model.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func buildMessages(messages []model.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openaisdk.AssistantMessage(m.Content))
		default:
			out = append(out, openaisdk.UserMessage(m.Content))
		}
	}
	return out
}

// AssistantClient drives threads and runs of one hosted assistant.
type AssistantClient struct {
	client      openaisdk.Client
	assistantID string
}

var _ assistant.API = (*AssistantClient)(nil)

func NewAssistantClient(cfg AzureConfig, assistantID string) *AssistantClient {
	return &AssistantClient{
		client:      newAzureClient(cfg),
		assistantID: assistantID,
	}
}

func (c *AssistantClient) CreateThread(ctx context.Context) (string, error) {
	thread, err := c.client.Beta.Threads.New(ctx, openaisdk.BetaThreadNewParams{})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

func (c *AssistantClient) PostMessage(ctx context.Context, threadID, text string) error {
	_, err := c.client.Beta.Threads.Messages.New(ctx, threadID, openaisdk.BetaThreadMessageNewParams{
		Role: openaisdk.BetaThreadMessageNewParamsRoleUser,
		Content: openaisdk.BetaThreadMessageNewParamsContentUnion{
			OfString: openaisdk.String(text),
		},
	})
	return err
}

func (c *AssistantClient) CreateRun(ctx context.Context, threadID string) (string, error) {
	run, err := c.client.Beta.Threads.Runs.New(ctx, threadID, openaisdk.BetaThreadRunNewParams{
		AssistantID: c.assistantID,
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (c *AssistantClient) GetRun(ctx context.Context, threadID, runID string) (string, error) {
	run, err := c.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return "", err
	}
	return string(run.Status), nil
}

// ListMessages returns the first page of the thread, newest first. Only text
// content is kept.
func (c *AssistantClient) ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error) {
	page, err := c.client.Beta.Threads.Messages.List(ctx, threadID, openaisdk.BetaThreadMessageListParams{
		Order: openaisdk.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return nil, err
	}

	out := make([]assistant.Message, 0, len(page.Data))
	for _, m := range page.Data {
		var parts []string
		for _, block := range m.Content {
			if block.Type == "text" {
				parts = append(parts, block.Text.Value)
			}
		}
		out = append(out, assistant.Message{
			Role: model.Role(m.Role),
			Text: strings.Join(parts, "\n"),
		})
	}
	return out, nil
}
