package mjbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIClient defines the methods used from the OpenAI client, to enable
// testing/mocking.
type OpenAIClient interface {
	// CreateChatCompletion sends a chat completion request
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI is the completion gateway. It assembles the prompt from the fixed
// system instructions, the recalled history and the new player message,
// and invokes the completion API with a fixed model and temperature.
//
// There is no retry, no streaming, and no token-budget trimming of
// history: an oversized prompt fails or truncates at the provider's
// discretion.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	systemPrompt   string
}

func newOpenAI(
	config *OpenAIConfig,
	httpClient *http.Client,
	systemPrompt string,
) *OpenAI {
	o := &OpenAI{
		config:       config,
		systemPrompt: systemPrompt,
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}
	o.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "openai")

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

// buildMessages assembles the completion message list: the system
// instruction block first, the recalled history in chronological order,
// and the new player message last.
func (o *OpenAI) buildMessages(
	userText string,
	history []TurnFragment,
) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		},
	)
	for _, fragment := range history {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    fragment.Role,
				Content: fragment.Content,
			},
		)
	}
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: userText,
		},
	)
	return messages
}

// GenerateReply invokes the completion API and returns the trimmed text
// of the first choice. Provider failures propagate to the caller.
func (o *OpenAI) GenerateReply(
	ctx context.Context,
	userText string,
	history []TurnFragment,
) (string, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = o.logger
	}

	if err := o.requestLimiter.Wait(ctx); err != nil {
		return "", err
	}

	request := openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Messages:    o.buildMessages(userText, history),
		Temperature: o.config.Temperature,
	}

	response, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		log.ErrorContext(ctx, "error creating chat completion", tint.Err(err))
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	reply := strings.TrimSpace(response.Choices[0].Message.Content)
	log.DebugContext(
		ctx,
		"chat completion finished",
		"model", response.Model,
		"prompt_messages", len(request.Messages),
		"usage_total_tokens", response.Usage.TotalTokens,
	)
	return reply, nil
}
