package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/archonlabs/archon/internal/backoff"
	"github.com/archonlabs/archon/pkg/models"
)

// base holds the machinery shared by every OpenAI-compatible provider: message
// conversion, the retry-once policy, and incremental stream processing.
type base struct {
	name   string
	client *openai.Client
	logger *slog.Logger
}

func newBase(name string, client *openai.Client, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		name:   name,
		client: client,
		logger: logger.With("component", "provider", "provider", name),
	}
}

func (b *base) Name() string { return b.name }

// complete starts the stream with a single retry on rate-limit, 502/503 and
// connection-reset failures, then hands the stream to processStream.
func (b *base) complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	chatReq := b.buildRequest(req)

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		perr := NewProviderError(b.name, req.Model, err)
		if !perr.Reason.IsRetryable() {
			return nil, perr
		}
		b.logger.Warn("upstream call failed, retrying once",
			"model", req.Model, "reason", perr.Reason, "error", err)
		if serr := backoff.Sleep(ctx, backoff.ProviderRetryDelay()); serr != nil {
			return nil, perr
		}
		stream, err = b.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, NewProviderError(b.name, req.Model, err)
		}
	}

	chunks := make(chan *CompletionChunk)
	go b.processStream(ctx, req.Model, stream, chunks)
	return chunks, nil
}

func (b *base) buildRequest(req *CompletionRequest) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq
}

// processStream reads the upstream stream and emits chunks. Native tool calls
// arrive incrementally (id and name first, argument fragments after) and are
// accumulated per index until the finish reason or EOF flushes them.
func (b *base) processStream(ctx context.Context, model string, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	argBuf := make(map[int][]byte)
	var usage *Usage

	flush := func() {
		// Emit in index order: the upstream issued the calls in that order
		// and downstream result ordering depends on it.
		indices := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			tc := toolCalls[i]
			if tc.Name == "" {
				continue
			}
			if args := argBuf[i]; len(args) > 0 {
				tc.Arguments = json.RawMessage(args)
			} else {
				tc.Arguments = json.RawMessage("{}")
			}
			chunks <- &CompletionChunk{ToolCall: tc}
		}
		toolCalls = make(map[int]*models.ToolCall)
		argBuf = make(map[int][]byte)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &CompletionChunk{Done: true, Usage: usage}
				return
			}
			chunks <- &CompletionChunk{Err: NewProviderError(b.name, model, err), Done: true}
			return
		}

		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				argBuf[index] = append(argBuf[index], tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleTool:
			// One upstream message per tool result.
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertTools(tools []models.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params map[string]any
		if err := json.Unmarshal(t.Parameters, &params); err != nil || params == nil {
			// A bad schema on one tool must not break the rest.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// statusOf pulls the HTTP status out of the SDK's typed errors.
func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

var errMissingKey = fmt.Errorf("api key is required")
