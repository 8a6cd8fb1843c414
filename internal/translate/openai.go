package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// OpenAITranslator speaks the OpenAI chat-completions wire format,
// shared by every OpenAI-compatible upstream the gateway dispatches to
// (spec §4.4). Auth is a plain bearer token; streaming is SSE with a
// single "data: [DONE]" sentinel, same shape the teacher's AnthropicProvider
// scanner already parses for a different wire schema.
type OpenAITranslator struct{}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function openAIToolCallFunc   `json:"function"`
}

type openAIToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// openAIStreamChunk is the per-line SSE payload shape; every field is
// optional since deltas arrive incrementally across many chunks.
type openAIStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Content   string                 `json:"content"`
	ToolCalls []openAIStreamToolCall `json:"tool_calls"`
}

// openAIStreamToolCall mirrors the fragmented tool_call shape OpenAI
// streams: index identifies which tool call a given delta belongs to,
// since arguments arrive split across many chunks.
type openAIStreamToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id"`
	Function openAIToolCallFunc `json:"function"`
}

// finishReasonMap translates OpenAI's finish_reason vocabulary into the
// canonical StopReason the gateway always presents (spec §4.4).
var finishReasonMap = map[string]canonical.StopReason{
	"stop":           canonical.StopEndTurn,
	"length":         canonical.StopMaxTokens,
	"tool_calls":     canonical.StopToolUse,
	"function_call":  canonical.StopToolUse,
	"content_filter": canonical.StopEndTurn,
}

func (t *OpenAITranslator) BuildRequest(ctx context.Context, binding *canonical.ProviderBinding, req *canonical.CanonicalRequest) (*http.Request, error) {
	body := openAIRequest{
		Model:       binding.UpstreamModel(req.Model),
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.SystemText != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.SystemText})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, messageToOpenAI(m))
	}
	for _, tl := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: tl.Name, Description: tl.Description, Parameters: tl.InputSchema},
		})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	url := strings.TrimRight(binding.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openai: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func messageToOpenAI(m canonical.Message) openAIMessage {
	role := string(m.Role)
	out := openAIMessage{Role: role}

	for _, b := range m.ContentBlocks() {
		switch b.Kind {
		case canonical.BlockText:
			out.Content += b.Text
		case canonical.BlockToolUse:
			args, _ := json.Marshal(b.ToolInput)
			out.ToolCalls = append(out.ToolCalls, openAIToolCall{
				ID:   b.ToolUseID,
				Type: "function",
				Function: openAIToolCallFunc{Name: b.ToolName, Arguments: string(args)},
			})
		case canonical.BlockToolResult:
			out.Role = "tool"
			out.ToolCallID = b.ToolResultForID
			out.Content = b.ToolResultText
		}
	}
	return out
}

func (t *OpenAITranslator) ApplyAuth(httpReq *http.Request, cred *canonical.Credential) {
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
}

func (t *OpenAITranslator) ParseResponse(body []byte, upstreamModel string) (*canonical.CanonicalResponse, error) {
	var oaResp openAIResponse
	if err := json.Unmarshal(body, &oaResp); err != nil {
		return nil, fmt.Errorf("openai: decoding response: %w", err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	choice := oaResp.Choices[0]

	var blocks []canonical.ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, canonical.Text(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		blocks = append(blocks, canonical.ToolUse(tc.ID, tc.Function.Name, args))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, canonical.Text(""))
	}

	resp := &canonical.CanonicalResponse{
		ID:      oaResp.ID,
		Model:   upstreamModel,
		Role:    canonical.RoleAssistant,
		Content: blocks,
		Usage: canonical.Usage{
			InputTokens:  oaResp.Usage.PromptTokens,
			OutputTokens: oaResp.Usage.CompletionTokens,
		},
	}
	if mapped, ok := finishReasonMap[choice.FinishReason]; ok {
		resp.StopReason = mapped
	} else {
		resp.StopReason = canonical.DeriveStopReason(blocks)
	}
	return resp, nil
}

// ParseStream scans OpenAI's SSE body line by line, accumulating text
// and fragmented tool-call arguments per tool-call index, then emits
// the canonical event sequence in one pass once "[DONE]" is seen — the
// same scanner-plus-accumulate shape the teacher's Anthropic adapter
// uses for its own named-event SSE format (internal/provider/anthropic.go).
func (t *OpenAITranslator) ParseStream(ctx context.Context, r io.Reader, upstreamModel string) ([]canonical.StreamingEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		respID  string
		text    strings.Builder
		usage   canonical.Usage
		toolAcc = map[int]*openAIToolCall{}
		order   []int
		finish  string
	)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		if data == "" {
			continue
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.ID != "" {
			respID = chunk.ID
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			text.WriteString(choice.Delta.Content)
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := toolAcc[tc.Index]
				if !ok {
					acc = &openAIToolCall{ID: tc.ID, Function: openAIToolCallFunc{Name: tc.Function.Name}}
					toolAcc[tc.Index] = acc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai: reading stream: %w", err)
	}

	var blocks []canonical.ContentBlock
	if text.Len() > 0 {
		blocks = append(blocks, canonical.Text(text.String()))
	}
	for _, idx := range order {
		acc := toolAcc[idx]
		var args map[string]any
		if err := json.Unmarshal([]byte(acc.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		blocks = append(blocks, canonical.ToolUse(acc.ID, acc.Function.Name, args))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, canonical.Text(""))
	}

	resp := &canonical.CanonicalResponse{
		ID:      respID,
		Model:   upstreamModel,
		Role:    canonical.RoleAssistant,
		Content: blocks,
		Usage:   usage,
	}
	if mapped, ok := finishReasonMap[finish]; ok {
		resp.StopReason = mapped
	} else {
		resp.StopReason = canonical.DeriveStopReason(blocks)
	}

	return synthesizeEvents(resp), nil
}
