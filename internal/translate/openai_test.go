package translate

import (
	"context"
	"strings"
	"testing"

	"github.com/anthropic-gateway/core/internal/canonical"
)

func TestOpenAITranslator_ParseResponse_MapsFinishReasonAndToolCalls(t *testing.T) {
	tr := &OpenAITranslator{}
	body := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"message": {"role":"assistant","tool_calls":[{"id":"call_1","type":"function","function":{"name":"Lookup","arguments":"{\"q\":\"go\"}"}}]},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 8}
	}`)

	resp, err := tr.ParseResponse(body, "gpt-4o")
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.StopReason != canonical.StopToolUse {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].ToolName != "Lookup" {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.Content[0].ToolInput["q"] != "go" {
		t.Errorf("input = %v", resp.Content[0].ToolInput)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// TestOpenAITranslator_ParseStream_MergesFragmentedToolCallArguments
// covers the streaming-with-tool-call seed scenario: arguments arrive
// split across several chunks, indexed by tool-call position, and must
// be concatenated before the final JSON parse.
func TestOpenAITranslator_ParseStream_MergesFragmentedToolCallArguments(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"id":"chatcmpl-2","model":"gpt-4o","choices":[{"delta":{"content":"Checking "}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"Search","arguments":"{\"q\""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"weather\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":3}}`,
		`data: [DONE]`,
		``,
	}, "\n")

	tr := &OpenAITranslator{}
	events, err := tr.ParseStream(context.Background(), strings.NewReader(sse), "gpt-4o")
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}

	var toolBlock *canonical.ContentBlock
	var sawMessageStop bool
	for i := range events {
		e := events[i]
		if e.Kind == canonical.EventContentBlockStart && e.Block != nil && e.Block.Kind == canonical.BlockToolUse {
			toolBlock = e.Block
		}
		if e.Kind == canonical.EventMessageStop {
			sawMessageStop = true
		}
	}
	if toolBlock == nil {
		t.Fatal("no tool_use content_block_start event emitted")
	}
	if toolBlock.ToolName != "Search" || toolBlock.ToolInput["q"] != "weather" {
		t.Errorf("tool block = %+v", toolBlock)
	}
	if !sawMessageStop {
		t.Error("expected a terminal message_stop event")
	}
}
