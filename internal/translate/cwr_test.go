package translate

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/eventstream"
)

func testBinding(kind canonical.ProviderKind, endpoint string) *canonical.ProviderBinding {
	return &canonical.ProviderBinding{
		Name:     "test",
		Kind:     kind,
		Endpoint: endpoint,
		ModelMap: map[string]string{"claude-3-5-sonnet": "upstream-model-id"},
	}
}

func TestCWRTranslator_BuildRequest_MapsModelAndFoldsSystemIntoHistory(t *testing.T) {
	tr := &CWRTranslator{}
	binding := testBinding(canonical.KindCWR, "https://cwr.example/generate")

	req := &canonical.CanonicalRequest{
		Model:      "claude-3-5-sonnet",
		SystemText: "You are terse.",
		Messages:   []canonical.Message{{Role: canonical.RoleUser, Text: "hi"}},
	}

	httpReq, err := tr.BuildRequest(context.Background(), binding, req)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if httpReq.URL.String() != binding.Endpoint {
		t.Errorf("url = %q", httpReq.URL.String())
	}
	if httpReq.Header.Get("Content-Type") != "application/x-amz-json-1.0" {
		t.Errorf("content-type = %q", httpReq.Header.Get("Content-Type"))
	}

	raw, err := io.ReadAll(httpReq.Body)
	if err != nil {
		t.Fatalf("reading request body: %v", err)
	}
	var body cwrRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshaling request body: %v", err)
	}
	if got := body.ConversationState.CurrentMessage.UserInputMessage.ModelId; got != "upstream-model-id" {
		t.Errorf("modelId = %q, want the mapped upstream model", got)
	}
	history := body.ConversationState.History
	if len(history) == 0 || history[0].UserInputMessage == nil || history[0].UserInputMessage.Content != "You are terse." {
		t.Errorf("history = %+v, want the system text as the first user turn", history)
	}
}

// TestCWRTranslator_BuildRequest_WrapsToolInputSchemaUnderJSONKey covers
// spec §4.4's toolSpecification.inputSchema shape: the canonical tool's
// raw schema map must be nested one level deeper under a "json" key, not
// sent as the inputSchema value directly.
func TestCWRTranslator_BuildRequest_WrapsToolInputSchemaUnderJSONKey(t *testing.T) {
	tr := &CWRTranslator{}
	binding := testBinding(canonical.KindCWR, "https://cwr.example/generate")

	req := &canonical.CanonicalRequest{
		Model:    "claude-3-5-sonnet",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Text: "what's the weather?"}},
		Tools: []canonical.Tool{{
			Name:        "get_weather",
			Description: "Looks up current weather for a city.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
				"required":   []any{"city"},
			},
		}},
	}

	httpReq, err := tr.BuildRequest(context.Background(), binding, req)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	raw, err := io.ReadAll(httpReq.Body)
	if err != nil {
		t.Fatalf("reading request body: %v", err)
	}

	var body cwrRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshaling request body: %v", err)
	}

	tools := body.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}

	wrapped := tools[0].ToolSpecification.InputSchema
	inner, ok := wrapped["json"].(map[string]any)
	if !ok {
		t.Fatalf("inputSchema = %#v, want a map nested under \"json\"", wrapped)
	}
	if inner["type"] != "object" {
		t.Errorf("inputSchema.json.type = %v, want \"object\"", inner["type"])
	}
	if len(wrapped) != 1 {
		t.Errorf("inputSchema has %d top-level keys, want exactly 1 (\"json\")", len(wrapped))
	}
}

func TestCWRTranslator_ApplyAuth_SetsBearerAndProfileArn(t *testing.T) {
	tr := &CWRTranslator{}
	req := httptest.NewRequest("POST", "https://cwr.example/generate", nil)
	tr.ApplyAuth(req, &canonical.Credential{AccessToken: "tok123", ProfileArn: "arn:aws:iam::1:role/x"})

	if req.Header.Get("Authorization") != "Bearer tok123" {
		t.Errorf("authorization = %q", req.Header.Get("Authorization"))
	}
	if req.Header.Get("X-Profile-Arn") != "arn:aws:iam::1:role/x" {
		t.Errorf("profile arn header = %q", req.Header.Get("X-Profile-Arn"))
	}
}

// TestCWRTranslator_ParseResponse_PlainTextEventStream covers the plain
// narration seed scenario: a CWR body with no tool-call hints decodes
// to a single text block with end_turn.
func TestCWRTranslator_ParseResponse_PlainTextEventStream(t *testing.T) {
	body, err := eventstream.Encode([]eventstream.Event{
		{Payload: map[string]any{"content": "The answer is 42."}},
	})
	if err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	tr := &CWRTranslator{}
	resp, err := tr.ParseResponse(body, "upstream-model-id")
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "The answer is 42." {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.StopReason != canonical.StopEndTurn {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
}

// TestCWRTranslator_ParseResponse_ToolUseEventStream covers a fragmented
// toolUseEvent sequence ending in stop=true, exercising the
// eventstream -> toolcall.Fragment -> ContentBlock pipeline end to end.
func TestCWRTranslator_ParseResponse_ToolUseEventStream(t *testing.T) {
	body, err := eventstream.Encode([]eventstream.Event{
		{Type: "toolUseEvent", Payload: map[string]any{"toolUseId": "T1", "name": "Calc", "input": `{"a":1`}},
		{Type: "toolUseEvent", Payload: map[string]any{"toolUseId": "T1", "input": `,"b":2}`}},
		{Type: "toolUseEvent", Payload: map[string]any{"toolUseId": "T1", "stop": true}},
		{Type: "messageMetadataEvent", Payload: map[string]any{"inputTokens": float64(10), "outputTokens": float64(5)}},
	})
	if err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	tr := &CWRTranslator{}
	resp, err := tr.ParseResponse(body, "upstream-model-id")
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Kind != canonical.BlockToolUse {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.Content[0].ToolInput["a"] != float64(1) || resp.Content[0].ToolInput["b"] != float64(2) {
		t.Errorf("input = %v", resp.Content[0].ToolInput)
	}
	if resp.StopReason != canonical.StopToolUse {
		t.Errorf("stop reason = %q, want tool_use", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}
