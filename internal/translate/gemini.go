package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// GeminiTranslator speaks Google's generateContent/streamGenerateContent
// wire format (spec §4.4). The API key travels as a query parameter —
// the one auth scheme in this gateway that isn't a header — matching
// the teacher's GoogleProvider (internal/provider/google.go).
type GeminiTranslator struct{}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolDecl        `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResult `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

var geminiFinishReasonMap = map[string]canonical.StopReason{
	"STOP":          canonical.StopEndTurn,
	"MAX_TOKENS":    canonical.StopMaxTokens,
	"SAFETY":        canonical.StopEndTurn,
	"RECITATION":    canonical.StopEndTurn,
}

// allowedSchemaKeys is the field set Gemini's function-declaration
// schema accepts; everything else (additionalProperties, $schema,
// format subsets Gemini rejects, etc.) is stripped (spec §4.4 Gemini
// outbound rule, generalized per SPEC_FULL §5).
var allowedSchemaKeys = map[string]bool{
	"type":        true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"description": true,
	"enum":        true,
}

// stripUnsupportedSchemaKeys recursively prunes a JSON-schema object
// down to the keys Gemini accepts, walking into "properties" and
// "items" since those nest further schema objects. Uses gjson to walk
// and sjson to rebuild rather than hand-rolling a second JSON tree
// walker, matching how envoyproxy-ai-gateway's translators reshape
// provider-specific schema trees with the same pair of libraries.
func stripUnsupportedSchemaKeys(schema map[string]any) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	pruned := pruneSchemaJSON(string(raw))

	var out map[string]any
	if err := json.Unmarshal([]byte(pruned), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func pruneSchemaJSON(doc string) string {
	result := gjson.Parse(doc)
	if !result.IsObject() {
		return doc
	}

	out := "{}"
	result.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if !allowedSchemaKeys[k] {
			return true
		}
		switch k {
		case "properties":
			out, _ = sjson.SetRaw(out, "properties", prunePropertiesJSON(value))
		case "items":
			if value.IsObject() {
				out, _ = sjson.SetRaw(out, "items", pruneSchemaJSON(value.Raw))
			} else {
				out, _ = sjson.SetRaw(out, "items", value.Raw)
			}
		default:
			out, _ = sjson.SetRaw(out, k, value.Raw)
		}
		return true
	})
	return out
}

func prunePropertiesJSON(props gjson.Result) string {
	out := "{}"
	props.ForEach(func(key, value gjson.Result) bool {
		pruned := pruneSchemaJSON(value.Raw)
		out, _ = sjson.SetRaw(out, sjsonEscape(key.String()), pruned)
		return true
	})
	return out
}

// sjsonEscape escapes path-significant characters (".", "*", "?") in a
// property name before using it as an sjson path segment, since sjson
// interprets those specially otherwise.
func sjsonEscape(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}

func (t *GeminiTranslator) BuildRequest(ctx context.Context, binding *canonical.ProviderBinding, req *canonical.CanonicalRequest) (*http.Request, error) {
	gr := geminiRequest{}

	if req.SystemText != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemText}}}
	}

	for _, m := range req.Messages {
		gr.Contents = append(gr.Contents, messageToGemini(m))
	}

	if req.MaxTokens > 0 || req.Temperature != nil {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}

	for _, tl := range req.Tools {
		schema := stripUnsupportedSchemaKeys(tl.InputSchema)
		params, _ := json.Marshal(schema)
		gr.Tools = append(gr.Tools, geminiToolDecl{
			FunctionDeclarations: []geminiFunctionDecl{{Name: tl.Name, Description: tl.Description, Parameters: params}},
		})
	}

	raw, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshaling request: %w", err)
	}

	model := binding.UpstreamModel(req.Model)
	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(binding.Endpoint, "/"), model, verb)
	if req.Stream {
		endpoint += "?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gemini: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func messageToGemini(m canonical.Message) geminiContent {
	role := string(m.Role)
	if role == string(canonical.RoleAssistant) {
		role = "model"
	}
	content := geminiContent{Role: role}
	for _, b := range m.ContentBlocks() {
		switch b.Kind {
		case canonical.BlockText:
			content.Parts = append(content.Parts, geminiPart{Text: b.Text})
		case canonical.BlockToolUse:
			content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: b.ToolName, Args: b.ToolInput}})
		case canonical.BlockToolResult:
			content.Parts = append(content.Parts, geminiPart{
				FunctionResponse: &geminiFunctionResult{Name: b.ToolResultForID, Response: map[string]any{"result": b.ToolResultText}},
			})
		}
	}
	return content
}

// ApplyAuth appends the API key as a query parameter — Gemini's one
// auth scheme that isn't a header (spec §4.4).
func (t *GeminiTranslator) ApplyAuth(httpReq *http.Request, cred *canonical.Credential) {
	q := httpReq.URL.Query()
	q.Set("key", cred.AccessToken)
	httpReq.URL.RawQuery = q.Encode()
}

func (t *GeminiTranslator) ParseResponse(body []byte, upstreamModel string) (*canonical.CanonicalResponse, error) {
	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("gemini: decoding response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: response has no candidates")
	}
	cand := gr.Candidates[0]

	var blocks []canonical.ContentBlock
	for _, part := range cand.Content.Parts {
		if part.FunctionCall != nil {
			blocks = append(blocks, canonical.ToolUse(syntheticCallID(part.FunctionCall.Name), part.FunctionCall.Name, part.FunctionCall.Args))
		} else if part.Text != "" {
			blocks = append(blocks, canonical.Text(part.Text))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, canonical.Text(""))
	}

	resp := &canonical.CanonicalResponse{
		Model:   upstreamModel,
		Role:    canonical.RoleAssistant,
		Content: blocks,
	}
	if gr.UsageMetadata != nil {
		resp.Usage = canonical.Usage{
			InputTokens:  gr.UsageMetadata.PromptTokenCount,
			OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
		}
	}
	if mapped, ok := geminiFinishReasonMap[cand.FinishReason]; ok {
		resp.StopReason = mapped
	} else {
		resp.StopReason = canonical.DeriveStopReason(blocks)
	}
	return resp, nil
}

// ParseStream scans Gemini's SSE body — every event carries the same
// full-candidate JSON shape as the non-streaming response (unlike
// OpenAI/Anthropic's incremental deltas), so each line is decoded with
// the same geminiResponse struct and its parts appended in order
// (mirrors the teacher's Gemini streaming loop in
// internal/provider/google.go, which makes the identical observation).
func (t *GeminiTranslator) ParseStream(ctx context.Context, r io.Reader, upstreamModel string) ([]canonical.StreamingEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		textBuf strings.Builder
		blocks  []canonical.ContentBlock
		usage   canonical.Usage
		finish  string
	)
	flushText := func() {
		if textBuf.Len() > 0 {
			blocks = append(blocks, canonical.Text(textBuf.String()))
			textBuf.Reset()
		}
	}

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
		if data == "" {
			continue
		}

		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			continue
		}
		if len(gr.Candidates) == 0 {
			continue
		}
		cand := gr.Candidates[0]
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			if part.FunctionCall != nil {
				flushText()
				blocks = append(blocks, canonical.ToolUse(syntheticCallID(part.FunctionCall.Name), part.FunctionCall.Name, part.FunctionCall.Args))
				continue
			}
			textBuf.WriteString(part.Text)
		}
		if gr.UsageMetadata != nil {
			usage.InputTokens = gr.UsageMetadata.PromptTokenCount
			usage.OutputTokens = gr.UsageMetadata.CandidatesTokenCount
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gemini: reading stream: %w", err)
	}
	flushText()
	if len(blocks) == 0 {
		blocks = append(blocks, canonical.Text(""))
	}

	resp := &canonical.CanonicalResponse{
		Model:   upstreamModel,
		Role:    canonical.RoleAssistant,
		Content: blocks,
		Usage:   usage,
	}
	if mapped, ok := geminiFinishReasonMap[finish]; ok {
		resp.StopReason = mapped
	} else {
		resp.StopReason = canonical.DeriveStopReason(resp.Content)
	}

	return synthesizeEvents(resp), nil
}

func syntheticCallID(name string) string {
	return "call_" + url.QueryEscape(name)
}
