package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/errs"
	"github.com/anthropic-gateway/core/internal/stream"
)

// wireRequest is the inbound Anthropic Messages API shape (spec §6).
type wireRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMsg       `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []wireTool      `json:"tools,omitempty"`
}

type wireMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleMessages decodes an Anthropic-shaped /v1/messages request,
// resolves the binding for its model, and dispatches to the gateway's
// Send or Stream path.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var wr wireRequest
	if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
		writeError(w, errs.Invalid("invalid request body: %s", err))
		return
	}

	req, err := toCanonicalRequest(wr)
	if err != nil {
		writeError(w, errs.Invalid("%s", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, errs.Invalid("%s", err))
		return
	}

	binding, ok := s.bindingFor[wr.Model]
	if !ok {
		writeError(w, errs.Invalid("no binding configured for model %q", wr.Model))
		return
	}

	if wr.Stream {
		events, err := s.gateway.Stream(r.Context(), binding, req)
		if err != nil {
			log.Printf("stream error: %v", err)
			writeError(w, err)
			return
		}
		if err := stream.Write(w, events); err != nil {
			log.Printf("stream write error: %v", err)
		}
		return
	}

	resp, err := s.gateway.Send(r.Context(), binding, req)
	if err != nil {
		log.Printf("send error: %v", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func toCanonicalRequest(wr wireRequest) (*canonical.CanonicalRequest, error) {
	req := &canonical.CanonicalRequest{
		Model:     wr.Model,
		MaxTokens: wr.MaxTokens,
		Temperature: wr.Temperature,
		Stream:    wr.Stream,
	}

	if len(wr.System) > 0 {
		var s string
		if err := json.Unmarshal(wr.System, &s); err == nil {
			req.SystemText = s
		} else {
			var blocks []wireContentBlock
			if err := json.Unmarshal(wr.System, &blocks); err != nil {
				return nil, fmt.Errorf("decoding system field: %w", err)
			}
			for _, b := range blocks {
				req.SystemText += b.Text
			}
		}
	}

	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, canonical.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	for _, m := range wr.Messages {
		msg, err := toCanonicalMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	return req, nil
}

func toCanonicalMessage(m wireMsg) (canonical.Message, error) {
	role := canonical.Role(m.Role)

	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return canonical.Message{Role: role, Text: asString}, nil
	}

	var wireBlocks []wireContentBlock
	if err := json.Unmarshal(m.Content, &wireBlocks); err != nil {
		return canonical.Message{}, fmt.Errorf("decoding message content: %w", err)
	}

	blocks := make([]canonical.ContentBlock, 0, len(wireBlocks))
	for _, b := range wireBlocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, canonical.Text(b.Text))
		case "tool_use":
			blocks = append(blocks, canonical.ToolUse(b.ID, b.Name, b.Input))
		case "tool_result":
			ok := !b.IsError
			blocks = append(blocks, canonical.ContentBlock{
				Kind:            canonical.BlockToolResult,
				ToolResultForID: b.ToolUseID,
				ToolResultText:  b.Content,
				ToolResultOK:    &ok,
			})
		}
	}
	return canonical.Message{Role: role, Blocks: blocks}, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	if ce, ok := errs.As(err); ok {
		code = string(ce.Code)
		switch {
		case ce.HTTPStatus != 0:
			status = ce.HTTPStatus
		case ce.Code == errs.InvalidRequest:
			status = http.StatusBadRequest
		case ce.Code == errs.NoCredentialAvailable:
			status = http.StatusServiceUnavailable
		case ce.Code == errs.Cancelled:
			status = 499
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    code,
			"message": err.Error(),
		},
	})
}
