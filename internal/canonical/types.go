// Package canonical defines the internal vocabulary shared by every
// provider translator, the credential manager, and the streaming
// strategy selector. Every upstream wire format gets translated into
// these types on the way in, and back out of them on the way out —
// nothing downstream of a translator ever sees a provider-specific
// shape again.
package canonical

import "fmt"

// Role identifies who authored a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockKind discriminates the tagged ContentBlock union. Go has no
// sum types, so we carry a Kind tag plus a set of fields that are only
// meaningful for that Kind — the same approach the pack's Anthropic-
// shaped adapters use for their own content block structs.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is one element of a message's content. Exactly one of
// the Kind-specific field groups is populated, selected by Kind.
type ContentBlock struct {
	Kind BlockKind `json:"type"`

	// Text is populated when Kind == BlockText.
	Text string `json:"text,omitempty"`

	// ToolUse fields, populated when Kind == BlockToolUse.
	ToolUseID  string         `json:"id,omitempty"`
	ToolName   string         `json:"name,omitempty"`
	ToolInput  map[string]any `json:"input,omitempty"`
	InputRaw   string         `json:"-"` // raw text retained when repair failed
	RepairFail bool           `json:"-"`

	// ToolResult fields, populated when Kind == BlockToolResult.
	ToolResultForID string `json:"tool_use_id,omitempty"`
	ToolResultText  string `json:"content,omitempty"`
	ToolResultOK    *bool  `json:"-"` // status, nil means unspecified
}

// Text is a convenience constructor for a text-only content block.
func Text(s string) ContentBlock { return ContentBlock{Kind: BlockText, Text: s} }

// ToolUse is a convenience constructor for a tool_use content block.
// input must already be a parsed JSON object per the spec's invariant
// that ToolUse.input is never a raw string.
func ToolUse(id, name string, input map[string]any) ContentBlock {
	if input == nil {
		input = map[string]any{}
	}
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// Message is one turn in the conversation. Content is either a bare
// string (the common case for simple user/assistant turns) or an
// ordered slice of ContentBlock — only one of Text/Blocks is meaningful
// at a time.
type Message struct {
	Role Role

	// Text holds the content when the message is a plain string.
	Text string

	// Blocks holds the content when it's a structured sequence. If
	// Blocks is non-empty it takes priority over Text.
	Blocks []ContentBlock
}

// ContentBlocks normalizes a Message's content into a block slice,
// collapsing a plain-string message into a single Text block. This is
// the form translators should always work against.
func (m Message) ContentBlocks() []ContentBlock {
	if len(m.Blocks) > 0 {
		return m.Blocks
	}
	if m.Text != "" {
		return []ContentBlock{Text(m.Text)}
	}
	return nil
}

// Tool describes a callable tool offered to the model, independent of
// any wire format. InputSchema is carried as a raw JSON object so each
// translator can prune/convert it as its upstream requires (see the
// Gemini schema-stripping rule in the translate package).
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// RequestMetadata carries identifiers the core needs for diagnostics
// and retry bookkeeping but that have no bearing on translation.
type RequestMetadata struct {
	RequestID           string
	SessionID           string
	ConversationID      string
	OriginalInboundModel string
}

// CanonicalRequest is the provider-agnostic shape every translator's
// RequestBody step consumes. Model and Stream reflect the resolved
// (provider, upstreamModel) pair the core is handed — this is not a
// routing decision the core makes itself (see spec §1, out of scope).
type CanonicalRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Stream      bool
	Tools       []Tool
	SystemText  string
	Metadata    RequestMetadata
}

// Validate enforces the two request-level invariants from spec §3:
// at most one system block (callers should lift it into SystemText
// before constructing a CanonicalRequest, so this just double checks),
// and the last message must be from the user.
func (r *CanonicalRequest) Validate() error {
	systemCount := 0
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			systemCount++
		}
	}
	if systemCount > 1 {
		return errInvalid("request contains more than one system message")
	}
	if len(r.Messages) == 0 {
		return errInvalid("request has no messages")
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser {
		return errInvalid("last message must have role \"user\", got %q", string(last.Role))
	}
	return nil
}

// Usage holds token accounting, normalized across providers' differing
// field names (input_tokens vs promptTokenCount, etc — each translator
// maps into this shape on ingress).
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StopReason enumerates the values the spec's Anthropic-shaped wire
// format uses to describe why generation stopped.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// CanonicalResponse is the provider-agnostic non-streaming response
// shape. Content is always non-empty (invariant, spec §3) and every
// ToolUse block's Input is already a parsed JSON object.
type CanonicalResponse struct {
	ID         string
	Model      string
	Role       Role
	Content    []ContentBlock
	StopReason StopReason
	StopSeq    string
	Usage      Usage

	// Warnings carries non-fatal diagnostics such as ToolCallRepair
	// (spec §7) without failing the response.
	Warnings []string
}

// DeriveStopReason implements the REDESIGN FLAG decision in spec §9:
// stopReason is derived from content, never hard-coded to end_turn.
func DeriveStopReason(content []ContentBlock) StopReason {
	if len(content) == 0 {
		return StopEndTurn
	}
	if content[len(content)-1].Kind == BlockToolUse {
		return StopToolUse
	}
	return StopEndTurn
}

// --- Streaming events (spec §3) ---

// EventKind discriminates the StreamingEvent tagged union, matching
// the Anthropic streaming schema 1:1.
type EventKind string

const (
	EventMessageStart      EventKind = "message_start"
	EventPing              EventKind = "ping"
	EventContentBlockStart EventKind = "content_block_start"
	EventContentBlockDelta EventKind = "content_block_delta"
	EventContentBlockStop  EventKind = "content_block_stop"
	EventMessageDelta      EventKind = "message_delta"
	EventMessageStop       EventKind = "message_stop"
)

// DeltaKind discriminates the two ContentBlockDelta payload shapes.
type DeltaKind string

const (
	DeltaText       DeltaKind = "text_delta"
	DeltaInputJSON  DeltaKind = "input_json_delta"
)

// StreamingEvent is one event in an Anthropic-shaped event sequence.
// Only the fields relevant to Kind are populated; see the EventKind
// constants for which fields apply to which kind.
type StreamingEvent struct {
	Kind EventKind

	// MessageStart
	Message *CanonicalResponse

	// ContentBlockStart / ContentBlockStop / ContentBlockDelta
	Index int
	Block *ContentBlock // set on ContentBlockStart

	// ContentBlockDelta
	DeltaKind   DeltaKind
	DeltaText   string // set when DeltaKind == DeltaText
	PartialJSON string // set when DeltaKind == DeltaInputJSON

	// MessageDelta
	StopReason StopReason
	StopSeq    string
	Usage      *Usage
}

func errInvalid(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
