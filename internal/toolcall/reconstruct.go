// Package toolcall reconstructs structured tool_use content blocks
// from the free-form or fragmented output CWR and other upstreams
// sometimes emit instead of a clean tool-call structure (spec §4.3).
//
// Two independent sources feed the same accumulator: fragmented
// provider-native events (processed by an explicit state machine) and
// text-embedded forms recognized by scanning accumulated narration
// text. They are never allowed to cross-contaminate — a fragmented
// tool call is never reinterpreted as text, and text scanning never
// looks inside an active fragmented tool's buffer (spec §4.9 design
// note).
package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// Fragment is one unit of upstream output fed to the accumulator. A
// fragment is either plain narration text, or it carries fragmented
// tool-use metadata per the provider-native form (spec §4.3 form 3).
type Fragment struct {
	Text string

	// Fragmented tool-call fields (form 3). ToolUseID/ToolName are set
	// on the event that opens a tool call; InputJSON is appended by
	// every subsequent event for the same ToolUseID; Stop marks the
	// terminal event.
	ToolUseID string
	ToolName  string
	InputJSON string
	Stop      bool
}

// IsToolEvent reports whether this fragment carries form-3 metadata
// rather than plain narration text.
func (f Fragment) IsToolEvent() bool {
	return f.ToolUseID != "" || f.ToolName != "" || f.Stop
}

// accumulator holds the running state described in spec §4.3: pending
// narration text, an in-progress fragmented tool call if any, and the
// blocks emitted so far.
type accumulator struct {
	textBuffer  strings.Builder
	activeTool  *activeTool
	emitted     []canonical.ContentBlock
	warnings    []string
}

type activeTool struct {
	id            string
	name          string
	jsonFragments strings.Builder
}

// toolCallForm1Prefix matches "Tool call: Name(" — arguments are a
// balanced-braces JSON object literal, extracted separately since
// regexp can't match balanced delimiters on its own.
var toolCallForm1Prefix = regexp.MustCompile(`Tool call:\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// xmlTagOpen recognizes the opening tag of the <Name>...</Name> textual form
// (spec §4.3 form 2). The inner content is extracted by finding the
// first matching close tag for the same name (non-greedy, first match
// wins per the Open Question decision in spec §9 / SPEC_FULL §6).
var xmlTagOpen = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_]*)>`)

// singleStringArgTools lists tool names whose XML-form body collapses
// to {"query": inner} rather than attempting a structured parse.
var singleStringArgTools = map[string]bool{
	"WebSearch": true,
	"Search":    true,
	"Ask":       true,
}

// Reconstruct runs the full accumulation algorithm over an ordered
// sequence of fragments and returns the final content block sequence
// (spec §4.3's "Accumulation algorithm" end to end).
func Reconstruct(fragments []Fragment) []canonical.ContentBlock {
	acc := &accumulator{}
	for _, f := range fragments {
		acc.feed(f)
	}
	acc.finish()
	return acc.emitted
}

// ReconstructText is the single-accumulated-string entry point (spec
// §4.3 input form (b)) — equivalent to feeding one text fragment.
func ReconstructText(text string) []canonical.ContentBlock {
	return Reconstruct([]Fragment{{Text: text}})
}

// ReconstructWithWarnings is Reconstruct that also returns the
// ToolCallRepair-style diagnostics produced during its own pass (the
// CWR translator attaches them to CanonicalResponse.Warnings).
func ReconstructWithWarnings(fragments []Fragment) ([]canonical.ContentBlock, []string) {
	acc := &accumulator{}
	for _, f := range fragments {
		acc.feed(f)
	}
	acc.finish()
	return acc.emitted, acc.warnings
}

func (a *accumulator) feed(f Fragment) {
	if f.IsToolEvent() {
		a.feedToolEvent(f)
		return
	}
	a.textBuffer.WriteString(f.Text)
	a.scanTextBuffer()
}

// feedToolEvent drives the fragmented-event state machine (form 3).
// Opening a new tool call closes any prior one first — the spec calls
// this "best-effort JSON parse; empty object on failure".
func (a *accumulator) feedToolEvent(f Fragment) {
	switch {
	case f.ToolUseID != "" && f.ToolName != "" && a.activeTool == nil:
		a.activeTool = &activeTool{id: f.ToolUseID, name: f.ToolName}
	case f.ToolUseID != "" && f.ToolName != "" && a.activeTool != nil && f.ToolUseID != a.activeTool.id:
		a.closeActiveTool()
		a.activeTool = &activeTool{id: f.ToolUseID, name: f.ToolName}
	}

	if f.InputJSON != "" && a.activeTool != nil {
		a.activeTool.jsonFragments.WriteString(f.InputJSON)
	}

	if f.Stop {
		a.closeActiveTool()
	}
}

func (a *accumulator) closeActiveTool() {
	if a.activeTool == nil {
		return
	}
	raw := a.activeTool.jsonFragments.String()
	input, repaired := repairJSON(raw)
	block := canonical.ToolUse(a.activeTool.id, a.activeTool.name, input)
	if repaired && raw != "" {
		block.RepairFail = true
		block.InputRaw = raw
		a.warnings = append(a.warnings, fmt.Sprintf("tool %q: input repaired from incomplete JSON", a.activeTool.name))
	}
	a.emitted = append(a.emitted, block)
	a.activeTool = nil
}

// scanTextBuffer looks for a complete form-1 or form-2 match in the
// pending narration text. On a match it flushes preceding text, emits
// a ToolUse block, and removes the matched substring (spec §4.3).
func (a *accumulator) scanTextBuffer() {
	for {
		buf := a.textBuffer.String()

		if start, end, name, argsJSON, ok := matchForm1(buf); ok {
			a.flushTextPrefix(buf[:start])
			a.emitSynthesizedToolUse(name, argsJSON)
			a.textBuffer.Reset()
			a.textBuffer.WriteString(buf[end:])
			continue
		}

		if start, end, name, inner, ok := matchForm2(buf); ok {
			a.flushTextPrefix(buf[:start])
			a.emitXMLToolUse(name, inner)
			a.textBuffer.Reset()
			a.textBuffer.WriteString(buf[end:])
			continue
		}

		return
	}
}

func (a *accumulator) flushTextPrefix(prefix string) {
	if prefix == "" {
		return
	}
	a.emitted = append(a.emitted, canonical.Text(prefix))
}

func (a *accumulator) emitSynthesizedToolUse(name, argsJSON string) {
	input, repaired := repairJSON(argsJSON)
	block := canonical.ToolUse(synthesizeID(), name, input)
	if repaired && argsJSON != "" {
		block.RepairFail = true
		block.InputRaw = argsJSON
		a.warnings = append(a.warnings, fmt.Sprintf("tool %q: input repaired from incomplete JSON", name))
	}
	a.emitted = append(a.emitted, block)
}

func (a *accumulator) emitXMLToolUse(name, inner string) {
	var input map[string]any
	if singleStringArgTools[name] {
		input = map[string]any{"query": inner}
	} else if parsed, repaired := repairJSON(inner); !repaired {
		input = parsed
	} else {
		// Best-effort parse failed on a non-single-string tool: fall
		// back to the raw inner text under the same convention used
		// elsewhere, rather than fabricating fields.
		input = map[string]any{"query": inner}
	}
	block := canonical.ToolUse(synthesizeID(), name, input)
	a.emitted = append(a.emitted, block)
}

// finish closes any still-open fragmented tool call and flushes any
// residual narration text (spec §4.3 "On end-of-stream").
func (a *accumulator) finish() {
	a.closeActiveTool()
	if rest := a.textBuffer.String(); rest != "" {
		a.emitted = append(a.emitted, canonical.Text(rest))
		a.textBuffer.Reset()
	}
}

// matchForm1 finds "Tool call: Name(" then a balanced-braces object
// literal immediately inside the parens, returning the byte range of
// the whole match, the tool name, and the raw JSON text.
func matchForm1(buf string) (start, end int, name, argsJSON string, ok bool) {
	loc := toolCallForm1Prefix.FindStringSubmatchIndex(buf)
	if loc == nil {
		return 0, 0, "", "", false
	}
	matchStart, prefixEnd := loc[0], loc[1]
	name = buf[loc[2]:loc[3]]

	// prefixEnd points just past the opening '('. The next
	// non-whitespace byte must open a JSON object.
	i := prefixEnd
	for i < len(buf) && (buf[i] == ' ' || buf[i] == '\t' || buf[i] == '\n') {
		i++
	}
	if i >= len(buf) || buf[i] != '{' {
		return 0, 0, "", "", false
	}

	closeBrace := findBalancedBraceEnd(buf, i)
	if closeBrace < 0 {
		return 0, 0, "", "", false
	}

	// The match must be followed by the closing ')'.
	j := closeBrace + 1
	for j < len(buf) && (buf[j] == ' ' || buf[j] == '\t' || buf[j] == '\n') {
		j++
	}
	if j >= len(buf) || buf[j] != ')' {
		return 0, 0, "", "", false
	}

	return matchStart, j + 1, name, buf[i : closeBrace+1], true
}

// findBalancedBraceEnd returns the index of the '}' that balances the
// '{' at openIdx, respecting string literals and escapes, or -1 if the
// object never closes within buf (meaning the fragment is still
// incomplete and scanning should wait for more text).
func findBalancedBraceEnd(buf string, openIdx int) int {
	depth := 0
	inString := false
	escaped := false
	for i := openIdx; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// matchForm2 finds the first <Name>...</Name> pair, treating the
// first balanced close tag for that name as authoritative (spec §9:
// nested same-named tags are not disambiguated).
func matchForm2(buf string) (start, end int, name, inner string, ok bool) {
	loc := xmlTagOpen.FindStringSubmatchIndex(buf)
	if loc == nil {
		return 0, 0, "", "", false
	}
	matchStart, openEnd := loc[0], loc[1]
	name = buf[loc[2]:loc[3]]

	closeTag := "</" + name + ">"
	closeIdx := strings.Index(buf[openEnd:], closeTag)
	if closeIdx < 0 {
		return 0, 0, "", "", false
	}
	closeIdx += openEnd

	inner = buf[openEnd:closeIdx]
	end = closeIdx + len(closeTag)
	return matchStart, end, name, inner, true
}

// repairJSON implements the policy from spec §4.3: strict parse first;
// on failure, empty braces text yields {} with no warning, anything
// else yields {} plus the raw text retained for diagnostics. Never
// fabricate argument values — jsonrepair.JSONRepair is called on the
// fragment but its result is discarded; a repaired object is never
// surfaced as ToolUse.input, strict-parse failure always yields {}. The
// bool return reports whether the {}-with-marker path was taken (used
// to decide whether to attach a warning).
func repairJSON(raw string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, false
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, false
	}

	inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "{"), "}")
	if strings.TrimSpace(inner) == "" {
		return map[string]any{}, false
	}

	_, _ = jsonrepair.JSONRepair(trimmed)
	return map[string]any{}, true
}

// synthesizeID builds a tool_<timestamp>_<random6> id matching the
// spec's regex ^tool_\d+_[A-Za-z0-9]{6}$ for text-reconstructed tool
// calls (spec §4.3 "ID assignment").
func synthesizeID() string {
	ts := time.Now().UnixNano()
	return fmt.Sprintf("tool_%d_%s", ts, randomSuffix(6))
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomSuffix draws entropy from a fresh UUID (already a pack
// dependency wired in for ID generation elsewhere) rather than
// pulling in a second randomness source — the 16 random bytes behind
// uuid.New() are folded into the alphanumeric alphabet the spec's
// ^tool_\d+_[A-Za-z0-9]{6}$ regex requires.
func randomSuffix(n int) string {
	id := uuid.New()
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[id[i%len(id)]%byte(len(idAlphabet))]
	}
	return string(b)
}
