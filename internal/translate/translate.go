// Package translate converts between the canonical request/response
// shapes (internal/canonical) and each upstream family's wire format
// (spec §4.4). One Translator implementation exists per provider kind;
// internal/providerclient picks the right one off the binding's Kind
// field and never branches on provider-specific logic itself.
package translate

import (
	"context"
	"io"
	"net/http"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// Translator is the seam between canonical types and one upstream's wire
// format. BuildRequest shapes the outgoing HTTP request; ParseResponse
// and ParseStream turn the upstream's reply back into canonical shapes.
//
// Implementations must be side-effect free with respect to the binding —
// all per-credential auth material is injected by the caller via
// ApplyAuth so a single Translator can be reused across every credential
// in a binding's rotation pool (spec §4.5 "translator is stateless
// w.r.t. credentials").
type Translator interface {
	// BuildRequest marshals req into the upstream's body shape and
	// returns a ready-to-send *http.Request (method, URL, body, and any
	// headers the translator itself owns — auth headers are added
	// separately by ApplyAuth).
	BuildRequest(ctx context.Context, binding *canonical.ProviderBinding, req *canonical.CanonicalRequest) (*http.Request, error)

	// ApplyAuth stamps the request with whatever auth scheme this
	// provider kind uses (header, query param, ...) for the given
	// credential.
	ApplyAuth(httpReq *http.Request, cred *canonical.Credential)

	// ParseResponse decodes a complete (non-streaming) upstream body
	// into a CanonicalResponse.
	ParseResponse(body []byte, upstreamModel string) (*canonical.CanonicalResponse, error)

	// ParseStream decodes a streaming upstream body into an ordered
	// sequence of canonical StreamingEvents. Implementations read r to
	// completion (or until ctx is done) and do not close it — the
	// caller owns the body's lifecycle.
	ParseStream(ctx context.Context, r io.Reader, upstreamModel string) ([]canonical.StreamingEvent, error)
}

// ForKind returns the Translator for a provider kind. providerclient.New
// constructs exactly one of these per binding and holds onto it for the
// binding's lifetime (spec §4.4).
func ForKind(kind canonical.ProviderKind) (Translator, error) {
	switch kind {
	case canonical.KindCWR:
		return &CWRTranslator{}, nil
	case canonical.KindOpenAICompatible:
		return &OpenAITranslator{}, nil
	case canonical.KindGemini:
		return &GeminiTranslator{}, nil
	case canonical.KindAnthropicPassThrough:
		return &AnthropicTranslator{}, nil
	default:
		return nil, unknownKindError(kind)
	}
}

func unknownKindError(kind canonical.ProviderKind) error {
	return &unknownKind{kind: kind}
}

type unknownKind struct{ kind canonical.ProviderKind }

func (e *unknownKind) Error() string {
	return "translate: no translator registered for provider kind " + string(e.kind)
}
