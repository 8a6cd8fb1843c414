package canonical

import "time"

// ProviderKind enumerates the four upstream families spec §1 names.
type ProviderKind string

const (
	KindCWR                ProviderKind = "cwr"
	KindOpenAICompatible   ProviderKind = "openai-compatible"
	KindGemini             ProviderKind = "gemini"
	KindAnthropicPassThrough ProviderKind = "anthropic-passthrough"
)

// RotationStrategy selects how Acquire picks among a binding's
// credentials (spec §4.5).
type RotationStrategy string

const (
	RotationRoundRobin  RotationStrategy = "roundRobin"
	RotationHealthBased RotationStrategy = "healthBased"
	RotationLeastUsed   RotationStrategy = "leastUsed"
)

// RotationPolicy is the per-binding credential rotation configuration.
type RotationPolicy struct {
	Strategy               RotationStrategy
	CooldownMs             int
	MaxErrorsBeforeTempDisable int
	TempDisableMs          int
	MaxRefreshFailures     int
	RefreshBackoffMs       int
}

// Duration helpers so callers don't have to repeat *time.Millisecond.
func (p RotationPolicy) TempDisableDuration() time.Duration {
	return time.Duration(p.TempDisableMs) * time.Millisecond
}

func (p RotationPolicy) RefreshBackoffDuration() time.Duration {
	return time.Duration(p.RefreshBackoffMs) * time.Millisecond
}

// DefaultRotationPolicy mirrors the conservative defaults spec §4.5
// calls out explicitly (60s refresh backoff floor).
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		Strategy:                   RotationHealthBased,
		CooldownMs:                 0,
		MaxErrorsBeforeTempDisable: 3,
		TempDisableMs:              30_000,
		MaxRefreshFailures:         5,
		RefreshBackoffMs:           60_000,
	}
}

// Credential is a single set of upstream auth material. A refresh
// replaces AccessToken/RefreshToken and updates ExpiresAt and
// LastRefreshAt; every other field survives unmodified (spec §3
// invariant) — credential.Manager merges the refreshed token into the
// struct rather than replacing it.
type Credential struct {
	SourcePath    string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     *time.Time
	ProfileArn    string
	LastRefreshAt *time.Time
	Extra         map[string]any
}

// Active reports the invariant from spec §3: a credential without a
// refresh token is immediately inactive, independent of CredentialState.
func (c *Credential) Active() bool {
	return c.RefreshToken != ""
}

// CredentialState is the runtime, per-credential health record the
// manager mutates under its binding-wide lock.
type CredentialState struct {
	Active               bool
	TotalRequests        int
	SuccessfulRequests   int
	ConsecutiveErrors    int
	RefreshFailures      int
	LastUsedAt           time.Time
	TempDisabledUntil    time.Time
	LastRefreshAttemptAt time.Time
}

// ProviderBinding is the opaque, config-layer-constructed description
// of one upstream instance. The core never constructs these itself —
// they are handed in fully formed (spec §3 "Ownership").
type ProviderBinding struct {
	Name        string
	Kind        ProviderKind
	Endpoint    string
	Credentials []*Credential
	ModelMap    map[string]string // canonical model name -> upstream model id
	Rotation    RotationPolicy

	// StripUnsupportedTools is an Anthropic-passthrough-only flag: some
	// passthrough targets are known not to support tool blocks, and the
	// translator strips them rather than probing the endpoint (spec §4.4).
	StripUnsupportedTools bool
}

// UpstreamModel resolves a canonical model name to the upstream model
// id via the binding's ModelMap, falling back to the canonical name
// itself when the binding has no mapping for it (spec §4.4, CWR
// inbound rule generalized to all bindings).
func (b *ProviderBinding) UpstreamModel(canonicalModel string) string {
	if b.ModelMap != nil {
		if u, ok := b.ModelMap[canonicalModel]; ok {
			return u
		}
	}
	return canonicalModel
}
