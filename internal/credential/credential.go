// Package credential implements per-binding credential rotation: policy
// selection, cooldown/temp-disable bookkeeping, and single-flight
// refresh (spec §4.5). Every provider binding owns exactly one Manager.
package credential

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// Refresher performs the upstream-specific token refresh call. The
// credential package is transport-agnostic — it owns the rotation and
// bookkeeping policy, not the HTTP details of any particular upstream's
// token endpoint, so callers supply this.
type Refresher interface {
	Refresh(ctx context.Context, cred *canonical.Credential) (*oauth2.Token, error)
}

// Store persists the post-refresh credential set so a restart doesn't
// throw away a freshly rotated token (spec §4.5 "survives restart").
// FileStore is the concrete implementation; a nil Store disables
// persistence.
type Store interface {
	Save(bindingName string, creds []*canonical.Credential) error
}

// Manager owns one binding's credential pool: selection policy,
// per-credential health state, and the refresh protocol. All mutation
// happens under mu so Acquire/ReportSuccess/ReportFailure/refresh are
// safe to call concurrently from many in-flight requests.
type Manager struct {
	bindingName string
	policy      canonical.RotationPolicy
	refresher   Refresher
	store       Store

	mu    sync.Mutex
	creds []*canonical.Credential
	state map[*canonical.Credential]*canonical.CredentialState
	next  int // round-robin cursor

	sf singleflight.Group
}

// NewManager builds a Manager for one binding's credential pool. Every
// credential starts Active according to Credential.Active() (has a
// refresh token); credentials without one are permanently excluded by
// the selection loop (spec §3 invariant), not just initially skipped.
func NewManager(bindingName string, creds []*canonical.Credential, policy canonical.RotationPolicy, refresher Refresher, store Store) *Manager {
	m := &Manager{
		bindingName: bindingName,
		policy:      policy,
		refresher:   refresher,
		store:       store,
		creds:       creds,
		state:       make(map[*canonical.Credential]*canonical.CredentialState, len(creds)),
	}
	for _, c := range creds {
		m.state[c] = &canonical.CredentialState{Active: c.Active()}
	}
	return m
}

// ErrNoCredential is returned by Acquire when every credential in the
// pool is inactive, cooling down, or locked out by refresh failures.
type ErrNoCredential struct{ Reason string }

func (e *ErrNoCredential) Error() string { return "credential: no credential available: " + e.Reason }

// Lease is a handle on one selected, already-fresh-enough credential.
// Callers must call ReportSuccess or ReportFailure exactly once per
// lease so the manager's health bookkeeping stays accurate.
type Lease struct {
	Credential *canonical.Credential
	manager    *Manager
}

// Acquire selects a credential for requestID under the binding's
// rotation policy, refreshing it first if it's within the
// refresh-before-expiry window (spec §4.5 "5 minutes before expiry").
// Selection never blocks on an unrelated credential's refresh — only
// the chosen one is refreshed, via single-flight keyed by its pointer
// identity so concurrent Acquire calls for the same credential share
// one refresh attempt.
func (m *Manager) Acquire(ctx context.Context, requestID string) (*Lease, error) {
	return m.AcquireExcluding(ctx, requestID, nil)
}

// AcquireExcluding behaves like Acquire but never selects exclude, even
// when the rotation policy would otherwise pick it (spec §4.6's single
// 401/403 retry-with-rotation: "tag each request so the same credential
// is not picked again"). Pass nil to behave exactly like Acquire.
func (m *Manager) AcquireExcluding(ctx context.Context, requestID string, exclude *canonical.Credential) (*Lease, error) {
	cred, err := m.selectAndMaybeRefresh(ctx, exclude)
	if err != nil {
		return nil, err
	}
	return &Lease{Credential: cred, manager: m}, nil
}

func (m *Manager) selectAndMaybeRefresh(ctx context.Context, exclude *canonical.Credential) (*canonical.Credential, error) {
	cred, err := m.selectCredential(exclude)
	if err != nil {
		return nil, err
	}

	if m.needsRefresh(cred) {
		if _, err := m.refreshOnce(ctx, cred); err != nil {
			// A failed refresh counts against the credential (spec §4.5)
			// but selection still returns it if it isn't expired yet —
			// the caller can still try the request with the stale token.
			m.recordRefreshFailure(cred)
		}
	}

	return cred, nil
}

// selectCredential applies the binding's rotation strategy over the
// pool of credentials that are Active, not temp-disabled, not
// refresh-failure-locked-out, and not exclude. If every credential is
// currently unusable it performs one escape-hatch pass that resets
// expired temp-disable windows before giving up (spec §4.5 "escape
// hatch"); exclude is still honored on that second pass, so a
// 401/403 rotation retry never lands back on the credential that just
// failed even if it was the only one to come off cooldown.
func (m *Manager) selectCredential(exclude *canonical.Credential) (*canonical.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred := m.pickUsable(exclude); cred != nil {
		return cred, nil
	}

	now := time.Now()
	for _, c := range m.creds {
		st := m.state[c]
		if !st.TempDisabledUntil.IsZero() && now.After(st.TempDisabledUntil) {
			st.TempDisabledUntil = time.Time{}
		}
	}
	if cred := m.pickUsable(exclude); cred != nil {
		return cred, nil
	}

	return nil, &ErrNoCredential{Reason: m.unusableReason()}
}

func (m *Manager) pickUsable(exclude *canonical.Credential) *canonical.Credential {
	usable := m.usableCredentials(exclude)
	if len(usable) == 0 {
		return nil
	}

	switch m.policy.Strategy {
	case canonical.RotationLeastUsed:
		best := usable[0]
		for _, c := range usable[1:] {
			if m.state[c].TotalRequests < m.state[best].TotalRequests {
				best = c
			}
		}
		return best
	case canonical.RotationHealthBased:
		best := usable[0]
		for _, c := range usable[1:] {
			if m.state[c].ConsecutiveErrors < m.state[best].ConsecutiveErrors {
				best = c
			}
		}
		return best
	default: // RotationRoundRobin
		c := usable[m.next%len(usable)]
		m.next++
		return c
	}
}

func (m *Manager) usableCredentials(exclude *canonical.Credential) []*canonical.Credential {
	now := time.Now()
	var out []*canonical.Credential
	for _, c := range m.creds {
		if exclude != nil && c == exclude {
			continue
		}
		st := m.state[c]
		if !st.Active {
			continue
		}
		if !st.TempDisabledUntil.IsZero() && now.Before(st.TempDisabledUntil) {
			continue
		}
		if m.policy.MaxRefreshFailures > 0 && st.RefreshFailures >= m.policy.MaxRefreshFailures {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *Manager) unusableReason() string {
	total := len(m.creds)
	if total == 0 {
		return "binding has no credentials configured"
	}
	return fmt.Sprintf("all %d credentials are inactive, cooling down, or refresh-locked-out", total)
}

const refreshBeforeExpiry = 5 * time.Minute

func (m *Manager) needsRefresh(cred *canonical.Credential) bool {
	if cred.ExpiresAt == nil {
		return false
	}
	return time.Until(*cred.ExpiresAt) < refreshBeforeExpiry
}

// refreshOnce runs the refresh call for cred, deduplicated via
// singleflight so concurrent Acquire calls racing on the same
// credential issue exactly one upstream refresh request (spec §4.5
// "single-flight"). A conservative 60s backoff floor prevents hammering
// a refresh endpoint that is itself failing: inside the backoff window
// no attempt is made and refreshOnce returns a nil token and nil error,
// so the caller keeps using the cached access token and nothing is
// counted as a refresh failure.
func (m *Manager) refreshOnce(ctx context.Context, cred *canonical.Credential) (*oauth2.Token, error) {
	m.mu.Lock()
	st := m.state[cred]
	if !st.LastRefreshAttemptAt.IsZero() && time.Since(st.LastRefreshAttemptAt) < m.policy.RefreshBackoffDuration() {
		m.mu.Unlock()
		return nil, nil
	}
	st.LastRefreshAttemptAt = time.Now()
	m.mu.Unlock()

	key := fmt.Sprintf("%p", cred)
	v, err, _ := m.sf.Do(key, func() (any, error) {
		return m.refresher.Refresh(ctx, cred)
	})
	if err != nil {
		return nil, fmt.Errorf("credential: refresh failed: %w", err)
	}
	tok := v.(*oauth2.Token)

	m.mu.Lock()
	// Preserve every field except the ones the refresh actually rotates —
	// ProfileArn, SourcePath, Extra all survive untouched (spec §3
	// invariant: "refresh merges, never replaces").
	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		cred.ExpiresAt = &exp
	}
	now := time.Now()
	cred.LastRefreshAt = &now
	st.RefreshFailures = 0
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.Save(m.bindingName, m.creds)
	}

	return tok, nil
}

func (m *Manager) recordRefreshFailure(cred *canonical.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[cred]
	st.RefreshFailures++
	if m.policy.MaxRefreshFailures > 0 && st.RefreshFailures >= m.policy.MaxRefreshFailures {
		st.Active = false
	}
}

// ReportSuccess records a successful upstream call against the lease's
// credential: resets ConsecutiveErrors to zero, clears any temp-disable
// cooldown and re-activates a previously soft-disabled credential, and
// bumps usage counters (spec §4.5 "success clears the error streak").
func (l *Lease) ReportSuccess() {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[l.Credential]
	st.TotalRequests++
	st.SuccessfulRequests++
	st.ConsecutiveErrors = 0
	st.LastUsedAt = time.Now()
	st.TempDisabledUntil = time.Time{}
	st.Active = true
}

// ReportFailure records a failed upstream call. Consecutive failures
// past the policy's threshold put the credential into a temporary
// cooldown rather than permanently disabling it — only repeated
// refresh failures (recordRefreshFailure) are permanent (spec §4.5).
// httpStatus is optional (pass 0 when the failure never reached the
// wire, e.g. a transport error); a 401 or 403 triggers a refresh
// attempt on this same credential, still subject to the manager's
// refresh backoff (spec §4.5 "ReportFailure ... if status ∈ {401,403}
// trigger a refresh attempt").
func (l *Lease) ReportFailure(ctx context.Context, httpStatus int) {
	m := l.manager
	m.mu.Lock()
	st := m.state[l.Credential]
	st.TotalRequests++
	st.ConsecutiveErrors++
	st.LastUsedAt = time.Now()
	if m.policy.MaxErrorsBeforeTempDisable > 0 && st.ConsecutiveErrors >= m.policy.MaxErrorsBeforeTempDisable {
		st.TempDisabledUntil = time.Now().Add(m.policy.TempDisableDuration())
	}
	m.mu.Unlock()

	if httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden {
		if _, err := m.refreshOnce(ctx, l.Credential); err != nil {
			m.recordRefreshFailure(l.Credential)
		}
	}
}

// ValidateAtStartup reports any credential that is inactive, expired,
// or unparseable, without aborting the manager's construction — spec
// §4.5 requires invalid credentials to be surfaced as warnings, never
// to block process startup (other bindings, and this binding's other
// credentials, must still work).
func (m *Manager) ValidateAtStartup() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var warnings []string
	for i, c := range m.creds {
		if !c.Active() {
			warnings = append(warnings, fmt.Sprintf("%s: credential %d has no refresh token, marked inactive", m.bindingName, i))
			continue
		}
		if c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt) {
			warnings = append(warnings, fmt.Sprintf("%s: credential %d is already expired, will refresh on first use", m.bindingName, i))
		}
	}
	return warnings
}
