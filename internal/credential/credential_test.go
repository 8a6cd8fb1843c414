package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/anthropic-gateway/core/internal/canonical"
)

type stubRefresher struct {
	calls int
	err   error
	token *oauth2.Token
}

func (s *stubRefresher) Refresh(ctx context.Context, cred *canonical.Credential) (*oauth2.Token, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func cred(refreshToken string) *canonical.Credential {
	return &canonical.Credential{AccessToken: "old", RefreshToken: refreshToken}
}

func TestAcquire_ReportSuccess_ClearsConsecutiveErrors(t *testing.T) {
	c := cred("rt")
	m := NewManager("test", []*canonical.Credential{c}, canonical.DefaultRotationPolicy(), &stubRefresher{}, nil)

	lease, err := m.Acquire(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.ReportFailure(context.Background(), 0)
	lease.ReportFailure(context.Background(), 0)
	if m.state[c].ConsecutiveErrors != 2 {
		t.Fatalf("consecutive errors = %d, want 2", m.state[c].ConsecutiveErrors)
	}

	lease2, err := m.Acquire(context.Background(), "req-2")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease2.ReportSuccess()
	if m.state[c].ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors after success = %d, want 0", m.state[c].ConsecutiveErrors)
	}
}

func TestAcquire_CredentialWithoutRefreshTokenIsNeverSelected(t *testing.T) {
	inactive := &canonical.Credential{AccessToken: "x"} // no refresh token
	m := NewManager("test", []*canonical.Credential{inactive}, canonical.DefaultRotationPolicy(), &stubRefresher{}, nil)

	_, err := m.Acquire(context.Background(), "req-1")
	if err == nil {
		t.Fatal("expected ErrNoCredential, got nil")
	}
	var nc *ErrNoCredential
	if !errors.As(err, &nc) {
		t.Fatalf("error type = %T, want *ErrNoCredential", err)
	}
}

func TestReportFailure_TempDisablesAfterThreshold(t *testing.T) {
	c := cred("rt")
	policy := canonical.DefaultRotationPolicy()
	policy.MaxErrorsBeforeTempDisable = 2
	policy.TempDisableMs = 60_000
	m := NewManager("test", []*canonical.Credential{c}, policy, &stubRefresher{}, nil)

	lease, _ := m.Acquire(context.Background(), "req-1")
	lease.ReportFailure(context.Background(), 0)
	lease.ReportFailure(context.Background(), 0)

	if m.state[c].TempDisabledUntil.IsZero() {
		t.Fatal("expected TempDisabledUntil to be set after hitting the error threshold")
	}
	if !m.state[c].Active {
		t.Error("temp-disable should not flip Active to false — that's the refresh-failure lockout's job")
	}
}

func TestRefresh_RefreshFailuresLockOutAfterMax(t *testing.T) {
	c := cred("rt")
	expired := time.Now().Add(-time.Hour)
	c.ExpiresAt = &expired

	policy := canonical.DefaultRotationPolicy()
	policy.MaxRefreshFailures = 2
	policy.RefreshBackoffMs = 0

	refresher := &stubRefresher{err: errors.New("upstream down")}
	m := NewManager("test", []*canonical.Credential{c}, policy, refresher, nil)

	for i := 0; i < 2; i++ {
		_, err := m.Acquire(context.Background(), "req")
		if err != nil {
			t.Fatalf("iteration %d: Acquire returned error early: %v", i, err)
		}
	}

	if m.state[c].RefreshFailures < 2 {
		t.Fatalf("refresh failures = %d, want >= 2", m.state[c].RefreshFailures)
	}
	if m.state[c].Active {
		t.Error("expected credential to be locked out (Active=false) after max refresh failures")
	}

	_, err := m.Acquire(context.Background(), "req-final")
	if err == nil {
		t.Fatal("expected ErrNoCredential once locked out")
	}
}

func TestRefresh_PreservesProfileArnAndExtra(t *testing.T) {
	c := cred("rt")
	c.ProfileArn = "arn:aws:iam::1:role/x"
	c.Extra = map[string]any{"region": "us-east-1"}
	soon := time.Now().Add(time.Minute)
	c.ExpiresAt = &soon

	refresher := &stubRefresher{token: &oauth2.Token{AccessToken: "new-token", RefreshToken: "rt2", Expiry: time.Now().Add(time.Hour)}}
	m := NewManager("test", []*canonical.Credential{c}, canonical.DefaultRotationPolicy(), refresher, nil)

	if _, err := m.Acquire(context.Background(), "req"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if c.AccessToken != "new-token" {
		t.Errorf("access token = %q", c.AccessToken)
	}
	if c.ProfileArn != "arn:aws:iam::1:role/x" {
		t.Errorf("profile arn was not preserved across refresh: %q", c.ProfileArn)
	}
	if c.Extra["region"] != "us-east-1" {
		t.Errorf("extra was not preserved across refresh: %v", c.Extra)
	}
	if refresher.calls != 1 {
		t.Errorf("refresher called %d times, want 1", refresher.calls)
	}
}

func TestReportFailure_AuthStatusTriggersRefresh(t *testing.T) {
	c := cred("rt")
	refresher := &stubRefresher{token: &oauth2.Token{AccessToken: "new", RefreshToken: "rt2"}}
	m := NewManager("test", []*canonical.Credential{c}, canonical.DefaultRotationPolicy(), refresher, nil)

	lease, err := m.Acquire(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.ReportFailure(context.Background(), 401)

	if refresher.calls != 1 {
		t.Errorf("refresher called %d times after a 401, want 1", refresher.calls)
	}
	if c.AccessToken != "new" {
		t.Errorf("access token after 401-triggered refresh = %q, want %q", c.AccessToken, "new")
	}
}

func TestReportFailure_NonAuthStatusDoesNotTriggerRefresh(t *testing.T) {
	c := cred("rt")
	refresher := &stubRefresher{token: &oauth2.Token{AccessToken: "new"}}
	m := NewManager("test", []*canonical.Credential{c}, canonical.DefaultRotationPolicy(), refresher, nil)

	lease, err := m.Acquire(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.ReportFailure(context.Background(), 500)

	if refresher.calls != 0 {
		t.Errorf("refresher called %d times after a 500, want 0", refresher.calls)
	}
}

func TestAcquireExcluding_NeverReturnsExcludedCredential(t *testing.T) {
	a := cred("rt-a")
	b := cred("rt-b")
	// healthBased ties on ConsecutiveErrors==0 for both, so without the
	// exclusion the tie-break would deterministically return a again.
	policy := canonical.DefaultRotationPolicy()
	policy.Strategy = canonical.RotationHealthBased
	m := NewManager("test", []*canonical.Credential{a, b}, policy, &stubRefresher{}, nil)

	for i := 0; i < 5; i++ {
		lease, err := m.AcquireExcluding(context.Background(), "req", a)
		if err != nil {
			t.Fatalf("AcquireExcluding: %v", err)
		}
		if lease.Credential == a {
			t.Fatalf("AcquireExcluding returned the excluded credential")
		}
	}
}

// TestAcquireExcluding_SkipsExcludedEvenWhenRoundRobinCursorWouldLandOnIt
// demonstrates the scenario spec §4.6 calls out: round robin's cursor
// cycles independently of which credential last failed, so without the
// Send loop's excluded-credential tracking a 401/403 retry can still
// land back on the credential that just failed once enough other
// traffic (real or, here, simulated) has advanced the cursor back to
// its slot.
func TestAcquireExcluding_SkipsExcludedEvenWhenRoundRobinCursorWouldLandOnIt(t *testing.T) {
	a := cred("rt-a")
	b := cred("rt-b")
	c := cred("rt-c")
	policy := canonical.DefaultRotationPolicy()
	policy.Strategy = canonical.RotationRoundRobin
	m := NewManager("test", []*canonical.Credential{a, b, c}, policy, &stubRefresher{}, nil)

	for i := 0; i < 3; i++ {
		if _, err := m.Acquire(context.Background(), "req"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	// The cursor has now advanced exactly once around the 3-credential
	// pool and sits back on a's slot (index 0).

	lease, err := m.AcquireExcluding(context.Background(), "retry", a)
	if err != nil {
		t.Fatalf("AcquireExcluding: %v", err)
	}
	if lease.Credential == a {
		t.Fatal("AcquireExcluding returned the excluded credential even though round robin's cursor wrapped back to its slot")
	}
}

func TestAcquireExcluding_NoCredentialWhenOnlyOptionIsExcluded(t *testing.T) {
	only := cred("rt")
	m := NewManager("test", []*canonical.Credential{only}, canonical.DefaultRotationPolicy(), &stubRefresher{}, nil)

	_, err := m.AcquireExcluding(context.Background(), "req", only)
	if err == nil {
		t.Fatal("expected ErrNoCredential when the only credential is excluded")
	}
	var nc *ErrNoCredential
	if !errors.As(err, &nc) {
		t.Fatalf("error type = %T, want *ErrNoCredential", err)
	}
}

func TestValidateAtStartup_NeverAborts(t *testing.T) {
	good := cred("rt")
	bad := &canonical.Credential{AccessToken: "x"} // no refresh token
	m := NewManager("test", []*canonical.Credential{good, bad}, canonical.DefaultRotationPolicy(), &stubRefresher{}, nil)

	warnings := m.ValidateAtStartup()
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(warnings), warnings)
	}
}
