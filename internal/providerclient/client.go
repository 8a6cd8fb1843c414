// Package providerclient executes a CanonicalRequest against one
// upstream binding: it acquires a credential, asks the binding's
// translator to build the wire request, sends it, retries according to
// the failure taxonomy, and maps the result back through the
// translator (spec §4.5, §4.6).
package providerclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/credential"
	"github.com/anthropic-gateway/core/internal/errs"
	"github.com/anthropic-gateway/core/internal/translate"
)

// Client executes requests against one ProviderBinding. One Client is
// constructed per binding and reused across every request it serves
// (spec §4.4 "translator is stateless w.r.t. credentials").
type Client struct {
	Binding    *canonical.ProviderBinding
	Translator translate.Translator
	Credential *credential.Manager
	HTTP       *http.Client
}

// New builds a Client for a binding, resolving its translator from the
// binding's Kind (spec §4.4).
func New(binding *canonical.ProviderBinding, credMgr *credential.Manager, httpClient *http.Client) (*Client, error) {
	tr, err := translate.ForKind(binding.Kind)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{Binding: binding, Translator: tr, Credential: credMgr, HTTP: httpClient}, nil
}

const maxTransientRetries = 3

// transientBackoffBase is the 1s base of the exponential backoff used
// for UpstreamTransient failures (timeouts, 429, 5xx): up to
// maxTransientRetries retries, so at most 4 attempts in all.
// The same budget also covers the single 401/403 rotate-and-retry, since
// both share one try counter.
var transientBackoffBase = time.Second

// Send executes a non-streaming request end to end: acquire credential,
// build+send, retry-with-rotation once on 401/403, retry up to three
// times on transient failures, never retry on 400 (spec §4.6). Retry
// scheduling is delegated to backoff.Retry so the policy (exponential
// spacing, max tries, context cancellation) lives in one well-tested
// place instead of a hand-rolled loop.
func (c *Client) Send(ctx context.Context, req *canonical.CanonicalRequest) (*canonical.CanonicalResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, errs.Invalid("%v", err)
	}

	upstreamModel := c.Binding.UpstreamModel(req.Model)
	var triedAuthRotation bool
	var excludeCred *canonical.Credential

	op := func() (*canonical.CanonicalResponse, error) {
		lease, err := c.Credential.AcquireExcluding(ctx, req.Metadata.RequestID, excludeCred)
		if err != nil {
			return nil, backoff.Permanent(errs.NoCredential(err.Error()))
		}

		resp, ceErr := c.sendOnce(ctx, lease.Credential, req, upstreamModel)
		if ceErr == nil {
			lease.ReportSuccess()
			return resp, nil
		}

		coreErr, _ := errs.As(ceErr)
		if coreErr != nil && coreErr.Code == errs.Cancelled {
			return nil, backoff.Permanent(ceErr)
		}

		var httpStatus int
		if coreErr != nil {
			httpStatus = coreErr.HTTPStatus
		}
		lease.ReportFailure(ctx, httpStatus)

		if coreErr != nil && coreErr.Code == errs.UpstreamAuth && !triedAuthRotation {
			triedAuthRotation = true
			excludeCred = lease.Credential
			return nil, ceErr // one rotation attempt, excluding the credential that just failed
		}
		if coreErr != nil && coreErr.Retryable() {
			return nil, ceErr
		}

		return nil, backoff.Permanent(ceErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = transientBackoffBase

	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTransientRetries+1))
}

func (c *Client) sendOnce(ctx context.Context, cred *canonical.Credential, req *canonical.CanonicalRequest, upstreamModel string) (*canonical.CanonicalResponse, error) {
	httpReq, err := c.Translator.BuildRequest(ctx, c.Binding, req)
	if err != nil {
		return nil, errs.Invalid("building upstream request: %v", err)
	}
	c.Translator.ApplyAuth(httpReq, cred)

	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.CancelledErr()
		}
		return nil, errs.Transient(0, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.Transient(httpResp.StatusCode, err)
	}

	if ceErr := classifyStatus(httpResp.StatusCode, body, upstreamModel); ceErr != nil {
		return nil, ceErr
	}

	resp, err := c.Translator.ParseResponse(body, upstreamModel)
	if err != nil {
		return nil, errs.ParseError(err)
	}
	if resp.StopReason == "" {
		resp.StopReason = canonical.DeriveStopReason(resp.Content)
	}
	return resp, nil
}

// classifyStatus maps an upstream HTTP status onto the spec §7 error
// taxonomy. 2xx returns nil (success); everything else returns a typed
// *errs.CoreError so the retry loop and the caller both get a uniform
// signal regardless of which upstream produced it.
func classifyStatus(status int, body []byte, upstreamModel string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return errs.Auth(status, fmt.Errorf("%s", string(body)))
	case status == 400:
		return errs.BadRequest(upstreamModel, fmt.Errorf("%s", string(body)))
	case status == 429 || status >= 500:
		return errs.Transient(status, fmt.Errorf("%s", string(body)))
	default:
		return errs.Wrap(errs.UpstreamBadRequest, fmt.Errorf("%s", string(body)), "unexpected upstream status %d", status)
	}
}

// Stream executes a streaming request: acquire credential, build+send
// with Stream=true, hand the response body to the translator's
// ParseStream, and return the synthesized/passed-through event
// sequence. Streaming requests are not retried — a transport, auth or
// transient HTTP failure is returned to the caller as an error. For CWR,
// a body that the Direct/Batched strategies cannot decode falls back to
// the Buffered path inside CWRTranslator.ParseStream.
func (c *Client) Stream(ctx context.Context, req *canonical.CanonicalRequest) ([]canonical.StreamingEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, errs.Invalid("%v", err)
	}
	req.Stream = true

	upstreamModel := c.Binding.UpstreamModel(req.Model)
	lease, err := c.Credential.Acquire(ctx, req.Metadata.RequestID)
	if err != nil {
		return nil, errs.NoCredential(err.Error())
	}

	httpReq, err := c.Translator.BuildRequest(ctx, c.Binding, req)
	if err != nil {
		lease.ReportFailure(ctx, 0)
		return nil, errs.Invalid("building upstream request: %v", err)
	}
	c.Translator.ApplyAuth(httpReq, lease.Credential)

	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		// Cancellation is never reported as a credential failure (spec §5).
		if ctx.Err() != nil {
			return nil, errs.CancelledErr()
		}
		lease.ReportFailure(ctx, 0)
		return nil, errs.Transient(0, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		lease.ReportFailure(ctx, httpResp.StatusCode)
		return nil, classifyStatus(httpResp.StatusCode, body, upstreamModel)
	}

	events, err := c.Translator.ParseStream(ctx, httpResp.Body, upstreamModel)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.CancelledErr()
		}
		lease.ReportFailure(ctx, 0)
		return nil, errs.ParseError(err)
	}
	lease.ReportSuccess()
	return events, nil
}
