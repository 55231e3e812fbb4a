// Package upstream implements the UpstreamPoller of spec.md §4.1: a
// single request/response round trip against the platform's chat
// endpoint, continuation extraction, and action-to-Event parsing.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Hambonethewise/yt-chat-relay/bootstrap"
	"github.com/Hambonethewise/yt-chat-relay/chatmodel"
)

const throttleSignal = "Too many subrequests"

// Kind names the winning continuation variant, or "fallback"/"" per
// spec.md §4.1.
type Kind string

const (
	KindTimed        Kind = "timedContinuationData"
	KindInvalidation Kind = "invalidationContinuationData"
	KindReload       Kind = "reloadContinuationData"
	KindFallback     Kind = "fallback"
)

// Result is the parsed outcome of one poll.
type Result struct {
	Events         []chatmodel.Event
	NextToken      string // empty means no continuation found (spec.md I2, §4.1 rule 3)
	SuggestedDelay time.Duration
	HasDelay       bool
	Kind           Kind
}

// Poller drives one POST against the chat backend per spec.md §4.1.
type Poller struct {
	HTTPClient *http.Client
	// Endpoint builds the chat POST URL; overridable in tests.
	Endpoint func() string
	// Now returns the wall clock, overridable in tests for deterministic TimestampMillis fallback.
	Now func() time.Time
}

// NewPoller returns a Poller with production defaults: a 10s hard
// deadline per spec.md §4.1, applied by the caller via context.
func NewPoller() *Poller {
	return &Poller{
		HTTPClient: &http.Client{},
		Endpoint:   func() string { return "https://www.youtube.com/youtubei/v1/live_chat/get_live_chat" },
		Now:        time.Now,
	}
}

// clientContext mirrors the "context" block of spec.md §6: client name,
// version, visitor data, language/geo hints, platform descriptors.
type clientContext struct {
	Client struct {
		ClientName    string `json:"clientName"`
		ClientVersion string `json:"clientVersion"`
		VisitorData   string `json:"visitorData,omitempty"`
		HL            string `json:"hl"`
		GL            string `json:"gl"`
		Platform      string `json:"platform"`
	} `json:"client"`
}

type requestBody struct {
	Context          clientContext `json:"context"`
	Continuation     string        `json:"continuation"`
	CurrentPlayerState struct {
		PlayerOffsetMs string `json:"playerOffsetMs"`
	} `json:"currentPlayerState"`
}

// Poll issues one request using bs and continuation, and returns the
// parsed Result or a classified *Error.
func (p *Poller) Poll(ctx context.Context, bs bootstrap.Data, continuation string) (Result, error) {
	body := requestBody{Continuation: continuation}
	body.Context.Client.ClientName = "WEB"
	body.Context.Client.ClientVersion = bs.ClientVersion
	body.Context.Client.VisitorData = bs.VisitorData
	body.Context.Client.HL = "en"
	body.Context.Client.GL = "US"
	body.Context.Client.Platform = "DESKTOP"

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, transportError(err.Error())
	}

	url := p.Endpoint() + "?key=" + bs.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, transportError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient().Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, timeoutError()
		}
		return Result{}, transportError(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, transportError(err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, httpStatusError(resp.StatusCode)
	}
	if bytes.Contains(respBody, []byte(throttleSignal)) {
		return Result{}, throttledError()
	}

	return p.parse(respBody)
}

func (p *Poller) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
