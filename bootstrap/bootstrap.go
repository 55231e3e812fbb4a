// Package bootstrap implements the BootstrapClient collaborator described
// in spec.md §2 and §6: a pure function that scrapes a video's watch page
// for the fields needed to drive the upstream chat poller. The session
// core only depends on the Scrape function signature; this package gives
// that contract a real implementation so the repository runs end to end.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/Hambonethewise/yt-chat-relay/jsontree"
)

// Data is the BootstrapData of spec.md §3: immutable for the life of a
// session, but replaceable wholesale by the auto-heal path.
type Data struct {
	APIKey               string
	ClientVersion        string
	VisitorData          string
	InitialData          json.RawMessage
	InitialContinuation  string
}

var (
	apiKeyRe    = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)
	clientVerRe = regexp.MustCompile(`"clientVersion":"([^"]+)"`)
	visitorRe   = regexp.MustCompile(`"VISITOR_DATA":"([^"]+)"`)
	initialRe   = regexp.MustCompile(`(?s)ytInitialData"?\]?\s*=\s*(\{.*?\});`)
)

// Client fetches and parses a video watch page into Data. It is the
// concrete behind spec.md's `scrape(videoId) -> BootstrapData | error`.
type Client struct {
	HTTPClient *http.Client
	// WatchURL builds the watch page URL for a given video id; overridable in tests.
	WatchURL func(videoID string) string
}

// NewClient returns a Client with production defaults.
func NewClient() *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		WatchURL:   func(videoID string) string { return "https://www.youtube.com/watch?v=" + videoID },
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Scrape fetches the watch page for videoID and extracts the bootstrap
// fields. It returns an error wrapped with a stack trace (BootstrapFailed
// in spec.md §7's error taxonomy) on any failure: transport, non-2xx
// status, or missing required fields.
func (c *Client) Scrape(ctx context.Context, videoID string) (Data, error) {
	url := c.WatchURL(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Data{}, telemetryWrap(err, "build watch page request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; yt-chat-relay/1.0)")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.http().Do(req)
	if err != nil {
		return Data{}, telemetryWrap(err, "fetch watch page")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Data{}, telemetryWrap(fmt.Errorf("watch page returned HTTP %d", resp.StatusCode), "fetch watch page")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Data{}, telemetryWrap(err, "read watch page body")
	}

	return parse(body)
}

// parse extracts Data from raw watch-page HTML. Kept separate from Scrape
// so tests can exercise it without a network round trip.
func parse(body []byte) (Data, error) {
	var d Data

	if m := apiKeyRe.FindSubmatch(body); m != nil {
		d.APIKey = string(m[1])
	} else {
		return Data{}, xerrors.New("missing INNERTUBE_API_KEY in watch page")
	}

	if m := clientVerRe.FindSubmatch(body); m != nil {
		d.ClientVersion = string(m[1])
	} else {
		return Data{}, xerrors.New("missing clientVersion in watch page")
	}

	// visitorData is optional on some pages; a missing value still lets
	// polling proceed, the upstream simply treats the client as anonymous.
	if m := visitorRe.FindSubmatch(body); m != nil {
		d.VisitorData = string(m[1])
	}

	m := initialRe.FindSubmatch(body)
	if m == nil {
		return Data{}, xerrors.New("missing ytInitialData in watch page")
	}
	d.InitialData = json.RawMessage(m[1])

	tree, err := jsontree.Decode(d.InitialData)
	if err != nil {
		return Data{}, xerrors.Newf("decode initial data: %v", xerrors.WithStackTrace(err, 1))
	}
	token, ok := jsontree.FindFirstString(tree, "continuation")
	if !ok {
		return Data{}, xerrors.New("no continuation token in initial data")
	}
	d.InitialContinuation = token

	return d, nil
}

func telemetryWrap(err error, msg string) error {
	return xerrors.Newf("%s: %v", msg, xerrors.WithStackTrace(err, 1))
}
