package upstream

import (
	"encoding/json"
	"time"

	"github.com/Hambonethewise/yt-chat-relay/jsontree"
)

// responseEnvelope models the known paths of spec.md §4.1: the tagged
// shape the fast path expects. Anything outside these paths is only
// visited by the generic fallback walk (spec.md §9).
type responseEnvelope struct {
	ContinuationContents *struct {
		LiveChatContinuation struct {
			Continuations []continuationEntry `json:"continuations"`
			Actions       []json.RawMessage   `json:"actions"`
		} `json:"liveChatContinuation"`
	} `json:"continuationContents"`
	OnResponseReceivedEndpoints []struct {
		AppendContinuationItemsAction *struct {
			ContinuationItems []json.RawMessage `json:"continuationItems"`
		} `json:"appendContinuationItemsAction"`
		ReloadContinuationItemsCommand *struct {
			ContinuationItems []json.RawMessage `json:"continuationItems"`
		} `json:"reloadContinuationItemsCommand"`
	} `json:"onResponseReceivedEndpoints"`
}

type continuationEntry struct {
	TimedContinuationData        *continuationData `json:"timedContinuationData"`
	InvalidationContinuationData *continuationData `json:"invalidationContinuationData"`
	ReloadContinuationData       *continuationData `json:"reloadContinuationData"`
}

type continuationData struct {
	Continuation string      `json:"continuation"`
	TimeoutMs    json.Number `json:"timeoutMs"`
}

// parse implements the continuation-extraction priority and action
// extraction of spec.md §4.1.
func (p *Poller) parse(raw []byte) (Result, error) {
	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{}, transportError("decode response: " + err.Error())
	}

	result := Result{}

	// Priority 1: walk continuations[*] for a known variant.
	if env.ContinuationContents != nil {
		for _, entry := range env.ContinuationContents.LiveChatContinuation.Continuations {
			if cd, kind := entry.winner(); cd != nil {
				result.NextToken = cd.Continuation
				result.Kind = kind
				if ms, ok := cd.timeoutMillis(); ok {
					result.SuggestedDelay = time.Duration(ms) * time.Millisecond
					result.HasDelay = true
				}
				break
			}
		}
	}

	// Priority 2: fallback DFS scan for any "continuation" string field.
	if result.NextToken == "" {
		if tree, err := jsontree.Decode(json.RawMessage(raw)); err == nil {
			if token, ok := jsontree.FindFirstString(tree, "continuation"); ok {
				result.NextToken = token
				result.Kind = KindFallback
			}
		}
	}
	// Priority 3: no continuation found at all — caller treats this as a stall trigger (spec.md §4.1 rule 3, I2).

	result.Events = extractEvents(env, p.now())
	return result, nil
}

// winner returns the first populated variant in the §4.1 preference order.
func (c continuationEntry) winner() (*continuationData, Kind) {
	switch {
	case c.TimedContinuationData != nil:
		return c.TimedContinuationData, KindTimed
	case c.InvalidationContinuationData != nil:
		return c.InvalidationContinuationData, KindInvalidation
	case c.ReloadContinuationData != nil:
		return c.ReloadContinuationData, KindReload
	default:
		return nil, ""
	}
}

func (c *continuationData) timeoutMillis() (timeMillis, bool) {
	if c.TimeoutMs == "" {
		return 0, false
	}
	n, err := c.TimeoutMs.Int64()
	if err != nil {
		return 0, false
	}
	return timeMillis(n), true
}

// timeMillis is a plain int64 alias used only to convert into time.Duration at the call site.
type timeMillis int64
