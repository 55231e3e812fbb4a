package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Hambonethewise/yt-chat-relay/chatmodel"
)

// extractEvents gathers actions from every known location named in
// spec.md §4.1 and parses each into an Event, silently dropping actions
// that fail to parse (spec.md §7: per-action parse failures must not
// poison the rest of the batch).
func extractEvents(env responseEnvelope, now time.Time) []chatmodel.Event {
	var raw []json.RawMessage
	if env.ContinuationContents != nil {
		raw = append(raw, env.ContinuationContents.LiveChatContinuation.Actions...)
	}
	for _, ep := range env.OnResponseReceivedEndpoints {
		if ep.AppendContinuationItemsAction != nil {
			raw = append(raw, ep.AppendContinuationItemsAction.ContinuationItems...)
		}
		if ep.ReloadContinuationItemsCommand != nil {
			raw = append(raw, ep.ReloadContinuationItemsCommand.ContinuationItems...)
		}
	}

	events := make([]chatmodel.Event, 0, len(raw))
	for _, a := range raw {
		ev, ok := parseAction(a, now)
		if !ok {
			continue // ParseFailure: swallowed per spec.md §7
		}
		events = append(events, ev)
	}
	return events
}

// action models the one variant the core understands directly. Other
// action types decode into no populated field and are skipped (they are
// not "failures", just actions the relay has no typed view for).
type action struct {
	AddChatItemAction *struct {
		Item struct {
			LiveChatTextMessageRenderer *textMessageRenderer `json:"liveChatTextMessageRenderer"`
		} `json:"item"`
	} `json:"addChatItemAction"`
}

type textMessageRenderer struct {
	ID                      string `json:"id"`
	AuthorExternalChannelID string `json:"authorExternalChannelId"`
	AuthorName              struct {
		SimpleText string `json:"simpleText"`
	} `json:"authorName"`
	Message struct {
		Runs []struct {
			Text string `json:"text"`
		} `json:"runs"`
	} `json:"message"`
	TimestampUsec string                `json:"timestampUsec"`
	AuthorBadges  []authorBadgeWrapper  `json:"authorBadges"`
}

type authorBadgeWrapper struct {
	LiveChatAuthorBadgeRenderer *struct {
		Tooltip string `json:"tooltip"`
		Icon    struct {
			IconType string `json:"iconType"`
		} `json:"icon"`
	} `json:"liveChatAuthorBadgeRenderer"`
}

func parseAction(raw json.RawMessage, now time.Time) (chatmodel.Event, bool) {
	var a action
	if err := json.Unmarshal(raw, &a); err != nil {
		return chatmodel.Event{}, false
	}
	if a.AddChatItemAction == nil || a.AddChatItemAction.Item.LiveChatTextMessageRenderer == nil {
		return chatmodel.Event{}, false
	}
	r := a.AddChatItemAction.Item.LiveChatTextMessageRenderer
	if r.ID == "" {
		// spec.md §3: text messages always require an id for dedup purposes.
		return chatmodel.Event{}, false
	}

	var sb strings.Builder
	for _, run := range r.Message.Runs {
		sb.WriteString(run.Text)
	}

	ts := deriveTimestamp(r.TimestampUsec, now)

	badges := make([]chatmodel.Badge, 0, len(r.AuthorBadges))
	for _, bw := range r.AuthorBadges {
		if bw.LiveChatAuthorBadgeRenderer == nil {
			continue
		}
		br := bw.LiveChatAuthorBadgeRenderer
		badges = append(badges, chatmodel.Badge{
			Tooltip: br.Tooltip,
			Type:    br.Icon.IconType,
			Badge:   strings.ToLower(br.Icon.IconType),
		})
	}

	return chatmodel.Event{
		ID:              r.ID,
		TimestampMillis: ts,
		Kind:            chatmodel.KindTextMessage,
		TextMessage: &chatmodel.TextMessage{
			Message: sb.String(),
			Author: chatmodel.Author{
				ID:     r.AuthorExternalChannelID,
				Name:   r.AuthorName.SimpleText,
				Badges: badges,
			},
		},
	}, true
}

// deriveTimestamp converts a microsecond-epoch string field to
// milliseconds, falling back to the wall clock at receipt when absent or
// unparseable (spec.md §3's Event definition).
func deriveTimestamp(usec string, now time.Time) int64 {
	if usec == "" {
		return now.UnixMilli()
	}
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil {
		return now.UnixMilli()
	}
	return n / 1000
}
