package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Hambonethewise/yt-chat-relay/bootstrap"
)

func testPoller(t *testing.T, handler http.HandlerFunc) (*Poller, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewPoller()
	p.Endpoint = func() string { return srv.URL }
	p.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p, srv
}

// Matches spec.md §8 scenario 1: happy path, one text message, timed continuation.
func TestPoll_HappyPath(t *testing.T) {
	p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"continuationContents":{"liveChatContinuation":{
				"actions":[{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{
					"id":"m1",
					"authorName":{"simpleText":"A"},
					"authorExternalChannelId":"c1",
					"message":{"runs":[{"text":"hi"}]},
					"timestampUsec":"1700000000000000"
				}}}}],
				"continuations":[{"timedContinuationData":{"continuation":"T1","timeoutMs":2500}}]
			}}
		}`))
	})

	result, err := p.Poll(context.Background(), bootstrap.Data{APIKey: "k", ClientVersion: "v"}, "T0")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}
	ev := result.Events[0]
	if ev.ID != "m1" || ev.TextMessage.Message != "hi" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.TextMessage.Author.ID != "c1" || ev.TextMessage.Author.Name != "A" {
		t.Errorf("unexpected author: %+v", ev.TextMessage.Author)
	}
	if ev.TimestampMillis != 1700000000000 {
		t.Errorf("TimestampMillis = %d", ev.TimestampMillis)
	}
	if result.NextToken != "T1" || result.Kind != KindTimed {
		t.Errorf("NextToken/Kind = %q/%q", result.NextToken, result.Kind)
	}
	if !result.HasDelay || result.SuggestedDelay != 2500*time.Millisecond {
		t.Errorf("SuggestedDelay = %v (has=%v)", result.SuggestedDelay, result.HasDelay)
	}
}

// P8: the request body must carry the continuation token verbatim.
func TestPoll_ContinuationRoundTrip(t *testing.T) {
	var gotBody string
	p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := p.Poll(context.Background(), bootstrap.Data{APIKey: "k"}, "T1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !strings.Contains(gotBody, `"continuation":"T1"`) {
		t.Errorf("request body missing continuation: %s", gotBody)
	}
}

func TestPoll_FallbackContinuation(t *testing.T) {
	p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"someWeirdShape":{"nested":{"continuation":"FB1"}}}`))
	})
	result, err := p.Poll(context.Background(), bootstrap.Data{APIKey: "k"}, "T0")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.NextToken != "FB1" || result.Kind != KindFallback {
		t.Errorf("NextToken/Kind = %q/%q", result.NextToken, result.Kind)
	}
}

func TestPoll_NoContinuationAtAll(t *testing.T) {
	p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unrelated":true}`))
	})
	result, err := p.Poll(context.Background(), bootstrap.Data{APIKey: "k"}, "T0")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.NextToken != "" {
		t.Errorf("expected empty NextToken, got %q", result.NextToken)
	}
}

func TestPoll_ErrorClassification(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) })
		_, err := p.Poll(context.Background(), bootstrap.Data{APIKey: "k"}, "T0")
		uerr, ok := err.(*Error)
		if !ok || uerr.Kind != ErrKindHTTPStatus || uerr.Status != 503 {
			t.Fatalf("expected HTTPStatus(503), got %v", err)
		}
	})

	t.Run("throttled", func(t *testing.T) {
		p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"Too many subrequests"}`))
		})
		_, err := p.Poll(context.Background(), bootstrap.Data{APIKey: "k"}, "T0")
		uerr, ok := err.(*Error)
		if !ok || uerr.Kind != ErrKindThrottled {
			t.Fatalf("expected Throttled, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(50 * time.Millisecond)
			_, _ = w.Write([]byte(`{}`))
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		_, err := p.Poll(ctx, bootstrap.Data{APIKey: "k"}, "T0")
		uerr, ok := err.(*Error)
		if !ok || uerr.Kind != ErrKindTimeout {
			t.Fatalf("expected Timeout, got %v", err)
		}
	})
}

// Per spec.md §7: a single malformed action is dropped, the rest survive.
func TestPoll_ParseFailureIsolated(t *testing.T) {
	p, _ := testPoller(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"continuationContents":{"liveChatContinuation":{
				"actions":[
					{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{"id":"","message":{"runs":[]}}}}},
					{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{"id":"ok1","message":{"runs":[{"text":"still works"}]}}}}},
					{"someUnknownAction":{}}
				]
			}}
		}`))
	})
	result, err := p.Poll(context.Background(), bootstrap.Data{APIKey: "k"}, "T0")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].ID != "ok1" {
		t.Fatalf("expected exactly the valid action to survive, got %+v", result.Events)
	}
}
