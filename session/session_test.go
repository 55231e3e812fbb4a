package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hambonethewise/yt-chat-relay/adapter"
	"github.com/Hambonethewise/yt-chat-relay/bootstrap"
	"github.com/Hambonethewise/yt-chat-relay/chatmodel"
	"github.com/Hambonethewise/yt-chat-relay/config"
	"github.com/Hambonethewise/yt-chat-relay/telemetry"
	"github.com/Hambonethewise/yt-chat-relay/upstream"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// anyContains reports whether any payload collected so far contains sub.
func anyContains(c *collectConn, sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.sent {
		if strings.Contains(string(p), sub) {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		DeadmanThreshold: 200 * time.Millisecond,
		HealBackoffMin:   10 * time.Millisecond,
		HealBackoffMax:   40 * time.Millisecond,
		PollDelayMin:     5 * time.Millisecond,
		PollDelayMax:     50 * time.Millisecond,
		PollDelayDefault: 10 * time.Millisecond,
		PollErrorDelay:   10 * time.Millisecond,
		RequeueDelay:     5 * time.Millisecond,
		AttachInitDelay:  5 * time.Millisecond,
		OutboxCap:        50,
		DrainInterval:    5 * time.Millisecond,
		DedupCapacity:    10,
		TimeBarrierGrace: 5 * time.Second,
		SessionGrace:     20 * time.Millisecond,
		UpstreamTimeout:  time.Second,
	}
}

// fakePoller returns queued results/errors in order, then repeats the last.
type fakePoller struct {
	mu      sync.Mutex
	results []upstream.Result
	errs    []error
	calls   int32
}

func (p *fakePoller) Poll(ctx context.Context, bs bootstrap.Data, continuation string) (upstream.Result, error) {
	atomic.AddInt32(&p.calls, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	i := int(atomic.LoadInt32(&p.calls)) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return upstream.Result{}, p.errs[i]
	}
	if i < len(p.results) {
		return p.results[i], nil
	}
	if len(p.results) > 0 {
		return p.results[len(p.results)-1], nil
	}
	return upstream.Result{NextToken: continuation}, nil
}

func fakeBootstrapper(calls *int32) Bootstrapper {
	return func(ctx context.Context, videoID string) (bootstrap.Data, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return bootstrap.Data{
			APIKey:              "key",
			ClientVersion:       "1.0",
			InitialContinuation: "C0",
		}, nil
	}
}

type collectConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *collectConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *collectConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSession_AttachBootstrapsAndDeliversEvent(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{
		results: []upstream.Result{
			{
				NextToken: "C1",
				Events: []chatmodel.Event{
					{ID: "m1", Kind: chatmodel.KindTextMessage, TextMessage: &chatmodel.TextMessage{Message: "hi", Author: chatmodel.Author{Name: "A"}}},
				},
			},
		},
	}
	sess := New("vid1", cfg, poller, fakeBootstrapper(nil), func(string) {})
	conn := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})

	waitUntil(t, time.Second, func() bool { return conn.count() >= 1 })
}

func TestSession_DuplicateEventSuppressed(t *testing.T) {
	cfg := testConfig()
	ev := chatmodel.Event{ID: "dup1", Kind: chatmodel.KindTextMessage, TextMessage: &chatmodel.TextMessage{Message: "hi", Author: chatmodel.Author{Name: "A"}}}
	poller := &fakePoller{
		results: []upstream.Result{
			{NextToken: "C1", Events: []chatmodel.Event{ev}},
			{NextToken: "C2", Events: []chatmodel.Event{ev}},
		},
	}
	sess := New("vid2", cfg, poller, fakeBootstrapper(nil), func(string) {})
	conn := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})

	waitUntil(t, 2*time.Second, func() bool { return atomic.LoadInt32(&poller.calls) >= 2 })
	time.Sleep(50 * time.Millisecond)

	if got := conn.count(); got != 1 {
		t.Fatalf("expected exactly one delivery for the duplicate event id, got %d", got)
	}
}

func TestSession_DeadmanTriggersHeal(t *testing.T) {
	cfg := testConfig()
	// every poll fails with HTTP 503, so no poll ever returns OK
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = &upstream.Error{Kind: upstream.ErrKindHTTPStatus, Status: 503}
	}
	poller := &fakePoller{errs: errs}
	var healCalls int32
	sess := New("vid3", cfg, poller, fakeBootstrapper(&healCalls), func(string) {})
	conn := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})

	// the first call is the initial bootstrap; the second is the deadman heal
	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&healCalls) >= 2 })
}

func TestSession_HealBackoffOnRepeatedFailure(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{}
	var attempts int32
	failing := func(ctx context.Context, videoID string) (bootstrap.Data, error) {
		atomic.AddInt32(&attempts, 1)
		return bootstrap.Data{}, errConnClosed
	}
	sess := New("vid4", cfg, poller, failing, func(string) {})
	a, _ := adapter.Get("raw")
	sink := NewSink(a, cfg.OutboxCap, cfg.DrainInterval, sess.detachFailed)
	sink.Attach(&Subscriber{ID: "s1", Conn: &collectConn{}, Adapter: "raw"})
	sess.mu.Lock()
	sess.sinks["raw"] = sink
	sess.state = StateHealing
	sess.mu.Unlock()

	go sess.heal()

	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&attempts) >= 2 })

	sess.mu.Lock()
	backoff := sess.healBackoff
	sess.mu.Unlock()
	if backoff <= cfg.HealBackoffMin {
		t.Fatalf("expected heal backoff to grow past the minimum, got %s", backoff)
	}
}

// P6/I3: within one tick cycle of the last subscriber departing, the
// scheduler deadline is cleared and no further upstream requests are
// issued — independent of the registry's (much slower) idle grace period.
func TestSession_DetachCancelsPendingTickImmediately(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{}
	sess := New("vid6", cfg, poller, fakeBootstrapper(nil), func(string) {})
	conn := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})

	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&poller.calls) >= 1 })
	sess.Detach("raw", "s1")

	// Give the one poll that may already have been in flight when Detach
	// ran a chance to land, then confirm no further polls occur even
	// though SessionGrace (the registry's separate, slower drain timer)
	// hasn't elapsed yet.
	time.Sleep(cfg.PollDelayMin)
	callsAfterDetach := atomic.LoadInt32(&poller.calls)
	time.Sleep(cfg.SessionGrace * 3)
	if got := atomic.LoadInt32(&poller.calls); got != callsAfterDetach {
		t.Fatalf("expected no upstream polls after the last subscriber detached, went from %d to %d", callsAfterDetach, got)
	}
}

// I3: heal must not even attempt a re-scrape on behalf of a session
// nobody is subscribed to.
func TestSession_HealSkipsBootstrapWithoutSubscribers(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{}
	var attempts int32
	failing := func(ctx context.Context, videoID string) (bootstrap.Data, error) {
		atomic.AddInt32(&attempts, 1)
		return bootstrap.Data{}, errConnClosed
	}
	sess := New("vid7", cfg, poller, failing, func(string) {})
	sess.mu.Lock()
	sess.state = StateHealing
	sess.mu.Unlock()

	sess.heal()

	if got := atomic.LoadInt32(&attempts); got != 0 {
		t.Fatalf("expected heal to skip the bootstrap call with no subscribers, got %d attempts", got)
	}
}

// spec.md §4.5.1 step 1 / §8 scenario 3: heal must broadcast a
// "refreshing token…" debug line to every subscriber before it re-runs
// the bootstrap scrape.
func TestSession_HealBroadcastsRefreshingTokenDebug(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{}
	sess := New("vid8", cfg, poller, fakeBootstrapper(nil), func(string) {})
	a, _ := adapter.Get("raw")
	conn := &collectConn{}
	sink := NewSink(a, cfg.OutboxCap, cfg.DrainInterval, sess.detachFailed)
	sink.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})
	sess.mu.Lock()
	sess.sinks["raw"] = sink
	sess.state = StateHealing
	sess.mu.Unlock()

	sess.heal()

	waitUntil(t, time.Second, func() bool { return anyContains(conn, "refreshing token") })
}

// spec.md §4.5.1 step 2: a failed heal attempt must also broadcast a
// failure debug line, distinct from the initial "refreshing token…" one.
func TestSession_HealFailureBroadcastsDebug(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{}
	failing := func(ctx context.Context, videoID string) (bootstrap.Data, error) {
		return bootstrap.Data{}, errConnClosed
	}
	sess := New("vid9", cfg, poller, failing, func(string) {})
	a, _ := adapter.Get("raw")
	conn := &collectConn{}
	sink := NewSink(a, cfg.OutboxCap, cfg.DrainInterval, sess.detachFailed)
	sink.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})
	sess.mu.Lock()
	sess.sinks["raw"] = sink
	sess.state = StateHealing
	sess.mu.Unlock()

	sess.heal()

	waitUntil(t, time.Second, func() bool { return anyContains(conn, "heal failed") })
}

// spec.md §4.5 step 5 / §7: a Throttled poll error must broadcast a
// distinctive debug line to every subscriber.
func TestSession_ThrottledPollBroadcastsDebug(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{errs: []error{&upstream.Error{Kind: upstream.ErrKindThrottled}}}
	sess := New("vid10", cfg, poller, fakeBootstrapper(nil), func(string) {})
	conn := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})

	waitUntil(t, time.Second, func() bool { return anyContains(conn, "throttled") })
}

func TestSession_DetachEmptyNotifiesIdle(t *testing.T) {
	cfg := testConfig()
	poller := &fakePoller{}
	idleCh := make(chan string, 1)
	sess := New("vid5", cfg, poller, fakeBootstrapper(nil), func(videoID string) { idleCh <- videoID })
	conn := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})

	waitUntil(t, time.Second, func() bool { return sess.SubscriberCount() == 1 })
	sess.Detach("raw", "s1")

	select {
	case videoID := <-idleCh:
		if videoID != "vid5" {
			t.Fatalf("unexpected idle videoID %q", videoID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected onIdle to be invoked after the last subscriber detaches")
	}
}
