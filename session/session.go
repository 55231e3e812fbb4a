// Package session implements the per-video chat Session actor of
// spec.md §3-§5: the state machine that owns one video's bootstrap data,
// continuation token, dedup window, and adapter sinks, and drives the
// poll/heal loop against the upstream chat backend.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Hambonethewise/yt-chat-relay/adapter"
	"github.com/Hambonethewise/yt-chat-relay/bootstrap"
	"github.com/Hambonethewise/yt-chat-relay/chatmodel"
	"github.com/Hambonethewise/yt-chat-relay/config"
	"github.com/Hambonethewise/yt-chat-relay/telemetry"
	"github.com/Hambonethewise/yt-chat-relay/upstream"
)

// State names the Session's position in the state machine of spec.md §4.5.
type State int

const (
	StateUninit State = iota
	StateReady
	StatePolling
	StateHealing
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateReady:
		return "ready"
	case StatePolling:
		return "polling"
	case StateHealing:
		return "healing"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Bootstrapper fetches fresh BootstrapData for a video id. Satisfied by
// *bootstrap.Client in production, stubbed in tests.
type Bootstrapper func(ctx context.Context, videoID string) (bootstrap.Data, error)

// Polling is the narrow upstream contract the Session depends on.
type Polling interface {
	Poll(ctx context.Context, bs bootstrap.Data, continuation string) (upstream.Result, error)
}

// Session is the actor of spec.md §3. Every field below is only ever
// touched while holding mu — the lock is what makes this a
// single-threaded actor despite running on goroutines owned by whichever
// caller (the scheduler, an Attach, a Detach) currently holds it.
type Session struct {
	videoID string
	cfg     *config.Config

	poller       Polling
	bootstrapper Bootstrapper
	scheduler    Scheduler

	onIdle func(videoID string)

	mu sync.Mutex

	state State

	bootstrapData bootstrap.Data
	continuation  string
	bootEpoch     time.Time
	lastOkPollAt  time.Time

	healBackoff       time.Duration
	nextHealAllowedAt time.Time

	dedup       *DedupWindow
	timeBarrier *TimeBarrier
	sinks       map[string]*Sink

	sf           singleflight.Group
	scheduleOnce sync.Once
}

// New constructs a Session for videoID. It does nothing upstream until
// the first Attach call, matching spec.md's lazy-bootstrap design.
func New(videoID string, cfg *config.Config, poller Polling, bootstrapper Bootstrapper, onIdle func(videoID string)) *Session {
	return &Session{
		videoID:      videoID,
		cfg:          cfg,
		poller:       poller,
		bootstrapper: bootstrapper,
		scheduler:    NewTimerScheduler(),
		onIdle:       onIdle,
		state:        StateUninit,
		healBackoff:  cfg.HealBackoffMin,
		dedup:        NewDedupWindow(cfg.DedupCapacity),
		timeBarrier:  NewTimeBarrier(cfg.TimeBarrierGrace),
		sinks:        make(map[string]*Sink),
	}
}

// VideoID returns the video this session serves.
func (s *Session) VideoID() string { return s.videoID }

// State returns the current state, for diagnostics.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach registers sub under adapterName's sink, creating the sink if
// needed. The first attach of any kind triggers the session's initial
// bootstrap (spec.md §4.5 step 0 / §8 scenario 4); an attach that finds
// an already-bootstrapped but subscriber-less session resumes whichever
// cycle I3 had cancelled (tick or heal) rather than waiting on the
// registry's idle grace period.
//
// Front-door callers (transport.handleLive) are expected to have already
// called EnsureBootstrapped synchronously before the websocket upgrade,
// so spec.md §7's BootstrapFailed can still surface as a non-2xx HTTP
// response; the async path below only fires for callers (tests, or a
// second adapter racing the first) that attach without pre-bootstrapping.
func (s *Session) Attach(sub *Subscriber) {
	s.mu.Lock()
	sink, ok := s.sinks[sub.Adapter]
	if !ok {
		a, ok := adapter.Get(sub.Adapter)
		if !ok {
			a, _ = adapter.Get(adapter.DefaultName)
		}
		sink = NewSink(a, s.cfg.OutboxCap, s.cfg.DrainInterval, s.detachFailed)
		s.sinks[sub.Adapter] = sink
	}
	wasIdle := s.noSubscribersLocked()
	needsBoot := s.state == StateUninit
	resumeState := s.state
	s.mu.Unlock()

	sink.Attach(sub)

	switch {
	case needsBoot:
		go func() {
			if err := s.EnsureBootstrapped(context.Background()); err != nil {
				slog.Error("bootstrap failed for attached subscriber", "video_id", s.videoID, "error", err)
			}
		}()
	case wasIdle && resumeState == StateHealing:
		go s.heal()
	case wasIdle:
		s.scheduler.Arm(s.cfg.AttachInitDelay, s.tick)
	}
}

// Detach removes subID from adapterName's sink. If every sink becomes
// empty, the scheduler is cancelled immediately (spec.md §4.5 step 2,
// I3, P6) and the session reports idleness to its owner, which starts
// the grace-period countdown before an actual Drain (SPEC_FULL.md §5,
// spec.md I5).
func (s *Session) Detach(adapterName, subID string) {
	s.mu.Lock()
	sink, ok := s.sinks[adapterName]
	if !ok {
		s.mu.Unlock()
		return
	}
	empty := sink.Detach(subID)
	if empty {
		delete(s.sinks, adapterName)
	}
	allEmpty := len(s.sinks) == 0
	s.mu.Unlock()

	if allEmpty {
		s.scheduler.Cancel()
		if s.onIdle != nil {
			s.onIdle(s.videoID)
		}
	}
}

// SubscriberCount returns the total number of attached subscribers
// across every adapter sink.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sink := range s.sinks {
		n += sink.SubscriberCount()
	}
	return n
}

// noSubscribersLocked reports whether the session currently has zero
// attached subscribers across every sink. Callers must hold s.mu. An
// empty sink is always removed from s.sinks (see Attach/Detach), so the
// map's length alone is sufficient.
func (s *Session) noSubscribersLocked() bool {
	return len(s.sinks) == 0
}

// detachFailed is the Sink onSendFailure callback: a subscriber whose
// Send failed is dropped from its sink (spec.md §5 — a broken connection
// never blocks delivery to the rest of the adapter's subscribers).
func (s *Session) detachFailed(sub *Subscriber) {
	s.Detach(sub.Adapter, sub.ID)
}

// EnsureBootstrapped runs the session's first bootstrap scrape if it
// hasn't happened yet, and is a no-op otherwise. It is exported so the
// front door (transport.handleLive) can call it synchronously *before*
// upgrading the connection, so a BootstrapFailed at first attach can
// still be surfaced as a non-2xx HTTP response (spec.md §6, §7) instead
// of arriving after the upgrade has already committed a 101 response.
//
// Only the first caller runs the scrape: a caller that arrives while that
// scrape is still in flight returns nil at once, without waiting for its
// outcome. A failed attempt leaves the session StateUninit so the next
// Attach or handleLive call retries it rather than wedging permanently.
func (s *Session) EnsureBootstrapped(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninit {
		s.mu.Unlock()
		return nil
	}
	s.state = StateHealing
	s.mu.Unlock()

	bctx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()
	bctx, span := telemetry.StartUpstreamSpan(bctx, "bootstrap", s.videoID)
	defer span.End()

	data, err, _ := s.sf.Do("bootstrap", func() (interface{}, error) {
		return s.bootstrapper(bctx, s.videoID)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.HealsFailed.Inc()
		wrapped := telemetry.Wrap(err, "initial bootstrap")
		slog.Error("initial bootstrap failed", "video_id", s.videoID, "error", wrapped)
		s.mu.Lock()
		if s.state == StateHealing {
			s.state = StateUninit
		}
		s.mu.Unlock()
		return wrapped
	}
	telemetry.SetSpanSuccess(span)
	bs := data.(bootstrap.Data)

	s.mu.Lock()
	s.bootstrapData = bs
	s.continuation = bs.InitialContinuation
	s.bootEpoch = time.Now()
	s.lastOkPollAt = time.Now()
	s.healBackoff = s.cfg.HealBackoffMin
	s.state = StateReady
	s.mu.Unlock()

	s.scheduleOnce.Do(func() {
		s.scheduler.Arm(s.cfg.AttachInitDelay, s.tick)
	})
	return nil
}

// tick runs one poll-or-heal cycle (spec.md §4.5). It is always invoked
// from the scheduler's own goroutine, never concurrently with itself.
func (s *Session) tick() {
	s.mu.Lock()
	if s.state == StateDrained {
		s.mu.Unlock()
		return
	}
	if s.noSubscribersLocked() {
		// spec.md §4.5 step 2 / I3: nobody is listening, so cancel and
		// return rather than issue another upstream request.
		s.mu.Unlock()
		s.scheduler.Cancel()
		return
	}
	if time.Since(s.lastOkPollAt) > s.cfg.DeadmanThreshold {
		s.state = StateHealing
		s.mu.Unlock()
		s.heal()
		return
	}
	bs := s.bootstrapData
	continuation := s.continuation
	s.state = StatePolling
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.UpstreamTimeout)
	defer cancel()
	ctx, span := telemetry.StartUpstreamSpan(ctx, "poll", s.videoID)
	defer span.End()

	telemetry.PollsStarted.Inc()
	start := time.Now()
	resV, err, _ := s.sf.Do("poll", func() (interface{}, error) {
		return s.poller.Poll(ctx, bs, continuation)
	})
	telemetry.PollDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.PollsFailed.Inc()
		// spec.md §4.5 step 5: Throttled and Transport/HttpStatus errors
		// each get a debug line, Throttled's being distinctive (§7).
		if ue, ok := err.(*upstream.Error); ok {
			switch ue.Kind {
			case upstream.ErrKindThrottled:
				telemetry.PollsThrottled.Inc()
				s.broadcastDebug("throttled: too many subrequests")
			case upstream.ErrKindTransport, upstream.ErrKindHTTPStatus:
				s.broadcastDebug("fetch failed: " + err.Error())
			}
		}
		slog.Warn("poll failed", "video_id", s.videoID, "error", err)
		s.mu.Lock()
		s.state = StateReady
		noSubs := s.noSubscribersLocked()
		s.mu.Unlock()
		if noSubs {
			s.scheduler.Cancel()
			return
		}
		s.scheduler.Arm(s.cfg.PollErrorDelay, s.tick)
		return
	}
	telemetry.SetSpanSuccess(span)
	telemetry.PollsSucceeded.Inc()
	res := resV.(upstream.Result)

	s.applyResult(res)
}

// applyResult folds a successful poll Result into session state,
// dispatches events through the dedup window and time barrier to every
// sink, and schedules the next tick (spec.md §4.5 steps 4-6, I2, I4).
func (s *Session) applyResult(res upstream.Result) {
	s.mu.Lock()
	s.lastOkPollAt = time.Now()
	bootEpoch := s.bootEpoch
	if res.NextToken != "" {
		s.continuation = res.NextToken
	}
	noContinuation := res.NextToken == ""
	s.healBackoff = s.cfg.HealBackoffMin
	s.state = StateReady

	var delivered []chatmodel.Event
	for _, ev := range res.Events {
		if !s.timeBarrier.Accept(ev.TimestampMillis, bootEpoch) {
			continue
		}
		if !s.dedup.Admit(ev.ID) {
			telemetry.DupesRejected.Inc()
			continue
		}
		delivered = append(delivered, ev)
	}
	sinks := make([]*Sink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, ev := range delivered {
		for _, sink := range sinks {
			sink.OfferEvent(ev)
			telemetry.EventsDelivered.Inc()
		}
	}

	s.mu.Lock()
	noSubs := s.noSubscribersLocked()
	s.mu.Unlock()
	if noSubs {
		// spec.md §4.5 step 2 / I3: the last subscriber departed while
		// this poll was in flight; don't heal or re-arm, just stop.
		s.scheduler.Cancel()
		return
	}

	if noContinuation {
		// I2: a response with no continuation at all means the upstream
		// gave up on this session's stream; the only way forward is a heal.
		s.mu.Lock()
		s.state = StateHealing
		s.mu.Unlock()
		s.heal()
		return
	}

	s.scheduler.Arm(s.nextPollDelay(res), s.tick)
}

// nextPollDelay clamps the upstream-suggested delay into
// [PollDelayMin, PollDelayMax], falling back to PollDelayDefault when the
// upstream gave none (spec.md §4.1, §4.5 step 6).
func (s *Session) nextPollDelay(res upstream.Result) time.Duration {
	d := s.cfg.PollDelayDefault
	if res.HasDelay {
		d = res.SuggestedDelay
	}
	if d < s.cfg.PollDelayMin {
		d = s.cfg.PollDelayMin
	}
	if d > s.cfg.PollDelayMax {
		d = s.cfg.PollDelayMax
	}
	return d
}

// heal runs the auto-heal procedure of spec.md §4.5.1: re-scrape the
// watch page for a fresh bootstrap and continuation, backing off
// exponentially on repeated failure (spec.md I3).
func (s *Session) heal() {
	s.mu.Lock()
	if s.state == StateDrained {
		s.mu.Unlock()
		return
	}
	if s.noSubscribersLocked() {
		// spec.md §4.5 step 2 / I3: nobody is listening, so cancel and
		// return rather than re-scrape on their behalf.
		s.mu.Unlock()
		s.scheduler.Cancel()
		return
	}
	if now := time.Now(); now.Before(s.nextHealAllowedAt) {
		wait := s.nextHealAllowedAt.Sub(now)
		s.mu.Unlock()
		s.scheduler.Arm(wait, s.heal)
		return
	}
	s.mu.Unlock()

	// spec.md §4.5.1 step 1: broadcast a debug line before the re-scrape
	// so subscribers see a heal in progress even before its outcome.
	s.broadcastDebug("refreshing token…")

	telemetry.HealsAttempted.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.UpstreamTimeout)
	defer cancel()
	ctx, span := telemetry.StartUpstreamSpan(ctx, "heal", s.videoID)
	defer span.End()

	data, err, _ := s.sf.Do("bootstrap", func() (interface{}, error) {
		return s.bootstrapper(ctx, s.videoID)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.HealsFailed.Inc()
		slog.Warn("heal failed", "video_id", s.videoID, "error", err)
		// spec.md §4.5.1 step 2: broadcast failure debug before retrying.
		s.broadcastDebug("heal failed: " + err.Error())
		s.scheduleHealRetry()
		return
	}
	telemetry.SetSpanSuccess(span)
	telemetry.HealsSucceeded.Inc()
	bs := data.(bootstrap.Data)

	s.mu.Lock()
	s.bootstrapData = bs
	s.continuation = bs.InitialContinuation
	s.bootEpoch = time.Now()
	s.lastOkPollAt = time.Now()
	s.healBackoff = s.cfg.HealBackoffMin
	s.nextHealAllowedAt = time.Time{}
	s.state = StateReady
	noSubs := s.noSubscribersLocked()
	s.mu.Unlock()

	if noSubs {
		s.scheduler.Cancel()
		return
	}
	s.scheduler.Arm(s.cfg.RequeueDelay, s.tick)
}

// scheduleHealRetry doubles the heal backoff (capped) and arms another
// heal attempt after it, unless the last subscriber has already
// departed (spec.md §4.5.1, I3).
func (s *Session) scheduleHealRetry() {
	s.mu.Lock()
	if s.noSubscribersLocked() {
		s.mu.Unlock()
		s.scheduler.Cancel()
		return
	}
	s.healBackoff *= 2
	if s.healBackoff > s.cfg.HealBackoffMax {
		s.healBackoff = s.cfg.HealBackoffMax
	}
	s.nextHealAllowedAt = time.Now().Add(s.healBackoff)
	backoff := s.healBackoff
	s.mu.Unlock()

	s.scheduler.Arm(backoff, s.heal)
}

// Ping broadcasts a keepalive payload to every sink, bypassing the
// outbox (spec.md §4.4).
func (s *Session) Ping(payload []byte) {
	s.mu.Lock()
	sinks := make([]*Sink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.BroadcastPing(payload)
	}
}

type debugEnvelope struct {
	Debug   bool   `json:"debug"`
	Message string `json:"message"`
}

// broadcastDebug enqueues a `{"debug":true,"message":...}` envelope on
// every sink (spec.md §4.4, §4.5.1 step 1, §7's user-visible failure
// behavior). The envelope bypasses the adapter's Transform — debug lines
// are a session-level operational notice, not a chat event, so every
// adapter sees the same wire shape for them.
func (s *Session) broadcastDebug(message string) {
	payload, err := json.Marshal(debugEnvelope{Debug: true, Message: message})
	if err != nil {
		return
	}
	s.mu.Lock()
	sinks := make([]*Sink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.OfferDebug(payload)
	}
}

// Drain stops the scheduler and marks the session terminal. Called by
// the registry once a session's grace period has elapsed with no
// subscribers (SPEC_FULL.md §5).
func (s *Session) Drain() {
	s.mu.Lock()
	s.state = StateDrained
	s.mu.Unlock()
	s.scheduler.Cancel()
}
