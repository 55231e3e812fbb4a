package session

import (
	"context"
	"sync"
	"time"

	"github.com/Hambonethewise/yt-chat-relay/bootstrap"
	"github.com/Hambonethewise/yt-chat-relay/config"
	"github.com/Hambonethewise/yt-chat-relay/telemetry"
)

// Registry owns the one-Session-per-video map (spec.md §2: "the registry
// serializes session creation so two concurrent connects for the same
// video never race into two sessions"). It also runs the idle grace
// period of SPEC_FULL.md §5: a session with zero subscribers is drained
// only after SessionGrace has passed with no new Attach.
type Registry struct {
	cfg    *config.Config
	poller Polling

	mu       sync.Mutex
	sessions map[string]*Session
	graceTimers map[string]*time.Timer
}

// NewRegistry returns an empty Registry.
func NewRegistry(cfg *config.Config, poller Polling) *Registry {
	return &Registry{
		cfg:         cfg,
		poller:      poller,
		sessions:    make(map[string]*Session),
		graceTimers: make(map[string]*time.Timer),
	}
}

// AcquireOrCreate returns the existing Session for videoID, or creates
// one under the registry's lock so concurrent first-connects for the
// same video id never create two sessions.
func (r *Registry) AcquireOrCreate(videoID string, bootstrapper Bootstrapper) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[videoID]; ok {
		r.cancelGraceLocked(videoID)
		return sess
	}

	sess := New(videoID, r.cfg, r.poller, bootstrapper, r.onIdle)
	r.sessions[videoID] = sess
	telemetry.ActiveSessions.Inc()
	return sess
}

// Get returns the session for videoID if one exists, without creating one.
func (r *Registry) Get(videoID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[videoID]
	return sess, ok
}

// onIdle is the Session's notification that it has zero subscribers. It
// starts (or restarts) a grace-period countdown before the session is
// actually drained and removed, so a subscriber that reconnects quickly
// reuses the live bootstrap instead of paying for a fresh scrape
// (spec.md I5, SPEC_FULL.md §5).
func (r *Registry) onIdle(videoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[videoID]
	if !ok {
		return
	}
	if sess.SubscriberCount() > 0 {
		return
	}
	r.cancelGraceLocked(videoID)
	r.graceTimers[videoID] = time.AfterFunc(r.cfg.SessionGrace, func() {
		r.deregisterIfStillIdle(videoID)
	})
}

// cancelGraceLocked stops a pending grace timer for videoID, if any.
// Callers must hold r.mu.
func (r *Registry) cancelGraceLocked(videoID string) {
	if t, ok := r.graceTimers[videoID]; ok {
		t.Stop()
		delete(r.graceTimers, videoID)
	}
}

// deregisterIfStillIdle drains and removes videoID's session, unless a
// subscriber reattached during the grace period.
func (r *Registry) deregisterIfStillIdle(videoID string) {
	r.mu.Lock()
	sess, ok := r.sessions[videoID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sess.SubscriberCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, videoID)
	delete(r.graceTimers, videoID)
	telemetry.ActiveSessions.Dec()
	r.mu.Unlock()

	sess.Drain()
}

// Len returns the number of live sessions, for /status (SPEC_FULL.md §5).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// NewBootstrapper adapts a *bootstrap.Client into the Bootstrapper
// function type Session depends on.
func NewBootstrapper(c *bootstrap.Client) Bootstrapper {
	return func(ctx context.Context, videoID string) (bootstrap.Data, error) {
		return c.Scrape(ctx, videoID)
	}
}
