package session

import (
	"testing"
	"time"
)

func TestRegistry_AcquireOrCreateIsIdempotent(t *testing.T) {
	cfg := testConfig()
	r := NewRegistry(cfg, &fakePoller{})

	s1 := r.AcquireOrCreate("v1", fakeBootstrapper(nil))
	s2 := r.AcquireOrCreate("v1", fakeBootstrapper(nil))
	if s1 != s2 {
		t.Fatal("expected the same session instance for the same video id")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one registered session, got %d", r.Len())
	}
}

func TestRegistry_DrainsAfterGraceWithNoSubscribers(t *testing.T) {
	cfg := testConfig()
	r := NewRegistry(cfg, &fakePoller{})
	sess := r.AcquireOrCreate("v2", fakeBootstrapper(nil))
	conn := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn, Adapter: "raw"})

	waitUntil(t, time.Second, func() bool { return sess.SubscriberCount() == 1 })
	sess.Detach("raw", "s1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("v2"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected session to be deregistered after its grace period elapsed")
}

func TestRegistry_ReattachDuringGraceCancelsDrain(t *testing.T) {
	cfg := testConfig()
	r := NewRegistry(cfg, &fakePoller{})
	sess := r.AcquireOrCreate("v3", fakeBootstrapper(nil))
	conn1 := &collectConn{}
	sess.Attach(&Subscriber{ID: "s1", Conn: conn1, Adapter: "raw"})
	waitUntil(t, time.Second, func() bool { return sess.SubscriberCount() == 1 })
	sess.Detach("raw", "s1")

	// reattach well within the grace period
	time.Sleep(cfg.SessionGrace / 4)
	again := r.AcquireOrCreate("v3", fakeBootstrapper(nil))
	if again != sess {
		t.Fatal("expected the same session to be reused within the grace period")
	}

	time.Sleep(cfg.SessionGrace * 2)
	if _, ok := r.Get("v3"); !ok {
		t.Fatal("expected session to still exist; reattach should have cancelled the earlier drain")
	}
}
