package transport

import (
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Hambonethewise/yt-chat-relay/adapter"
	"github.com/Hambonethewise/yt-chat-relay/session"
	"github.com/Hambonethewise/yt-chat-relay/telemetry"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay serves public read-only chat fan-out; any origin may
	// subscribe, matching spec.md's "no subscriber auth" Non-goal.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a *websocket.Conn to session.Conn. Every Send is
// serialized with a write mutex because gorilla/websocket forbids
// concurrent writers on the same connection, and the Sink's drain loop
// and ping broadcast can both call Send concurrently.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (w *wsConn) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// handleLive upgrades GET /live/{videoId} to a websocket and attaches
// the connection to the video's session as a Subscriber (spec.md §6,
// §8 scenario 4).
//
// The session's bootstrap scrape is resolved synchronously before the
// upgrade: spec.md §7 requires BootstrapFailed at the initial attach to
// surface as a non-2xx HTTP response, which is only possible while the
// response hasn't yet been committed to a 101 Switching Protocols.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Path[len("/live/"):]
	if !videoIDPattern.MatchString(videoID) {
		http.Error(w, ErrUnsupportedVideoID.Error(), http.StatusBadRequest)
		return
	}

	adapterName := r.URL.Query().Get("adapter")
	if _, ok := adapter.Get(adapterName); !ok {
		http.Error(w, "unknown adapter", http.StatusBadRequest)
		return
	}
	// Normalize the empty (default) query value to its canonical name so
	// an omitted ?adapter= and an explicit ?adapter=json land in the same
	// session.sinks entry (spec.md I5: one sink per adapter name).
	if adapterName == "" {
		adapterName = adapter.DefaultName
	}

	sess := s.registry.AcquireOrCreate(videoID, s.bootstrap)
	if err := sess.EnsureBootstrapped(r.Context()); err != nil {
		slog.Warn("bootstrap failed for initial attach", "error", telemetry.Wrap(err, "bootstrap"), "video_id", videoID)
		http.Error(w, "upstream bootstrap failed", http.StatusBadGateway)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", telemetry.Wrap(err, "upgrade"), "video_id", videoID)
		return
	}

	sub := &session.Subscriber{
		ID:      uuid.New().String(),
		Conn:    newWSConn(conn),
		Adapter: adapterName,
	}

	sess.Attach(sub)
	telemetry.ActiveSubscribers.Inc()

	s.pumpUntilClosed(conn, sess, sub)
}

// pumpUntilClosed blocks reading from conn (subscribers never send
// anything meaningful; this only detects disconnects) and runs a
// keepalive ping loop until the connection closes, then detaches the
// subscriber.
func (s *Server) pumpUntilClosed(conn *websocket.Conn, sess *session.Session, sub *session.Subscriber) {
	defer func() {
		sess.Detach(sub.Adapter, sub.ID)
		telemetry.ActiveSubscribers.Dec()
		_ = conn.Close()
	}()

	stop := make(chan struct{})
	go s.pingLoop(sess, stop)
	defer close(stop)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) pingLoop(sess *session.Session, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sess.Ping([]byte(`{"type":"ping"}`))
		}
	}
}
