package adapter

import "github.com/Hambonethewise/yt-chat-relay/chatmodel"

// Raw passes through the plain message text with no envelope, for
// consumers that want the minimum possible wire format.
type Raw struct{}

// NewRaw returns the raw adapter.
func NewRaw() *Raw { return &Raw{} }

func (Raw) Name() string { return "raw" }

func (Raw) Transform(ev chatmodel.Event) ([]byte, bool) {
	if ev.Kind != chatmodel.KindTextMessage || ev.TextMessage == nil {
		return nil, false
	}
	return []byte(ev.TextMessage.Author.Name + ": " + ev.TextMessage.Message), true
}

func (Raw) Greeting() []byte { return nil }
