package adapter

import (
	"encoding/json"

	"github.com/Hambonethewise/yt-chat-relay/chatmodel"
)

// JSON is the default adapter: it emits the outbound envelopes documented
// verbatim in spec.md §6.
type JSON struct{}

// NewJSON returns the default JSON adapter.
func NewJSON() *JSON { return &JSON{} }

func (JSON) Name() string { return "json" }

type debugEnvelope struct {
	Debug   bool   `json:"debug"`
	Message string `json:"message"`
}

type textEnvelope struct {
	Type    string           `json:"type"`
	ID      string           `json:"id"`
	Unix    int64            `json:"unix"`
	Message string           `json:"message"`
	Author  chatmodel.Author `json:"author"`
}

func (JSON) Transform(ev chatmodel.Event) ([]byte, bool) {
	if ev.Kind != chatmodel.KindTextMessage || ev.TextMessage == nil {
		return nil, false
	}
	payload, err := json.Marshal(textEnvelope{
		Type:    "message",
		ID:      ev.ID,
		Unix:    ev.TimestampMillis,
		Message: ev.TextMessage.Message,
		Author:  ev.TextMessage.Author,
	})
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (JSON) Greeting() []byte {
	payload, _ := json.Marshal(debugEnvelope{Debug: true, Message: "connected"})
	return payload
}
