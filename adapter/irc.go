package adapter

import (
	"fmt"
	"strings"

	"github.com/Hambonethewise/yt-chat-relay/chatmodel"
)

// IRC renders chat events as IRC-style PRIVMSG lines, for clients built
// against an IRC-shaped chat feed. It is a wire-format encoder only — it
// never opens an IRC connection itself, so it has no use for an IRC
// client library (see DESIGN.md's note on github.com/gempir/go-twitch-irc/v4).
type IRC struct{}

// NewIRC returns the irc adapter.
func NewIRC() *IRC { return &IRC{} }

func (IRC) Name() string { return "irc" }

func (IRC) Transform(ev chatmodel.Event) ([]byte, bool) {
	if ev.Kind != chatmodel.KindTextMessage || ev.TextMessage == nil {
		return nil, false
	}
	nick := sanitizeNick(ev.TextMessage.Author.Name)
	line := fmt.Sprintf(":%s!%s@relay PRIVMSG #live :%s\r\n", nick, ev.TextMessage.Author.ID, ev.TextMessage.Message)
	return []byte(line), true
}

func (IRC) Greeting() []byte {
	return []byte(":relay NOTICE #live :connected\r\n")
}

func sanitizeNick(name string) string {
	name = strings.ReplaceAll(name, " ", "_")
	if name == "" {
		return "anonymous"
	}
	return name
}
