// Package adapter implements the pluggable output adapters named in
// spec.md §1 and §9's design notes: small stateful objects satisfying a
// narrow transform/sink contract. The session core depends only on the
// Adapter interface, never on a specific adapter.
package adapter

import "github.com/Hambonethewise/yt-chat-relay/chatmodel"

// Adapter turns a chatmodel.Event into a wire payload for one output
// format, and supplies the greeting payload sent to a newly attached
// subscriber (spec.md §8 scenario 5).
type Adapter interface {
	// Name identifies the adapter, matching the `adapter` query parameter.
	Name() string
	// Transform returns the serialized payload for ev, or ok=false to
	// filter the event out for this adapter (spec.md §4.4).
	Transform(ev chatmodel.Event) (payload []byte, ok bool)
	// Greeting returns the payload sent first to a newly attached
	// subscriber of this adapter, or nil for none.
	Greeting() []byte
}

// registry of the adapters the relay ships with. Nothing reads this map
// directly: the front door (package transport) calls Get to validate the
// `adapter` query value, and session.Attach calls Get to build the
// Adapter for a new sink.
var registry = map[string]func() Adapter{
	"json": func() Adapter { return NewJSON() },
	"irc":  func() Adapter { return NewIRC() },
	"raw":  func() Adapter { return NewRaw() },
}

// DefaultName is used when a subscriber does not specify an adapter
// (spec.md §6: front door defaults `adapter` query param to "json").
const DefaultName = "json"

// Get resolves name to a fresh Adapter instance, or ok=false if unknown.
func Get(name string) (Adapter, bool) {
	if name == "" {
		name = DefaultName
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}
