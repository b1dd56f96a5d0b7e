package switchclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchSuppressesSyntheticChannels(t *testing.T) {
	ec := NewEventChannel(Config{URL: "http://example.invalid", App: "app"})

	var delivered []Event
	ec.OnChannel("snoop-abc", func(ev Event) { delivered = append(delivered, ev) })
	ec.OnChannel("ch-real", func(ev Event) { delivered = append(delivered, ev) })

	ec.dispatch(Event{Type: "ChannelStateChange", ChannelID: "snoop-abc"})
	ec.dispatch(Event{Type: "ChannelStateChange", ChannelID: "ch-real"})

	assert.Len(t, delivered, 1)
	assert.Equal(t, "ch-real", delivered[0].ChannelID)
}

func TestRemoveAllListenersClearsRegistrations(t *testing.T) {
	ec := NewEventChannel(Config{URL: "http://example.invalid", App: "app"})

	count := 0
	ec.OnChannel("ch-1", func(Event) { count++ })
	ec.removeAllListeners()
	ec.dispatch(Event{Type: "x", ChannelID: "ch-1"})

	assert.Equal(t, 0, count)
}

func TestRemoveChannelDropsOnlyThatChannel(t *testing.T) {
	ec := NewEventChannel(Config{URL: "http://example.invalid", App: "app"})

	var aCount, bCount int
	ec.OnChannel("ch-a", func(Event) { aCount++ })
	ec.OnChannel("ch-b", func(Event) { bCount++ })

	ec.RemoveChannel("ch-a")
	ec.dispatch(Event{ChannelID: "ch-a"})
	ec.dispatch(Event{ChannelID: "ch-b"})

	assert.Equal(t, 0, aCount)
	assert.Equal(t, 1, bCount)
}

func TestToWebsocketURLRewritesSchemeAndAddsApp(t *testing.T) {
	got, err := toWebsocketURL("https://switch.example.com/ari", "myapp")
	assert.NoError(t, err)
	assert.Contains(t, got, "wss://switch.example.com/ari/events")
	assert.Contains(t, got, "app=myapp")
}

func TestOnAnyReceivesEveryDispatchedEvent(t *testing.T) {
	ec := NewEventChannel(Config{URL: "http://example.invalid", App: "app"})

	var seen []string
	ec.OnAny(func(ev Event) { seen = append(seen, ev.ChannelID) })
	ec.OnChannel("ch-1", func(Event) {})

	ec.dispatch(Event{Type: "StasisStart", ChannelID: "ch-1"})
	ec.dispatch(Event{Type: "StasisStart", ChannelID: "ch-2"})
	ec.dispatch(Event{Type: "StasisStart", ChannelID: "snoop-x"})

	assert.Equal(t, []string{"ch-1", "ch-2"}, seen)
}

func TestParseStasisStartExtractsCallerAndCallee(t *testing.T) {
	raw := []byte(`{"channel":{"caller":{"number":"5551234"},"dialplan":{"exten":"5555678"}}}`)
	caller, callee := ParseStasisStart(Event{Raw: raw})
	assert.Equal(t, "5551234", caller)
	assert.Equal(t, "5555678", callee)
}

func TestParseStasisStartHandlesMalformedPayload(t *testing.T) {
	caller, callee := ParseStasisStart(Event{Raw: []byte("not json")})
	assert.Equal(t, "", caller)
	assert.Equal(t, "", callee)
}
