package switchclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectDelay is the fixed delay before attempting to reattach the event
// channel after a drop.
const reconnectDelay = 5 * time.Second

// Event is one switch-native event, keyed by the channel it concerns.
type Event struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id"`
	Raw       json.RawMessage `json:"-"`
}

// Listener receives dispatched events for a single channel ID.
type Listener func(Event)

// EventChannel maintains the bidirectional event-channel websocket, dispatches
// inbound events to per-channel listeners, and suppresses events for
// internally-created synthetic channels.
//
// On reconnect, every per-channel listener registered against the old
// connection is explicitly removed before a fresh socket attaches:
// re-attaching without this step doubles events and leaks listeners across
// reconnects. The single OnAny listener is kept across reconnects.
type EventChannel struct {
	url      string
	username string
	password string
	app      string

	mu          sync.Mutex
	conn        *websocket.Conn
	listeners   map[string][]Listener
	anyListener Listener
	connected   bool
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewEventChannel constructs an EventChannel bound to cfg; call Run to start
// the connect/dispatch/reconnect loop.
func NewEventChannel(cfg Config) *EventChannel {
	return &EventChannel{
		url:       cfg.URL,
		username:  cfg.Username,
		password:  cfg.Password,
		app:       cfg.App,
		listeners: make(map[string][]Listener),
		stopCh:    make(chan struct{}),
	}
}

// OnChannel registers a listener for events concerning channelID.
func (e *EventChannel) OnChannel(channelID string, fn Listener) {
	e.mu.Lock()
	e.listeners[channelID] = append(e.listeners[channelID], fn)
	e.mu.Unlock()
}

// OnAny registers a listener invoked for every dispatched event regardless
// of channel ID, used to detect new inbound StasisStart events before a
// per-channel listener has been registered.
func (e *EventChannel) OnAny(fn Listener) {
	e.mu.Lock()
	e.anyListener = fn
	e.mu.Unlock()
}

// RemoveChannel drops all listeners registered for channelID.
func (e *EventChannel) RemoveChannel(channelID string) {
	e.mu.Lock()
	delete(e.listeners, channelID)
	e.mu.Unlock()
}

// removeAllListeners clears every per-channel listener (the OnAny listener
// is kept): invoked before each
// reconnect attempt so stale listeners from the dropped connection never
// receive events twice once the new socket attaches.
func (e *EventChannel) removeAllListeners() {
	e.mu.Lock()
	e.listeners = make(map[string][]Listener)
	e.mu.Unlock()
}

// Connected reports whether the event channel is currently attached.
func (e *EventChannel) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *EventChannel) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// Run connects the event socket and dispatches events until ctx is cancelled
// or Stop is called, reconnecting with a fixed delay on drops.
func (e *EventChannel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		if err := e.connectAndDispatch(ctx); err != nil {
			log.Printf("[switchclient] event channel dropped: %v", err)
		}
		e.setConnected(false)
		e.removeAllListeners()

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop halts the Run loop.
func (e *EventChannel) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *EventChannel) connectAndDispatch(ctx context.Context) error {
	wsURL, err := toWebsocketURL(e.url, e.app)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: setupDeadline}
	header := basicAuthHeader(e.username, e.password)
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.setConnected(true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stopCh:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("[switchclient] malformed event payload: %v", err)
			continue
		}
		ev.Raw = raw
		e.dispatch(ev)
	}
}

func (e *EventChannel) dispatch(ev Event) {
	if IsSynthetic(ev.ChannelID) {
		return
	}
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners[ev.ChannelID]...)
	any := e.anyListener
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
	if any != nil {
		any(ev)
	}
}

// stasisStartPayload is the subset of an ARI-style StasisStart event body
// this client cares about: the new channel's caller and dialed-number
// fields, named the way the switch's event-channel protocol names them.
type stasisStartPayload struct {
	Channel struct {
		Caller struct {
			Number string `json:"number"`
		} `json:"caller"`
		Dialplan struct {
			Exten string `json:"exten"`
		} `json:"dialplan"`
	} `json:"channel"`
}

// ParseStasisStart extracts the caller and callee numbers from a
// StasisStart event's raw payload. Fields that are absent decode as empty
// strings rather than an error.
func ParseStasisStart(ev Event) (caller, callee string) {
	var payload stasisStartPayload
	if err := json.Unmarshal(ev.Raw, &payload); err != nil {
		return "", ""
	}
	return payload.Channel.Caller.Number, payload.Channel.Dialplan.Exten
}

func toWebsocketURL(base, app string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/events") {
		u.Path = strings.TrimRight(u.Path, "/") + "/events"
	}
	q := u.Query()
	q.Set("app", app)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func basicAuthHeader(username, password string) map[string][]string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return map[string][]string{
		"Authorization": {"Basic " + token},
	}
}
