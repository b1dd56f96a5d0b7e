package adminapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/callmedia/pkg/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is one frame on the event-stream websocket: either the
// initial snapshot of active calls or a single subsequent event.
type streamMessage struct {
	Type      string                 `json:"type"`
	CallID    string                 `json:"callID,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Calls     []registry.CallRecord  `json:"calls,omitempty"`
}

const eventWriteDeadline = 5 * time.Second

// handleEventStream upgrades to a websocket, sends the snapshot of active
// CallRecords, then forwards registry events until the client disconnects.
// Delivery is best-effort; events for a subscriber whose buffer is full are
// dropped by the registry rather than stalling publishers.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[adminapi] event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	reg := s.orc.Registry()

	events, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	snapshot := streamMessage{Type: "snapshot", Timestamp: time.Now(), Calls: reg.Snapshot()}
	conn.SetWriteDeadline(time.Now().Add(eventWriteDeadline))
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	// Drain inbound frames so close/ping handling keeps working; the stream
	// is one-directional from the client's point of view.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := streamMessage{Type: ev.Type, CallID: ev.CallID, Timestamp: ev.Timestamp, Data: ev.Data}
			conn.SetWriteDeadline(time.Now().Add(eventWriteDeadline))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
