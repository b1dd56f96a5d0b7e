// Package asr implements the per-call ASR streaming client: a single
// bidirectional websocket to the ASR server carrying a JSON config message
// followed by binary 16kHz mono PCM frames, with flush-on-close ordering and
// bounded-retry reconnection.
package asr

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/callmedia/pkg/apperr"
)

// flushSafetyDeadline bounds how long Close waits for a final transcription
// after sending the flush action.
const flushSafetyDeadline = 2 * time.Second

// Transcription is a forwarded ASR result.
type Transcription struct {
	Text      string
	IsPartial bool
	IsFinal   bool
}

// Config carries per-session ASR connection parameters.
type Config struct {
	URL                string
	Language           string
	ReconnectBaseDelay time.Duration // default 2s
	MaxAttempts        int           // default 10 when left 0; negative = no limit
}

func (c Config) withDefaults() Config {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	return c
}

type incomingMessage struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	IsFinal   bool   `json:"is_final"`
}

// Session is one call's ASR streaming client.
type Session struct {
	callID string
	cfg    Config

	onTranscription func(Transcription)
	onTerminal      func()

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	closing  bool
	attempts int

	finalCh chan Transcription
}

// Dial opens a new ASR session for callID, sending the config message
// immediately per the protocol, and starts the background read loop.
func Dial(ctx context.Context, callID string, cfg Config, onTranscription func(Transcription), onTerminal func()) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		callID:          callID,
		cfg:             cfg,
		onTranscription: onTranscription,
		onTerminal:      onTerminal,
		finalCh:         make(chan Transcription, 1),
	}
	if err := s.connect(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "asr connect failed", err)
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}

	cfgMsg, _ := json.Marshal(map[string]string{"action": "config", "language": s.cfg.Language})
	if err := conn.WriteMessage(websocket.TextMessage, cfgMsg); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.mu.Unlock()
	return nil
}

// SendFrame writes a raw PCM frame to the ASR socket. Only the
// capture-frame handler and this client's own control methods write to this
// socket.
func (s *Session) SendFrame(pcm []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return apperr.New(apperr.Unavailable, "asr socket not open")
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return apperr.Wrap(apperr.ProtocolError, "write asr frame", err)
	}
	return nil
}

func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		closing := s.closing
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			wasClosed := s.closed
			s.mu.Unlock()
			if wasClosed || closing {
				return
			}
			s.handleDrop()
			return
		}

		var msg incomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[asr] callID=%s malformed message: %v", s.callID, err)
			continue
		}

		switch {
		case msg.Error != "":
			log.Printf("[asr] callID=%s server error: %s", s.callID, msg.Error)
		case msg.Status != "":
			log.Printf("[asr] callID=%s status: %s", s.callID, msg.Status)
		case msg.Text != "" || msg.IsFinal || msg.IsPartial:
			t := Transcription{Text: msg.Text, IsPartial: msg.IsPartial, IsFinal: msg.IsFinal}
			if s.onTranscription != nil {
				s.onTranscription(t)
			}
			// Signal after the emit so Close's flush-wait returns only once
			// the final result has reached subscribers.
			if t.IsFinal {
				select {
				case s.finalCh <- t:
				default:
				}
			}
		}
	}
}

// handleDrop reacts to an unintentional socket close by scheduling a bounded
// reconnect sequence. The attempts counter resets on any successful open;
// after max attempts it emits a terminal event so the session manager can
// drop this session.
func (s *Session) handleDrop() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if s.cfg.MaxAttempts > 0 && attempt > s.cfg.MaxAttempts {
			if s.onTerminal != nil {
				s.onTerminal()
			}
			return
		}

		time.Sleep(s.cfg.ReconnectBaseDelay)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		if err := s.connect(context.Background()); err != nil {
			continue
		}
		go s.readLoop()
		return
	}
}

// flushAction sends the flush control action, which asks the server for a
// final result over any buffered audio. It does not wait for the response.
func (s *Session) flushAction() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg, _ := json.Marshal(map[string]string{"action": "flush"})
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Close runs the critical close sequence: send flush, wait (bounded by a 2s
// safety deadline) for a final transcription, emit it, then close the
// socket. If the deadline elapses or the socket closes first, Close
// resolves without error.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = s.flushAction()
		// The read loop emits the final transcription itself; this wait only
		// holds Close open until that has happened (or the deadline passes).
		select {
		case <-s.finalCh:
		case <-time.After(flushSafetyDeadline):
		}
	}

	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}
