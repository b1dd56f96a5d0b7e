package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge/callmedia/pkg/allowlist"
	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/asr"
	"github.com/voxbridge/callmedia/pkg/audio"
	"github.com/voxbridge/callmedia/pkg/mediaconn"
	"github.com/voxbridge/callmedia/pkg/registry"
	"github.com/voxbridge/callmedia/pkg/switchclient"
	"github.com/voxbridge/callmedia/pkg/tts"
	"github.com/voxbridge/callmedia/pkg/webhook"
)

// fakeSwitchServer is a minimal ARI-shaped REST server covering every
// endpoint the orchestrator's operations exercise, backed by a TCP listener
// standing in for each external-media channel's socket server.
type fakeSwitchServer struct {
	*httptest.Server

	channelSeq int32
	bridgeSeq  int32

	mu       sync.Mutex
	channels map[string]*switchclient.Channel

	denyEndpoint map[string]bool
}

func newFakeSwitchServer(t *testing.T) *fakeSwitchServer {
	t.Helper()
	s := &fakeSwitchServer{channels: make(map[string]*switchclient.Channel), denyEndpoint: make(map[string]bool)}
	mux := http.NewServeMux()

	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		endpoint, _ := body["endpoint"].(string)
		if s.denyEndpoint[endpoint] {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"message": "originate rejected"})
			return
		}
		id := fmt.Sprintf("ch-%d", atomic.AddInt32(&s.channelSeq, 1))
		ch := &switchclient.Channel{ID: id, State: "Ring"}
		s.mu.Lock()
		s.channels[id] = ch
		s.mu.Unlock()
		json.NewEncoder(w).Encode(ch)
	})

	mux.HandleFunc("/channels/externalMedia", func(w http.ResponseWriter, r *http.Request) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			buf := make([]byte, 4096)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}()
		id := fmt.Sprintf("audiocap-%d", atomic.AddInt32(&s.channelSeq, 1))
		ch := &switchclient.Channel{ID: id, State: "Stasis"}
		s.mu.Lock()
		s.channels[id] = ch
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "state": "Stasis", "connectionId": ln.Addr().String()})
	})

	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		id := fmt.Sprintf("bridge-%d", atomic.AddInt32(&s.bridgeSeq, 1))
		json.NewEncoder(w).Encode(switchclient.Bridge{ID: id})
	})

	mux.HandleFunc("/endpoints/", func(w http.ResponseWriter, r *http.Request) {
		endpoint := strings.TrimPrefix(r.URL.Path, "/endpoints/")
		if s.denyEndpoint[endpoint] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(switchclient.Endpoint{Resource: endpoint, State: "online"})
	})

	// Catch-all for channel-scoped actions: answer, play, dtmf, snoop,
	// bridge add/remove, hangup (DELETE), and the GET used by
	// WaitForChannelJoin.
	mux.HandleFunc("/channels/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/channels/")
		parts := strings.SplitN(path, "/", 2)
		channelID := parts[0]

		if r.Method == http.MethodGet {
			s.mu.Lock()
			ch, ok := s.channels[channelID]
			s.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(ch)
			return
		}
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
			return
		}
		if len(parts) == 2 && parts[1] == "snoop" {
			id := fmt.Sprintf("snoop-%d", atomic.AddInt32(&s.channelSeq, 1))
			json.NewEncoder(w).Encode(switchclient.Channel{ID: id, State: "Stasis"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/bridges/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.Server = httptest.NewServer(mux)
	return s
}

func (s *fakeSwitchServer) setChannelState(channelID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[channelID]; ok {
		ch.State = state
	}
}

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, connectionID string) (mediaconn.Conn, error) {
	d := net.Dialer{Timeout: 2 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", connectionID)
	if err != nil {
		return nil, err
	}
	return &tcpTestConn{conn: nc}, nil
}

type tcpTestConn struct{ conn net.Conn }

func (c *tcpTestConn) Write(b []byte) (int, error) { return c.conn.Write(b) }
func (c *tcpTestConn) Read(b []byte) (int, error)  { return c.conn.Read(b) }
func (c *tcpTestConn) BufferedOutboundBytes() int  { return 0 }
func (c *tcpTestConn) Close() error                { return c.conn.Close() }

func newTestOrchestrator(t *testing.T, ttsURL, webhookURL string) (*Orchestrator, *fakeSwitchServer, *registry.Registry) {
	t.Helper()
	srv := newFakeSwitchServer(t)
	t.Cleanup(srv.Close)

	reg := registry.New()
	sw := switchclient.NewClient(switchclient.Config{URL: srv.URL, Username: "u", Password: "p", App: "app"})
	gate, err := allowlist.New("")
	require.NoError(t, err)

	ttsClient := tts.New(tts.Config{URL: ttsURL, DefaultVoice: "v1", DefaultLanguage: "English"})
	webhookClient := webhook.New(webhookURL)

	o := New(Config{RingDelay: 30 * time.Millisecond, ASR: asr.Config{URL: "ws://127.0.0.1:1/never-connects"}}, reg, sw, fakeDialer{}, ttsClient, webhookClient, gate)
	return o, srv, reg
}

func TestInboundHappyPathReachesReadyAndStartsCapture(t *testing.T) {
	o, srv, reg := newTestOrchestrator(t, "", "")

	ch := &switchclient.Channel{ID: "ch-inbound-1", State: "Ring"}
	srv.mu.Lock()
	srv.channels[ch.ID] = ch
	srv.mu.Unlock()

	events, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	o.HandleInboundChannel(context.Background(), ch.ID, "5551234", "5555678")

	var sawInbound, sawAnswered, sawReady bool
	deadline := time.After(2 * time.Second)
	for !(sawInbound && sawAnswered && sawReady) {
		select {
		case ev := <-events:
			switch ev.Type {
			case "call.inbound":
				sawInbound = true
			case "call.answered":
				sawAnswered = true
			case "call.ready":
				sawReady = true
			}
		case <-deadline:
			t.Fatalf("timed out: inbound=%v answered=%v ready=%v", sawInbound, sawAnswered, sawReady)
		}
	}
}

func TestOutboundRejectedEndpointFailsNotFound(t *testing.T) {
	o, srv, reg := newTestOrchestrator(t, "", "")
	srv.denyEndpoint["PJSIP/missing9999"] = true

	_, err := o.Originate(context.Background(), "PJSIP/missing9999", "", 0, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, reg.Snapshot())
}

func TestOutboundDeniedByAllowlistFailsForbidden(t *testing.T) {
	srv := newFakeSwitchServer(t)
	defer srv.Close()
	reg := registry.New()
	sw := switchclient.NewClient(switchclient.Config{URL: srv.URL, Username: "u", Password: "p", App: "app"})

	gatePath := writeAllowlistFile(t, `{"inbound": [], "outbound": ["5551111"]}`)
	gate, err := allowlist.New(gatePath)
	require.NoError(t, err)

	ttsClient := tts.New(tts.Config{})
	webhookClient := webhook.New("")
	o := New(Config{}, reg, sw, fakeDialer{}, ttsClient, webhookClient, gate)

	_, err = o.Originate(context.Background(), "PJSIP/9999", "", 0, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func writeAllowlistFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/allowlist.json"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSpeakWithUnconfiguredTTSFails(t *testing.T) {
	o, srv, _ := newTestOrchestrator(t, "", "")
	ch := &switchclient.Channel{ID: "ch-1", State: "Ring"}
	srv.mu.Lock()
	srv.channels[ch.ID] = ch
	srv.mu.Unlock()

	reg := o.registry
	reg.Create("call-1", ch.ID, registry.DirectionInbound, "", "", registry.StateReady, time.Now())

	_, err := o.Speak(context.Background(), "call-1", "hello", "", "", 0)
	require.Error(t, err)
}

func TestHangupDuringPlaybackResolvesWithoutSpeakError(t *testing.T) {
	pcm := make([]byte, 16000*2*2) // ~2s of silence at 16kHz mono 16-bit
	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wavBody(pcm))
	}))
	defer ttsSrv.Close()

	o, srv, reg := newTestOrchestrator(t, ttsSrv.URL, "")
	ch := &switchclient.Channel{ID: "ch-1", State: "Ring"}
	srv.mu.Lock()
	srv.channels[ch.ID] = ch
	srv.mu.Unlock()
	reg.Create("call-1", ch.ID, registry.DirectionInbound, "", "", registry.StateReady, time.Now())

	events, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		_, err := o.Speak(context.Background(), "call-1", "a fairly long utterance", "", "", 1.0)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, o.Hangup(context.Background(), "call-1", "caller hung up"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("speak never returned after hangup")
	}

	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, "call.speak_error", ev.Type)
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

func wavBody(pcm []byte) []byte {
	return audio.WriteWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16})
}

func TestBackToBackSpeakCancelsFirstStream(t *testing.T) {
	longPCM := make([]byte, 16000*2*5) // ~5s of audio
	shortPCM := make([]byte, 16000*2/5) // ~200ms
	var requests int32
	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Write(wavBody(longPCM))
			return
		}
		w.Write(wavBody(shortPCM))
	}))
	defer ttsSrv.Close()

	o, srv, reg := newTestOrchestrator(t, ttsSrv.URL, "")
	ch := &switchclient.Channel{ID: "ch-1", State: "Up"}
	srv.mu.Lock()
	srv.channels[ch.ID] = ch
	srv.mu.Unlock()
	reg.Create("call-1", ch.ID, registry.DirectionInbound, "", "", registry.StateReady, time.Now())

	firstDone := make(chan error, 1)
	go func() {
		_, err := o.Speak(context.Background(), "call-1", "a very long utterance", "", "", 1.0)
		firstDone <- err
	}()

	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	_, err := o.Speak(context.Background(), "call-1", "short", "", "", 1.0)
	require.NoError(t, err)

	// The first speak must have been cancelled rather than played out: both
	// calls resolve well inside the first utterance's 5s runtime.
	select {
	case firstErr := <-firstDone:
		require.NoError(t, firstErr)
	case <-time.After(2 * time.Second):
		t.Fatal("first speak never returned after being superseded")
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	rec, err := reg.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateReady, rec.State)
}

func TestPlayMediaRestoresPriorState(t *testing.T) {
	o, srv, reg := newTestOrchestrator(t, "", "")
	ch := &switchclient.Channel{ID: "ch-1", State: "Up"}
	srv.mu.Lock()
	srv.channels[ch.ID] = ch
	srv.mu.Unlock()
	reg.Create("call-1", ch.ID, registry.DirectionInbound, "", "", registry.StateReady, time.Now())

	require.NoError(t, o.PlayMedia(context.Background(), "call-1", "sound:hello-world"))

	rec, err := reg.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateReady, rec.State)
}

func TestRecordRestoresPriorState(t *testing.T) {
	o, srv, reg := newTestOrchestrator(t, "", "")
	ch := &switchclient.Channel{ID: "ch-1", State: "Up"}
	srv.mu.Lock()
	srv.channels[ch.ID] = ch
	srv.mu.Unlock()
	reg.Create("call-1", ch.ID, registry.DirectionInbound, "", "", registry.StateAnswered, time.Now())

	events, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	require.NoError(t, o.Record(context.Background(), "call-1", "memo-1"))

	rec, err := reg.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateAnswered, rec.State)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == "call.recording_finished" {
				assert.Equal(t, "memo-1", ev.Data["name"])
				return
			}
		case <-deadline:
			t.Fatal("call.recording_finished never emitted")
		}
	}
}
