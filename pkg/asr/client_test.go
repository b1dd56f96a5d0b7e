package asr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// newEchoASRServer accepts a connection, reads the config message, then
// replays whatever the test body tells it to via the provided behavior func.
func newEchoASRServer(t *testing.T, behavior func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var cfg map[string]string
		require.NoError(t, json.Unmarshal(raw, &cfg))
		assert.Equal(t, "config", cfg["action"])

		behavior(conn)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestDialSendsConfigMessage(t *testing.T) {
	done := make(chan struct{})
	srv := newEchoASRServer(t, func(conn *websocket.Conn) {
		close(done)
		conn.ReadMessage()
	})
	defer srv.Close()

	sess, err := Dial(context.Background(), "call-1", Config{URL: wsURL(srv.URL), Language: "English"}, nil, nil)
	require.NoError(t, err)
	defer sess.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server never saw config message")
	}
}

func TestTranscriptionForwardedToCallback(t *testing.T) {
	srv := newEchoASRServer(t, func(conn *websocket.Conn) {
		msg, _ := json.Marshal(map[string]interface{}{"text": "hello", "is_partial": true, "is_final": false})
		conn.WriteMessage(websocket.TextMessage, msg)
		conn.ReadMessage()
	})
	defer srv.Close()

	received := make(chan Transcription, 1)
	sess, err := Dial(context.Background(), "call-1", Config{URL: wsURL(srv.URL), Language: "English"}, func(t Transcription) {
		received <- t
	}, nil)
	require.NoError(t, err)
	defer sess.Close()

	select {
	case tr := <-received:
		assert.Equal(t, "hello", tr.Text)
		assert.True(t, tr.IsPartial)
	case <-time.After(time.Second):
		t.Fatal("transcription never delivered")
	}
}

func TestCloseWaitsForFinalTranscriptionAfterFlush(t *testing.T) {
	srv := newEchoASRServer(t, func(conn *websocket.Conn) {
		_, raw, err := conn.ReadMessage() // expect flush action
		require.NoError(t, err)
		var action map[string]string
		json.Unmarshal(raw, &action)
		assert.Equal(t, "flush", action["action"])

		final, _ := json.Marshal(map[string]interface{}{"text": "final words", "is_final": true})
		conn.WriteMessage(websocket.TextMessage, final)
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	var lastText string
	sess, err := Dial(context.Background(), "call-1", Config{URL: wsURL(srv.URL), Language: "English"}, func(tr Transcription) {
		lastText = tr.Text
	}, nil)
	require.NoError(t, err)

	sess.Close()
	assert.Equal(t, "final words", lastText)
}

func TestCloseResolvesAfterSafetyDeadlineWithNoFinal(t *testing.T) {
	srv := newEchoASRServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // flush, never answered
		time.Sleep(3 * time.Second)
	})
	defer srv.Close()

	sess, err := Dial(context.Background(), "call-1", Config{URL: wsURL(srv.URL), Language: "English"}, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	sess.Close()
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 3*time.Second)
	assert.GreaterOrEqual(t, elapsed, flushSafetyDeadline)
}
