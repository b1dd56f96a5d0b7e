package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge/callmedia/pkg/mediaconn"
)

type fakeSwitch struct {
	mu sync.Mutex

	waitJoinErr error

	hungUpChannels    []string
	destroyedBridges  []string
	removedFromBridge []string
}

func (f *fakeSwitch) Snoop(ctx context.Context, channelID, direction, syntheticID string) (string, error) {
	return "snoop-" + syntheticID, nil
}
func (f *fakeSwitch) ExternalMedia(ctx context.Context, channelID, codec string) (string, string, error) {
	return channelID, "127.0.0.1:0", nil
}
func (f *fakeSwitch) WaitForChannelJoin(ctx context.Context, channelID string) error {
	return f.waitJoinErr
}
func (f *fakeSwitch) CreateBridge(ctx context.Context, name string) (string, error) {
	return "bridge-1", nil
}
func (f *fakeSwitch) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return nil
}
func (f *fakeSwitch) RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedFromBridge = append(f.removedFromBridge, channelID)
	return nil
}
func (f *fakeSwitch) DestroyBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyedBridges = append(f.destroyedBridges, bridgeID)
	return nil
}
func (f *fakeSwitch) HangupChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUpChannels = append(f.hungUpChannels, channelID)
	return nil
}

type fakeDialer struct {
	conn mediaconn.Conn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, connectionID string) (mediaconn.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeConn struct {
	mu     sync.Mutex
	chunks [][]byte
	idx    int
	closed bool
}

func (c *fakeConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.chunks) {
		return 0, io.EOF
	}
	chunk := c.chunks[c.idx]
	c.idx++
	n := copy(b, chunk)
	return n, nil
}
func (c *fakeConn) Write(b []byte) (int, error)  { return len(b), nil }
func (c *fakeConn) BufferedOutboundBytes() int   { return 0 }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestStartAcquiresCaptureResources(t *testing.T) {
	sw := &fakeSwitch{}
	dialer := &fakeDialer{conn: &fakeConn{}}

	h, err := Start(context.Background(), sw, dialer, "ch-call", "call-1", "in", "slin16", 16000)
	require.NoError(t, err)
	assert.Equal(t, "snoop-call-1", h.SnoopChannelID)
	assert.Equal(t, "audiocap-call-1", h.ExternalMediaChannelID)
	assert.Equal(t, "bridge-1", h.BridgeID)
}

func TestStartTeardsDownWhenAppJoinNeverHappens(t *testing.T) {
	sw := &fakeSwitch{waitJoinErr: errors.New("timed out waiting for join")}
	dialer := &fakeDialer{conn: &fakeConn{}}

	_, err := Start(context.Background(), sw, dialer, "ch-call", "call-1", "in", "slin16", 16000)
	require.Error(t, err)
	assert.Contains(t, sw.hungUpChannels, "snoop-call-1")
	assert.Contains(t, sw.hungUpChannels, "audiocap-call-1")
}

func TestReadLoopDeliversFramesToCallback(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{{1, 2, 3, 4}, {5, 6}}}
	h := &Handle{Format: "slin16", SampleRate: 16000}
	h.conn = conn

	var frames []Frame
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		h.ReadLoop(context.Background(), "call-1", func(f Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read loop never terminated on EOF")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0].Data)
	assert.Equal(t, "call-1", frames[0].CallID)
}

func TestTeardownReleasesEveryResource(t *testing.T) {
	sw := &fakeSwitch{}
	conn := &fakeConn{}
	h := &Handle{SnoopChannelID: "snoop-1", ExternalMediaChannelID: "audiocap-1", BridgeID: "bridge-1"}
	h.conn = conn

	require.NoError(t, h.Teardown(context.Background(), sw))
	assert.True(t, conn.closed)
	assert.Contains(t, sw.destroyedBridges, "bridge-1")
	assert.Contains(t, sw.hungUpChannels, "snoop-1")
	assert.Contains(t, sw.hungUpChannels, "audiocap-1")
}
