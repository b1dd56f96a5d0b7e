package playback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge/callmedia/pkg/mediaconn"
)

type fakeSwitch struct {
	externalMediaErr error
	createBridgeErr  error
	addChannelErr    error

	mu                sync.Mutex
	removedFromBridge []string
	destroyedBridges  []string
	hungUpChannels    []string
}

func (f *fakeSwitch) ExternalMedia(ctx context.Context, channelID, codec string) (string, string, error) {
	if f.externalMediaErr != nil {
		return "", "", f.externalMediaErr
	}
	return channelID, "127.0.0.1:0", nil
}
func (f *fakeSwitch) CreateBridge(ctx context.Context, name string) (string, error) {
	if f.createBridgeErr != nil {
		return "", f.createBridgeErr
	}
	return "bridge-1", nil
}
func (f *fakeSwitch) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return f.addChannelErr
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
	err  error
	conn *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, connectionID string) (mediaconn.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func TestStartAcquiresResourcesInOrder(t *testing.T) {
	sw := &fakeSwitch{}
	dialer := &fakeDialer{conn: &fakeConn{}}

	h, err := Start(context.Background(), sw, dialer, "ch-call", "call-1", "slin16", 16000)
	require.NoError(t, err)
	assert.Equal(t, "ttsplay-call-1", h.ExternalMediaChannelID)
	assert.Equal(t, "bridge-1", h.BridgeID)
	assert.NotNil(t, h.Conn())
}

func TestStartTeardsDownOnDialFailure(t *testing.T) {
	sw := &fakeSwitch{}
	dialer := &fakeDialer{err: errors.New("connection refused")}

	_, err := Start(context.Background(), sw, dialer, "ch-call", "call-1", "slin16", 16000)
	require.Error(t, err)
	assert.Contains(t, sw.hungUpChannels, "ttsplay-call-1")
}

func TestStartTeardsDownOnBridgeFailure(t *testing.T) {
	sw := &fakeSwitch{createBridgeErr: errors.New("bridge create failed")}
	dialer := &fakeDialer{conn: &fakeConn{}}

	_, err := Start(context.Background(), sw, dialer, "ch-call", "call-1", "slin16", 16000)
	require.Error(t, err)
	assert.True(t, dialer.conn.closed)
	assert.Contains(t, sw.hungUpChannels, "ttsplay-call-1")
}

func TestTeardownReleasesAllResourcesEvenIndependently(t *testing.T) {
	sw := &fakeSwitch{}
	dialer := &fakeDialer{conn: &fakeConn{}}

	h, err := Start(context.Background(), sw, dialer, "ch-call", "call-1", "slin16", 16000)
	require.NoError(t, err)

	require.NoError(t, h.Teardown(context.Background(), sw))
	assert.True(t, dialer.conn.closed)
	assert.Contains(t, sw.destroyedBridges, "bridge-1")
	assert.Contains(t, sw.hungUpChannels, "ttsplay-call-1")
}

func TestCancelFlagObservedByHandle(t *testing.T) {
	h := &Handle{}
	assert.False(t, h.Cancelled())
	h.Cancel()
	assert.True(t, h.Cancelled())
}
