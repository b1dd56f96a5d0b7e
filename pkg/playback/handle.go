package playback

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/mediaconn"
)

const setupDeadline = 10 * time.Second
const socketDeadline = 5 * time.Second

// Switch is the subset of switchclient.Client the playback pipeline needs,
// narrowed to an interface so the pipeline can be tested without a live
// switch.
type Switch interface {
	ExternalMedia(ctx context.Context, channelID, codec string) (channelOut string, connectionID string, err error)
	CreateBridge(ctx context.Context, name string) (bridgeID string, err error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	HangupChannel(ctx context.Context, channelID string) error
}

// Handle is one call's outbound audio pipeline resources, symmetric to the
// capture pipeline's Handle but for the outbound direction.
type Handle struct {
	ExternalMediaChannelID string
	BridgeID               string
	Format                 string
	SampleRate             int

	mu         sync.Mutex
	conn       mediaconn.Conn
	cancelled  bool
	streaming  bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// Start acquires the external-media channel and mixing bridge. The outbound
// socket is connected before bridging: a server-mode external-media channel
// does not accept bridging until its socket peer is attached.
func Start(ctx context.Context, sw Switch, dialer mediaconn.Dialer, callChannelID, syntheticID, codec string, sampleRate int) (*Handle, error) {
	setupCtx, cancel := context.WithTimeout(ctx, setupDeadline)
	defer cancel()

	emChannel, connectionID, err := sw.ExternalMedia(setupCtx, "ttsplay-"+syntheticID, codec)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "acquire external-media channel failed", err)
	}

	h := &Handle{ExternalMediaChannelID: emChannel, Format: codec, SampleRate: sampleRate, cancelCh: make(chan struct{})}

	dialCtx, dialCancel := context.WithTimeout(ctx, socketDeadline)
	defer dialCancel()
	conn, err := dialer.Dial(dialCtx, connectionID)
	if err != nil {
		_ = teardownBestEffort(ctx, sw, emChannel, "")
		return nil, apperr.Wrap(apperr.Unavailable, "connect outbound socket failed", err)
	}
	h.conn = conn

	bridgeCtx, bridgeCancel := context.WithTimeout(ctx, setupDeadline)
	defer bridgeCancel()
	bridgeID, err := sw.CreateBridge(bridgeCtx, "playback-"+syntheticID)
	if err != nil {
		conn.Close()
		_ = teardownBestEffort(ctx, sw, emChannel, "")
		return nil, apperr.Wrap(apperr.Unavailable, "create bridge failed", err)
	}
	h.BridgeID = bridgeID

	if err := sw.AddChannelToBridge(bridgeCtx, bridgeID, callChannelID); err != nil {
		conn.Close()
		_ = teardownBestEffort(ctx, sw, emChannel, bridgeID)
		return nil, apperr.Wrap(apperr.Unavailable, "add call channel to bridge failed", err)
	}
	if err := sw.AddChannelToBridge(bridgeCtx, bridgeID, emChannel); err != nil {
		conn.Close()
		_ = teardownBestEffort(ctx, sw, emChannel, bridgeID)
		return nil, apperr.Wrap(apperr.Unavailable, "add external-media channel to bridge failed", err)
	}

	return h, nil
}

// Conn exposes the outbound socket for the scheduler.
func (h *Handle) Conn() mediaconn.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// Cancel marks the handle cancelled and closes the channel returned by
// CancelCh, if CancelCh has already allocated it. The scheduler's Stream
// call does not read this channel; it watches the cancel channel its caller
// passes in.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	ch := h.cancelCh
	h.mu.Unlock()
	if ch != nil {
		h.cancelOnce.Do(func() { close(ch) })
	}
}

// CancelCh returns the channel that closes when Cancel is called. Safe to
// call on a zero-value Handle (tests construct one directly); it lazily
// allocates the channel.
func (h *Handle) CancelCh() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelCh == nil {
		h.cancelCh = make(chan struct{})
	}
	return h.cancelCh
}

func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) SetStreaming(v bool) {
	h.mu.Lock()
	h.streaming = v
	h.mu.Unlock()
}

func (h *Handle) Streaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaming
}

// Teardown releases every resource this handle holds. Releases run
// concurrently and every one is attempted even if others fail, matching the
// capture pipeline's best-effort teardown contract.
func (h *Handle) Teardown(ctx context.Context, sw Switch) error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return teardownBestEffort(ctx, sw, h.ExternalMediaChannelID, h.BridgeID)
}

func teardownBestEffort(ctx context.Context, sw Switch, emChannel, bridgeID string) error {
	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	run := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	if bridgeID != "" {
		run(func() error {
			var err error
			if emChannel != "" {
				err = sw.RemoveChannelFromBridge(ctx, bridgeID, emChannel)
			}
			if destroyErr := sw.DestroyBridge(ctx, bridgeID); destroyErr != nil && err == nil {
				err = destroyErr
			}
			return err
		})
	}
	if emChannel != "" {
		run(func() error { return sw.HangupChannel(ctx, emChannel) })
	}

	wg.Wait()
	return firstErr
}
