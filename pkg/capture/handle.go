// Package capture implements the inbound audio pipeline: mirror channel +
// external-media channel + mixing bridge acquisition, and the frame reader
// that turns the inbound socket's byte stream into audio frames for the ASR
// client and the event broadcaster.
package capture

import (
	"context"
	"encoding/base64"
	"io"
	"log"
	"sync"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/mediaconn"
)

const setupDeadline = 10 * time.Second
const socketDeadline = 5 * time.Second

// frameBytes is the wire frame size for 20ms @ 16kHz mono 16-bit PCM.
const frameBytes = 640

// Switch is the subset of switchclient.Client the capture pipeline needs.
type Switch interface {
	Snoop(ctx context.Context, channelID, direction, syntheticID string) (mirrorChannelID string, err error)
	ExternalMedia(ctx context.Context, channelID, codec string) (channelOut string, connectionID string, err error)
	WaitForChannelJoin(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context, name string) (bridgeID string, err error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	HangupChannel(ctx context.Context, channelID string) error
}

// Frame is a transient value handed to subscribers: raw PCM bytes plus
// enough shape information to interpret them.
type Frame struct {
	CallID      string
	Timestamp   time.Time
	Data        []byte
	Format      string
	SampleRate  int
	Channels    int
	SampleCount int
}

// Base64Data returns the frame payload base64-encoded, the wire shape the
// event stream uses to keep audio-frame events textual.
func (f Frame) Base64Data() string { return base64.StdEncoding.EncodeToString(f.Data) }

// Handle is one call's inbound audio pipeline resources.
type Handle struct {
	SnoopChannelID         string
	ExternalMediaChannelID string
	BridgeID               string
	Format                 string
	SampleRate             int
	StartedAt              time.Time

	mu   sync.Mutex
	conn mediaconn.Conn
}

// Start runs the capture pipeline startup algorithm: mirror channel,
// external-media channel (server mode), wait for app join, connect inbound
// socket, create bridge, add both channels. On any failure the best-effort
// teardown sequence runs before the error is returned.
func Start(ctx context.Context, sw Switch, dialer mediaconn.Dialer, callChannelID, syntheticID, direction, codec string, sampleRate int) (*Handle, error) {
	setupCtx, cancel := context.WithTimeout(ctx, setupDeadline)
	defer cancel()

	mirrorChannel, err := sw.Snoop(setupCtx, callChannelID, direction, syntheticID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "acquire mirror channel failed", err)
	}

	emChannel, connectionID, err := sw.ExternalMedia(setupCtx, "audiocap-"+syntheticID, codec)
	if err != nil {
		_ = teardownBestEffort(ctx, sw, mirrorChannel, "", "")
		return nil, apperr.Wrap(apperr.Unavailable, "acquire external-media channel failed", err)
	}

	if err := sw.WaitForChannelJoin(setupCtx, emChannel); err != nil {
		_ = teardownBestEffort(ctx, sw, mirrorChannel, emChannel, "")
		return nil, apperr.Wrap(apperr.Unavailable, "external-media channel never joined app", err)
	}

	h := &Handle{SnoopChannelID: mirrorChannel, ExternalMediaChannelID: emChannel, Format: codec, SampleRate: sampleRate}

	dialCtx, dialCancel := context.WithTimeout(ctx, socketDeadline)
	defer dialCancel()
	conn, err := dialer.Dial(dialCtx, connectionID)
	if err != nil {
		_ = teardownBestEffort(ctx, sw, mirrorChannel, emChannel, "")
		return nil, apperr.Wrap(apperr.Unavailable, "connect inbound socket failed", err)
	}
	h.conn = conn

	bridgeCtx, bridgeCancel := context.WithTimeout(ctx, setupDeadline)
	defer bridgeCancel()
	bridgeID, err := sw.CreateBridge(bridgeCtx, "capture-"+syntheticID)
	if err != nil {
		conn.Close()
		_ = teardownBestEffort(ctx, sw, mirrorChannel, emChannel, "")
		return nil, apperr.Wrap(apperr.Unavailable, "create bridge failed", err)
	}
	h.BridgeID = bridgeID

	if err := sw.AddChannelToBridge(bridgeCtx, bridgeID, mirrorChannel); err != nil {
		conn.Close()
		_ = teardownBestEffort(ctx, sw, mirrorChannel, emChannel, bridgeID)
		return nil, apperr.Wrap(apperr.Unavailable, "add mirror channel to bridge failed", err)
	}
	if err := sw.AddChannelToBridge(bridgeCtx, bridgeID, emChannel); err != nil {
		conn.Close()
		_ = teardownBestEffort(ctx, sw, mirrorChannel, emChannel, bridgeID)
		return nil, apperr.Wrap(apperr.Unavailable, "add external-media channel to bridge failed", err)
	}

	h.StartedAt = time.Now()
	return h, nil
}

// ReadLoop reads fixed-size frames from the inbound socket until ctx is
// cancelled or the socket closes, invoking onFrame for each one. It never
// returns an error: socket closure during an active call is an expected
// teardown path, not a failure to surface.
func (h *Handle) ReadLoop(ctx context.Context, callID string, onFrame func(Frame)) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, frameBytes)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("[capture] callID=%s inbound socket read error: %v", callID, err)
			}
			return
		}
		if n == 0 {
			continue
		}

		frame := Frame{
			CallID:      callID,
			Timestamp:   time.Now(),
			Data:        append([]byte(nil), buf[:n]...),
			Format:      h.Format,
			SampleRate:  h.SampleRate,
			Channels:    1,
			SampleCount: n / 2,
		}
		onFrame(frame)
	}
}

// Teardown runs the capture pipeline teardown sequence: close the inbound
// socket, remove external-media channel from the bridge, destroy the
// bridge, hang up both channels. Releases run concurrently and every one is
// attempted regardless of earlier failures; Teardown returns once all have
// settled.
func (h *Handle) Teardown(ctx context.Context, sw Switch) error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return teardownBestEffort(ctx, sw, h.SnoopChannelID, h.ExternalMediaChannelID, h.BridgeID)
}

func teardownBestEffort(ctx context.Context, sw Switch, mirrorChannel, emChannel, bridgeID string) error {
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
	if mirrorChannel != "" {
		run(func() error { return sw.HangupChannel(ctx, mirrorChannel) })
	}
	if emChannel != "" {
		run(func() error { return sw.HangupChannel(ctx, emChannel) })
	}

	wg.Wait()
	return firstErr
}
