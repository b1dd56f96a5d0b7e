// Package playback implements the outbound audio pipeline: external-media
// channel + bridge acquisition, and the drift-free real-time PCM scheduler
// that streams synthesized or pre-recorded audio to the outbound socket in
// fixed 20ms frames.
//
// The scheduler paces each frame against startTime + frameIndex*20ms.
// Chained per-frame sleeps accumulate scheduler error and audibly click
// over long utterances; the absolute-target form does not.
package playback

import (
	"context"
	"time"

	"github.com/voxbridge/callmedia/pkg/mediaconn"
)

const (
	// FrameDuration is the scheduler's fixed frame cadence.
	FrameDuration = 20 * time.Millisecond

	highWaterMark = 64 * 1024
	lowWaterMark  = 32 * 1024

	backpressurePollInterval = 5 * time.Millisecond
	drainSafetyDeadline      = 500 * time.Millisecond
)

// Scheduler streams fixed-size PCM frames to a Conn with drift-free pacing,
// backpressure, cancellation, and a bounded drain on completion.
type Scheduler struct {
	now func() time.Time
}

// NewScheduler constructs a Scheduler. Tests may override now.
func NewScheduler() *Scheduler {
	return &Scheduler{now: time.Now}
}

// Stream sends frames (already split to the wire frame size) to conn,
// pacing each at startTime + frameIndex*FrameDuration. cancel is polled at
// every frame boundary and during backpressure waits; conn may be nil or
// become unusable mid-stream (socket liveness), in which case Stream
// resolves cleanly without error.
func (s *Scheduler) Stream(ctx context.Context, conn mediaconn.Conn, frames [][]byte, cancel <-chan struct{}) error {
	if conn == nil {
		return nil
	}

	start := s.now()
	for i, frame := range frames {
		select {
		case <-cancel:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		target := start.Add(time.Duration(i) * FrameDuration)
		if delay := target.Sub(s.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-cancel:
				timer.Stop()
				return nil
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}

		if err := s.waitForLowWaterMark(conn, cancel, ctx); err != nil {
			return nil
		}

		if _, err := conn.Write(frame); err != nil {
			// Socket died mid-stream: resolve cleanly, the call may have
			// ended concurrently.
			return nil
		}
	}

	s.drain(conn, ctx)
	return nil
}

// waitForLowWaterMark suspends scheduling while conn's buffered-outbound-
// bytes exceeds the high-water mark, resuming once it drops below the
// low-water mark.
func (s *Scheduler) waitForLowWaterMark(conn mediaconn.Conn, cancel <-chan struct{}, ctx context.Context) error {
	if conn.BufferedOutboundBytes() <= highWaterMark {
		return nil
	}
	ticker := time.NewTicker(backpressurePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if conn.BufferedOutboundBytes() < lowWaterMark {
				return nil
			}
		}
	}
}

// drain waits for the outbound socket to flush or for a 500ms safety
// deadline, whichever comes first, so a hangup right after speak does not
// cut off the final syllable.
func (s *Scheduler) drain(conn mediaconn.Conn, ctx context.Context) {
	deadline := s.now().Add(drainSafetyDeadline)
	ticker := time.NewTicker(backpressurePollInterval)
	defer ticker.Stop()
	for {
		if conn.BufferedOutboundBytes() == 0 {
			return
		}
		if s.now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
