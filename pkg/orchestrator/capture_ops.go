package orchestrator

import (
	"context"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/asr"
	"github.com/voxbridge/callmedia/pkg/capture"
	"github.com/voxbridge/callmedia/pkg/registry"
)

const defaultCaptureCodec = "slin16"
const defaultCaptureSampleRate = 16000

// StartCapture acquires the capture pipeline and ASR session for callID. It
// is a no-op error (already-capturing) if one is already live.
func (o *Orchestrator) StartCapture(ctx context.Context, callID string) (*capture.Handle, error) {
	rec, err := o.registry.Get(callID)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		// The ended event may already be queued; starting capture now would
		// leak switch resources that no teardown path will ever release.
		return nil, apperr.New(apperr.NotFound, "call not found: "+callID)
	}

	st := o.sessions.getOrCreate(callID)
	st.mu.Lock()
	if st.capture != nil {
		st.mu.Unlock()
		return nil, apperr.New(apperr.Validation, "already capturing: "+callID)
	}
	st.mu.Unlock()

	handle, err := capture.Start(ctx, o.swAdapter, o.dialer, rec.ChannelID, callID, "in", defaultCaptureCodec, defaultCaptureSampleRate)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "switch-setup-failed", err)
	}

	st.mu.Lock()
	if st.capture != nil {
		st.mu.Unlock()
		_ = handle.Teardown(ctx, o.swAdapter)
		return nil, apperr.New(apperr.Validation, "already capturing: "+callID)
	}
	st.capture = handle
	st.mu.Unlock()
	o.emitAndWebhook("call.audio_capture_started", callID, nil)

	session, err := asr.Dial(ctx, callID, o.cfg.ASR,
		func(t asr.Transcription) { o.onTranscription(callID, t) },
		func() { o.onASRTerminal(callID) },
	)
	if err != nil {
		o.emitAndWebhook("call.audio_capture_error", callID, map[string]interface{}{"error": err.Error()})
	} else {
		st.mu.Lock()
		st.asr = session
		st.mu.Unlock()
	}

	go handle.ReadLoop(ctx, callID, func(frame capture.Frame) {
		o.registry.Publish(registry.Event{
			Type:      "call.audio_frame",
			CallID:    callID,
			Timestamp: frame.Timestamp,
			Data: map[string]interface{}{
				"format":     frame.Format,
				"sampleRate": frame.SampleRate,
				"channels":   frame.Channels,
				"data":       frame.Base64Data(),
			},
		})
		st.mu.Lock()
		sess := st.asr
		st.mu.Unlock()
		if sess != nil {
			_ = sess.SendFrame(frame.Data)
		}
	})

	return handle, nil
}

// StopCapture tears down the capture pipeline and ASR session. It is
// idempotent: a no-op if the call is not currently capturing.
func (o *Orchestrator) StopCapture(ctx context.Context, callID string) error {
	st, ok := o.sessions.get(callID)
	if !ok {
		return nil
	}

	st.mu.Lock()
	handle := st.capture
	session := st.asr
	st.capture = nil
	st.asr = nil
	st.mu.Unlock()
	if handle == nil {
		return nil
	}

	if session != nil {
		session.Close()
	}
	if err := handle.Teardown(ctx, o.swAdapter); err != nil {
		return err
	}
	o.emitAndWebhook("call.audio_capture_stopped", callID, nil)
	return nil
}

func (o *Orchestrator) onTranscription(callID string, t asr.Transcription) {
	data := map[string]interface{}{"text": t.Text, "is_partial": t.IsPartial, "is_final": t.IsFinal}
	now := time.Now()
	o.registry.Publish(registry.Event{Type: "call.transcription", CallID: callID, Timestamp: now, Data: data})
	if t.IsFinal {
		o.webhook.Deliver("call.transcription", map[string]interface{}{"callID": callID, "data": data}, now)
	}
}

func (o *Orchestrator) onASRTerminal(callID string) {
	st, ok := o.sessions.get(callID)
	if !ok {
		return
	}
	st.mu.Lock()
	st.asr = nil
	st.mu.Unlock()
}
