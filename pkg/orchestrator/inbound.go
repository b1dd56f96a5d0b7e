package orchestrator

import (
	"context"
	"time"

	"github.com/voxbridge/callmedia/pkg/registry"
)

// greetingSound and beepSound are the fixed media sequence played after an
// inbound call is answered, before the audio pipeline starts.
const (
	greetingSound = "sound:hello-world"
	beepSound     = "sound:beep"
)

// HandleInboundChannel reacts to a new-channel event from the switch. If
// the caller is allowlist-denied, the channel is released immediately and
// no CallRecord is created. Otherwise a CallRecord is created in ringing,
// call.inbound is emitted, and a ring-delay timer is armed; the timer body
// answers, plays the greeting sequence, and starts the capture/ASR
// pipeline.
func (o *Orchestrator) HandleInboundChannel(ctx context.Context, channelID, caller, callee string) {
	if !o.allowlist.AllowInbound(caller) {
		_ = o.sw.Hangup(ctx, channelID, "")
		return
	}

	callID := registry.NewCallID()
	now := time.Now()
	o.registry.Create(callID, channelID, registry.DirectionInbound, caller, callee, registry.StateRinging, now)
	o.emitAndWebhook("call.inbound", callID, map[string]interface{}{"caller": caller, "callee": callee})

	o.registry.Timers().After(o.cfg.RingDelay, func() {
		o.answerInbound(context.Background(), callID)
	})
}

// answerInbound runs when the ring-delay timer fires. If the call ended
// before the timer fired, no answer is attempted.
func (o *Orchestrator) answerInbound(ctx context.Context, callID string) {
	rec, err := o.registry.Get(callID)
	if err != nil || rec.State.Terminal() {
		return
	}

	if err := o.sw.Answer(ctx, rec.ChannelID); err != nil {
		_ = o.registry.Transition(callID, registry.StateFailed, time.Now())
		return
	}
	_ = o.registry.Transition(callID, registry.StateAnswered, time.Now())
	o.emitAndWebhook("call.answered", callID, nil)

	if err := o.PlayMedia(ctx, callID, greetingSound, beepSound); err != nil {
		_ = o.registry.Transition(callID, registry.StateFailed, time.Now())
		return
	}

	if err := o.registry.Transition(callID, registry.StateReady, time.Now()); err != nil {
		return
	}
	o.emitAndWebhook("call.ready", callID, nil)

	if _, err := o.StartCapture(ctx, callID); err != nil {
		o.emitAndWebhook("call.audio_capture_error", callID, map[string]interface{}{"error": err.Error()})
	}
}
