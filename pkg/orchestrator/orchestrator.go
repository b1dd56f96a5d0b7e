// Package orchestrator implements the call lifecycle state machine: the
// component every other collaborator (admin surface, switch adapter, ASR
// client, TTS client) ultimately drives or is driven by.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voxbridge/callmedia/pkg/allowlist"
	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/asr"
	"github.com/voxbridge/callmedia/pkg/capture"
	"github.com/voxbridge/callmedia/pkg/mediaconn"
	"github.com/voxbridge/callmedia/pkg/playback"
	"github.com/voxbridge/callmedia/pkg/registry"
	"github.com/voxbridge/callmedia/pkg/switchclient"
	"github.com/voxbridge/callmedia/pkg/tts"
	"github.com/voxbridge/callmedia/pkg/webhook"
)

// removedRecordRetention is how long an ended call's record stays readable
// before delayed removal evicts it.
const removedRecordRetention = 5 * time.Minute

// Config carries the orchestrator's tunables.
type Config struct {
	RingDelay time.Duration // default 3s
	ASR       asr.Config
}

func (c Config) withDefaults() Config {
	if c.RingDelay <= 0 {
		c.RingDelay = 3 * time.Second
	}
	return c
}

// Orchestrator owns every live CallRecord's lifecycle and drives the switch,
// ASR, TTS, allowlist, and webhook collaborators on its behalf.
type Orchestrator struct {
	cfg Config

	registry  *registry.Registry
	sw        *switchclient.Client
	swAdapter *switchAdapter
	dialer    mediaconn.Dialer
	scheduler *playback.Scheduler
	tts       *tts.Client
	webhook   *webhook.Client
	allowlist *allowlist.Gate

	sessions *sessionStore
}

// New wires an Orchestrator from its collaborators.
func New(cfg Config, reg *registry.Registry, sw *switchclient.Client, dialer mediaconn.Dialer, ttsClient *tts.Client, webhookClient *webhook.Client, gate *allowlist.Gate) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		sw:        sw,
		swAdapter: newSwitchAdapter(sw),
		dialer:    dialer,
		scheduler: playback.NewScheduler(),
		tts:       ttsClient,
		webhook:   webhookClient,
		allowlist: gate,
		sessions:  newSessionStore(),
	}
}

// perCallState bundles the live (non-persisted) pipeline handles for one
// call; the registry's CallRecord only tracks their presence/absence, the
// orchestrator owns the objects themselves for the lifetime of the call.
// mu serialises all handle access for the call: readers snapshot pointers
// under it, writers swap them under it, and no I/O happens while it is held.
type perCallState struct {
	mu sync.Mutex

	// speakMu serialises whole speak operations for the call. A superseding
	// speak stops the active stream before taking it, so it never waits for
	// a full utterance, and teardown never acquires it.
	speakMu sync.Mutex

	capture  *capture.Handle
	playback *playback.Handle
	asr      *asr.Session
	stream   *streamCtl

	previousState registry.State // saved on entering speaking, restored by the last active stream
}

// Registry exposes the call registry for admin-surface read access (list,
// get, event subscription) without giving callers mutation access.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Switch exposes the underlying switch client for admin operations
// (bridges, recordings, endpoint discovery) that pass straight through
// without touching call state.
func (o *Orchestrator) Switch() *switchclient.Client { return o.sw }

// Allowlist exposes the allowlist gate for admin-surface inspection.
func (o *Orchestrator) Allowlist() *allowlist.Gate { return o.allowlist }

// Shutdown stops the registry's pending timers (ring delays, delayed
// removals); timers armed afterwards never fire. Calls in progress are not
// torn down, and later operations are not refused.
func (o *Orchestrator) Shutdown() {
	o.registry.Shutdown()
}

func (o *Orchestrator) emitAndWebhook(eventType, callID string, data map[string]interface{}) {
	now := time.Now()
	o.registry.Publish(registry.Event{Type: eventType, CallID: callID, Timestamp: now, Data: data})
	o.webhook.Deliver(eventType, map[string]interface{}{"callID": callID, "data": data}, now)
}

// teardownCall cancels every in-flight collaborator for callID (TTS
// request, ASR session) and tears down capture/playback pipelines. Ending a
// call cancels everything before completion is signalled downstream.
func (o *Orchestrator) teardownCall(ctx context.Context, callID string) {
	o.tts.Cancel(callID)

	st, ok := o.sessions.get(callID)
	if !ok {
		return
	}

	st.mu.Lock()
	stream := st.stream
	captureHandle := st.capture
	playbackHandle := st.playback
	asrSession := st.asr
	st.stream = nil
	st.capture = nil
	st.playback = nil
	st.asr = nil
	st.previousState = ""
	st.mu.Unlock()

	if playbackHandle != nil {
		playbackHandle.Cancel()
	}
	if stream != nil {
		// Wait for the scheduler to observe the cancel and release the
		// outbound socket before the socket is closed underneath it.
		stream.stop()
		<-stream.done
	}
	if asrSession != nil {
		asrSession.Close()
	}
	if captureHandle != nil {
		if err := captureHandle.Teardown(ctx, o.swAdapter); err != nil {
			log.Printf("[orchestrator] callID=%s capture teardown error: %v", callID, err)
		}
		o.registry.Publish(registry.Event{Type: "bridge.destroyed", CallID: callID, Timestamp: time.Now(), Data: map[string]interface{}{"bridgeID": captureHandle.BridgeID}})
	}
	if playbackHandle != nil {
		wasStreaming := playbackHandle.Streaming()
		if err := playbackHandle.Teardown(ctx, o.swAdapter); err != nil {
			log.Printf("[orchestrator] callID=%s playback teardown error: %v", callID, err)
		}
		o.registry.Publish(registry.Event{Type: "bridge.destroyed", CallID: callID, Timestamp: time.Now(), Data: map[string]interface{}{"bridgeID": playbackHandle.BridgeID}})
		if !wasStreaming {
			o.registry.Publish(registry.Event{Type: "call.playback_stream_finished", CallID: callID, Timestamp: time.Now(), Data: nil})
		}
	}

	o.sessions.remove(callID)
}

// Hangup ends a call: runs teardown, transitions to ended, and schedules
// the 5-minute delayed removal. Switch errors during hangup are always
// swallowed (the channel may already be gone).
func (o *Orchestrator) Hangup(ctx context.Context, callID, reason string) error {
	rec, err := o.registry.Get(callID)
	if err != nil {
		return err
	}

	_ = o.sw.Hangup(ctx, rec.ChannelID, reason)
	o.teardownCall(ctx, callID)

	now := time.Now()
	if err := o.registry.Transition(callID, registry.StateEnded, now); err != nil {
		return nil // already terminal; hangup is idempotent from the caller's view
	}
	if reason != "" {
		_ = o.registry.Mutate(callID, func(r *registry.CallRecord) error {
			r.HangupCause = reason
			return nil
		})
	}
	// The registry already published call.ended on the terminal transition;
	// only the webhook delivery remains.
	o.webhook.Deliver("call.ended", map[string]interface{}{"callID": callID, "reason": reason}, now)
	o.registry.ScheduleDelayedRemoval(callID, removedRecordRetention)
	return nil
}

// SendDTMF forwards DTMF digits to the call's channel.
func (o *Orchestrator) SendDTMF(ctx context.Context, callID, digits string) error {
	rec, err := o.registry.Get(callID)
	if err != nil {
		return err
	}
	if err := o.sw.SendDTMF(ctx, rec.ChannelID, digits); err != nil {
		return err
	}
	o.emitAndWebhook("call.dtmf", callID, map[string]interface{}{"digits": digits})
	return nil
}

// PlayMedia plays a single media URI (or sequence) on the call's channel,
// failing fast on the first element that errors.
func (o *Orchestrator) PlayMedia(ctx context.Context, callID string, media ...string) error {
	rec, err := o.registry.Get(callID)
	if err != nil {
		return err
	}

	previous := rec.State
	if err := o.registry.Transition(callID, registry.StatePlaying, time.Now()); err != nil {
		return err
	}

	for _, m := range media {
		if _, err := o.sw.Play(ctx, rec.ChannelID, m); err != nil {
			_ = o.registry.Transition(callID, previous, time.Now())
			return apperr.Wrap(apperr.UpstreamError, "playback failed for "+m, err)
		}
	}

	_ = o.registry.Transition(callID, previous, time.Now())
	o.emitAndWebhook("call.playback_finished", callID, map[string]interface{}{"media": media})
	return nil
}

// Record starts a file recording on the call's channel, holding the record
// in recording for its duration.
func (o *Orchestrator) Record(ctx context.Context, callID, name string) error {
	rec, err := o.registry.Get(callID)
	if err != nil {
		return err
	}

	previous := rec.State
	if err := o.registry.Transition(callID, registry.StateRecording, time.Now()); err != nil {
		return err
	}

	if err := o.sw.Record(ctx, rec.ChannelID, name); err != nil {
		_ = o.registry.Transition(callID, previous, time.Now())
		return apperr.Wrap(apperr.UpstreamError, "recording failed for "+name, err)
	}

	_ = o.registry.Transition(callID, previous, time.Now())
	o.emitAndWebhook("call.recording_finished", callID, map[string]interface{}{"name": name})
	return nil
}
