package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/voxbridge/callmedia/pkg/registry"
	"github.com/voxbridge/callmedia/pkg/switchclient"
)

// AttachEvents registers the orchestrator as the event channel's consumer.
// Synthetic channels are already suppressed by the channel itself, so every
// event seen here concerns a real call leg (or a channel that becomes one).
func (o *Orchestrator) AttachEvents(ec *switchclient.EventChannel) {
	ec.OnAny(func(ev switchclient.Event) {
		o.HandleSwitchEvent(context.Background(), ev)
	})
}

// HandleSwitchEvent routes one switch-native event to the matching lifecycle
// handler. Unknown event types are ignored.
func (o *Orchestrator) HandleSwitchEvent(ctx context.Context, ev switchclient.Event) {
	switch ev.Type {
	case "StasisStart":
		if _, err := o.registry.GetByChannelID(ev.ChannelID); err == nil {
			// Outbound leg entering the app: its record already exists and
			// ChannelStateChange drives its transitions.
			return
		}
		caller, callee := switchclient.ParseStasisStart(ev)
		o.HandleInboundChannel(ctx, ev.ChannelID, caller, callee)
	case "ChannelStateChange":
		o.handleChannelStateChange(ev)
	case "ChannelDtmfReceived":
		o.handleDTMFReceived(ev)
	case "StasisEnd", "ChannelDestroyed":
		o.HandleChannelEnded(ctx, ev.ChannelID)
	}
}

// channelStatePayload is the slice of a ChannelStateChange body the
// orchestrator reads.
type channelStatePayload struct {
	Channel struct {
		State string `json:"state"`
	} `json:"channel"`
}

// handleChannelStateChange promotes a ringing call to answered when the
// switch reports the remote end picked up. The inbound path answers
// explicitly from the ring-delay timer, so only still-ringing records
// transition here.
func (o *Orchestrator) handleChannelStateChange(ev switchclient.Event) {
	var payload channelStatePayload
	if err := json.Unmarshal(ev.Raw, &payload); err != nil {
		log.Printf("[orchestrator] malformed ChannelStateChange payload: %v", err)
		return
	}
	if payload.Channel.State != "Up" {
		return
	}

	rec, err := o.registry.GetByChannelID(ev.ChannelID)
	if err != nil || rec.State != registry.StateRinging {
		return
	}
	if err := o.registry.Transition(rec.CallID, registry.StateAnswered, time.Now()); err != nil {
		return
	}
	o.emitAndWebhook("call.answered", rec.CallID, nil)
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

func (o *Orchestrator) handleDTMFReceived(ev switchclient.Event) {
	rec, err := o.registry.GetByChannelID(ev.ChannelID)
	if err != nil {
		return
	}
	var payload dtmfPayload
	if err := json.Unmarshal(ev.Raw, &payload); err != nil {
		log.Printf("[orchestrator] malformed ChannelDtmfReceived payload: %v", err)
		return
	}
	o.emitAndWebhook("call.dtmf", rec.CallID, map[string]interface{}{"digit": payload.Digit})
}

// HandleChannelEnded reacts to the switch reporting a channel gone (remote
// hangup or app exit): cancel collaborators, tear down pipelines, and move
// the record to ended. No hangup request is issued back to the switch; the
// channel is already gone.
func (o *Orchestrator) HandleChannelEnded(ctx context.Context, channelID string) {
	rec, err := o.registry.GetByChannelID(channelID)
	if err != nil || rec.State.Terminal() {
		return
	}

	o.teardownCall(ctx, rec.CallID)

	now := time.Now()
	if err := o.registry.Transition(rec.CallID, registry.StateEnded, now); err != nil {
		return
	}
	_ = o.registry.Mutate(rec.CallID, func(r *registry.CallRecord) error {
		r.HangupCause = "remote"
		return nil
	})
	o.webhook.Deliver("call.ended", map[string]interface{}{"callID": rec.CallID, "reason": "remote"}, now)
	o.registry.ScheduleDelayedRemoval(rec.CallID, removedRecordRetention)
}
