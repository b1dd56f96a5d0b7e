package orchestrator

import (
	"context"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/registry"
)

// Originate places an outbound call: verifies the destination endpoint is
// reachable, checks the outbound allowlist, then issues the originate
// request. Switch events (answered, ended) drive further transitions from
// here.
func (o *Orchestrator) Originate(ctx context.Context, endpoint, callerID string, timeout time.Duration, vars map[string]string) (registry.CallRecord, error) {
	technology, resource := splitEndpoint(endpoint)
	if _, err := o.sw.GetEndpoint(ctx, technology, resource); err != nil {
		return registry.CallRecord{}, apperr.Wrap(apperr.NotFound, "endpoint not reachable: "+endpoint, err)
	}

	if !o.allowlist.AllowOutbound(resource) {
		return registry.CallRecord{}, apperr.New(apperr.Forbidden, "outbound destination denied by allowlist: "+resource)
	}

	callID := registry.NewCallID()
	now := time.Now()
	o.registry.Create(callID, "", registry.DirectionOutbound, callerID, resource, registry.StateInitiating, now)

	ch, err := o.sw.Originate(ctx, endpoint, callerID, timeout, vars)
	if err != nil {
		_ = o.registry.Transition(callID, registry.StateFailed, time.Now())
		return registry.CallRecord{}, apperr.Wrap(apperr.UpstreamError, "originate rejected", err)
	}

	_ = o.registry.Mutate(callID, func(r *registry.CallRecord) error {
		r.ChannelID = ch.ID
		return nil
	})
	if err := o.registry.Transition(callID, registry.StateRinging, time.Now()); err != nil {
		return registry.CallRecord{}, err
	}

	rec, _ := o.registry.Get(callID)
	return rec, nil
}

// splitEndpoint divides a "Technology/Resource" endpoint identifier; an
// endpoint with no separator is treated as an opaque resource on an
// unspecified technology.
func splitEndpoint(endpoint string) (technology, resource string) {
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == '/' {
			return endpoint[:i], endpoint[i+1:]
		}
	}
	return "", endpoint
}
