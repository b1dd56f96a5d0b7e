package orchestrator

import (
	"context"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/registry"
)

// TransferResult carries the new bridge and call identifiers created by a
// successful transfer.
type TransferResult struct {
	NewBridgeID string
	NewCallID   string
}

// transferAnswerTimeout bounds how long transfer waits for the target to
// answer before failing with target-no-answer (408).
const transferAnswerTimeout = 30 * time.Second

// Transfer originates a new call to endpoint and joins it into a bridge
// with callID's channel, implementing a blind/attended-style transfer.
func (o *Orchestrator) Transfer(ctx context.Context, callID, endpoint, callerID string, timeout time.Duration) (TransferResult, error) {
	rec, err := o.registry.Get(callID)
	if err != nil {
		return TransferResult{}, err
	}
	if rec.State.Terminal() {
		return TransferResult{}, apperr.New(apperr.Validation, "target-ended-early")
	}

	if timeout <= 0 {
		timeout = transferAnswerTimeout
	}

	newRec, err := o.Originate(ctx, endpoint, callerID, timeout, nil)
	if err != nil {
		return TransferResult{}, err
	}

	answerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := o.waitForAnswer(answerCtx, newRec.CallID); err != nil {
		_ = o.Hangup(context.Background(), newRec.CallID, "no-answer")
		return TransferResult{}, apperr.New(apperr.Timeout, "target-no-answer")
	}

	freshTarget, err := o.registry.Get(newRec.CallID)
	if err != nil || freshTarget.State.Terminal() {
		return TransferResult{}, apperr.New(apperr.Validation, "target-ended-early")
	}

	bridge, err := o.sw.CreateBridge(ctx, "transfer-"+callID)
	if err != nil {
		return TransferResult{}, apperr.Wrap(apperr.UpstreamError, "transfer bridge creation failed", err)
	}
	if err := o.sw.AddChannelToBridge(ctx, bridge.ID, rec.ChannelID); err != nil {
		return TransferResult{}, apperr.Wrap(apperr.UpstreamError, "add source channel to transfer bridge failed", err)
	}
	if err := o.sw.AddChannelToBridge(ctx, bridge.ID, freshTarget.ChannelID); err != nil {
		return TransferResult{}, apperr.Wrap(apperr.UpstreamError, "add target channel to transfer bridge failed", err)
	}

	_ = o.registry.Transition(callID, registry.StateBridged, time.Now())
	o.emitAndWebhook("bridge.created", callID, map[string]interface{}{"bridgeID": bridge.ID})

	return TransferResult{NewBridgeID: bridge.ID, NewCallID: newRec.CallID}, nil
}

// waitForAnswer polls the registry for the target call reaching answered,
// failing if it terminates first or ctx's deadline elapses.
func (o *Orchestrator) waitForAnswer(ctx context.Context, callID string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, err := o.registry.Get(callID)
		if err == nil {
			if rec.State == registry.StateAnswered || rec.State == registry.StateReady {
				return nil
			}
			if rec.State.Terminal() {
				return apperr.New(apperr.Validation, "target-ended-early")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
