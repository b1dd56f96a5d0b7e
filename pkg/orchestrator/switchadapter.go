package orchestrator

import (
	"context"

	"github.com/voxbridge/callmedia/pkg/switchclient"
)

// switchAdapter narrows switchclient.Client down to the capture and
// playback pipelines' Switch interfaces. Originate, answer, play and DTMF
// are called on the client directly, not through the adapter.
type switchAdapter struct {
	client *switchclient.Client
}

func newSwitchAdapter(client *switchclient.Client) *switchAdapter {
	return &switchAdapter{client: client}
}

func (a *switchAdapter) Snoop(ctx context.Context, channelID, direction, syntheticID string) (string, error) {
	ch, err := a.client.Snoop(ctx, channelID, direction, syntheticID)
	return ch.ID, err
}

func (a *switchAdapter) ExternalMedia(ctx context.Context, channelID, codec string) (string, string, error) {
	ch, connectionID, err := a.client.ExternalMedia(ctx, switchclient.ExternalMediaParams{
		ChannelID: channelID,
		Codec:     codec,
		Direction: "both",
	})
	return ch.ID, connectionID, err
}

func (a *switchAdapter) WaitForChannelJoin(ctx context.Context, channelID string) error {
	return a.client.WaitForChannelJoin(ctx, channelID)
}

func (a *switchAdapter) CreateBridge(ctx context.Context, name string) (string, error) {
	b, err := a.client.CreateBridge(ctx, name)
	return b.ID, err
}

func (a *switchAdapter) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return a.client.AddChannelToBridge(ctx, bridgeID, channelID)
}

func (a *switchAdapter) RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error {
	return a.client.RemoveChannelFromBridge(ctx, bridgeID, channelID)
}

func (a *switchAdapter) DestroyBridge(ctx context.Context, bridgeID string) error {
	return a.client.DestroyBridge(ctx, bridgeID)
}

func (a *switchAdapter) HangupChannel(ctx context.Context, channelID string) error {
	return a.client.Hangup(ctx, channelID, "")
}
