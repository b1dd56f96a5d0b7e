// Package switchclient implements the switch adapter: a REST + bidirectional
// event-channel client exposing typed wrappers for channel, bridge,
// recording, and endpoint operations, plus the event dispatch loop that
// routes switch events to the orchestrator by channel ID.
package switchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
)

// setupDeadline bounds every setup-path REST call.
const setupDeadline = 10 * time.Second

// Reserved prefixes for synthetic channels the adapter itself creates: these
// never correspond to real calls and are suppressed from event dispatch.
var syntheticPrefixes = []string{"snoop-", "audiocap-", "ttsplay-"}

// IsSynthetic reports whether channelID belongs to an internally-created
// mirror/external-media channel rather than a real call leg.
func IsSynthetic(channelID string) bool {
	for _, p := range syntheticPrefixes {
		if strings.HasPrefix(channelID, p) {
			return true
		}
	}
	return false
}

// Client is the REST half of the switch adapter.
type Client struct {
	baseURL    string
	username   string
	password   string
	app        string
	httpClient *http.Client
}

// Config carries the switch connection parameters.
type Config struct {
	URL      string
	Username string
	Password string
	App      string
}

// NewClient constructs a REST client bound to a switch instance.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		app:        cfg.App,
		httpClient: &http.Client{Timeout: setupDeadline},
	}
}

// apiError is the normalised {statusCode, message} shape produced from any
// non-2xx switch response.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("switch error (%d): %s", e.StatusCode, e.Message)
}

// kindFor maps a raw HTTP status to the error taxonomy.
func kindFor(status int) apperr.Kind {
	switch {
	case status == http.StatusNotFound:
		return apperr.NotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return apperr.Forbidden
	case status == http.StatusServiceUnavailable:
		return apperr.Unavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperr.Timeout
	case status >= 500:
		return apperr.UpstreamError
	default:
		return apperr.UpstreamError
	}
}

// messageBody is the shape the adapter tries to parse a failing response
// body as, falling back to the raw bytes.
type messageBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, setupDeadline)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.Validation, "encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.Validation, "build switch request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "switch unreachable", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		var parsed messageBody
		if jsonErr := json.Unmarshal(raw, &parsed); jsonErr == nil {
			if parsed.Message != "" {
				msg = parsed.Message
			} else if parsed.Error != "" {
				msg = parsed.Error
			}
		}
		return apperr.Wrap(kindFor(resp.StatusCode), msg, &apiError{StatusCode: resp.StatusCode, Message: msg})
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Wrap(apperr.ProtocolError, "decode switch response", err)
		}
	}
	return nil
}

// --- Channel operations ---

// Channel mirrors the switch's channel resource for the fields the
// orchestrator relies on.
type Channel struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Caller    string `json:"caller,omitempty"`
	Dialplan  string `json:"dialplan,omitempty"`
}

// Originate requests a new outbound channel dial.
func (c *Client) Originate(ctx context.Context, endpoint, callerID string, timeout time.Duration, vars map[string]string) (Channel, error) {
	var ch Channel
	body := map[string]interface{}{
		"endpoint":  endpoint,
		"callerId":  callerID,
		"app":       c.app,
		"timeout":   int(timeout.Seconds()),
		"variables": vars,
	}
	err := c.do(ctx, http.MethodPost, "/channels", body, &ch)
	return ch, err
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
}

// Hangup terminates a channel. Switch errors during hangup are the caller's
// responsibility to swallow; the channel may already be gone.
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	path := "/channels/" + channelID
	if reason != "" {
		path += "?reason=" + reason
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Play starts media playback on a channel and returns a playback ID.
func (c *Client) Play(ctx context.Context, channelID, media string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/play", map[string]string{"media": media}, &out)
	return out.ID, err
}

// Record starts a recording on a channel.
func (c *Client) Record(ctx context.Context, channelID, name string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/record", map[string]string{"name": name}, nil)
}

// SendDTMF sends DTMF digits to a channel.
func (c *Client) SendDTMF(ctx context.Context, channelID, digits string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/dtmf", map[string]string{"dtmf": digits}, nil)
}

// GetChannel fetches current channel state, used to poll for app-join
// during capture/playback pipeline startup.
func (c *Client) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch)
	return ch, err
}

// channelJoinPollInterval is how often WaitForChannelJoin re-checks channel
// state while waiting for a server-mode external-media channel to report
// it has entered the Stasis application.
const channelJoinPollInterval = 100 * time.Millisecond

// WaitForChannelJoin blocks until channelID reports state "Stasis" (has
// entered the orchestrator's app) or ctx's deadline elapses. Server-mode
// external-media channels will not accept bridging until this has
// happened, per the capture/playback pipeline startup algorithm.
func (c *Client) WaitForChannelJoin(ctx context.Context, channelID string) error {
	ticker := time.NewTicker(channelJoinPollInterval)
	defer ticker.Stop()
	for {
		ch, err := c.GetChannel(ctx, channelID)
		if err == nil && ch.State == "Stasis" {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.Timeout, "channel never joined app: "+channelID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Snoop creates a mirror channel attached to channelID with a synthetic
// snoop-prefixed ID so event dispatch can suppress it.
func (c *Client) Snoop(ctx context.Context, channelID, direction, snoopID string) (Channel, error) {
	var ch Channel
	body := map[string]string{
		"spy":     direction,
		"app":     c.app,
		"snoopId": "snoop-" + snoopID,
	}
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/snoop", body, &ch)
	return ch, err
}

// ExternalMediaParams configures an external-media channel creation.
type ExternalMediaParams struct {
	ChannelID string // synthetic ID, caller chooses a prefix (audiocap-/ttsplay-)
	Codec     string
	Direction string // audio direction relative to the external socket
}

// ExternalMedia creates a server-mode external-media channel and returns the
// channel plus the connection identifier used to open the client socket.
func (c *Client) ExternalMedia(ctx context.Context, params ExternalMediaParams) (Channel, string, error) {
	var out struct {
		Channel
		ConnectionID string `json:"connectionId"`
	}
	body := map[string]string{
		"channelId":     params.ChannelID,
		"app":           c.app,
		"format":        params.Codec,
		"direction":     params.Direction,
		"encapsulation": "none",
		"transport":     "websocket",
	}
	err := c.do(ctx, http.MethodPost, "/channels/externalMedia", body, &out)
	return out.Channel, out.ConnectionID, err
}

// --- Bridge operations ---

// Bridge mirrors a switch mixing bridge.
type Bridge struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	ChannelIDs []string  `json:"channels"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (c *Client) CreateBridge(ctx context.Context, name string) (Bridge, error) {
	var b Bridge
	err := c.do(ctx, http.MethodPost, "/bridges", map[string]string{"name": name, "type": "mixing"}, &b)
	return b, err
}

func (c *Client) GetBridge(ctx context.Context, bridgeID string) (Bridge, error) {
	var b Bridge
	err := c.do(ctx, http.MethodGet, "/bridges/"+bridgeID, nil, &b)
	return b, err
}

func (c *Client) ListBridges(ctx context.Context) ([]Bridge, error) {
	var bridges []Bridge
	err := c.do(ctx, http.MethodGet, "/bridges", nil, &bridges)
	return bridges, err
}

func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
}

func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", map[string]string{"channel": channelID}, nil)
}

func (c *Client) RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/removeChannel", map[string]string{"channel": channelID}, nil)
}

// --- Recording operations ---

type RecordingMetadata struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

func (c *Client) ListStoredRecordings(ctx context.Context) ([]RecordingMetadata, error) {
	var out []RecordingMetadata
	err := c.do(ctx, http.MethodGet, "/recordings/stored", nil, &out)
	return out, err
}

func (c *Client) GetStoredRecordingMetadata(ctx context.Context, name string) (RecordingMetadata, error) {
	var out RecordingMetadata
	err := c.do(ctx, http.MethodGet, "/recordings/stored/"+name, nil, &out)
	return out, err
}

func (c *Client) GetStoredRecordingBytes(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, setupDeadline)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/recordings/stored/"+name+"/file", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "build recording request", err)
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "switch unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(kindFor(resp.StatusCode), "fetch recording bytes failed")
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) DeleteStoredRecording(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/recordings/stored/"+name, nil, nil)
}

func (c *Client) CopyStoredRecording(ctx context.Context, name, destination string) error {
	return c.do(ctx, http.MethodPost, "/recordings/stored/"+name+"/copy", map[string]string{"destinationRecordingName": destination}, nil)
}

// --- Endpoint operations ---

type Endpoint struct {
	Technology string `json:"technology"`
	Resource   string `json:"resource"`
	State      string `json:"state"`
}

func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	err := c.do(ctx, http.MethodGet, "/endpoints", nil, &out)
	return out, err
}

func (c *Client) GetEndpoint(ctx context.Context, technology, resource string) (Endpoint, error) {
	var out Endpoint
	err := c.do(ctx, http.MethodGet, "/endpoints/"+technology+"/"+resource, nil, &out)
	return out, err
}
