// Package webhook implements the fire-and-forget webhook collaborator:
// POSTs a JSON envelope to a single configured URL for a fixed subset of
// call events, logging (never surfacing) delivery failures.
package webhook

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// deliverableEvents is the fixed subset of event types the webhook
// collaborator forwards. call.transcription is filtered further by the
// caller: only is_final=true transcriptions are delivered.
var deliverableEvents = map[string]struct{}{
	"call.inbound":        {},
	"call.answered":       {},
	"call.ready":          {},
	"call.dtmf":           {},
	"call.ended":          {},
	"call.speak_finished": {},
	"call.transcription":  {},
}

// Deliverable reports whether eventType is one the webhook collaborator
// forwards at all.
func Deliverable(eventType string) bool {
	_, ok := deliverableEvents[eventType]
	return ok
}

// envelope is the wire shape POSTed to the configured URL.
type envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client delivers webhook notifications. If URL is empty the collaborator
// is unconfigured and Deliver is a no-op.
type Client struct {
	url        string
	httpClient *http.Client
}

// New constructs a Client bound to url. An empty url disables delivery.
func New(url string) *Client {
	return &Client{url: url, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// Deliver POSTs the event asynchronously; failures are logged, never
// surfaced to the caller.
func (c *Client) Deliver(eventType string, data interface{}, timestamp time.Time) {
	if c.url == "" || !Deliverable(eventType) {
		return
	}
	go c.deliverSync(eventType, data, timestamp)
}

func (c *Client) deliverSync(eventType string, data interface{}, timestamp time.Time) {
	body, err := json.Marshal(envelope{Event: eventType, Data: data, Timestamp: timestamp})
	if err != nil {
		log.Printf("[webhook] encode event=%s failed: %v", eventType, err)
		return
	}

	resp, err := c.httpClient.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[webhook] deliver event=%s failed: %v", eventType, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("[webhook] deliver event=%s got status %s", eventType, resp.Status)
	}
}
