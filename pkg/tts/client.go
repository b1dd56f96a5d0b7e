// Package tts implements the TTS synth client: an HTTP POST to the TTS
// server returning a WAV payload, tracked by a per-call cancellation handle
// so a new speak request always supersedes an in-flight one for the same
// call.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/audio"
)

// Config carries the TTS collaborator's connection parameters.
type Config struct {
	URL             string
	DefaultVoice    string
	DefaultLanguage string
	Timeout         time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client issues speak requests and tracks one in-flight cancellation handle
// per call.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Client. If cfg.URL is empty, the TTS collaborator is
// considered unconfigured and every Speak call fails with a not-implemented
// error.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout + time.Second},
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Configured reports whether a TTS URL has been set.
func (c *Client) Configured() bool { return c.cfg.URL != "" }

// Result is the synthesized PCM plus the format the scheduler should stream
// it at.
type Result struct {
	PCM       []byte
	Format    audio.Format
	CodecName string
}

type speakRequest struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
	Language       string  `json:"language"`
}

// Speak cancels any in-flight request for callID (most recent wins), then
// POSTs to the TTS server and normalizes the response to mono 16-bit PCM at
// a standard slin rate.
func (c *Client) Speak(ctx context.Context, callID, text, voice, language string, speed float64) (Result, error) {
	if !c.Configured() {
		return Result{}, apperr.New(apperr.NotImplemented, "tts not configured")
	}
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}
	if language == "" {
		language = c.cfg.DefaultLanguage
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	c.swapCancel(callID, cancel)
	defer c.clearCancel(callID, cancel)

	body, _ := json.Marshal(speakRequest{
		Input:          text,
		Voice:          voice,
		ResponseFormat: "wav",
		Speed:          speed,
		Language:       language,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Validation, "build tts request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return Result{}, apperr.New(apperr.Cancelled, "tts request cancelled")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, apperr.Wrap(apperr.Timeout, "tts request timed out", err)
		}
		return Result{}, apperr.Wrap(apperr.UpstreamError, "tts request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.UpstreamError, "read tts response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, apperr.New(apperr.UpstreamError, "tts server returned "+resp.Status)
	}

	pcm, format, err := audio.ParseWAV(raw)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ProtocolError, "parse tts wav response", err)
	}

	pcm, format = normalize(pcm, format)
	codecName, ok := audio.CodecNameForRate(format.SampleRate)
	if !ok {
		rate := audio.NearestStandardRateBelow(format.SampleRate)
		pcm = audio.Resample(pcm, format.SampleRate, rate)
		format.SampleRate = rate
		codecName, _ = audio.CodecNameForRate(rate)
	}

	return Result{PCM: pcm, Format: format, CodecName: codecName}, nil
}

// normalize downmixes stereo and widens 8-bit PCM in-memory so the scheduler
// always receives mono 16-bit linear PCM.
func normalize(pcm []byte, format audio.Format) ([]byte, audio.Format) {
	if format.BitDepth == 8 {
		pcm = audio.Widen8to16(pcm)
		format.BitDepth = 16
	}
	if format.Channels == 2 {
		pcm = audio.Downmix(pcm)
		format.Channels = 1
	}
	return pcm, format
}

// Cancel aborts any in-flight speak request for callID.
func (c *Client) Cancel(callID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[callID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) swapCancel(callID string, cancel context.CancelFunc) {
	c.mu.Lock()
	if prev, ok := c.cancels[callID]; ok {
		prev()
	}
	c.cancels[callID] = cancel
	c.mu.Unlock()
}

func (c *Client) clearCancel(callID string, cancel context.CancelFunc) {
	c.mu.Lock()
	if c.cancels[callID] != nil {
		delete(c.cancels, callID)
	}
	c.mu.Unlock()
	cancel()
}
