// Package config loads the process-wide configuration: a single JSON file
// with one section per collaborator (switch, admin server, inbound ring
// delay, ASR, TTS, webhook, allowlist).
package config

import (
	"encoding/json"
	"os"
	"time"
)

type Switch struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	App      string `json:"app"`
}

type Admin struct {
	Port   int    `json:"port"`
	Host   string `json:"host"`
	APIKey string `json:"apiKey"`
}

type Inbound struct {
	RingDelayMs int `json:"ringDelayMs"`
}

type ASR struct {
	URL      string `json:"url"`
	Language string `json:"language"`
}

type TTS struct {
	URL             string `json:"url"`
	DefaultVoice    string `json:"defaultVoice"`
	DefaultLanguage string `json:"defaultLanguage"`
	TimeoutMs       int    `json:"timeoutMs"`
}

type Webhook struct {
	URL string `json:"url"`
}

type Allowlist struct {
	Path string `json:"path"`
}

// Config is the top-level configuration document.
type Config struct {
	Switch    Switch    `json:"switch"`
	Admin     Admin     `json:"admin"`
	Inbound   Inbound   `json:"inbound"`
	ASR       ASR       `json:"asr"`
	TTS       TTS       `json:"tts"`
	Webhook   Webhook   `json:"webhook"`
	Allowlist Allowlist `json:"allowlist"`
}

// Load reads and parses the configuration file at path, filling in defaults
// for any field left unset.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Inbound.RingDelayMs == 0 {
		c.Inbound.RingDelayMs = 3000
	}
	if c.ASR.Language == "" {
		c.ASR.Language = "English"
	}
	if c.TTS.TimeoutMs == 0 {
		c.TTS.TimeoutMs = 30000
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8088
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "0.0.0.0"
	}
}

// RingDelay returns the inbound ring delay as a time.Duration.
func (c Config) RingDelay() time.Duration {
	return time.Duration(c.Inbound.RingDelayMs) * time.Millisecond
}

// TTSTimeout returns the TTS request timeout as a time.Duration.
func (c Config) TTSTimeout() time.Duration {
	return time.Duration(c.TTS.TimeoutMs) * time.Millisecond
}
