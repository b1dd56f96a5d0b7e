// Package allowlist implements the inbound/outbound number allowlist gate,
// hot-reloaded from a JSON file on disk via an mtime poll.
package allowlist

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// rules is the JSON file shape: {"inbound": [...], "outbound": [...]}.
// An empty or absent list means "allow all" for that direction.
type rules struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type snapshot struct {
	inbound          map[string]struct{}
	outbound         map[string]struct{}
	allowAllInbound  bool
	allowAllOutbound bool
}

// Gate answers allow/deny for a given direction and number, reloading its
// backing file whenever its mtime advances.
type Gate struct {
	path     string
	interval time.Duration

	current atomic.Pointer[snapshot]

	mu       sync.Mutex
	lastMod  time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Gate reading rules from path. If path is empty, no
// allowlist is configured and the gate allows everything.
func New(path string) (*Gate, error) {
	g := &Gate{path: path, interval: time.Second, stopCh: make(chan struct{})}
	if path == "" {
		g.current.Store(&snapshot{allowAllInbound: true, allowAllOutbound: true})
		return g, nil
	}
	if err := g.reload(); err != nil {
		return nil, err
	}
	go g.pollLoop()
	return g, nil
}

func (g *Gate) reload() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return err
	}
	info, err := os.Stat(g.path)
	if err != nil {
		return err
	}

	var r rules
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}

	snap := &snapshot{
		inbound:          toSet(r.Inbound),
		outbound:         toSet(r.Outbound),
		allowAllInbound:  len(r.Inbound) == 0,
		allowAllOutbound: len(r.Outbound) == 0,
	}

	g.mu.Lock()
	g.lastMod = info.ModTime()
	g.mu.Unlock()

	g.current.Store(snap)
	return nil
}

func toSet(numbers []string) map[string]struct{} {
	set := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		set[n] = struct{}{}
	}
	return set
}

func (g *Gate) pollLoop() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(g.path)
			if err != nil {
				continue
			}
			g.mu.Lock()
			changed := info.ModTime().After(g.lastMod)
			g.mu.Unlock()
			if changed {
				_ = g.reload()
			}
		}
	}
}

// Stop halts the background poll loop.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// AllowInbound reports whether number is permitted to originate an inbound call.
func (g *Gate) AllowInbound(number string) bool {
	snap := g.current.Load()
	if snap == nil || snap.allowAllInbound {
		return true
	}
	_, ok := snap.inbound[number]
	return ok
}

// AllowOutbound reports whether number may be dialed outbound.
func (g *Gate) AllowOutbound(number string) bool {
	snap := g.current.Load()
	if snap == nil || snap.allowAllOutbound {
		return true
	}
	_, ok := snap.outbound[number]
	return ok
}

// Describe summarizes the current ruleset for the admin surface, without
// exposing the rule maps directly.
func (g *Gate) Describe() map[string]interface{} {
	snap := g.current.Load()
	desc := map[string]interface{}{"path": g.path}
	if snap == nil {
		return desc
	}
	desc["allowAllInbound"] = snap.allowAllInbound
	desc["allowAllOutbound"] = snap.allowAllOutbound
	desc["inboundCount"] = len(snap.inbound)
	desc["outboundCount"] = len(snap.outbound)
	return desc
}
