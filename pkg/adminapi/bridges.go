package adminapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// orchestratorBridgePrefixes name the bridges the capture and playback
// pipelines create for themselves. Those are owned by the orchestrator and
// stay out of the administrative bridge listing.
var orchestratorBridgePrefixes = []string{"capture-", "playback-"}

func isOrchestratorOwned(name string) bool {
	for _, p := range orchestratorBridgePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	bridges, err := s.orc.Switch().ListBridges(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	visible := bridges[:0]
	for _, b := range bridges {
		if !isOrchestratorOwned(b.Name) {
			visible = append(visible, b)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

type createBridgeRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var req createBridgeRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	bridge, err := s.orc.Switch().CreateBridge(r.Context(), req.Name)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bridge)
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	bridge, err := s.orc.Switch().GetBridge(r.Context(), chi.URLParam(r, "bridgeID"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bridge)
}

func (s *Server) handleDestroyBridge(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.Switch().DestroyBridge(r.Context(), chi.URLParam(r, "bridgeID")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destroyed": true})
}

type bridgeChannelRequest struct {
	Channel string `json:"channel"`
}

func (s *Server) handleAddChannelToBridge(w http.ResponseWriter, r *http.Request) {
	var req bridgeChannelRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	if err := s.orc.Switch().AddChannelToBridge(r.Context(), chi.URLParam(r, "bridgeID"), req.Channel); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": req.Channel})
}

func (s *Server) handleRemoveChannelFromBridge(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if err := s.orc.Switch().RemoveChannelFromBridge(r.Context(), chi.URLParam(r, "bridgeID"), channelID); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": channelID})
}
