package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/registry"
)

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orc.Registry().Snapshot())
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	rec, err := s.orc.Registry().Get(callID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type originateRequest struct {
	Endpoint  string            `json:"endpoint"`
	CallerID  string            `json:"callerId"`
	TimeoutMs int               `json:"timeoutMs"`
	Variables map[string]string `json:"variables"`
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	rec, err := s.orc.Originate(r.Context(), req.Endpoint, req.CallerID, timeout, req.Variables)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type hangupRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var req hangupRequest
	_ = readJSON(r, &req) // body is optional for hangup

	if err := s.orc.Hangup(r.Context(), callID, req.Reason); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callID": callID, "state": string(registry.StateEnded)})
}

type playRequest struct {
	Media []string `json:"media"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var req playRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if len(req.Media) == 0 {
		writeError(w, http.StatusBadRequest, "media is required")
		return
	}
	if err := s.orc.PlayMedia(r.Context(), callID, req.Media...); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callID": callID})
}

type recordRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var req recordRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.orc.Record(r.Context(), callID, req.Name); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callID": callID, "name": req.Name})
}

type speakRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var req speakRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	result, err := s.orc.Speak(r.Context(), callID, req.Text, req.Voice, req.Language, req.Speed)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type dtmfRequest struct {
	Digits string `json:"digits"`
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var req dtmfRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Digits == "" {
		writeError(w, http.StatusBadRequest, "digits is required")
		return
	}
	if err := s.orc.SendDTMF(r.Context(), callID, req.Digits); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callID": callID})
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	handle, err := s.orc.StartCapture(r.Context(), callID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"callID":                 callID,
		"snoopChannelID":         handle.SnoopChannelID,
		"externalMediaChannelID": handle.ExternalMediaChannelID,
		"bridgeID":               handle.BridgeID,
		"format":                 handle.Format,
		"sampleRate":             handle.SampleRate,
		"startedAt":              handle.StartedAt,
	})
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := s.orc.StopCapture(r.Context(), callID); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callID": callID})
}

type transferRequest struct {
	Endpoint  string `json:"endpoint"`
	CallerID  string `json:"callerId"`
	TimeoutMs int    `json:"timeoutMs"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var req transferRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := s.orc.Transfer(r.Context(), callID, req.Endpoint, req.CallerID, timeout)
	if err != nil {
		// A transfer target that never answers maps to 408, not the generic
		// gateway-timeout used elsewhere.
		if apperr.Is(err, apperr.Timeout) {
			writeError(w, http.StatusRequestTimeout, err.Error())
			return
		}
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
