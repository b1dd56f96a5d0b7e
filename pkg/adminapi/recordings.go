package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := s.orc.Switch().ListStoredRecordings(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordings)
}

func (s *Server) handleGetRecordingMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.orc.Switch().GetStoredRecordingMetadata(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleGetRecordingAudio(w http.ResponseWriter, r *http.Request) {
	data, err := s.orc.Switch().GetStoredRecordingBytes(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.Switch().DeleteStoredRecording(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type copyRecordingRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleCopyRecording(w http.ResponseWriter, r *http.Request) {
	var req copyRecordingRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}
	if err := s.orc.Switch().CopyStoredRecording(r.Context(), chi.URLParam(r, "name"), req.Destination); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"copied": req.Destination})
}
