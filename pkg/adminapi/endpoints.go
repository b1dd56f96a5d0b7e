package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.orc.Switch().ListEndpoints(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	endpoint, err := s.orc.Switch().GetEndpoint(r.Context(), chi.URLParam(r, "technology"), chi.URLParam(r, "resource"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

func (s *Server) handleGetAllowlist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orc.Allowlist().Describe())
}
