// Package adminapi implements the admin HTTP surface: call control, bridge
// and recording management, endpoint discovery, allowlist inspection, and
// the live event stream.
package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voxbridge/callmedia/pkg/orchestrator"
)

// Server holds the admin HTTP surface's dependencies and chi router.
type Server struct {
	router *chi.Mux
	orc    *orchestrator.Orchestrator
	apiKey string
}

// NewServer constructs the admin HTTP surface. apiKey, if non-empty,
// requires every request except GET /health to carry a matching X-Api-Key
// header.
func NewServer(orc *orchestrator.Orchestrator, apiKey string) *Server {
	s := &Server{router: chi.NewRouter(), orc: orc, apiKey: apiKey}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Post("/", s.handleOriginate)
			r.Route("/{callID}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/hangup", s.handleHangup)
				r.Post("/play", s.handlePlay)
				r.Post("/record", s.handleRecord)
				r.Post("/speak", s.handleSpeak)
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/transfer", s.handleTransfer)
				r.Post("/capture/start", s.handleStartCapture)
				r.Post("/capture/stop", s.handleStopCapture)
			})
		})

		r.Route("/bridges", func(r chi.Router) {
			r.Get("/", s.handleListBridges)
			r.Post("/", s.handleCreateBridge)
			r.Route("/{bridgeID}", func(r chi.Router) {
				r.Get("/", s.handleGetBridge)
				r.Delete("/", s.handleDestroyBridge)
				r.Post("/channels", s.handleAddChannelToBridge)
				r.Delete("/channels/{channelID}", s.handleRemoveChannelFromBridge)
			})
		})

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetRecordingMetadata)
				r.Get("/audio", s.handleGetRecordingAudio)
				r.Delete("/", s.handleDeleteRecording)
				r.Post("/copy", s.handleCopyRecording)
			})
		})

		r.Route("/endpoints", func(r chi.Router) {
			r.Get("/", s.handleListEndpoints)
			r.Get("/{technology}/{resource}", s.handleGetEndpoint)
		})

		r.Get("/allowlist", s.handleGetAllowlist)

		r.Get("/events", s.handleEventStream)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.Header.Get("X-Api-Key") == s.apiKey {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid or missing api key")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
