package api

import (
	"maps"
	"net/http"
)

type fromURLRequest struct {
	URL string `json:"url"`
}

// handleGetOrgProfile returns the profile fields with a derived ready flag
// alongside them.
func (s *Server) handleGetOrgProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetOrgProfile(r.Context())
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	out := maps.Clone(p.Data)
	out["ready"] = p.Ready
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutOrgProfile(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	delete(patch, "ready")
	p, err := s.svc.UpdateOrgProfile(r.Context(), patch)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "ready": p.Ready})
}

func (s *Server) handleOrgFromURL(w http.ResponseWriter, r *http.Request) {
	var req fromURLRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	draft, err := s.svc.DraftOrgProfile(r.Context(), req.URL)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}
