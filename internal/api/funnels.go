package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/funnel"
	"github.com/sells-group/variant-optimizer/internal/model"
)

func (s *Server) handleCreateFunnel(w http.ResponseWriter, r *http.Request) {
	ownerID, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req funnel.CreateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.OwnerID = ownerID

	f, err := s.funnels.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) ownedFunnel(r *http.Request) (*model.Funnel, error) {
	ownerID, err := owner(r)
	if err != nil {
		return nil, err
	}
	f, err := s.funnels.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if f.OwnerID != ownerID {
		return nil, apperr.New(apperr.NotFound, "api: funnel %s not found", f.ID)
	}
	return f, nil
}

func (s *Server) handleGetFunnel(w http.ResponseWriter, r *http.Request) {
	f, err := s.ownedFunnel(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFunnelInsights(w http.ResponseWriter, r *http.Request) {
	f, err := s.ownedFunnel(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ins, err := s.funnels.Insights(r.Context(), f.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req funnel.StartRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.FunnelID = chi.URLParam(r, "id")

	sess, err := s.funnels.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleNextStep(w http.ResponseWriter, r *http.Request) {
	choice, err := s.funnels.NextStepVariant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, choice)
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Converted bool           `json:"converted"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.funnels.RecordStepCompletion(r.Context(), chi.URLParam(r, "id"), body.Converted, body.Metadata); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFunnelConversion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value float64 `json:"value"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.funnels.RecordFunnelConversion(r.Context(), chi.URLParam(r, "id"), body.Value); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if err := s.funnels.Exit(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
