package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/experiment"
	"github.com/sells-group/variant-optimizer/internal/model"
)

type createExperimentResponse struct {
	Experiment *model.Experiment `json:"experiment"`
	Variants   []model.Variant   `json:"variants"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	ownerID, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req experiment.CreateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.OwnerID = ownerID

	exp, variants, err := s.experiments.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createExperimentResponse{Experiment: exp, Variants: variants})
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	ownerID, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := model.ExperimentFilter{OwnerID: ownerID, Status: model.ExperimentStatus(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, apperr.New(apperr.InvalidArgument, "api: limit must be an integer"))
			return
		}
		filter.Limit = n
	}
	list, err := s.experiments.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Experiment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ownedExperiment loads the experiment named in the path and hides it from
// callers that do not own it.
func (s *Server) ownedExperiment(r *http.Request) (*model.Experiment, error) {
	ownerID, err := owner(r)
	if err != nil {
		return nil, err
	}
	exp, err := s.experiments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if exp.OwnerID != ownerID {
		return nil, apperr.New(apperr.NotFound, "api: experiment %s not found", exp.ID)
	}
	return exp, nil
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.ownedExperiment(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Status model.ExperimentStatus `json:"status"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.experiments.SetStatus(r.Context(), id, ownerID, body.Status); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(body.Status)})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req experiment.AllocateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.ExperimentID = chi.URLParam(r, "id")

	alloc, err := s.experiments.Allocate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if alloc.NewAllocation {
		status = http.StatusCreated
	}
	writeJSON(w, status, alloc)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req experiment.ConversionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.ExperimentID = chi.URLParam(r, "id")

	recorded, err := s.experiments.RecordConversion(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

func (s *Server) handleExperimentInsights(w http.ResponseWriter, r *http.Request) {
	exp, err := s.ownedExperiment(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ins, err := s.experiments.Insights(r.Context(), exp.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (s *Server) handleVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := s.experiments.Variants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, variants)
}
