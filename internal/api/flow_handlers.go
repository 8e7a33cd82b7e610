package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowsend/flowsend/internal/models"
)

// tenantParams pulls the owner/instance scope from query parameters.
func tenantParams(r *http.Request) (string, string, bool) {
	ownerID := r.URL.Query().Get("ownerId")
	instanceID := r.URL.Query().Get("instanceId")
	return ownerID, instanceID, ownerID != "" && instanceID != ""
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Error("createFlowHandler: invalid request body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow document: "+err.Error()))
		return
	}
	if f.OwnerID == "" || f.InstanceID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("ownerId and instanceId are required"))
		return
	}
	if err := f.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow: "+err.Error()))
		return
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	if err := s.store.CreateFlow(&f); err != nil {
		slog.Error("createFlowHandler: store error", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create flow"))
		return
	}
	slog.Info("Flow created", "flowID", f.ID, "owner", f.OwnerID, "name", f.Name)
	writeJSONResponse(w, http.StatusCreated, models.Success(f))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, instanceID, ok := tenantParams(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("ownerId and instanceId query parameters are required"))
		return
	}
	flows, err := s.store.ListFlows(ownerID, instanceID)
	if err != nil {
		slog.Error("listFlowsHandler: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	if flows == nil {
		flows = []models.Flow{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFlow(chi.URLParam(r, "flowID"))
	if err != nil {
		slog.Error("getFlowHandler: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	existing, err := s.store.GetFlow(flowID)
	if err != nil {
		slog.Error("updateFlowHandler: store error", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}

	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow document: "+err.Error()))
		return
	}
	if err := f.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow: "+err.Error()))
		return
	}

	// Identity and trigger statistics are server-owned.
	f.ID = existing.ID
	f.OwnerID = existing.OwnerID
	f.InstanceID = existing.InstanceID
	f.TriggerCount = existing.TriggerCount
	f.LastTriggered = existing.LastTriggered
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateFlow(&f); err != nil {
		slog.Error("updateFlowHandler: store error", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update flow"))
		return
	}
	slog.Info("Flow updated", "flowID", f.ID, "name", f.Name)
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	if err := s.store.DeleteFlow(flowID); err != nil {
		slog.Error("deleteFlowHandler: store error", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete flow"))
		return
	}
	slog.Info("Flow deleted", "flowID", flowID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow deleted", nil))
}

// setFlowActiveHandler flips the active flag, which gates trigger scanning.
func (s *Server) setFlowActiveHandler(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID := chi.URLParam(r, "flowID")
		f, err := s.store.GetFlow(flowID)
		if err != nil {
			slog.Error("setFlowActiveHandler: store error", "error", err, "flowID", flowID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
			return
		}
		if f == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
			return
		}
		f.Active = active
		f.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateFlow(f); err != nil {
			slog.Error("setFlowActiveHandler: store error", "error", err, "flowID", flowID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update flow"))
			return
		}
		slog.Info("Flow active flag changed", "flowID", flowID, "active", active)
		writeJSONResponse(w, http.StatusOK, models.Success(f))
	}
}
