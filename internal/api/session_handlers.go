package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowsend/flowsend/internal/models"
)

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, instanceID, ok := tenantParams(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("ownerId and instanceId query parameters are required"))
		return
	}
	sessions, err := s.store.ListSessions(ownerID, instanceID)
	if err != nil {
		slog.Error("listSessionsHandler: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	if sessions == nil {
		sessions = []models.ConversationSession{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		slog.Error("getSessionHandler: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// endSessionHandler force-terminates a conversation, freeing the contact for
// fresh trigger matching.
func (s *Server) endSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		slog.Error("endSessionHandler: store error", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if !sess.IsActive {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session already ended", sess))
		return
	}

	sess.Terminate(models.SessionStatusCompleted, time.Now().UTC())
	if err := s.store.SaveSession(sess); err != nil {
		slog.Error("endSessionHandler: save error", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to end session"))
		return
	}
	slog.Info("Session ended via API", "sessionID", sessionID)
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// simulateMessageHandler feeds a synthetic inbound message through the engine
// synchronously, so flow authors can test graphs without a live device.
func (s *Server) simulateMessageHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid message document: "+err.Error()))
		return
	}
	if msg.OwnerID == "" || msg.InstanceID == "" || msg.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("ownerId, instanceId, and from are required"))
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	s.engine.HandleMessage(r.Context(), msg)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed", nil))
}
