package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/topic"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

func (s *Server) topicsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTopicsHandler(w, r)
	case http.MethodPost:
		s.addTopicHandler(w, r)
	default:
		w.Header().Set("Allow", http.MethodGet+", "+http.MethodPost)
		slog.Warn("Server.topicsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listTopicsHandler(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	topics, err := s.topics.ListTopics(r.Context(), category)
	if err != nil {
		slog.Error("Server.listTopicsHandler: list failed", "error", err, "category", category)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list topics"))
		return
	}
	if topics == nil {
		topics = []models.Topic{}
	}
	slog.Debug("Server.listTopicsHandler", "category", category, "count", len(topics))
	writeJSONResponse(w, http.StatusOK, models.Success(topics))
}

func (s *Server) addTopicHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.AddTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.addTopicHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.addTopicHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	t := &models.Topic{
		ID:            topic.ManualTopicID(req.Category, req.Content),
		Category:      req.Category,
		Content:       req.Content,
		ReactionEmoji: req.ReactionEmoji,
		Source:        models.TopicSourceManual,
	}
	inserted, err := s.topics.UpsertTopic(r.Context(), t)
	if err != nil {
		slog.Error("Server.addTopicHandler: upsert failed", "error", err, "category", t.Category)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to add topic"))
		return
	}
	if !inserted {
		writeJSONResponse(w, http.StatusConflict, models.Error("Topic already exists"))
		return
	}
	slog.Info("Server.addTopicHandler: topic added", "topicID", t.ID, "category", t.Category)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Topic added", t))
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		code := statusForError(err)
		if code == http.StatusInternalServerError {
			slog.Error("Server.getWorkflowHandler: load failed", "error", err, "workflowID", id)
		}
		writeJSONResponse(w, code, models.Error(fmt.Sprintf("Workflow %s not available", id)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(wf))
}

func (s *Server) cancelWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	ok, err := s.workflows.Cancel(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("Workflow %s not found", id)))
		return
	}
	if err != nil {
		slog.Error("Server.cancelWorkflowHandler: cancel failed", "error", err, "workflowID", id)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to cancel workflow"))
		return
	}
	if !ok {
		wf, err := s.workflows.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("Workflow %s not found", id)))
			return
		}
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load workflow"))
			return
		}
		writeJSONResponse(w, http.StatusConflict, models.Error(fmt.Sprintf("Workflow is already %s", wf.Status)))
		return
	}
	if s.engagement != nil {
		if err := s.engagement.ScheduleEngagement(ctx, id); err != nil {
			slog.Error("Server.cancelWorkflowHandler: schedule engagement failed", "error", err, "workflowID", id)
		}
	}
	slog.Info("Server.cancelWorkflowHandler: workflow cancelled", "workflowID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Workflow cancelled", nil))
}

func (s *Server) broadcastJobHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if s.broadcaster == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Broadcast is not configured"))
		return
	}
	res, err := s.broadcaster.Broadcast(r.Context())
	if errors.Is(err, topic.ErrNothingToBroadcast) {
		writeJSONResponse(w, http.StatusConflict, models.Error("No topic available to broadcast"))
		return
	}
	s.writeJobResult(w, "broadcast", res, err)
}

func (s *Server) mineJobHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if s.miner == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Mining is not configured"))
		return
	}
	report, err := s.miner.Run(r.Context())
	s.writeJobResult(w, "mine", report, err)
}

func (s *Server) sweepJobHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if s.sweeper == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Sweep is not configured"))
		return
	}
	report, err := s.sweeper.Sweep(r.Context())
	s.writeJobResult(w, "sweep", report, err)
}

func (s *Server) writeJobResult(w http.ResponseWriter, job string, result interface{}, err error) {
	if err != nil {
		slog.Error("Server.writeJobResult: job failed", "job", job, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(fmt.Sprintf("%s failed: %v", job, err)))
		return
	}
	slog.Info("Server.writeJobResult: job finished", "job", job)
	writeJSONResponse(w, http.StatusOK, models.Success(models.JobTriggerResult{Job: job, Result: result}))
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	w.Header().Set("Allow", http.MethodPost)
	slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path)
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}
