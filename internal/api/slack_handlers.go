package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// maxSlackBodyBytes bounds Slack payloads read into memory.
const maxSlackBodyBytes = 1 << 20

// readVerifiedBody reads the request body and checks the Slack signature when a
// signing secret is configured. It writes the error response itself.
func (s *Server) readVerifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSlackBodyBytes))
	if err != nil {
		slog.Warn("Server.readVerifiedBody: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return nil, false
	}
	if s.signingSecret == "" {
		return body, true
	}
	sv, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		slog.Warn("Server.readVerifiedBody: missing or stale signature headers", "error", err)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return nil, false
	}
	if _, err := sv.Write(body); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to verify signature"))
		return nil, false
	}
	if err := sv.Ensure(); err != nil {
		slog.Warn("Server.readVerifiedBody: signature mismatch", "error", err)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return nil, false
	}
	return body, true
}

func (s *Server) slackEventsHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	body, ok := s.readVerifiedBody(w, r)
	if !ok {
		return
	}
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		slog.Warn("Server.slackEventsHandler: malformed event", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed event"))
		return
	}

	switch ev.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed challenge"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge.Challenge)); err != nil {
			slog.Error("Server.slackEventsHandler: failed to write challenge", "error", err)
		}
	case slackevents.CallbackEvent:
		if err := s.dispatcher.HandleEventsAPI(r.Context(), ev); err != nil {
			slog.Error("Server.slackEventsHandler: dispatch failed", "error", err, "type", ev.InnerEvent.Type)
			writeJSONResponse(w, statusForError(err), models.Error("Event handling failed"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
	default:
		slog.Debug("Server.slackEventsHandler: ignoring event", "type", ev.Type)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
	}
}

func (s *Server) slackInteractionsHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	body, ok := s.readVerifiedBody(w, r)
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("payload") == "" {
		slog.Warn("Server.slackInteractionsHandler: missing payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing payload"))
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		slog.Warn("Server.slackInteractionsHandler: malformed payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed payload"))
		return
	}
	if err := s.dispatcher.HandleInteraction(r.Context(), cb); err != nil {
		slog.Error("Server.slackInteractionsHandler: dispatch failed", "error", err, "type", cb.Type)
		writeJSONResponse(w, statusForError(err), models.Error("Interaction handling failed"))
		return
	}
	w.WriteHeader(http.StatusOK)
}
