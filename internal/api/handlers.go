package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/llm"
	"github.com/novaos/core/internal/nova"
	"github.com/novaos/core/internal/sword"
)

const maxBodyBytes = 64 * 1024

// messageRequest is the synchronous chat entrypoint payload.
type messageRequest struct {
	Message  string        `json:"message"`
	History  []llm.Message `json:"history,omitempty"`
	AckToken string        `json:"ackToken,omitempty"`
	AckText  string        `json:"ackText,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeError(w, CodeInvalidRequest, "", 0)
		return false
	}
	return true
}

// requestUser resolves the acting user: the JWT subject, or the dev header
// for unauthenticated deployments.
func (s *Server) requestUser(r *http.Request) string {
	if uid := UserID(r); uid != "" {
		return uid
	}
	if uid := r.Header.Get("X-User-ID"); uid != "" {
		return uid
	}
	return "anonymous"
}

// ==== MESSAGES ====

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	reqCtx := nova.NewRequestContext(s.requestUser(r), s.clientIP(r))
	outcome := s.orch.Run(r.Context(), reqCtx, req.Message, req.History, req.AckToken, req.AckText)

	if outcome.Status == "error" {
		writeError(w, CodeServiceError, reqCtx.RequestID, 0)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ==== AUDIT ====

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]
	rec, err := s.auditor.Get(r.Context(), requestID)
	if err != nil {
		writeInternalError(w, err, requestID)
		return
	}
	if rec.UserID != s.requestUser(r) {
		writeError(w, CodeForbidden, requestID, 0)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ==== SWORD ====

type createGoalRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	userID := s.requestUser(r)

	res, err := s.limiter.Consume(r.Context(), "goal_creation:"+userID, s.cfg.RateLimits.GoalCreation)
	if err == nil && !res.Allowed {
		writeError(w, CodeRateLimited, "", res.RetryAfterMs)
		return
	}

	var req createGoalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, CodeInvalidRequest, "", 0)
		return
	}

	goal, err := s.sword.CreateGoal(r.Context(), userID, req.Title, req.Description)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := s.sword.ListGoals(r.Context(), s.requestUser(r))
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"goals": goals})
}

type eventRequest struct {
	Event string `json:"event"`
}

// ownerOf loads the entity owner so cross-user mutation is rejected before
// any transition runs.
func (s *Server) handleGoalEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	goal, err := s.sword.GetGoal(r.Context(), id)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	if goal.UserID != s.requestUser(r) {
		writeError(w, CodeForbidden, "", 0)
		return
	}

	next, err := s.sword.ApplyGoalEvent(r.Context(), id, sword.Event(strings.ToUpper(req.Event)))
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

type createQuestRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateQuest(w http.ResponseWriter, r *http.Request) {
	goalID := mux.Vars(r)["id"]
	var req createQuestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, CodeInvalidRequest, "", 0)
		return
	}

	goal, err := s.sword.GetGoal(r.Context(), goalID)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	if goal.UserID != s.requestUser(r) {
		writeError(w, CodeForbidden, "", 0)
		return
	}

	quest, err := s.sword.CreateQuest(r.Context(), goalID, req.Title)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, quest)
}

func (s *Server) handleQuestEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	quest, err := s.sword.GetQuest(r.Context(), id)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	if quest.UserID != s.requestUser(r) {
		writeError(w, CodeForbidden, "", 0)
		return
	}

	next, err := s.sword.ApplyQuestEvent(r.Context(), id, sword.Event(strings.ToUpper(req.Event)))
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

type createStepRequest struct {
	Title string `json:"title"`
	Date  string `json:"date"` // YYYY-MM-DD
}

func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	questID := mux.Vars(r)["id"]
	var req createStepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" || len(req.Date) != 10 {
		writeError(w, CodeInvalidRequest, "", 0)
		return
	}

	quest, err := s.sword.GetQuest(r.Context(), questID)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	if quest.UserID != s.requestUser(r) {
		writeError(w, CodeForbidden, "", 0)
		return
	}

	step, created, err := s.sword.CreateStep(r.Context(), questID, req.Title, req.Date)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, step)
}

func (s *Server) handleStepEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	step, err := s.sword.GetStep(r.Context(), id)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	if step.UserID != s.requestUser(r) {
		writeError(w, CodeForbidden, "", 0)
		return
	}

	next, err := s.sword.ApplyStepEvent(r.Context(), id, sword.Event(strings.ToUpper(req.Event)))
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleListSparks(w http.ResponseWriter, r *http.Request) {
	sparks, err := s.sword.ActiveSparks(r.Context(), s.requestUser(r))
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sparks": sparks})
}

func (s *Server) handleSparkEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	spark, err := s.sword.GetSpark(r.Context(), id)
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	if spark.UserID != s.requestUser(r) {
		writeError(w, CodeForbidden, "", 0)
		return
	}

	next, err := s.sword.ApplySparkEvent(r.Context(), id, sword.Event(strings.ToUpper(req.Event)))
	if err != nil {
		writeInternalError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// ==== NOTIFICATIONS ====

// handleNotifications drains the caller's queue. Reading is consuming: the
// queue holds each notification exactly once.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	key := "notifications:queue:" + s.requestUser(r)

	var items []json.RawMessage
	for len(items) < 100 {
		raw, err := s.kv.LPop(r.Context(), key)
		if err != nil {
			if errors.Is(err, kvs.ErrNotFound) {
				break
			}
			writeInternalError(w, err, "")
			return
		}
		items = append(items, json.RawMessage(raw))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": items})
}
