package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/core"
)

// Instances

func (s *Server) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, s.deps.Kernel.ListInstances())
}

type createInstanceRequest struct {
	WorkflowID string                 `json:"workflowId"`
	SessionID  string                 `json:"sessionId"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.WorkflowID == "" {
		req.WorkflowID = s.defaultWorkflowID
	}
	if req.SessionID == "" {
		req.SessionID = "sess-" + uuid.New().String()
	}
	inst, err := s.deps.Kernel.CreateInstance(r.Context(), req.WorkflowID, req.SessionID, req.Metadata)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Kernel.GetInstance(chi.URLParam(r, "instanceID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, inst)
}

func (s *Server) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Kernel.GetPhaseState(
		chi.URLParam(r, "instanceID"), chi.URLParam(r, "phaseID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, state)
}

// Tasks

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := core.TaskFilter{
		SessionID:  r.URL.Query().Get("session"),
		AssignedTo: r.URL.Query().Get("assignee"),
		Label:      r.URL.Query().Get("label"),
		Limit:      queryInt(r, "limit"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := core.TaskStatus(raw)
		if !core.ValidTaskStatus(status) {
			respondError(w, core.NewValidationFailed("unknown task status: "+raw))
			return
		}
		filter.Statuses = []core.TaskStatus{status}
	}
	tasks, err := s.deps.Scheduler.ListTasks(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Scheduler.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, task)
}

// Messages

type postMessageRequest struct {
	SessionID string   `json:"sessionId"`
	AgentID   string   `json:"agentId"`
	Content   string   `json:"content"`
	Type      string   `json:"type"`
	Tags      []string `json:"tags"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	msgType := core.MessageTypeUser
	if req.Type != "" {
		msgType = core.MessageType(req.Type)
	}
	msg, err := s.deps.Blackboard.Post(r.Context(), blackboard.PostInput{
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
		MessageType: msgType,
		Content:     req.Content,
		Tags:        req.Tags,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Blackboard.List(r.Context(),
		r.URL.Query().Get("session"), queryInt(r, "limit"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, msgs)
}

// Votes

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	filter := core.TopicFilter{SessionID: r.URL.Query().Get("session")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Status = core.TopicStatus(raw)
	}
	topics, err := s.deps.Votes.List(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, topics)
}

type castVoteRequest struct {
	AgentID  string `json:"agentId"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	decision := core.VoteDecision(req.Decision)
	if !core.ValidVoteDecision(decision) {
		respondError(w, core.NewValidationFailed("unknown vote decision: "+req.Decision))
		return
	}
	topic, err := s.deps.Votes.CastVote(r.Context(),
		chi.URLParam(r, "topicID"), req.AgentID, decision, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, topic)
}

// Approvals

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := core.ApprovalFilter{
		TaskID:     r.URL.Query().Get("task"),
		ApproverID: r.URL.Query().Get("approver"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Decision = core.ApprovalDecision(raw)
	}
	approvals, err := s.deps.Approvals.List(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, approvals)
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	decision := core.ApprovalDecision(req.Decision)
	if decision != core.ApprovalApproved && decision != core.ApprovalRejected {
		respondError(w, core.NewValidationFailed("decision must be approved or rejected"))
		return
	}
	approval, err := s.deps.Approvals.Resolve(r.Context(),
		chi.URLParam(r, "approvalID"), decision, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, approval)
}

// Catalogue endpoints

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Agents.ListAgents(r.Context(), core.AgentFilter{})
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, agents)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, s.deps.Templates.Descriptors())
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	notes, err := s.deps.Notifier.List(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, notes)
}

func queryInt(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
