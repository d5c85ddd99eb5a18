package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"seed/internal/agent"
	"seed/internal/command"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/task"
)

// fail maps domain errors to HTTP status codes with a JSON error body.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, command.ErrValidation),
		errors.Is(err, command.ErrUnknownAgent),
		errors.Is(err, task.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrNotFound), errors.Is(err, event.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, interaction.ErrNoPendingInteraction),
		errors.Is(err, interaction.ErrStaleInteraction):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func eventIDs(evs []*event.Envelope) []int64 {
	ids := make([]int64, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	return ids
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var in command.CreateTaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	taskID, evs, err := s.commands.CreateTask(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"taskId": taskID, "eventIds": eventIDs(evs)})
}

func (s *Server) handleCreateTaskGroup(c *gin.Context) {
	var body struct {
		Tasks []command.CreateTaskInput `json:"tasks"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	taskIDs, evs, err := s.commands.CreateTaskGroup(c.Request.Context(), body.Tasks)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"taskIds": taskIDs, "eventIds": eventIDs(evs)})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var views []*task.View
	if raw := c.Query("status"); raw != "" {
		views = s.projection.ListByStatus(task.Status(raw))
	} else {
		views = s.projection.List()
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views, "cursor": s.projection.Cursor()})
}

func (s *Server) handleGetTask(c *gin.Context) {
	view, err := s.projection.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	var body struct {
		Reason  string `json:"reason"`
		ActorID string `json:"actorId"`
	}
	_ = c.ShouldBindJSON(&body)
	evs, err := s.commands.CancelTask(c.Request.Context(), c.Param("id"), body.Reason, body.ActorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventIds": eventIDs(evs)})
}

func (s *Server) handlePauseTask(c *gin.Context) {
	var body struct {
		ActorID string `json:"actorId"`
	}
	_ = c.ShouldBindJSON(&body)
	evs, err := s.commands.PauseTask(c.Request.Context(), c.Param("id"), body.ActorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventIds": eventIDs(evs)})
}

func (s *Server) handleResumeTask(c *gin.Context) {
	var body struct {
		ActorID string `json:"actorId"`
	}
	_ = c.ShouldBindJSON(&body)
	evs, err := s.commands.ResumeTask(c.Request.Context(), c.Param("id"), body.ActorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventIds": eventIDs(evs)})
}

func (s *Server) handleAddInstruction(c *gin.Context) {
	var body struct {
		Instruction string `json:"instruction"`
		ActorID     string `json:"actorId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	evs, err := s.commands.AddInstruction(c.Request.Context(), c.Param("id"), body.Instruction, body.ActorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventIds": eventIDs(evs)})
}

func (s *Server) handleRespondInteraction(c *gin.Context) {
	var body struct {
		SelectedOptionID string            `json:"selectedOptionId"`
		Text             string            `json:"text"`
		Values           map[string]string `json:"values"`
		ActorID          string            `json:"actorId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	resp := event.InteractionResponse{
		InteractionID:    c.Param("interactionId"),
		SelectedOptionID: body.SelectedOptionID,
		Text:             body.Text,
		Values:           body.Values,
	}
	evs, err := s.commands.RespondToInteraction(c.Request.Context(), c.Param("id"), resp.InteractionID, resp, body.ActorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventIds": eventIDs(evs)})
}

func (s *Server) handlePendingInteraction(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.projection.Get(taskID); err != nil {
		s.fail(c, err)
		return
	}
	req, err := s.interactions.Pending(taskID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if req == nil {
		c.JSON(http.StatusOK, gin.H{"pending": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": req})
}

func (s *Server) handleTaskMessages(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.projection.Get(taskID); err != nil {
		s.fail(c, err)
		return
	}
	history, err := s.conv.History(taskID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": history})
}

func (s *Server) handleTaskAudit(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.projection.Get(taskID); err != nil {
		s.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.auditLog.Entries(taskID, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleListEvents(c *gin.Context) {
	afterID, _ := strconv.ParseInt(c.Query("afterId"), 10, 64)
	streamID := c.Query("streamId")

	var evs []*event.Envelope
	var err error
	if streamID != "" {
		evs, err = s.store.ReadStream(streamID, 0)
		if err == nil && afterID > 0 {
			filtered := evs[:0]
			for _, ev := range evs {
				if ev.ID > afterID {
					filtered = append(filtered, ev)
				}
			}
			evs = filtered
		}
	} else {
		evs, err = s.store.ReadAll(afterID)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) handleGetEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	ev, err := s.store.ReadByID(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) handleListAgents(c *gin.Context) {
	type agentInfo struct {
		ID          string   `json:"id"`
		DisplayName string   `json:"displayName"`
		Description string   `json:"description"`
		ToolGroups  []string `json:"toolGroups,omitempty"`
	}
	agents := s.agents.List()
	out := make([]agentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentInfo{
			ID:          a.ID(),
			DisplayName: a.DisplayName(),
			Description: a.Description(),
			ToolGroups:  a.ToolGroups(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

func (s *Server) handleRuntimeInfo(c *gin.Context) {
	info, err := s.commands.RuntimeInfo()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleSetProfile(c *gin.Context) {
	var body struct {
		TaskID  string         `json:"taskId"`
		Profile *agent.Profile `json:"profile"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.commands.SetProfileOverride(body.TaskID, body.Profile); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": body.TaskID})
}

func (s *Server) handleSetStreaming(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.commands.SetStreaming(body.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": body.Enabled})
}
