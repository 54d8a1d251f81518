package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/internal/session"
)

// loadSession returns the session view plus its ordered messages.
// ?afterMessageId= trims the reply to messages strictly after that id.
func (h *Handlers) loadSession(c *gin.Context) {
	sess, messages, err := h.sessions.LoadSession(
		c.Request.Context(), c.Param("id"), c.Param("sid"), c.Query("afterMessageId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "messages": messages})
}

// listAgents pairs each subagent transcript with the Task tool_use id that
// spawned it, so clients can expand Task blocks in place.
func (h *Handlers) listAgents(c *gin.Context) {
	agents, err := h.sessions.ListAgentMappings(c.Param("id"), c.Param("sid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handlers) loadAgentSession(c *gin.Context) {
	messages, err := h.sessions.LoadAgentSession(
		c.Request.Context(), c.Param("id"), c.Param("sid"), c.Param("aid"), c.Query("afterMessageId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handlers) getMetadata(c *gin.Context) {
	sess, err := h.sessions.GetMetadata(c.Request.Context(), c.Param("sid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handlers) updateMetadata(c *gin.Context) {
	var patch session.MetadataPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.badRequest(c, "invalid metadata patch: "+err.Error())
		return
	}

	sess, err := h.sessions.UpdateMetadata(c.Request.Context(), c.Param("sid"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// listSessions is the global listing with filters project, q, after,
// limit, includeArchived and starred.
func (h *Handlers) listSessions(c *gin.Context) {
	filter := session.ListFilter{
		ProjectID: c.Query("project"),
		Query:     c.Query("q"),
	}

	if after := c.Query("after"); after != "" {
		ts, err := time.Parse(time.RFC3339Nano, after)
		if err != nil {
			h.badRequest(c, "after must be an RFC 3339 timestamp")
			return
		}
		filter.After = ts
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			h.badRequest(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	var err error
	if filter.IncludeArchived, err = boolQuery(c, "includeArchived"); err != nil {
		h.badRequest(c, "includeArchived must be a boolean")
		return
	}
	if filter.Starred, err = boolQuery(c, "starred"); err != nil {
		h.badRequest(c, "starred must be a boolean")
		return
	}

	sessions, err := h.sessions.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// inbox buckets recent sessions by urgency, folding in the live process
// states so waiting-input sessions surface first.
func (h *Handlers) inbox(c *gin.Context) {
	inbox, err := h.sessions.Inbox(c.Request.Context(), h.pool.LiveStates())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inbox)
}

func boolQuery(c *gin.Context, key string) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
