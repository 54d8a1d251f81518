package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) listProjects(c *gin.Context) {
	projects, err := h.scanner.ListProjects()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

type addProjectRequest struct {
	Path string `json:"path"`
}

// addProject registers a working tree. Idempotent per normalized path.
func (h *Handlers) addProject(c *gin.Context) {
	var req addProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid payload: "+err.Error())
		return
	}
	if req.Path == "" {
		h.badRequest(c, "path is required")
		return
	}

	proj, err := h.scanner.AddProject(req.Path)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": proj})
}
