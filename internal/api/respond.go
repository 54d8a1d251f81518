package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/pkg/wire"
)

// httpStatus maps the wire error taxonomy onto HTTP statuses. Codes
// without a mapping are server-side failures.
func httpStatus(code string) int {
	switch code {
	case wire.CodeBadRequest, wire.CodeInvalidPath:
		return http.StatusBadRequest
	case wire.CodeNotFound:
		return http.StatusNotFound
	case wire.CodeRequestIDMismatch, wire.CodeNoPendingRequest, wire.CodeNotActive, wire.CodeAlreadyArchived:
		return http.StatusConflict
	case wire.CodeAlreadyTerminated:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the REST error body {"error": ..., "code": ...}.
func (h *Handlers) respondError(c *gin.Context, err error) {
	code := wire.ErrorCode(err)
	status := httpStatus(code)

	msg := err.Error()
	var ce *wire.CodeError
	if errors.As(err, &ce) && ce.Message != "" {
		msg = ce.Message
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	body := gin.H{"error": msg}
	if code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

func (h *Handlers) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": wire.CodeBadRequest})
}
