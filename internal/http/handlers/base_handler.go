// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hatid/internal/modules/task"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeTaskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrNotOffered):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, task.ErrInvalidState), errors.Is(err, task.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
