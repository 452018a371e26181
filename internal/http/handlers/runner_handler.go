// README: Runner handlers: task feed (on-demand dispatch trigger), presence reporting.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"hatid/internal/http/middleware"
	"hatid/internal/modules/dispatch"
	"hatid/internal/modules/location"
	"hatid/internal/modules/task"
	"hatid/internal/types"
)

type RunnerHandler struct {
	task     *task.Service
	location *location.Service
	coord    *dispatch.Coordinator
	// feedBatch bounds the on-demand evaluation fired by a feed poll.
	feedBatch int
}

func NewRunnerHandler(taskSvc *task.Service, locationSvc *location.Service, coord *dispatch.Coordinator, feedBatch int) *RunnerHandler {
	return &RunnerHandler{task: taskSvc, location: locationSvc, coord: coord, feedBatch: feedBatch}
}

// Feed returns the runner's current offers. Fetching the feed doubles as the
// on-demand dispatch trigger: a bounded evaluation pass runs first, so a runner
// polling right after a timeout sees the reassignment immediately instead of
// waiting for the next sweep. Evaluation failures never fail the feed.
func (h *RunnerHandler) Feed(c *gin.Context) {
	id := c.Param("id")
	if !h.authorizeRunner(c, id) {
		return
	}

	if _, err := h.coord.EvaluateBatch(c.Request.Context(), h.feedBatch); err != nil {
		log.Ctx(c.Request.Context()).Warn().Err(err).Msg("on-demand dispatch pass failed")
	}

	offers, err := h.task.Offers(c.Request.Context(), types.ID(id))
	if err != nil {
		writeTaskError(c, err)
		return
	}
	views := make([]gin.H, len(offers))
	for i, t := range offers {
		views[i] = taskView(t)
	}
	writeJSON(c, http.StatusOK, gin.H{"tasks": views})
}

type locationUpdateReq struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m"`
}

// UpdateLocation accepts a position report from any authenticated user; both
// requesters and runners feed the presence store and the stored fallback.
func (h *RunnerHandler) UpdateLocation(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing id")
		return
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	var req locationUpdateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.location.Update(c.Request.Context(), location.Update{
		UserID:    types.ID(id),
		Point:     types.Point{Lat: req.Lat, Lng: req.Lng},
		AccuracyM: req.AccuracyM,
	})
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

type availabilityReq struct {
	Available bool `json:"available"`
}

func (h *RunnerHandler) SetAvailability(c *gin.Context) {
	id := c.Param("id")
	if !h.authorizeRunner(c, id) {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.location.SetAvailability(c.Request.Context(), types.ID(id), req.Available); err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"available": req.Available})
}

func (h *RunnerHandler) authorizeRunner(c *gin.Context, id string) bool {
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing id")
		return false
	}
	if middleware.CallerRole(c) != "runner" {
		writeError(c, http.StatusForbidden, "forbidden: runner role required")
		return false
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return false
	}
	return true
}
