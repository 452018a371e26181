// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"hatid/internal/http/handlers"
	"hatid/internal/http/middleware"
	"hatid/internal/infra"
	"hatid/internal/modules/dispatch"
	"hatid/internal/modules/location"
	"hatid/internal/modules/task"
)

type RouterDeps struct {
	Task      *task.Service
	Location  *location.Service
	Coord     *dispatch.Coordinator
	Verifier  infra.TokenVerifier
	FeedBatch int
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	taskHandler := handlers.NewTaskHandler(deps.Task)
	api.POST("/tasks", taskHandler.Create)
	api.GET("/tasks/:id", taskHandler.Get)
	api.POST("/tasks/:id/cancel", taskHandler.Cancel)
	api.POST("/tasks/:id/accept", taskHandler.Accept)
	api.POST("/tasks/:id/decline", taskHandler.Decline)
	api.POST("/tasks/:id/complete", taskHandler.Complete)

	runnerHandler := handlers.NewRunnerHandler(deps.Task, deps.Location, deps.Coord, deps.FeedBatch)
	api.GET("/runners/:id/feed", runnerHandler.Feed)
	api.PUT("/runners/:id/availability", runnerHandler.SetAvailability)
	api.PUT("/users/:id/location", runnerHandler.UpdateLocation)

	return cors.AllowAll().Handler(r)
}
