package router

import (
	"net/http"

	"github.com/cuongbtq/taskbroker/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": deps.ServiceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The admin routes need a task store behind them
	if deps.Admin == nil {
		return r
	}

	taskHandler := handler.NewTaskHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(UserMiddleware())
	{
		tasks := v1.Group("/tasks")
		{
			// GET /api/v1/tasks - List the caller's tasks
			tasks.GET("", taskHandler.ListTasks)

			// POST /api/v1/tasks/:task_id/restart - Restart a failed task
			tasks.POST("/:task_id/restart", taskHandler.RestartTask)

			// DELETE /api/v1/tasks/:task_id - Delete a task
			tasks.DELETE("/:task_id", taskHandler.DeleteTask)
		}
	}

	return r
}
