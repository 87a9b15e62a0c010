package api

import (
	"github.com/gin-gonic/gin"

	"github.com/orchestrd/orchestrd/internal/client"
	"github.com/orchestrd/orchestrd/internal/logger"
)

// SetupRoutes configures the orchestration client API routes.
func SetupRoutes(router *gin.RouterGroup, c *client.Client, log *logger.Logger) {
	handler := NewHandler(c, log)

	instances := router.Group("/instances")
	{
		instances.POST("", handler.CreateInstance)
		instances.GET("", handler.ListInstances)
		instances.GET("/:id", handler.GetInstance)
		instances.POST("/:id/events", handler.RaiseEvent)
		instances.POST("/:id/terminate", handler.TerminateInstance)
		instances.GET("/:id/wait", handler.WaitForInstance)
	}
}
