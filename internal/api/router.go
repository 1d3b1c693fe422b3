package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noxist/ticketd/internal/api/handlers"
	"github.com/noxist/ticketd/internal/api/middleware"
)

func NewRouter(auth *middleware.Auth, jobs *handlers.JobHandler, printers *handlers.PrinterHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/login", auth.Login)
		authGroup.POST("/logout", auth.Logout)
		authGroup.GET("/status", auth.Status)
	}

	api := r.Group("/api", auth.RequireAuth())
	{
		api.POST("/jobs", jobs.CreateJob)
		api.POST("/jobs/bulk", jobs.BulkPrint)
		api.GET("/jobs", jobs.ListJobs)
		api.GET("/jobs/:id", jobs.GetJob)
		api.DELETE("/jobs/:id", jobs.CancelJob)
		api.GET("/queue/stats", jobs.QueueStats)

		api.GET("/printers", printers.ListPrinters)
		api.GET("/printers/:name", printers.GetPrinter)
		api.POST("/printers/:name/cut", jobs.Cut)
	}

	return r
}
