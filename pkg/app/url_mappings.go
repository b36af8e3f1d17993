package app

import (
	"github.com/osvaldoandrade/batchsup/internal/controllers"
	"github.com/osvaldoandrade/batchsup/internal/middleware"
	"github.com/osvaldoandrade/batchsup/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1/batch", middleware.AuthMiddleware(app.Validator))
	{
		v1.GET("/status", middleware.RequireScope(auth.ScopeStatus), controllers.NewStatusController(app.Supervisor).Handle)
		v1.POST("/abort", middleware.RequireScope(auth.ScopeAbort), controllers.NewAbortController(app.Supervisor).Handle)
	}
}
