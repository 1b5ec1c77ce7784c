// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agentcore

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all agent routes with the router.
//
// Description:
//
//	Registers all /v1/agent/* endpoints with the given Gin router group.
//	Every endpoint except health runs behind AuthMiddleware with the
//	service's auth provider.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET    /v1/agent/health - Health check
//	GET    /v1/agent/tools - List tool schemas
//	GET    /v1/agent/workflows - List workflow names
//	GET    /v1/agent/approvals - List pending approval requests
//	POST   /v1/agent/approvals/:request - Approve or deny a request
//	GET    /v1/agent/audit - Audit events
//	POST   /v1/agent/compositions/validate - Validate a composition
//	GET    /v1/agent/sessions - List sessions
//	POST   /v1/agent/sessions - Create a session
//	GET    /v1/agent/sessions/:id - Get session state
//	DELETE /v1/agent/sessions/:id - Delete a session
//	POST   /v1/agent/sessions/:id/events - Apply a state event
//	GET    /v1/agent/sessions/:id/events - Buffered UI events
//	GET    /v1/agent/sessions/:id/events/stream - UI events (SSE)
//	GET    /v1/agent/sessions/:id/updates - Context updates (SSE)
//	GET    /v1/agent/sessions/:id/ws - Context updates and actions (WebSocket)
//	POST   /v1/agent/sessions/:id/reset - Reset to Idle
//	GET    /v1/agent/sessions/:id/history - Transition history
//	GET    /v1/agent/sessions/:id/todos - List todo lists
//	POST   /v1/agent/sessions/:id/todos - Create a todo list
//	POST   /v1/agent/sessions/:id/step - Run one loop iteration
//	POST   /v1/agent/sessions/:id/run - Run the loop to completion
//	POST   /v1/agent/sessions/:id/items/:item/complete - Complete a chat item
//	POST   /v1/agent/sessions/:id/items/:item/fail - Fail a chat item
//	POST   /v1/agent/sessions/:id/dispatch - Dispatch parsed tool calls
//	POST   /v1/agent/sessions/:id/turn - Run an LLM turn
//	POST   /v1/agent/sessions/:id/compositions/run - Evaluate a composition
//
// Example:
//
//	svc := agentcore.NewService(agentcore.DefaultServiceConfig(), registry, library)
//	handlers := agentcore.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	agentcore.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.GET("/agent/health", handlers.HandleHealth)

	agent := rg.Group("/agent", AuthMiddleware(handlers.svc.Extensions().AuthProvider))
	{
		agent.GET("/tools", handlers.HandleTools)
		agent.GET("/workflows", handlers.HandleWorkflows)

		// Approvals
		agent.GET("/approvals", handlers.HandleListApprovals)
		agent.POST("/approvals/:request", handlers.HandleResolveApproval)
		agent.GET("/audit", handlers.HandleListAudit)

		agent.POST("/compositions/validate", handlers.HandleValidateComposition)

		// Session lifecycle
		agent.GET("/sessions", handlers.HandleListSessions)
		agent.POST("/sessions", handlers.HandleCreateSession)

		sessions := agent.Group("/sessions/:id")
		{
			sessions.GET("", handlers.HandleGetSession)
			sessions.DELETE("", handlers.HandleDeleteSession)

			// State machine
			sessions.POST("/events", handlers.HandleEvent)
			sessions.POST("/reset", handlers.HandleReset)
			sessions.GET("/history", handlers.HandleHistory)

			// Streams
			sessions.GET("/events", handlers.HandleListEvents)
			sessions.GET("/events/stream", handlers.HandleEventsStream)
			sessions.GET("/updates", handlers.HandleUpdatesStream)
			sessions.GET("/ws", handlers.HandleWebSocket)

			// Todo lists
			sessions.GET("/todos", handlers.HandleListTodos)
			sessions.POST("/todos", handlers.HandleCreateTodoList)
			sessions.POST("/step", handlers.HandleStep)
			sessions.POST("/run", handlers.HandleRun)
			sessions.POST("/items/:item/complete", handlers.HandleCompleteItem)
			sessions.POST("/items/:item/fail", handlers.HandleFailItem)

			// Tools and turns
			sessions.POST("/dispatch", handlers.HandleDispatch)
			sessions.POST("/turn", handlers.HandleTurn)
			sessions.POST("/compositions/run", handlers.HandleRunComposition)
		}
	}
}

// MetricsHandler serves the metrics of gatherer in the Prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// NewRouter creates a gin engine with the agent routes under /v1 and, when
// gatherer is non-nil, the metrics endpoint at /metrics.
func NewRouter(handlers *Handlers, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, "/v1/agent/health")
	})
	RegisterRoutes(router.Group("/v1"), handlers)
	if gatherer != nil {
		router.GET("/metrics", MetricsHandler(gatherer))
	}
	return router
}
