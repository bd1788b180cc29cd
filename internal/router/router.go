package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EvaluationHandler *handler.EvaluationHandler
	JobHandler        *handler.JobHandler
	EventStream       *handler.EventStreamHandler
	HealthChecks      []handler.HealthCheck
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.Health(cfg, deps.HealthChecks...))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.EvaluationHandler != nil {
		reviewers := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleTeacher, middleware.RoleReviewer)
		deps.EvaluationHandler.Register(
			api.Group("/evaluations", jwtMiddleware),
			api.Group("/submissions", jwtMiddleware),
			handler.EvaluationGuards{
				Read: []fiber.Handler{reviewers},
				Trigger: []fiber.Handler{
					middleware.RequireRole(middleware.RoleAdmin, middleware.RoleTeacher),
					middleware.RateLimit("evaluation-trigger", cfg.TriggerRateMax, time.Minute),
				},
				Review: []fiber.Handler{reviewers},
			},
		)
	}

	if deps.JobHandler != nil {
		jobs := api.Group("/admin/jobs", jwtMiddleware, middleware.RequireRole(middleware.RoleAdmin, middleware.RoleOperator))
		deps.JobHandler.Register(jobs)
	}

	if deps.EventStream != nil {
		stream := api.Group("/events", jwtMiddleware, middleware.RequireRole(
			middleware.RoleAdmin, middleware.RoleTeacher, middleware.RoleReviewer, middleware.RoleOperator,
		))
		deps.EventStream.Register(stream)
	}
}
