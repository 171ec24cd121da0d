package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/config"
	"github.com/makeacourse/api/internal/middleware"
)

// Router wires handlers onto a Fiber app
type Router struct {
	Courses *CourseHandler
	Avatars *AvatarHandler
	Renders *RenderHandler
	Auth    *AuthHandler

	// Authenticate guards everything under /api
	Authenticate fiber.Handler
	Limiter      *middleware.RateLimiter
	Limits       config.RateLimitConfig

	// Health reports which collaborators are configured
	Health func() fiber.Map
}

// Register mounts every route on app
func (r *Router) Register(app *fiber.App) {
	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		services := fiber.Map{}
		if r.Health != nil {
			services = r.Health()
		}
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": services,
		})
	})

	// ForwardAuth verification endpoint (internal, called by the gateway)
	app.Get("/auth/verify", r.Auth.Verify)

	api := app.Group("/api", r.Authenticate)
	generate := r.Limiter.GenerateLimit(r.Limits.GeneratePerHour)
	render := r.Limiter.RenderLimit(r.Limits.RenderPerHour)

	// Course routes
	courses := api.Group("/courses")
	courses.Post("/", generate, r.Courses.Create)
	courses.Get("/:id", r.Courses.Get)
	courses.Post("/:id/generate-objectives", generate, r.Courses.GenerateObjectives)
	courses.Patch("/:id/select-objectives", r.Courses.SelectObjectives)
	courses.Post("/:id/generate-modules", generate, r.Courses.GenerateModules)
	courses.Patch("/:id/avatar", r.Courses.AssignAvatar)

	// Avatar routes
	avatars := api.Group("/avatars")
	avatars.Post("/", r.Limiter.AvatarLimit(r.Limits.AvatarPerHour), r.Avatars.Create)
	avatars.Get("/", r.Avatars.List)
	avatars.Get("/:id/training", r.Avatars.Training)

	// Module routes
	modules := api.Group("/modules")
	modules.Post("/:id/generate-knowledge-check", generate, r.Courses.GenerateKnowledgeCheck)
	modules.Get("/:id/knowledge-check", r.Courses.KnowledgeCheck)
	modules.Post("/:id/render", render, r.Renders.Module)

	// Render routes
	api.Post("/scenes/:id/render", render, r.Renders.Scene)
	api.Get("/render-status/:taskId", r.Renders.Status)
	api.Get("/render-tasks", r.Renders.Tasks)

	// WebSocket routes
	app.Get("/ws/render/:taskId", r.Renders.Upgrade, r.Renders.Stream())
}
