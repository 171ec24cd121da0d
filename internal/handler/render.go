package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/service"
	ws "github.com/makeacourse/api/internal/websocket"
	"github.com/makeacourse/api/pkg/response"
)

const taskLocal = "renderTask"

type RenderHandler struct {
	service *service.RenderService
	tracker *service.Tracker
	hub     *ws.Hub
}

func NewRenderHandler(svc *service.RenderService, tracker *service.Tracker, hub *ws.Hub) *RenderHandler {
	return &RenderHandler{
		service: svc,
		tracker: tracker,
		hub:     hub,
	}
}

// Scene handles POST /api/scenes/:id/render
// @Summary      Render scene
// @Description  Queue a scene render. Returns the existing task when one is in flight.
// @Tags         Render
// @Produce      json
// @Param        id path string true "Scene ID"
// @Success      202 {object} model.RenderHandle
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/scenes/{id}/render [post]
func (h *RenderHandler) Scene(c *fiber.Ctx) error {
	result, err := h.service.RenderScene(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Accepted(c, result)
}

// Module handles POST /api/modules/:id/render
// @Summary      Render module
// @Description  Queue assembly of a module from its rendered scenes
// @Tags         Render
// @Produce      json
// @Param        id path string true "Module ID"
// @Success      202 {object} model.RenderHandle
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/modules/{id}/render [post]
func (h *RenderHandler) Module(c *fiber.Ctx) error {
	result, err := h.service.RenderModule(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/render-status/:taskId
// @Summary      Render task status
// @Tags         Render
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      200 {object} model.RenderStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/render-status/{taskId} [get]
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	result, err := h.tracker.GetStatus(c.UserContext(), c.Params("taskId"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Tasks handles GET /api/render-tasks?target_type=&target_id=
func (h *RenderHandler) Tasks(c *fiber.Ctx) error {
	targetID := c.Query("target_id")
	if targetID == "" {
		return response.ValidationError(c, "target_id is required", map[string]string{"target_id": "required"})
	}

	tasks, err := h.tracker.ListTasks(c.UserContext(), model.TargetType(c.Query("target_type")), targetID)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"tasks": tasks})
}

// Upgrade resolves the task before the websocket handshake so unknown ids
// get a plain 404.
func (h *RenderHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	task, err := h.tracker.Task(c.UserContext(), c.Params("taskId"))
	if err != nil {
		return response.FromError(c, err)
	}
	c.Locals(taskLocal, task)
	return c.Next()
}

// Stream serves /ws/render/:taskId
func (h *RenderHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		task, ok := c.Locals(taskLocal).(*model.RenderTask)
		if !ok {
			return
		}
		h.hub.HandleConnection(c, task)
	})
}
