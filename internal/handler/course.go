package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/service"
	"github.com/makeacourse/api/pkg/response"
)

type CourseHandler struct {
	service   *service.CourseService
	validator *validator.Validate
}

func NewCourseHandler(svc *service.CourseService, v *validator.Validate) *CourseHandler {
	return &CourseHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/courses
// @Summary      Create course
// @Description  Create a draft course and generate its learning objectives
// @Tags         Courses
// @Accept       json
// @Produce      json
// @Param        request body model.CreateCourseRequest true "Course"
// @Success      201 {object} model.CreateCourseResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/courses [post]
func (h *CourseHandler) Create(c *fiber.Ctx) error {
	var req model.CreateCourseRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}

	result, err := h.service.CreateCourse(c.UserContext(), &req)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Created(c, result)
}

// Get handles GET /api/courses/:id
// @Summary      Get course
// @Tags         Courses
// @Produce      json
// @Param        id path string true "Course ID"
// @Success      200 {object} model.CourseDetail
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/courses/{id} [get]
func (h *CourseHandler) Get(c *fiber.Ctx) error {
	result, err := h.service.GetCourse(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// GenerateObjectives handles POST /api/courses/:id/generate-objectives
// @Summary      Retry objective generation
// @Description  Generate objectives for a course still in DRAFT
// @Tags         Courses
// @Produce      json
// @Param        id path string true "Course ID"
// @Success      200 {object} model.CreateCourseResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/courses/{id}/generate-objectives [post]
func (h *CourseHandler) GenerateObjectives(c *fiber.Ctx) error {
	result, err := h.service.GenerateObjectives(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// SelectObjectives handles PATCH /api/courses/:id/select-objectives
// @Summary      Select objectives
// @Tags         Courses
// @Accept       json
// @Produce      json
// @Param        id path string true "Course ID"
// @Param        request body model.SelectObjectivesRequest true "Selection"
// @Success      200 {object} model.CourseDetail
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/courses/{id}/select-objectives [patch]
func (h *CourseHandler) SelectObjectives(c *fiber.Ctx) error {
	var req model.SelectObjectivesRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}

	result, err := h.service.SelectObjectives(c.UserContext(), c.Params("id"), &req)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// GenerateModules handles POST /api/courses/:id/generate-modules
// @Summary      Generate modules
// @Description  Generate one module with its scenes per selected objective
// @Tags         Courses
// @Produce      json
// @Param        id path string true "Course ID"
// @Success      201 {object} model.GenerateModulesResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/courses/{id}/generate-modules [post]
func (h *CourseHandler) GenerateModules(c *fiber.Ctx) error {
	result, err := h.service.GenerateModules(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Created(c, result)
}

// AssignAvatar handles PATCH /api/courses/:id/avatar
// @Summary      Assign avatar
// @Tags         Courses
// @Accept       json
// @Produce      json
// @Param        id path string true "Course ID"
// @Param        request body model.AssignAvatarRequest true "Avatar"
// @Success      200 {object} model.Course
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/courses/{id}/avatar [patch]
func (h *CourseHandler) AssignAvatar(c *fiber.Ctx) error {
	var req model.AssignAvatarRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}

	result, err := h.service.AssignAvatar(c.UserContext(), c.Params("id"), req.AvatarID)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// GenerateKnowledgeCheck handles POST /api/modules/:id/generate-knowledge-check
// @Summary      Generate knowledge check
// @Tags         Modules
// @Produce      json
// @Param        id path string true "Module ID"
// @Success      201 {object} model.KnowledgeCheck
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/modules/{id}/generate-knowledge-check [post]
func (h *CourseHandler) GenerateKnowledgeCheck(c *fiber.Ctx) error {
	result, err := h.service.GenerateKnowledgeCheck(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Created(c, result)
}

// KnowledgeCheck handles GET /api/modules/:id/knowledge-check
func (h *CourseHandler) KnowledgeCheck(c *fiber.Ctx) error {
	result, err := h.service.GetKnowledgeCheck(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}
