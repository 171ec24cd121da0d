package handler

import (
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/service"
	"github.com/makeacourse/api/pkg/response"
)

type AvatarHandler struct {
	service *service.AvatarService
}

func NewAvatarHandler(svc *service.AvatarService) *AvatarHandler {
	return &AvatarHandler{service: svc}
}

// Create handles POST /api/avatars
// @Summary      Create avatar
// @Description  Upload a presenter photo and start avatar training
// @Tags         Avatars
// @Accept       multipart/form-data
// @Produce      json
// @Param        name  formData string true "Avatar name"
// @Param        image formData file   true "Photo (JPEG, PNG, WebP; max 10MB)"
// @Success      201 {object} model.Avatar
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/avatars [post]
func (h *AvatarHandler) Create(c *fiber.Ctx) error {
	file, err := c.FormFile("image")
	if err != nil {
		return response.ValidationError(c, "image is required", map[string]string{"image": "required"})
	}
	if file.Size > service.MaxAvatarImageSize {
		return response.ValidationError(c, "image exceeds 10MB", map[string]interface{}{
			"maxSize":  service.MaxAvatarImageSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ValidationError(c, "Failed to read image", nil)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, service.MaxAvatarImageSize+1))
	if err != nil {
		return response.ValidationError(c, "Failed to read image", nil)
	}

	avatar, err := h.service.CreateAvatar(c.UserContext(), c.FormValue("name"), &service.AvatarImage{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Created(c, avatar)
}

// List handles GET /api/avatars
func (h *AvatarHandler) List(c *fiber.Ctx) error {
	avatars, err := h.service.ListAvatars(c.UserContext())
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"avatars": avatars})
}

// Training handles GET /api/avatars/:id/training
// @Summary      Avatar training status
// @Description  Poll the provider for the avatar's training state
// @Tags         Avatars
// @Produce      json
// @Param        id path string true "Avatar ID"
// @Success      200 {object} model.AvatarTrainingResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/avatars/{id}/training [get]
func (h *AvatarHandler) Training(c *fiber.Ctx) error {
	result, err := h.service.GetTrainingStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}
