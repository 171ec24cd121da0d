package response

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/apperr"
)

// Error codes
const (
	CodeValidationError = string(apperr.KindValidation)
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = string(apperr.KindNotFound)
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternalError   = string(apperr.KindInternal)
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// FromError writes err with the status of its kind. Untyped errors become a
// 500 without leaking their text.
func FromError(c *fiber.Ctx, err error) error {
	e, ok := apperr.As(err)
	if !ok {
		return Error(c, fiber.StatusInternalServerError, CodeInternalError, "Internal server error", nil)
	}
	status := e.Status
	if status == 0 {
		status = fiber.StatusInternalServerError
	}
	message := e.Message
	if message == "" || e.Kind == apperr.KindRender {
		message = e.Error()
	}
	return Error(c, status, string(e.Kind), message, e.Details)
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
