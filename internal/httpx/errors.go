package httpx

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/stonegate/slgcore/internal/slgerrors"
)

// ResponseError is the JSON shape every error response takes.
type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// WithError maps the slgerrors taxonomy onto HTTP status codes, the fiber
// analogue of the teacher's common/net/http.WithError switch.
func WithError(c *fiber.Ctx, err error) error {
	var (
		notFound   slgerrors.EntityNotFoundError
		conflict   slgerrors.EntityConflictError
		validation slgerrors.ValidationError
	)

	switch {
	case errors.As(err, &notFound):
		return c.Status(fiber.StatusNotFound).JSON(ResponseError{Code: notFound.Code, Title: "not found", Message: notFound.Error()})
	case errors.As(err, &conflict):
		return c.Status(fiber.StatusConflict).JSON(ResponseError{Code: conflict.Code, Title: "conflict", Message: conflict.Error()})
	case errors.As(err, &validation):
		return c.Status(fiber.StatusBadRequest).JSON(ResponseError{Code: validation.Code, Title: "validation failed", Message: validation.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ResponseError{Title: "internal error", Message: err.Error()})
	}
}
