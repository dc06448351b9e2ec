package api

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/middleware/jwtware"
)

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message  string            `json:"message"`
	TextCode string            `json:"text_code,omitempty"`
	Category string            `json:"category,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

var errBadPayload = goerrors.New("invalid request payload", goerrors.CategoryBadInput).
	WithTextCode("BAD_REQUEST").
	WithCode(goerrors.CodeBadRequest)

// StatusFor maps an error to its HTTP status
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return http.StatusInternalServerError
	}

	if richErr.Code != 0 {
		return richErr.Code
	}

	switch richErr.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (c *Controller) writeError(ctx *fiber.Ctx, err error) error {
	if errors.Is(err, jwtware.ErrJWTMissingOrMalformed) {
		err = identity.ErrUnauthorized
	}
	status := StatusFor(err)
	body := ErrorBody{}

	var verrs validation.Errors
	var richErr *goerrors.Error
	switch {
	case errors.As(err, &verrs):
		body.Error = ErrorDetail{
			Message:  "validation failed",
			TextCode: "VALIDATION_FAILED",
			Category: fmt.Sprint(goerrors.CategoryValidation),
			Fields:   validationFields(verrs),
		}
	case goerrors.As(err, &richErr) && status < http.StatusInternalServerError:
		body.Error = ErrorDetail{
			Message:  richErr.Message,
			TextCode: richErr.TextCode,
			Category: fmt.Sprint(richErr.Category),
		}
	default:
		body.Error = ErrorDetail{
			Message:  "an unexpected server error occurred",
			TextCode: "INTERNAL",
			Category: fmt.Sprint(goerrors.CategoryInternal),
		}
	}

	if status >= http.StatusInternalServerError {
		details := any(nil)
		if richErr != nil {
			details = richErr.Metadata
		}
		c.logger.Error("request failed",
			"path", ctx.Path(),
			"method", ctx.Method(),
			"error", err,
			"details", print.MaybePrettyJSON(details),
		)
	} else {
		c.logger.Debug("request rejected", "path", ctx.Path(), "status", status, "error", err)
	}

	return ctx.Status(status).JSON(body)
}

func validationFields(verrs validation.Errors) map[string]string {
	out := make(map[string]string, len(verrs))
	for field, err := range verrs {
		if err != nil {
			out[field] = err.Error()
		}
	}
	return out
}
