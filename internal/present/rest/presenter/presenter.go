package presenter

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/totegamma/ticketgate"
	"github.com/totegamma/ticketgate/internal/domain"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// OK wraps a successful response.
func OK(c echo.Context, payload any) error {
	return c.JSON(http.StatusOK, payload)
}

func BadRequest(c echo.Context, err error) error {
	slog.DebugContext(c.Request().Context(), "bad request", slog.String("error", err.Error()), slog.String("module", "rest"))
	return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func BadRequestMessage(c echo.Context, msg string) error {
	slog.DebugContext(c.Request().Context(), "bad request", slog.String("error", msg), slog.String("module", "rest"))
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func Unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: msg})
}

func NotFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: msg})
}

func ServiceUnavailable(c echo.Context, msg string) error {
	return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: msg})
}

func InternalError(c echo.Context, err error) error {
	slog.ErrorContext(c.Request().Context(), "internal error", slog.String("error", err.Error()), slog.String("module", "rest"))
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

// RegistryError renders a registry failure with the status of its class.
func RegistryError(c echo.Context, err error) error {
	if errors.Is(err, domain.ErrUnsupported) {
		return c.JSON(http.StatusNotImplemented, errorResponse{Error: err.Error()})
	}

	var reason string
	var rerr domain.RegistryError
	if errors.As(err, &rerr) {
		reason = string(rerr.Reason)
	}

	switch domain.Classify(err) {
	case domain.ClassClient:
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrNotAdministrator) ||
			errors.Is(err, domain.ErrNotOwner) ||
			errors.Is(err, domain.ErrNotAuthorizedVerifier) {
			status = http.StatusForbidden
		}
		return c.JSON(status, errorResponse{Error: err.Error(), Reason: reason})
	case domain.ClassStateConflict:
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Reason: reason})
	case domain.ClassNotFound:
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error(), Reason: reason})
	case domain.ClassTransient:
		slog.WarnContext(c.Request().Context(), "registry unavailable", slog.String("error", err.Error()), slog.String("module", "rest"))
		return ServiceUnavailable(c, "registry unavailable")
	}
	return InternalError(c, err)
}

// Decision renders a gate decision. Well-formed decisions are 200 whether they
// admit or deny.
func Decision(c echo.Context, d domain.Decision) error {
	status := http.StatusOK
	switch d.Reason {
	case domain.DenyInvalidSubmission:
		status = http.StatusBadRequest
	case domain.DenyTooManyRequests:
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, d.Response())
}

// DecisionError renders a verification that failed without a decision. Gates
// still get a deny.
func DecisionError(c echo.Context, err error) error {
	slog.ErrorContext(c.Request().Context(), "verification error", slog.String("error", err.Error()), slog.String("module", "rest"))
	used := false
	return c.JSON(http.StatusInternalServerError, ticketgate.VerifyResponse{
		Valid: false,
		Error: "Internal server error",
		Used:  &used,
	})
}
