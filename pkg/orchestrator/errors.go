package orchestrator

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/store"
)

// mapServiceError maps pipeline and store errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return echo.NewHTTPError(http.StatusConflict, "invalid state transition")
	}

	switch errkind.Of(err) {
	case errkind.Auth:
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	case errkind.Validation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errkind.NotFound:
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errkind.Conflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errkind.Transient:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	case errkind.Permanent:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
