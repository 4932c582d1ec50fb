package handler

import (
	"errors"
	"net/http"
	"payment-reconciler/internal/apperr"

	"github.com/labstack/echo/v4"
)

// httpError maps a service error onto the API's status codes. Internal
// errors keep their detail out of the response.
func httpError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
