package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	ActorKey     = "actor"
	ActorHeader  = "X-User-Id"
	defaultActor = "demo-marketer"
)

// ActorMiddleware records who is acting on marketer routes. It trusts the
// X-User-Id header; a gateway in front of the service is expected to set it.
func ActorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := c.Request().Header.Get(ActorHeader)
			if actor == "" {
				actor = defaultActor
			}
			c.Set(ActorKey, actor)
			return next(c)
		}
	}
}

// RequireActor guards operator routes: requests without an X-User-Id header
// are refused.
func RequireActor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := c.Request().Header.Get(ActorHeader)
			if actor == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+ActorHeader+" header")
			}
			c.Set(ActorKey, actor)
			return next(c)
		}
	}
}

func Actor(c echo.Context) string {
	actor, _ := c.Get(ActorKey).(string)
	return actor
}
