package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. If the deadline is exceeded before the handler completes,
// the request context is cancelled and a 504 with a JSON error body is
// returned. Paths listed in overrides get their own timeout, so the batch
// trigger can run longer than ordinary reads.
func RequestTimeout(timeout time.Duration, overrides map[string]time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := timeout
			if o, ok := overrides[c.Request().URL.Path]; ok {
				d = o
			}
			if d <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			// Run handler in a goroutine so we can select on the context.
			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				// Handlers observe ctx and return promptly; wait so the
				// response is written by one goroutine only.
				err := <-done
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return writeError(c, http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
				}
				return err
			}
		}
	}
}
