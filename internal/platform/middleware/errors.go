package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrorBody is the JSON shape every middleware rejection uses. It matches the
// trigger endpoint's failure body so clients handle one format.
type ErrorBody struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func writeError(c echo.Context, code int, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(code, ErrorBody{Success: false, Error: msg, Timestamp: time.Now().UTC()})
}

// ErrorHandler renders echo errors in the ErrorBody format.
func ErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(code)
		return
	}
	writeError(c, code, msg)
}
