package apperror

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPErrorHandler renders every error as {"error":{"code","message","details"?}}.
func HTTPErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		errorObj := map[string]any{
			"code":    "internal_error",
			"message": "An internal error occurred",
		}

		if appErr, ok := As(err); ok {
			code = appErr.HTTPStatus
			errorObj["code"] = appErr.Code
			errorObj["message"] = appErr.Message
			if len(appErr.Details) > 0 {
				errorObj["details"] = appErr.Details
			}
		} else if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				errorObj["message"] = msg
			}
			switch code {
			case http.StatusUnauthorized:
				errorObj["code"] = "unauthorized"
			case http.StatusForbidden:
				errorObj["code"] = "forbidden"
			case http.StatusNotFound:
				errorObj["code"] = "not_found"
			case http.StatusMethodNotAllowed:
				errorObj["code"] = "method_not_allowed"
			case http.StatusBadRequest:
				errorObj["code"] = "bad_request"
			case http.StatusRequestEntityTooLarge:
				errorObj["code"] = "payload_too_large"
			case http.StatusTooManyRequests:
				errorObj["code"] = "rate_limited"
			}
		}

		if code >= 500 {
			log.Error("request error",
				slog.Int("status", code),
				slog.String("path", c.Request().URL.Path),
				slog.String("error", err.Error()),
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]any{"error": errorObj})
	}
}
