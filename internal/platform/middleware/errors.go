package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPErrorHandler renders apperr errors, echo HTTP errors and context
// deadlines. Internal causes are logged and never leaked to the client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		rid, _ := c.Get("request_id").(string)
		status, detail := classify(err)
		detail.RequestID = rid

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, ErrorBody{Error: detail})
		}
		if err != nil {
			logger.Error().Err(err).Str("request_id", rid).Msg("failed to write error response")
		}
	}
}

func classify(err error) (int, ErrorDetail) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := apperr.HTTPStatus(ae.Kind)
		msg := ae.Message
		if ae.Kind == apperr.KindInternal {
			msg = "internal server error"
		}
		return status, ErrorDetail{Kind: string(ae.Kind), Code: ae.Code, Message: msg}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorDetail{Kind: kindForStatus(he.Code), Code: codeForStatus(he.Code), Message: msg}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorDetail{Kind: string(apperr.KindInternal), Code: "timeout", Message: "request timed out"}
	}

	return http.StatusInternalServerError, ErrorDetail{
		Kind: string(apperr.KindInternal), Code: "internal", Message: "internal server error",
	}
}

func kindForStatus(code int) string {
	switch {
	case code == http.StatusNotFound:
		return string(apperr.KindNotFound)
	case code == http.StatusConflict:
		return string(apperr.KindConflict)
	case code >= 500:
		return string(apperr.KindInternal)
	default:
		return string(apperr.KindValidation)
	}
}

func codeForStatus(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusBadRequest:
		return "invalid_input"
	}
	if code >= 500 {
		return "internal"
	}
	return "http_error"
}
