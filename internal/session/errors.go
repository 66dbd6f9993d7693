package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/aminelahmer1/livestream-core/internal/apperr"
)

const (
	msgNetwork      = "network error"
	msgUnauthorized = "authentication expired"
	msgForbidden    = "access denied"
	msgNotFound     = "resource not found"
	msgServer       = "server error, retry later"
)

// statusError classifies a non-2xx response. Errors that retrying cannot
// fix are wrapped in backoff.Permanent.
func statusError(op string, status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return backoff.Permanent(apperr.New(op, apperr.Unauthorized, msgUnauthorized))
	case status == http.StatusForbidden:
		return backoff.Permanent(apperr.New(op, apperr.Forbidden, msgForbidden))
	case status == http.StatusNotFound:
		return backoff.Permanent(apperr.New(op, apperr.NotFound, msgNotFound))
	case status >= 500:
		return apperr.New(op, apperr.ServerError, msgServer)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return apperr.New(op, apperr.Transient, serverMessage(body, status))
	default:
		return backoff.Permanent(apperr.New(op, apperr.Validation, serverMessage(body, status)))
	}
}

// serverMessage extracts {"message": ...} or {"error": ...} from body.
func serverMessage(body []byte, status int) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 && !strings.HasPrefix(text, "<") {
		return text
	}
	return fmt.Sprintf("request failed with status %d", status)
}

// finalError makes sure the caller only ever sees an *apperr.Error.
func finalError(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.Unknown {
		return err
	}
	return apperr.Wrap(op, apperr.Transient, msgNetwork, err)
}
