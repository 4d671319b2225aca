package utils

import (
	"log/slog"
	"net/http"

	"vo_platform/base"
	"vo_platform/utils/logging"
)

// InternalErrorMsg is sent to clients in place of server-side failures.
const InternalErrorMsg = "Internal server error; the details are in the server log"

// ErrorMessage returns the text a client gets for err answered with
// status code. Server errors are logged and masked.
func ErrorMessage(renderer string, code int, err error) string {
	if code == http.StatusInternalServerError {
		slog.Error("error running service", "code", logging.RENDER_ERROR, "renderer", renderer, "error", err)
		return InternalErrorMsg
	}
	return err.Error()
}

// DALIStatus is the status TAP and datalink answer err with; parameter
// errors are 422.
func DALIStatus(err error) int {
	code := base.StatusCode(err)
	if code == http.StatusBadRequest {
		return http.StatusUnprocessableEntity
	}
	return code
}
