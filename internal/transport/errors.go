package transport

import (
	"net/http"

	"github.com/threesonic/scancore/internal/scanerr"
)

// statusForError maps an ErrorKind to the HTTP status a CLI/UI client
// should branch on, independent of the error's string text.
func statusForError(err error) int {
	switch scanerr.Kind(err) {
	case scanerr.KindInvalidArgument, scanerr.KindOutOfRange:
		return http.StatusBadRequest
	case scanerr.KindAlreadyActive:
		return http.StatusConflict
	case scanerr.KindShuttingDown:
		return http.StatusServiceUnavailable
	case scanerr.KindNotConnected, scanerr.KindProbeUnavailable, scanerr.KindNotReady:
		return http.StatusServiceUnavailable
	case scanerr.KindTimeout:
		return http.StatusGatewayTimeout
	case scanerr.KindIoError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
