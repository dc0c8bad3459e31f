package dispatch

import (
	"net/http"

	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// ErrHandlerNotFound is returned when a request needs a handler that the
// transport never registered.
var ErrHandlerNotFound = ngsi.NewError("HandlerNotFound", http.StatusInternalServerError, "dispatch: no handler registered for the operation")
