package broker

import (
	"net/http"

	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Broker failures. They carry their wire name and status so north-bound
// error writers classify them without importing this package.
var (
	ErrRegistration   = ngsi.NewError("RegistrationError", http.StatusInternalServerError, "broker: context provider registration failed")
	ErrUnregistration = ngsi.NewError("UnregistrationError", http.StatusInternalServerError, "broker: context provider unregistration failed")
	ErrEntityGeneric  = ngsi.NewError("EntityGenericError", http.StatusInternalServerError, "broker: entity operation failed")
	ErrEntityNotFound = ngsi.NewError("EntityNotFound", http.StatusNotFound, "broker: entity not found")
	ErrSubscription   = ngsi.NewError("SubscriptionError", http.StatusInternalServerError, "broker: subscription failed")
)
