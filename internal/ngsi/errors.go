package ngsi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nerrad567/iotagent-core/internal/command"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/expression"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
)

// Error is a sentinel that carries its wire name and HTTP status. Packages
// that cannot be imported from here (broker, dispatch) declare their
// sentinels with NewError so Classify still recognises them.
type Error struct {
	Name string
	Code int
	msg  string
}

// NewError creates a classified sentinel.
func NewError(name string, code int, msg string) *Error {
	return &Error{Name: name, Code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Wire errors raised by the adapters.
var (
	ErrBadRequest             = NewError("BadRequest", http.StatusBadRequest, "ngsi: bad request")
	ErrUnsupportedContentType = NewError("UnsupportedContentType", http.StatusUnsupportedMediaType, "ngsi: unsupported content type")
	ErrMissingHeaders         = NewError("MissingHeaders", http.StatusBadRequest, "ngsi: missing required headers")
	ErrMethodNotSupported     = NewError("MethodNotSupported", http.StatusNotImplemented, "ngsi: method not supported")
)

var classified = []struct {
	target error
	name   string
	code   int
}{
	{expression.ErrInvalidExpression, "InvalidExpression", http.StatusBadRequest},
	{device.ErrDeviceExists, "DuplicateDeviceId", http.StatusConflict},
	{device.ErrGroupExists, "DuplicateGroup", http.StatusConflict},
	{device.ErrDeviceNotFound, "DeviceNotFound", http.StatusNotFound},
	{device.ErrGroupNotFound, "DeviceGroupNotFound", http.StatusNotFound},
	{device.ErrInvalidDevice, "BadRequest", http.StatusBadRequest},
	{device.ErrInvalidGroup, "BadRequest", http.StatusBadRequest},
	{device.ErrRegistryNotAvailable, "RegistryNotAvailable", http.StatusInternalServerError},
	{command.ErrCommandNotFound, "CommandNotFound", http.StatusNotFound},
	{database.ErrInternal, "InternalDbError", http.StatusInternalServerError},
}

// Classify maps err to its wire name and HTTP status. Unknown errors are
// reported as a 500 InternalServerError.
func Classify(err error) (string, int) {
	if err == nil {
		return "", http.StatusOK
	}

	var ngsiErr *Error
	if errors.As(err, &ngsiErr) {
		code := ngsiErr.Code
		if code < 200 || code >= 600 {
			code = http.StatusInternalServerError
		}
		return ngsiErr.Name, code
	}

	for _, c := range classified {
		if errors.Is(err, c.target) {
			return c.name, c.code
		}
	}
	return "InternalServerError", http.StatusInternalServerError
}

var sanitizer = strings.NewReplacer(
	"<", "", ">", "", `"`, "", "'", "", "=", "", ";", "", "(", "", ")", "",
)

// Sanitize strips characters the broker rejects in free text.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}
