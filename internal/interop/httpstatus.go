package interop

import (
	"errors"
	"net/http"
)

// HTTPStatus is the status an API response should carry for err. Errors
// outside the taxonomy are internal server errors.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicate, KindConflict:
		return http.StatusConflict
	case KindUnknownPartner:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransient, KindPermanent:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
