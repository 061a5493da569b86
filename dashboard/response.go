package dashboard

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"whatsapp-hub/plugins"
	"whatsapp-hub/store"
	"whatsapp-hub/whatsapp"
)

type envelope struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, envelope{Code: "ok", Data: data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, envelope{Code: "ok", Data: data})
}

func fail(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, envelope{Code: code, Msg: msg})
}

// failErr maps domain errors onto status codes.
func failErr(c echo.Context, err error) error {
	var ierr *whatsapp.InitializationError
	switch {
	case errors.Is(err, whatsapp.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, plugins.ErrUnknownPlugin):
		return fail(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, whatsapp.ErrNotConnected):
		return fail(c, http.StatusConflict, "NOT_CONNECTED", err.Error())
	case errors.Is(err, whatsapp.ErrAlreadyExists):
		return fail(c, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, whatsapp.ErrUnsupportedMediaType):
		return fail(c, http.StatusBadRequest, "UNSUPPORTED_MEDIA_TYPE", err.Error())
	case errors.Is(err, whatsapp.ErrInvalidPhone):
		return fail(c, http.StatusBadRequest, "INVALID_PHONE", err.Error())
	case errors.As(err, &ierr):
		return fail(c, http.StatusBadGateway, "INIT_FAILED", err.Error())
	}
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

func badRequest(c echo.Context, msg string) error {
	return fail(c, http.StatusBadRequest, "INVALID_REQUEST", msg)
}
