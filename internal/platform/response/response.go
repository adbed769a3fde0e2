// Package response writes the JSON envelopes returned by every HTTP handler.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/magnetiq/service-booking-wizard/internal/platform/apperr"
)

// Envelope is the top-level shape of every response body.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes a 200 response with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes a 201 response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// BadRequest writes a 400 response.
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, string(apperr.KindValidation), message)
}

// Unauthorized writes a 401 response.
func Unauthorized(c *gin.Context, message string) {
	abort(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// Error maps err onto a status code. Errors that are not *apperr.Error are
// reported as internal errors without leaking their text.
func Error(c *gin.Context, err error) {
	if appErr, ok := apperr.As(err); ok {
		message := appErr.Message
		if appErr.Kind == apperr.KindInternal {
			message = "internal server error"
		}
		abort(c, appErr.StatusCode(), string(appErr.Kind), message)
		return
	}
	abort(c, http.StatusInternalServerError, string(apperr.KindInternal), "internal server error")
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message},
	})
}
