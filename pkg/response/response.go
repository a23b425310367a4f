package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-learn/liveclass/internal/apperrors"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err, Code: string(apperrors.ErrCodeBadRequest)})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err, Code: string(apperrors.ErrCodeUnauthorized)})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Error: err, Code: string(apperrors.ErrCodeForbidden)})
}

// Error renders err with the status that matches its AppError code.
// Errors without a code are rendered as a generic 500 so internals do not leak.
func Error(c *gin.Context, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, Body{Success: false, Error: "internal server error", Code: string(apperrors.ErrCodeInternal)})
		return
	}
	status := StatusFromCode(appErr.Code)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, Body{Success: false, Error: appErr.Message, Code: string(appErr.Code), Details: appErr.Details})
}

// StatusFromCode maps an error code to its HTTP status.
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeBadRequest:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeForbidden, apperrors.ErrCodeSignalingRejected:
		return http.StatusForbidden
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeUpstreamFailure:
		return http.StatusBadGateway
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
