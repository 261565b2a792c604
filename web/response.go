package web

import (
	"github.com/gin-gonic/gin"
)

// APIResponse is the envelope of every /api response.
type APIResponse struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Message string     `json:"message,omitempty"`
}

type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error types.
const (
	errorTypeActivation = "activation"
	errorTypeBusy       = "busy"
	errorTypeValidation = "validation"
	errorTypeInternal   = "internal"
	errorTypeForbidden  = "forbidden"
)

func successResponse(c *gin.Context, status int, message string, data any) {
	c.JSON(status, APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// errorResponse sends a failure envelope. data is optional and carries state the
// client still needs, such as the status after a failed activation.
func errorResponse(c *gin.Context, status int, errType, message string, data any) {
	c.JSON(status, APIResponse{
		Success: false,
		Data:    data,
		Error:   &ErrorInfo{Type: errType, Message: message},
	})
}
