package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/errors"
)

// APIResponse is the standard response envelope
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries an error code, message, and optional details
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Meta holds response metadata
type Meta struct {
	Pagination *Pagination `json:"pagination,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Pagination is the page window echoed back to clients
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a 200 response with the standard envelope
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// SuccessResponseWithMeta sends a 200 response with metadata
func SuccessResponseWithMeta(c *gin.Context, data interface{}, meta *Meta) {
	if meta != nil {
		meta.Timestamp = time.Now()
	}
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Meta:      meta,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// CreatedResponse sends a 201 response
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NoContentResponse sends a 204 response
func NoContentResponse(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// ErrorResponseFromError maps an error onto the right status code and envelope
func ErrorResponseFromError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	apiError := &APIError{
		Code:    "INTERNAL_ERROR",
		Message: "An unexpected error occurred",
	}

	if appErr, ok := err.(*errors.AppError); ok {
		switch appErr.Type {
		case errors.ErrorTypeValidation:
			statusCode = http.StatusBadRequest
		case errors.ErrorTypeAuthentication:
			statusCode = http.StatusUnauthorized
		case errors.ErrorTypeAuthorization:
			statusCode = http.StatusForbidden
		case errors.ErrorTypeNotFound:
			statusCode = http.StatusNotFound
		case errors.ErrorTypeConflict:
			statusCode = http.StatusConflict
		case errors.ErrorTypeRateLimit:
			statusCode = http.StatusTooManyRequests
		case errors.ErrorTypeTimeout:
			statusCode = http.StatusRequestTimeout
		case errors.ErrorTypeExternal:
			statusCode = http.StatusBadGateway
		}

		apiError = &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
		}
		if len(appErr.Details) > 0 {
			apiError.Details = appErr.Details
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ValidationErrorResponse sends a 400 response
func ValidationErrorResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "VALIDATION_ERROR",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// UnauthorizedResponse sends a 401 response
func UnauthorizedResponse(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "UNAUTHORIZED",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// paginationMeta converts a repository page window into response metadata
func paginationMeta(p *database.Pagination, total int64) *Meta {
	totalPages := int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	return &Meta{
		Pagination: &Pagination{
			Page:       p.Page,
			PageSize:   p.PageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    p.Page < totalPages,
			HasPrev:    p.Page > 1,
		},
	}
}
