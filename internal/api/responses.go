package api

import (
	"maps"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError is the error part of a failed response
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type Meta struct {
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes one page of a listing
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

func requestID(c *gin.Context) string {
	return c.GetString("request_id")
}

func envelope(c *gin.Context) APIResponse {
	return APIResponse{RequestID: requestID(c), Timestamp: time.Now()}
}

func respond(c *gin.Context, status int, data interface{}, meta *Meta) {
	body := envelope(c)
	body.Success, body.Data, body.Meta = true, data, meta
	c.JSON(status, body)
}

func errorResponse(c *gin.Context, status int, apiError *APIError) {
	body := envelope(c)
	body.Error = apiError
	c.JSON(status, body)
}

func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data, nil)
}

func CreatedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, data, nil)
}

// AcceptedResponse acknowledges work that continues in the background
func AcceptedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusAccepted, data, nil)
}

// PaginatedResponse sends one page of a listing
func PaginatedResponse(c *gin.Context, data interface{}, page, pageSize int, total int64) {
	respond(c, http.StatusOK, data, &Meta{Pagination: NewPagination(page, pageSize, total)})
}

// ErrorResponseFromError maps err to a status and error envelope. Server
// side failures are attached to the context for the error logger.
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr := errors.Classify(err)
	status := appErr.Type.HTTPStatus()
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	errorResponse(c, status, &APIError{Code: appErr.Code, Message: appErr.Message, Details: maps.Clone(appErr.Details)})
}

// BadRequestResponse rejects a malformed request
func BadRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// NewPagination derives page counts from total. A non-positive pageSize
// yields zero pages.
func NewPagination(page, pageSize int, total int64) *Pagination {
	p := &Pagination{Page: page, PageSize: pageSize, Total: total, HasPrev: page > 1}
	if pageSize > 0 {
		p.TotalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	p.HasNext = page < p.TotalPages
	return p
}
