// Package response is the JSON envelope helper for the Query API,
// grounded on the teacher's api/response package but narrowed to
// spec.md §7's contract: success responses are the raw payload,
// error responses are exactly {error: string} with the matching
// HTTP status.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope is the shape of every non-2xx response.
type Envelope struct {
	Error string `json:"error"`
}

// JSON writes data as the raw 2xx payload.
func JSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// OK writes a 200 with data as the raw payload.
func OK(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, data)
}

// Created writes a 201 with data as the raw payload.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data)
}

// NoContent writes a 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error writes the {error: message} envelope at status.
func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Envelope{Error: message})
}

// BadRequest writes a 400 validation error.
func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

// NotFound writes a 404.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

// Conflict writes a 409 (duplicate backend name).
func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, message)
}

// InternalError writes a 500 carrying only the given message; the
// underlying error is not echoed to the client (spec.md §7: "internal failures...
// degrade gracefully").
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}
