package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Msg: "ok", Data: data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, Response{Code: http.StatusAccepted, Msg: "accepted", Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Msg: msg})
}

func badRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, msg)
}

func notFound(c *gin.Context, msg string) {
	fail(c, http.StatusNotFound, msg)
}

func unavailable(c *gin.Context, msg string) {
	fail(c, http.StatusServiceUnavailable, msg)
}

func internalError(c *gin.Context, msg string) {
	fail(c, http.StatusInternalServerError, msg)
}
