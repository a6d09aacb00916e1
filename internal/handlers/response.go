package handlers

import (
	"github.com/gin-gonic/gin"
)

// Envelope is the wire shape shared by every API response: code 1 on
// success, 0 on failure, with the payload under data.
type Envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func respondOK(c *gin.Context, msg string, data any) {
	c.JSON(200, Envelope{Code: 1, Msg: msg, Data: data})
}

func respondFail(c *gin.Context, status int, msg string) {
	c.JSON(status, Envelope{Code: 0, Msg: msg, Data: nil})
}

func pageSizeClamp(size int) int {
	if size < 1 {
		return 20
	}
	if size > 100 {
		return 100
	}
	return size
}
