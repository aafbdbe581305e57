package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SuccessResponse 成功响应
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    int            `json:"code"`
	Msg     string         `json:"msg"`
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Success 成功响应 (200)
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// Created 创建成功响应 (201)
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: data})
}

// NoContent 无内容响应 (204)
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest 400 错误响应
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Msg: msg, Kind: string(model.ErrInvalidInput)})
}

// NotFound 404 错误响应
func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, ErrorResponse{Code: 404, Msg: msg, Kind: string(model.ErrNotFound)})
}

// Conflict 409 错误响应
func Conflict(c *gin.Context, msg string) {
	c.JSON(http.StatusConflict, ErrorResponse{Code: 409, Msg: msg, Kind: string(model.ErrConflict)})
}

// InternalServerError 500 错误响应
func InternalServerError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Msg: msg, Kind: string(model.ErrInternal)})
}

// Error 按错误类别返回相应的错误响应
func Error(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var appErr *model.AppError
	if !errors.As(err, &appErr) {
		// 未分类错误：记录关联 id 后按 internal 返回
		correlation := uuid.New().String()
		log.Printf("Internal error [%s]: %v", correlation, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code: 500,
			Msg:  "internal error, correlation id " + correlation,
			Kind: string(model.ErrInternal),
		})
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Kind {
	case model.ErrInvalidInput:
		status = http.StatusBadRequest
	case model.ErrNotFound:
		status = http.StatusNotFound
	case model.ErrConflict, model.ErrPortUnavailable:
		status = http.StatusConflict
	case model.ErrUnsupportedFormat:
		status = http.StatusUnsupportedMediaType
	case model.ErrTimeout:
		status = http.StatusGatewayTimeout
	}

	c.JSON(status, ErrorResponse{
		Code:    status,
		Msg:     appErr.Message,
		Kind:    string(appErr.Kind),
		Details: appErr.Details,
	})
}
