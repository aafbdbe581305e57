package model

import (
	"errors"
	"fmt"
)

// ErrorKind 错误类别
type ErrorKind string

const (
	ErrInvalidInput      ErrorKind = "invalid_input"
	ErrNotFound          ErrorKind = "not_found"
	ErrConflict          ErrorKind = "conflict"
	ErrUnsupportedFormat ErrorKind = "unsupported_format"
	ErrExtractionFailed  ErrorKind = "extraction_failed"
	ErrEmbeddingFailed   ErrorKind = "embedding_failed"
	ErrStorageFailed     ErrorKind = "storage_failed"
	ErrIndexCorrupt      ErrorKind = "index_corrupt"
	ErrPortUnavailable   ErrorKind = "port_unavailable"
	ErrSubprocessFailed  ErrorKind = "subprocess_failed"
	ErrTimeout           ErrorKind = "timeout"
	ErrCancelled         ErrorKind = "cancelled"
	ErrInternal          ErrorKind = "internal"
)

// AppError 结构化错误
type AppError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建结构化错误
func NewError(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// WrapError 包装底层错误
func WrapError(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf 提取错误类别，普通错误归为 internal
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ErrInternal
}
