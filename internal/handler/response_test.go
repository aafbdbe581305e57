// Package handler 响应辅助测试
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/gin-gonic/gin"
)

func run(t *testing.T, fn func(c *gin.Context)) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	fn(c)
	return w
}

func TestSuccess(t *testing.T) {
	w := run(t, func(c *gin.Context) { Success(c, gin.H{"x": 1}) })

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var resp SuccessResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
}

func TestError_KindMapping(t *testing.T) {
	tests := []struct {
		kind model.ErrorKind
		want int
	}{
		{model.ErrInvalidInput, http.StatusBadRequest},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrConflict, http.StatusConflict},
		{model.ErrPortUnavailable, http.StatusConflict},
		{model.ErrUnsupportedFormat, http.StatusUnsupportedMediaType},
		{model.ErrTimeout, http.StatusGatewayTimeout},
		{model.ErrEmbeddingFailed, http.StatusInternalServerError},
		{model.ErrStorageFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := run(t, func(c *gin.Context) {
			Error(c, model.NewError(tt.kind, "boom"))
		})
		if w.Code != tt.want {
			t.Errorf("kind %s -> status %d, want %d", tt.kind, w.Code, tt.want)
		}

		var resp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Kind != string(tt.kind) {
			t.Errorf("response kind = %q, want %q", resp.Kind, tt.kind)
		}
	}
}

func TestError_UnclassifiedGetsCorrelationID(t *testing.T) {
	w := run(t, func(c *gin.Context) {
		Error(c, errors.New("some database explosion"))
	})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != string(model.ErrInternal) {
		t.Errorf("kind = %q, want internal", resp.Kind)
	}
	// 原始错误细节不外泄，只有关联 id
	if resp.Msg == "some database explosion" {
		t.Error("raw internal error leaked to the client")
	}
}
