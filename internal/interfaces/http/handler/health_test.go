package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/erp/charityfund/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHealthRouter(checks map[string]CheckFunc) *gin.Engine {
	h := NewHealthHandler("charityfund", "test", checks)
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	return r
}

func TestHealthHandler_Live(t *testing.T) {
	w := serve(setupHealthRouter(nil), http.MethodGet, "/health/live")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data LivenessResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "charityfund", body.Data.Name)
	assert.NotEmpty(t, body.Data.GoVersion)
}

func TestHealthHandler_Ready(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }

	t.Run("all checks pass", func(t *testing.T) {
		w := serve(setupHealthRouter(map[string]CheckFunc{"database": ok, "broker": ok}), http.MethodGet, "/health/ready")

		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Data ReadinessResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Data.Ready)
		assert.Equal(t, map[string]string{"database": "ok", "broker": "ok"}, body.Data.Checks)
	})

	t.Run("failing check answers 503", func(t *testing.T) {
		down := func(ctx context.Context) error { return errors.New("dial tcp: connection refused") }
		w := serve(setupHealthRouter(map[string]CheckFunc{"database": ok, "broker": down}), http.MethodGet, "/health/ready")

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		var body struct {
			Data  ReadinessResponse `json:"data"`
			Error dto.ErrorInfo     `json:"error"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.False(t, body.Data.Ready)
		assert.Equal(t, "dial tcp: connection refused", body.Data.Checks["broker"])
		assert.Equal(t, dto.ErrCodeUnavailable, body.Error.Code)
	})
}
