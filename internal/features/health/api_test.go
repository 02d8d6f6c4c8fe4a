package health

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthRoutes(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		pingErr error
		code    int
		body    string
	}{
		{"liveness", "/health", nil, fiber.StatusOK, "OK"},
		{"ready", "/health/ready", nil, fiber.StatusOK, `"status":"ok"`},
		{"database down", "/health/ready", errors.New("no reachable servers"), fiber.StatusServiceUnavailable, "no reachable servers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &HealthApi{ping: func(context.Context) error { return tt.pingErr }}
			app := fiber.New()
			h.Setup(app)

			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)

			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), tt.body)
		})
	}
}
